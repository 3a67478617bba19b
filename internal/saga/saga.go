// Package saga implements the generic Saga Coordinator of spec section 4.F:
// an ordered list of steps, each with an execute action, a compensate
// action, a retryable flag and a max-retry count, driven to completion or
// to reverse-order compensation with a persisted progress snapshot after
// every step.
package saga

import (
	"context"
	"log"

	"p2pwallet/internal/apperr"
	"p2pwallet/internal/models"
)

// Step is one entry of the ordered step sequence. Execute and Compensate
// both receive the shared ctx; state carried between steps belongs to the
// caller's closure, not to the Step itself.
type Step struct {
	Name       string
	Execute    func(ctx context.Context) error
	Compensate func(ctx context.Context) error
	Retryable  bool
	MaxRetries int
}

// ProgressRecorder persists the saga-state snapshot after every step, the
// mechanism that makes a saga crash-recoverable from the durable store
// alone (spec section 4.F). advanced is true only when stepName just
// completed successfully in the forward direction, letting the recorder
// tell a genuine sub-state transition apart from a retry-in-progress
// snapshot of the same step.
type ProgressRecorder interface {
	RecordProgress(ctx context.Context, state models.SagaState, stepName string, advanced bool) error
	RecordCompensation(ctx context.Context, state models.SagaState, stepName string) error
}

// Coordinator runs a fixed step sequence.
type Coordinator struct {
	steps    []Step
	recorder ProgressRecorder
}

func New(steps []Step, recorder ProgressRecorder) *Coordinator {
	return &Coordinator{steps: steps, recorder: recorder}
}

// Outcome is what Run reports once the saga reaches a terminal state.
type Outcome struct {
	Completed   bool
	Compensated bool
	FailedStep  string
	Err         error
}

// Run drives the coordinator's steps in order. On a non-retryable failure
// (or a retryable one that exhausts its retries) it compensates every
// completed step in reverse order, continuing through individual
// compensation failures best-effort (spec section 4.F).
func (c *Coordinator) Run(ctx context.Context) Outcome {
	state := models.SagaState{CurrentStep: 0, CompletedSteps: []string{}, CompensatedSteps: []string{}}

	for i, step := range c.steps {
		state.CurrentStep = i
		retries := 0
		var stepErr error
		for {
			stepErr = step.Execute(ctx)
			if stepErr == nil {
				break
			}
			if step.Retryable && retries < step.MaxRetries && apperr.IsInfra(apperr.KindOf(stepErr)) {
				retries++
				state.RetryCount++
				log.Printf("[SagaCoordinator] step %q failed, retrying (%d/%d): %v", step.Name, retries, step.MaxRetries, stepErr)
				if err := c.recorder.RecordProgress(ctx, state, step.Name, false); err != nil {
					log.Printf("[SagaCoordinator] persisting retry progress for %q failed: %v", step.Name, err)
				}
				continue
			}
			break
		}

		if stepErr != nil {
			state.LastError = &models.SagaStepError{
				Message: stepErr.Error(),
				Step:    step.Name,
			}
			if err := c.recorder.RecordProgress(ctx, state, step.Name, false); err != nil {
				log.Printf("[SagaCoordinator] persisting failure progress for %q failed: %v", step.Name, err)
			}
			return c.compensate(ctx, state, i, step.Name, stepErr)
		}

		state.CompletedSteps = append(state.CompletedSteps, step.Name)
		if err := c.recorder.RecordProgress(ctx, state, step.Name, true); err != nil {
			log.Printf("[SagaCoordinator] persisting progress for %q failed: %v", step.Name, err)
		}
	}

	return Outcome{Completed: true}
}

// compensate runs the inverse of every completed step at index < failedIdx,
// in reverse order, best-effort.
func (c *Coordinator) compensate(ctx context.Context, state models.SagaState, failedIdx int, failedStep string, cause error) Outcome {
	ran := false
	for i := failedIdx - 1; i >= 0; i-- {
		step := c.steps[i]
		if step.Compensate == nil {
			continue
		}
		ran = true
		if err := step.Compensate(ctx); err != nil {
			log.Printf("[SagaCoordinator] compensation for step %q failed, continuing best-effort: %v", step.Name, err)
			alert := apperr.Wrap(apperr.KindCompensationAlert, "compensation step failed", err)
			log.Printf("[SagaCoordinator] ALERT: %v", alert)
			continue
		}
		state.CompensatedSteps = append(state.CompensatedSteps, step.Name)
		if err := c.recorder.RecordCompensation(ctx, state, step.Name); err != nil {
			log.Printf("[SagaCoordinator] persisting compensation progress for %q failed: %v", step.Name, err)
		}
	}
	return Outcome{Completed: false, Compensated: ran, FailedStep: failedStep, Err: cause}
}
