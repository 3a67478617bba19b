package saga

import (
	"context"
	"errors"
	"testing"

	"p2pwallet/internal/apperr"
	"p2pwallet/internal/models"
)

type fakeRecorder struct {
	progress     []string
	compensation []string
}

func (r *fakeRecorder) RecordProgress(ctx context.Context, state models.SagaState, stepName string, advanced bool) error {
	if advanced {
		r.progress = append(r.progress, stepName)
	}
	return nil
}

func (r *fakeRecorder) RecordCompensation(ctx context.Context, state models.SagaState, stepName string) error {
	r.compensation = append(r.compensation, stepName)
	return nil
}

func TestRunCompletesAllSteps(t *testing.T) {
	var ran []string
	rec := &fakeRecorder{}
	steps := []Step{
		{Name: "a", Execute: func(ctx context.Context) error { ran = append(ran, "a"); return nil }},
		{Name: "b", Execute: func(ctx context.Context) error { ran = append(ran, "b"); return nil }},
	}
	c := New(steps, rec)

	out := c.Run(context.Background())
	if !out.Completed || out.Compensated {
		t.Fatalf("expected clean completion, got %+v", out)
	}
	if len(ran) != 2 || ran[0] != "a" || ran[1] != "b" {
		t.Fatalf("unexpected execution order: %v", ran)
	}
	if len(rec.progress) != 2 {
		t.Fatalf("expected 2 progress snapshots, got %v", rec.progress)
	}
}

func TestRunRetriesRetryableStepBeforeGivingUp(t *testing.T) {
	attempts := 0
	rec := &fakeRecorder{}
	steps := []Step{
		{
			Name: "flaky",
			Execute: func(ctx context.Context) error {
				attempts++
				if attempts < 3 {
					return errors.New("transient")
				}
				return nil
			},
			Retryable:  true,
			MaxRetries: 5,
		},
	}
	c := New(steps, rec)

	out := c.Run(context.Background())
	if !out.Completed {
		t.Fatalf("expected the step to eventually succeed, got %+v", out)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRunSkipsRetryForBusinessErrorEvenWhenStepIsRetryable(t *testing.T) {
	attempts := 0
	rec := &fakeRecorder{}
	steps := []Step{
		{
			Name: "debit_source",
			Execute: func(ctx context.Context) error {
				attempts++
				return apperr.New(apperr.KindInsufficientFunds, "not enough balance")
			},
			Retryable:  true,
			MaxRetries: 2,
		},
	}
	c := New(steps, rec)

	out := c.Run(context.Background())
	if out.Completed {
		t.Fatalf("expected the saga to fail, got %+v", out)
	}
	if attempts != 1 {
		t.Fatalf("expected a business error to skip retries, got %d attempts", attempts)
	}
}

func TestRunCompensatesCompletedStepsInReverseOnFailure(t *testing.T) {
	var compensated []string
	rec := &fakeRecorder{}
	steps := []Step{
		{
			Name:       "debit_source",
			Execute:    func(ctx context.Context) error { return nil },
			Compensate: func(ctx context.Context) error { compensated = append(compensated, "debit_source"); return nil },
		},
		{
			Name:       "credit_destination",
			Execute:    func(ctx context.Context) error { return nil },
			Compensate: func(ctx context.Context) error { compensated = append(compensated, "credit_destination"); return nil },
		},
		{
			Name:    "finalize_transfer",
			Execute: func(ctx context.Context) error { return errors.New("finalize failed") },
		},
	}
	c := New(steps, rec)

	out := c.Run(context.Background())
	if out.Completed || !out.Compensated {
		t.Fatalf("expected a compensated, non-completed outcome, got %+v", out)
	}
	if out.FailedStep != "finalize_transfer" {
		t.Fatalf("expected failed step finalize_transfer, got %q", out.FailedStep)
	}
	if len(compensated) != 2 || compensated[0] != "credit_destination" || compensated[1] != "debit_source" {
		t.Fatalf("expected reverse-order compensation, got %v", compensated)
	}
	if len(rec.compensation) != 2 {
		t.Fatalf("expected 2 compensation snapshots, got %v", rec.compensation)
	}
}

func TestRunContinuesCompensationBestEffortOnIndividualFailure(t *testing.T) {
	var compensated []string
	rec := &fakeRecorder{}
	steps := []Step{
		{
			Name:       "step1",
			Execute:    func(ctx context.Context) error { return nil },
			Compensate: func(ctx context.Context) error { compensated = append(compensated, "step1"); return nil },
		},
		{
			Name:       "step2",
			Execute:    func(ctx context.Context) error { return nil },
			Compensate: func(ctx context.Context) error { return errors.New("compensation failed") },
		},
		{
			Name:    "step3",
			Execute: func(ctx context.Context) error { return errors.New("boom") },
		},
	}
	c := New(steps, rec)

	out := c.Run(context.Background())
	if out.Completed {
		t.Fatalf("expected non-completed outcome")
	}
	if !out.Compensated {
		t.Fatalf("expected compensated=true since step1's compensation ran")
	}
	if len(compensated) != 1 || compensated[0] != "step1" {
		t.Fatalf("expected only step1's compensation to have recorded success, got %v", compensated)
	}
}
