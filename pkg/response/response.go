// Package response renders the transfer core's HTTP envelope and maps
// apperr.Kind onto the business error codes of spec section 7.
package response

import (
	"net/http"

	"p2pwallet/internal/apperr"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess      = 0
	CodeParamError   = 400
	CodeUnauthorized = 401
	CodeNotFound     = 404
	CodeServerError  = 500
)

// Business error codes, one per apperr.Kind of spec section 7.
const (
	CodeInvalidRequest    = 1001
	CodeCurrencyMismatch  = 1002
	CodeInsufficientFunds = 1003
	CodeLimitExceeded     = 1004
	CodeConflict          = 1005
	CodeLockTimeout       = 1006
	CodeCacheError        = 1007
	CodeStoreError        = 1008
	CodeCompensationAlert = 1009
)

var kindToCode = map[apperr.Kind]int{
	apperr.KindInvalidRequest:    CodeInvalidRequest,
	apperr.KindNotFound:          CodeNotFound,
	apperr.KindCurrencyMismatch:  CodeCurrencyMismatch,
	apperr.KindInsufficientFunds: CodeInsufficientFunds,
	apperr.KindLimitExceeded:     CodeLimitExceeded,
	apperr.KindConflict:          CodeConflict,
	apperr.KindLockTimeout:       CodeLockTimeout,
	apperr.KindCacheError:        CodeCacheError,
	apperr.KindStoreError:        CodeStoreError,
	apperr.KindCompensationAlert: CodeCompensationAlert,
}

var kindToStatus = map[apperr.Kind]int{
	apperr.KindInvalidRequest:    http.StatusBadRequest,
	apperr.KindNotFound:          http.StatusNotFound,
	apperr.KindCurrencyMismatch:  http.StatusUnprocessableEntity,
	apperr.KindInsufficientFunds: http.StatusUnprocessableEntity,
	apperr.KindLimitExceeded:     http.StatusUnprocessableEntity,
	apperr.KindConflict:          http.StatusConflict,
	apperr.KindLockTimeout:       http.StatusServiceUnavailable,
	apperr.KindCacheError:        http.StatusInternalServerError,
	apperr.KindStoreError:        http.StatusInternalServerError,
	apperr.KindCompensationAlert: http.StatusInternalServerError,
}

type Envelope struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Envelope{Code: CodeSuccess, Message: "success", Data: data})
}

func ParamError(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, Envelope{Code: CodeParamError, Message: message})
}

func Unauthorized(c *gin.Context, message string) {
	c.JSON(http.StatusUnauthorized, Envelope{Code: CodeUnauthorized, Message: message})
}

// FromError maps any error returned by the transfer core onto an HTTP
// status and business code via its apperr.Kind (spec section 7), falling
// back to a generic 500 for anything that never went through apperr.
func FromError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	code, ok := kindToCode[kind]
	if !ok {
		code = CodeServerError
	}
	status, ok := kindToStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	c.JSON(status, Envelope{Code: code, Message: err.Error()})
}
