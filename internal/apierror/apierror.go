package apierror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
)

type ErrorCode string

const (
	ErrNotFound                ErrorCode = "NOT_FOUND"
	ErrMalformedIdentifier     ErrorCode = "MALFORMED_IDENTIFIER"
	ErrWrongShard              ErrorCode = "WRONG_SHARD"
	ErrAlreadyReserved         ErrorCode = "ALREADY_RESERVED"
	ErrInvalidReservation      ErrorCode = "INVALID_RESERVATION"
	ErrTransfersConflict       ErrorCode = "TRANSFERS_CONFLICT"
	ErrForbiddenCancellation   ErrorCode = "FORBIDDEN_CANCELLATION"
	ErrStaleWrite              ErrorCode = "STALE_WRITE"
	ErrConflictingFinalization ErrorCode = "CONFLICTING_FINALIZATION"
	ErrInvalidInput            ErrorCode = "INVALID_INPUT"
	ErrInternalServer          ErrorCode = "INTERNAL_SERVER_ERROR"
)

type APIError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewAPIError(code ErrorCode, message string, details interface{}) APIError {
	switch code {
	case ErrConflictingFinalization, ErrWrongShard:
		// Integrity and routing violations are never patched over.
		logrus.WithField("code", code).Error(message, " ", details)
	case ErrInternalServer:
		logrus.Error(details)
	}
	return APIError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// HasCode reports whether err is an APIError carrying the given code.
func HasCode(err error, code ErrorCode) bool {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// IsRetryable reports whether the operation that produced err may be
// retried as-is. Only transient conditions qualify; client errors,
// routing mismatches and integrity violations never do.
func IsRetryable(err error) bool {
	return HasCode(err, ErrStaleWrite)
}

func MapErrorToHTTPStatus(err error) int {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case ErrNotFound:
			return http.StatusNotFound
		case ErrAlreadyReserved, ErrTransfersConflict, ErrForbiddenCancellation, ErrConflictingFinalization, ErrStaleWrite:
			return http.StatusConflict
		case ErrMalformedIdentifier, ErrInvalidInput:
			return http.StatusBadRequest
		case ErrWrongShard, ErrInvalidReservation:
			return http.StatusUnprocessableEntity
		default:
			return http.StatusInternalServerError
		}
	}
	return http.StatusInternalServerError
}
