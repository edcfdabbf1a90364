package contracts

import (
	"errors"
	"fmt"
)

// BusinessError signals that a handler rejected the event on business-rule
// grounds. Retrying will not help; the message is dead-lettered.
type BusinessError struct {
	Reason string
	Err    error
}

func (e *BusinessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("business rule rejected: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("business rule rejected: %s", e.Reason)
}

func (e *BusinessError) Unwrap() error {
	return e.Err
}

// NewBusinessError creates a permanent business-rule rejection.
func NewBusinessError(reason string, err error) *BusinessError {
	return &BusinessError{Reason: reason, Err: err}
}

// TransientError signals that a handler failed for a temporary reason and the
// message should be retried later.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as retryable.
func NewTransientError(err error) *TransientError {
	return &TransientError{Err: err}
}

// IsBusinessError reports whether err is (or wraps) a BusinessError.
func IsBusinessError(err error) bool {
	var be *BusinessError
	return errors.As(err, &be)
}

// IsTransientError reports whether err is (or wraps) a TransientError.
func IsTransientError(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ClassifyHandlerError maps a handler error to a ProcessingResult. Business
// rejections are permanent: redelivery cannot change a rule violation.
// Everything else, including errors of unknown provenance, is retried.
func ClassifyHandlerError(err error) ProcessingResult {
	switch {
	case err == nil:
		return ProcessingSuccess
	case IsBusinessError(err):
		return ProcessingPermanentFailure
	default:
		return ProcessingRetryLater
	}
}
