package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrShopNotFound is returned when a job references an unknown shop
	ErrShopNotFound = errors.New("shop not found")

	// ErrCredentialsNotFound is returned when a shop has no CRM credential configured
	ErrCredentialsNotFound = errors.New("no CRM credentials configured for shop")

	// ErrInvalidPayload is returned when job payload JSON is malformed
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrAttemptsExhausted is returned when a job has used up its attempt budget
	ErrAttemptsExhausted = errors.New("job attempts exhausted")
)

// RetryableError wraps transient errors; jobs failing with one go back to
// pending and are re-dispatched, everything else fails terminally.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err should send the job back to pending.
func IsRetryable(err error) bool {
	var retryable *RetryableError
	return errors.As(err, &retryable)
}
