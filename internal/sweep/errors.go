package sweep

import "errors"

// transientError marks a provider failure as retryable at queue granularity
// (rate limits, 5xx responses). Timeouts are classified separately by the
// dispatcher.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so IsTransient reports true for it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked retryable by a provider.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
