package inference

import "errors"

var (
	// ErrNotFound means the object is not (yet) present in the store. It is
	// the only error the poller treats as retryable.
	ErrNotFound = errors.New("object not found")
	// ErrSubmission wraps any failure to queue an inference request.
	ErrSubmission = errors.New("submission failed")
	// ErrTimeout is returned when a result did not appear within the
	// configured poll timeout.
	ErrTimeout = errors.New("timed out waiting for result")
)

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
