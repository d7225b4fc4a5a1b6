package rivulet

import (
	"errors"
	"fmt"
)

// deadLetterError marks a record as malformed rather than the pipeline as
// broken. Processors wrap deserialization failures with DeadLetter; the task
// then routes the record to the dead-letter topic when one is configured, or
// fails fast otherwise.
type deadLetterError struct {
	err error
}

func (e *deadLetterError) Error() string {
	return fmt.Sprintf("dead letter: %v", e.err)
}

func (e *deadLetterError) Unwrap() error { return e.err }

// DeadLetter wraps a record-level failure, typically a serde error.
func DeadLetter(err error) error {
	if err == nil {
		return nil
	}
	return &deadLetterError{err: err}
}

// IsDeadLetter reports whether err marks a malformed record.
func IsDeadLetter(err error) bool {
	var dle *deadLetterError
	return errors.As(err, &dle)
}
