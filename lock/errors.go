package lock

import (
	"errors"
	"fmt"
	"time"
)

/*
ContendedError indicates acquisition exhausted its attempt or time budget
without success. It is retryable by the caller at a higher level; the
coordinator itself never retries past the configured limits.
*/
type ContendedError struct {
	Key      string
	Attempts int
	Elapsed  time.Duration
}

func (e *ContendedError) Error() string {
	return fmt.Sprintf("could not acquire lock on key %s after %d attempts over %s", e.Key, e.Attempts, e.Elapsed)
}

/*
IsContended returns whether the error means the lock was held by others for
the whole acquisition budget, as opposed to the coordination store being
unreachable.
*/
func IsContended(err error) bool {
	contendedErr := &ContendedError{}
	return errors.As(err, &contendedErr)
}
