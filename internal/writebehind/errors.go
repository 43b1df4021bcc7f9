package writebehind

import (
	"errors"
	"fmt"
)

var (
	ErrExecutorClosed = errors.New("writebehind: executor closed")
	ErrQueueFull      = errors.New("writebehind: queue full")
)

// QueueFullError reports which shard queue rejected a write.
type QueueFullError struct {
	Shard    int
	Length   int
	Capacity int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("writebehind: shard %d queue full (%d/%d)", e.Shard, e.Length, e.Capacity)
}

func (e *QueueFullError) Is(target error) bool { return target == ErrQueueFull }

// permanentError marks a write that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the executor gives up on it immediately. Constraint
// violations and decode failures belong here; connection errors do not.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
