package engine

import "errors"

var (
	ErrStopped     = errors.New("task engine stopped")
	ErrStopping    = errors.New("task engine stopping")
	ErrOverlapSkip = errors.New("task skipped due to overlap policy")
)

// PanicError is the error recorded for a task whose Run panicked.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return "task panicked: " + formatPanic(e.Value)
}
