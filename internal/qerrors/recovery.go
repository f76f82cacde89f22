package qerrors

import (
	"fmt"
	"runtime/debug"
)

// PanicError carries a recovered panic value together with the stack
// captured at the recovery site.
type PanicError struct {
	Value      interface{}
	Stacktrace string
}

// NewPanicError wraps a recovered panic value and captures the current
// goroutine's stack. Call it inside the deferred recover block so the
// trace still points at the panicking frames.
func NewPanicError(value interface{}) *PanicError {
	return &PanicError{
		Value:      value,
		Stacktrace: string(debug.Stack()),
	}
}

// Error implements the error interface
func (p *PanicError) Error() string {
	return fmt.Sprintf("panic recovered: %v", p.Value)
}
