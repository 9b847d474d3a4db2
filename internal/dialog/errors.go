package dialog

import (
	"context"
	"fmt"
	"runtime/debug"
)

// PanicError wraps a value recovered from a panicking router or dialog.
type PanicError struct {
	Value any
	Stack string
}

func newPanicError(v any) *PanicError {
	return &PanicError{Value: v, Stack: string(debug.Stack())}
}

func (e *PanicError) Error() string {
	if err, ok := e.Value.(error); ok {
		return err.Error()
	}
	return fmt.Sprint(e.Value)
}

func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

// StackTrace is picked up by domain.Context.SetError.
func (e *PanicError) StackTrace() string { return e.Stack }

// ErrorDialog answers a turn the router could not resolve. It never keeps
// the topic on.
type ErrorDialog struct {
	Base
}

func (d *ErrorDialog) ComposeResponse(ctx context.Context, t *Turn) (any, error) {
	t.Context.Topic.KeepOn = false
	return "?", nil
}

// ErrorDefinition is the dialog used when routing fails.
var ErrorDefinition = Define("error", func(deps *Dependencies) Handler {
	return &ErrorDialog{Base: Base{Deps: deps}}
})

// BaseDefinition is the bare Base dialog. Its topic name is empty, so using
// it never starts a topic.
var BaseDefinition = Define("", func(deps *Dependencies) Handler {
	return &Base{Deps: deps}
})

var _ Handler = (*Base)(nil)
var _ Handler = (*ErrorDialog)(nil)
