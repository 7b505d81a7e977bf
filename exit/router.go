// Package exit routes VM exits to the entry point registered for their basic
// exit reason.
package exit

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/govmx/vmcs"
)

var (
	// ErrUnexpectedExitReason is an exit no entry point is registered for.
	ErrUnexpectedExitReason = errors.New("unexpected vm exit reason")

	// ErrHandlerExists is returned when a second entry point is registered
	// for the same exit reason.
	ErrHandlerExists = errors.New("exit handler already registered")
)

// Handler is the entry point for one exit reason. It returns false when the
// guest must not be resumed.
type Handler func(v vmcs.VMCS) (bool, error)

// Router maps each basic exit reason to exactly one Handler.
type Router struct {
	handlers map[vmcs.ExitReason]Handler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[vmcs.ExitReason]Handler)}
}

// AddHandler registers h as the entry point for reason.
func (r *Router) AddHandler(reason vmcs.ExitReason, h Handler) error {
	if _, ok := r.handlers[reason]; ok {
		return fmt.Errorf("%v: %w", reason, ErrHandlerExists)
	}

	r.handlers[reason] = h

	return nil
}

// Dispatch runs the entry point for the exit recorded in v.
func (r *Router) Dispatch(v vmcs.VMCS) (bool, error) {
	val, err := v.Read(vmcs.ExitReasonField)
	if err != nil {
		return false, err
	}

	reason := vmcs.ExitReason(val & 0xffff)

	h, ok := r.handlers[reason]
	if !ok {
		return false, fmt.Errorf("%w: %v", ErrUnexpectedExitReason, reason)
	}

	return h(v)
}
