// Package chain implements the ordered callback chains the exit handlers run
// for each kind of trap.
package chain

import "github.com/bobuhiro11/govmx/vmcs"

// Callback observes or overrides one kind of trap. Handle returns true when
// it claims the exit; no later callback runs after a claim.
//
// The chain keeps the callback value only. Any state a callback refers to
// belongs to whoever registered it and must outlive the handler owning the
// chain.
type Callback[I any] interface {
	Handle(v vmcs.VMCS, info *I) bool
}

// CallbackFunc adapts an ordinary function to a Callback.
type CallbackFunc[I any] func(v vmcs.VMCS, info *I) bool

func (f CallbackFunc[I]) Handle(v vmcs.VMCS, info *I) bool {
	return f(v, info)
}

// Chain is an ordered sequence of callbacks. The most recently added callback
// runs first, so later policy overrides earlier policy.
//
// A Chain is not safe for concurrent use. Callbacks are added during vcpu
// setup, before the first matching exit is dispatched.
type Chain[I any] struct {
	cbs []Callback[I]
}

// Add inserts cb at the head of the chain.
func (c *Chain[I]) Add(cb Callback[I]) {
	c.cbs = append(c.cbs, nil)
	copy(c.cbs[1:], c.cbs)
	c.cbs[0] = cb
}

// Len returns the number of callbacks in the chain.
func (c *Chain[I]) Len() int {
	return len(c.cbs)
}

// Dispatch invokes the callbacks head to tail with info until one claims the
// exit, and reports whether any did.
func (c *Chain[I]) Dispatch(v vmcs.VMCS, info *I) bool {
	for _, cb := range c.cbs {
		if cb.Handle(v, info) {
			return true
		}
	}

	return false
}
