// Package extint handles VM exits caused by external interrupts.
//
// With acknowledge-interrupt-on-exit enabled the processor acknowledges the
// interrupt controller before exiting and reports the vector in the exit
// interruption information. The interrupt is consumed at that point, so a
// vector no callback claims cannot be delivered later and is fatal.
package extint

import (
	"fmt"
	"log/slog"

	"github.com/bobuhiro11/govmx/chain"
	"github.com/bobuhiro11/govmx/debug"
	"github.com/bobuhiro11/govmx/exit"
	"github.com/bobuhiro11/govmx/vmcs"
)

const numVectors = 0x100

// Info is passed to every external interrupt callback.
type Info struct {
	Vector uint64
}

type (
	Callback     = chain.Callback[Info]
	CallbackFunc = chain.CallbackFunc[Info]
)

// UnhandledVectorError reports an external interrupt no callback claimed.
type UnhandledVectorError struct {
	Vector uint64
}

func (e *UnhandledVectorError) Error() string {
	return fmt.Sprintf("%v: %#x", vmcs.ErrUnhandledVector, e.Vector)
}

func (e *UnhandledVectorError) Unwrap() error {
	return vmcs.ErrUnhandledVector
}

// Handler owns the external interrupt callback chain and vector histogram of
// one vcpu.
type Handler struct {
	handlers chain.Chain[Info]

	logEnabled bool
	log        [numVectors]uint64

	logger *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = l
	}
}

func WithLog(enabled bool) Option {
	return func(h *Handler) {
		h.logEnabled = enabled
	}
}

// New creates a Handler and registers it as the entry point for external
// interrupt exits.
func New(r *exit.Router, opts ...Option) (*Handler, error) {
	h := &Handler{logger: slog.Default()}

	for _, opt := range opts {
		opt(h)
	}

	if err := r.AddHandler(vmcs.ExitReasonExternalInterrupt, h.Handle); err != nil {
		return nil, err
	}

	return h, nil
}

// AddCallback adds cb at the head of the chain run for every vector.
func (h *Handler) AddCallback(cb Callback) {
	h.handlers.Add(cb)
}

// EnableExiting makes external interrupts exit with the vector already
// acknowledged.
func (h *Handler) EnableExiting(v vmcs.VMCS) error {
	if err := vmcs.SetBits(v, vmcs.PinBasedControls, vmcs.PinExternalInterruptExiting); err != nil {
		return err
	}

	return vmcs.SetBits(v, vmcs.ExitControls, vmcs.ExitAckInterruptOnExit)
}

// DisableExiting hands external interrupts back to the guest.
func (h *Handler) DisableExiting(v vmcs.VMCS) error {
	if err := vmcs.ClearBits(v, vmcs.PinBasedControls, vmcs.PinExternalInterruptExiting); err != nil {
		return err
	}

	return vmcs.ClearBits(v, vmcs.ExitControls, vmcs.ExitAckInterruptOnExit)
}

// Handle is the entry point for external interrupt exits. The guest RIP is
// not touched: the exit happened between instructions.
func (h *Handler) Handle(v vmcs.VMCS) (bool, error) {
	val, err := v.Read(vmcs.ExitInterruptionInfo)
	if err != nil {
		return false, err
	}

	info := Info{Vector: uint64(vmcs.InterruptionInfo(val).Vector())}

	if debug.Enabled && h.logEnabled {
		h.log[info.Vector]++
		h.logger.Debug("external interrupt", "vector", fmt.Sprintf("%#x", info.Vector))
	}

	if h.handlers.Dispatch(v, &info) {
		return true, nil
	}

	return false, &UnhandledVectorError{Vector: info.Vector}
}

// EnableLog switches the vector histogram on or off. It has no effect in
// builds without instrumentation.
func (h *Handler) EnableLog(enabled bool) {
	h.logEnabled = enabled
}

// Count returns how many exits vector has caused while logging was on.
func (h *Handler) Count(vector uint8) uint64 {
	return h.log[vector]
}

// DumpLog writes the count of every vector seen at least once.
func (h *Handler) DumpLog() {
	h.logger.Info("external interrupt counts")

	for vector, n := range h.log {
		if n > 0 {
			h.logger.Info("external interrupt count", "vector", vector, "count", n)
		}
	}
}
