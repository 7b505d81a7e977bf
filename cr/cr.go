// Package cr handles VM exits caused by guest accesses to CR0, CR3 and CR4.
//
// Every trap builds an Info with the default values below, runs the callback
// chain for the trapping operation, and then applies default emulation with
// whatever the callbacks left in Info:
//
//	operation   Val                    Shadow
//	write CR0   source register        CR0 read shadow
//	write CR3   source register        0
//	write CR4   source register        CR4 read shadow
//	read CR3    guest CR3              0
//
// Writes update the guest register (and read shadow for CR0 and CR4) unless
// IgnoreWrite is set; reads store Val into the destination register unless
// IgnoreWrite is set. The guest RIP is advanced unless IgnoreAdvance is set.
// A trap with no claiming callback still gets default emulation.
package cr

import (
	"fmt"
	"log/slog"

	"github.com/bobuhiro11/govmx/chain"
	"github.com/bobuhiro11/govmx/exit"
	"github.com/bobuhiro11/govmx/vmcs"
)

// Info is passed to every callback of a control register trap.
type Info struct {
	// Val is the value being written to, or read from, the register.
	Val uint64

	// Shadow is the new read shadow. Only CR0 and CR4 have one.
	Shadow uint64

	// IgnoreWrite skips the register update. Set it when the callback
	// already updated guest state itself.
	IgnoreWrite bool

	// IgnoreAdvance leaves the guest RIP on the trapping instruction.
	IgnoreAdvance bool
}

type (
	Callback     = chain.Callback[Info]
	CallbackFunc = chain.CallbackFunc[Info]
)

// Register names a control register with trap handling.
type Register uint8

const (
	CR0 Register = 0
	CR3 Register = 3
	CR4 Register = 4
)

var registers = [...]Register{CR0, CR3, CR4}

func (r Register) String() string {
	return fmt.Sprintf("cr%d", uint8(r))
}

// Record is one logged trap.
type Record struct {
	Val    uint64
	Shadow uint64
}

// UnsupportedAccessError is a control register exit with no emulation, for
// example a MOV from CR0 or an access to CR8.
type UnsupportedAccessError struct {
	Access vmcs.CRAccess
}

func (e *UnsupportedAccessError) Error() string {
	return fmt.Sprintf("%s cr%d: %v", e.Access.Type, e.Access.Number, vmcs.ErrUnsupportedAccess)
}

func (e *UnsupportedAccessError) Unwrap() error {
	return vmcs.ErrUnsupportedAccess
}

// Handler owns the control register callback chains and trap logs of one
// vcpu.
type Handler struct {
	wrcr0 chain.Chain[Info]
	rdcr3 chain.Chain[Info]
	wrcr3 chain.Chain[Info]
	wrcr4 chain.Chain[Info]

	logEnabled bool
	logs       map[Register][]Record

	logger *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger used for trap tracing and DumpLog.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = l
	}
}

// WithLog sets the initial state of the runtime log switch.
func WithLog(enabled bool) Option {
	return func(h *Handler) {
		h.logEnabled = enabled
	}
}

// New creates a Handler and registers it as the entry point for control
// register access exits.
func New(r *exit.Router, opts ...Option) (*Handler, error) {
	h := &Handler{
		logs:   make(map[Register][]Record, len(registers)),
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(h)
	}

	if err := r.AddHandler(vmcs.ExitReasonControlRegisterAccess, h.Handle); err != nil {
		return nil, err
	}

	return h, nil
}

func (h *Handler) AddWrCR0Callback(cb Callback) { h.wrcr0.Add(cb) }
func (h *Handler) AddRdCR3Callback(cb Callback) { h.rdcr3.Add(cb) }
func (h *Handler) AddWrCR3Callback(cb Callback) { h.wrcr3.Add(cb) }
func (h *Handler) AddWrCR4Callback(cb Callback) { h.wrcr4.Add(cb) }

// EnableWrCR0Exiting makes guest writes that change a bit set in mask trap,
// and makes guest reads of those bits return shadow.
func (h *Handler) EnableWrCR0Exiting(v vmcs.VMCS, mask, shadow uint64) error {
	return enableShadow(v, vmcs.CR0GuestHostMask, vmcs.CR0ReadShadow, mask, shadow)
}

// EnableWrCR4Exiting is EnableWrCR0Exiting for CR4.
func (h *Handler) EnableWrCR4Exiting(v vmcs.VMCS, mask, shadow uint64) error {
	return enableShadow(v, vmcs.CR4GuestHostMask, vmcs.CR4ReadShadow, mask, shadow)
}

// DisableWrCR0Exiting clears the CR0 guest/host mask. The read shadow is left
// as is; with an empty mask the guest never observes it.
func (h *Handler) DisableWrCR0Exiting(v vmcs.VMCS) error {
	return v.Write(vmcs.CR0GuestHostMask, 0)
}

func (h *Handler) DisableWrCR4Exiting(v vmcs.VMCS) error {
	return v.Write(vmcs.CR4GuestHostMask, 0)
}

// EnableRdCR3Exiting traps every MOV from CR3. CR3 has no mask.
func (h *Handler) EnableRdCR3Exiting(v vmcs.VMCS) error {
	return vmcs.SetBits(v, vmcs.ProcBasedControls, vmcs.ProcCR3StoreExiting)
}

// EnableWrCR3Exiting traps every MOV to CR3.
func (h *Handler) EnableWrCR3Exiting(v vmcs.VMCS) error {
	return vmcs.SetBits(v, vmcs.ProcBasedControls, vmcs.ProcCR3LoadExiting)
}

func (h *Handler) DisableRdCR3Exiting(v vmcs.VMCS) error {
	return vmcs.ClearBits(v, vmcs.ProcBasedControls, vmcs.ProcCR3StoreExiting)
}

func (h *Handler) DisableWrCR3Exiting(v vmcs.VMCS) error {
	return vmcs.ClearBits(v, vmcs.ProcBasedControls, vmcs.ProcCR3LoadExiting)
}

func enableShadow(v vmcs.VMCS, maskField, shadowField vmcs.Field, mask, shadow uint64) error {
	if err := v.Write(maskField, mask); err != nil {
		return err
	}

	return v.Write(shadowField, shadow)
}
