// Package machine runs simulated VT-x vcpus. Each vcpu owns its VMCS, an exit
// router, and the control register and external interrupt handlers. Guest
// instructions and interrupts are fed in as events; the vcpu decides, the way
// the processor would under the current VMCS controls, whether an event exits
// to the handlers or completes inside the guest.
package machine

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/bobuhiro11/govmx/cr"
	"github.com/bobuhiro11/govmx/exit"
	"github.com/bobuhiro11/govmx/extint"
	"github.com/bobuhiro11/govmx/vmcs"
)

var errorBadCPU = errors.New("no such vcpu")

// Event is one thing that happens to a running guest: either the vcpu
// executes Insn, or an external interrupt with Vector arrives.
type Event struct {
	Insn      []byte
	Interrupt bool
	Vector    uint8
}

// GuestState is the initial architectural state of a vcpu.
type GuestState struct {
	RIP  uint64
	RSP  uint64
	CR0  uint64
	CR3  uint64
	CR4  uint64
	Regs vmcs.Regs
}

// Stats counts how events completed on a vcpu.
type Stats struct {
	Exits     uint64
	Direct    uint64
	Delivered uint64
}

type Machine struct {
	vcpus  []*VCPU
	logger *slog.Logger
}

// VCPU is one virtual processor with its own exit handling state.
type VCPU struct {
	id     int
	vmcs   *vmcs.Memory
	router *exit.Router
	cr     *cr.Handler
	extint *extint.Handler
	stats  Stats
	logger *slog.Logger
}

// Option configures a Machine.
type Option func(*config)

type config struct {
	logger *slog.Logger
	log    bool
}

func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithTrapLog turns on the trap logs of every handler.
func WithTrapLog(enabled bool) Option {
	return func(c *config) {
		c.log = enabled
	}
}

// New creates a machine with nCpus vcpus.
func New(nCpus int, opts ...Option) (*Machine, error) {
	c := config{logger: slog.Default()}

	for _, opt := range opts {
		opt(&c)
	}

	m := &Machine{
		vcpus:  make([]*VCPU, nCpus),
		logger: c.logger,
	}

	for i := 0; i < nCpus; i++ {
		logger := c.logger.With("vcpu", i)
		v := &VCPU{
			id:     i,
			vmcs:   vmcs.NewMemory(),
			router: exit.NewRouter(),
			logger: logger,
		}

		var err error

		if v.cr, err = cr.New(v.router, cr.WithLogger(logger), cr.WithLog(c.log)); err != nil {
			return nil, fmt.Errorf("vcpu %d: %w", i, err)
		}

		if v.extint, err = extint.New(v.router, extint.WithLogger(logger), extint.WithLog(c.log)); err != nil {
			return nil, fmt.Errorf("vcpu %d: %w", i, err)
		}

		m.vcpus[i] = v
	}

	return m, nil
}

// NCPUs returns the number of vcpus.
func (m *Machine) NCPUs() int {
	return len(m.vcpus)
}

// VCPU returns vcpu i.
func (m *Machine) VCPU(i int) (*VCPU, error) {
	if i < 0 || i >= len(m.vcpus) {
		return nil, fmt.Errorf("cpu %d: %w", i, errorBadCPU)
	}

	return m.vcpus[i], nil
}

// RunOnce delivers ev to vcpu i. It returns false once the guest cannot
// continue.
func (m *Machine) RunOnce(i int, ev Event) (bool, error) {
	v, err := m.VCPU(i)
	if err != nil {
		return false, err
	}

	if ev.Interrupt {
		return v.Interrupt(ev.Vector)
	}

	return v.Exec(ev.Insn)
}

// Run delivers events to vcpu i in order. Exit handling for a vcpu runs on a
// single OS thread, from exit to completion.
func (m *Machine) Run(i int, events []Event) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	v, err := m.VCPU(i)
	if err != nil {
		return err
	}

	v.logger.Debug("vcpu running", "tid", gettid(), "events", len(events))

	for n, ev := range events {
		isContinue, err := m.RunOnce(i, ev)
		if err != nil {
			return fmt.Errorf("vcpu %d event %d: %w", i, n, err)
		}

		if !isContinue {
			return nil
		}
	}

	return nil
}

// DumpLogs dumps the trap logs of every vcpu.
func (m *Machine) DumpLogs() {
	for _, v := range m.vcpus {
		v.cr.DumpLog()
		v.extint.DumpLog()
	}
}

func (v *VCPU) ID() int { return v.id }

// VMCS returns the control structure of the vcpu.
func (v *VCPU) VMCS() vmcs.VMCS { return v.vmcs }

// CR returns the control register handler of the vcpu.
func (v *VCPU) CR() *cr.Handler { return v.cr }

// ExtInt returns the external interrupt handler of the vcpu.
func (v *VCPU) ExtInt() *extint.Handler { return v.extint }

func (v *VCPU) Stats() Stats { return v.stats }

// SetGuestState loads s into the vcpu.
func (v *VCPU) SetGuestState(s GuestState) error {
	for f, val := range map[vmcs.Field]uint64{
		vmcs.GuestRIP: s.RIP,
		vmcs.GuestRSP: s.RSP,
		vmcs.GuestCR0: s.CR0,
		vmcs.GuestCR3: s.CR3,
		vmcs.GuestCR4: s.CR4,
	} {
		if err := v.vmcs.Write(f, val); err != nil {
			return err
		}
	}

	*v.vmcs.Regs() = s.Regs

	return nil
}
