package scenario

import (
	"fmt"

	"github.com/bobuhiro11/govmx/cr"
	"github.com/bobuhiro11/govmx/extint"
	"github.com/bobuhiro11/govmx/machine"
	"github.com/bobuhiro11/govmx/vmcs"
)

// Callback is a declarative policy callback.
type Callback struct {
	// On names the trap: wrcr0, rdcr3, wrcr3, wrcr4 or extint.
	On string `yaml:"on"`

	// Vectors limits an extint callback to these vectors. Empty claims all.
	Vectors []uint8 `yaml:"vectors"`

	// Set and Clear are ORed into and cleared from Val.
	Set   uint64 `yaml:"set"`
	Clear uint64 `yaml:"clear"`

	Val    *uint64 `yaml:"val"`
	Shadow *uint64 `yaml:"shadow"`

	IgnoreWrite   bool `yaml:"ignore_write"`
	IgnoreAdvance bool `yaml:"ignore_advance"`

	// Pass lets the trap continue down the chain after this callback.
	Pass bool `yaml:"pass"`
}

var traps = map[string]func(v *machine.VCPU, cb Callback){
	"wrcr0":  func(v *machine.VCPU, cb Callback) { v.CR().AddWrCR0Callback(&crPolicy{cb}) },
	"rdcr3":  func(v *machine.VCPU, cb Callback) { v.CR().AddRdCR3Callback(&crPolicy{cb}) },
	"wrcr3":  func(v *machine.VCPU, cb Callback) { v.CR().AddWrCR3Callback(&crPolicy{cb}) },
	"wrcr4":  func(v *machine.VCPU, cb Callback) { v.CR().AddWrCR4Callback(&crPolicy{cb}) },
	"extint": func(v *machine.VCPU, cb Callback) { v.ExtInt().AddCallback(&vectorPolicy{cb}) },
}

type crPolicy struct {
	Callback
}

func (p *crPolicy) Handle(_ vmcs.VMCS, info *cr.Info) bool {
	if p.Val != nil {
		info.Val = *p.Val
	}

	info.Val = (info.Val | p.Set) &^ p.Clear

	if p.Shadow != nil {
		info.Shadow = *p.Shadow
	}

	info.IgnoreWrite = p.IgnoreWrite
	info.IgnoreAdvance = p.IgnoreAdvance

	return !p.Pass
}

type vectorPolicy struct {
	Callback
}

func (p *vectorPolicy) Handle(_ vmcs.VMCS, info *extint.Info) bool {
	if p.Pass {
		return false
	}

	if len(p.Vectors) == 0 {
		return true
	}

	for _, vec := range p.Vectors {
		if uint64(vec) == info.Vector {
			return true
		}
	}

	return false
}

// Apply sets up every vcpu of m as the scenario describes and returns the
// event stream of each.
func (s *Scenario) Apply(m *machine.Machine) ([][]machine.Event, error) {
	if m.NCPUs() != len(s.VCPUs) {
		return nil, fmt.Errorf("%d != %d: %w", m.NCPUs(), len(s.VCPUs), errVCPUMismatch)
	}

	events := make([][]machine.Event, len(s.VCPUs))

	for i, sv := range s.VCPUs {
		v, err := m.VCPU(i)
		if err != nil {
			return nil, err
		}

		if err := sv.apply(v); err != nil {
			return nil, fmt.Errorf("vcpu %d: %w", i, err)
		}

		if events[i], err = sv.events(); err != nil {
			return nil, fmt.Errorf("vcpu %d: %w", i, err)
		}
	}

	return events, nil
}

func (sv VCPU) apply(v *machine.VCPU) error {
	regs, err := sv.Guest.regs()
	if err != nil {
		return err
	}

	if err := v.SetGuestState(machine.GuestState{
		RIP:  sv.Guest.RIP,
		RSP:  sv.Guest.RSP,
		CR0:  sv.Guest.CR0,
		CR3:  sv.Guest.CR3,
		CR4:  sv.Guest.CR4,
		Regs: regs,
	}); err != nil {
		return err
	}

	vm := v.VMCS()
	e := sv.Exiting

	if e.WrCR0 != nil {
		if err := v.CR().EnableWrCR0Exiting(vm, e.WrCR0.Mask, e.WrCR0.Shadow); err != nil {
			return err
		}
	}

	if e.WrCR4 != nil {
		if err := v.CR().EnableWrCR4Exiting(vm, e.WrCR4.Mask, e.WrCR4.Shadow); err != nil {
			return err
		}
	}

	if e.RdCR3 {
		if err := v.CR().EnableRdCR3Exiting(vm); err != nil {
			return err
		}
	}

	if e.WrCR3 {
		if err := v.CR().EnableWrCR3Exiting(vm); err != nil {
			return err
		}
	}

	if e.ExtInt {
		if err := v.ExtInt().EnableExiting(vm); err != nil {
			return err
		}
	}

	for _, cb := range sv.Callbacks {
		traps[cb.On](v, cb)
	}

	return nil
}
