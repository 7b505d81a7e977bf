// Package scenario loads YAML descriptions of vcpu policy and the guest
// events to replay against it. Callbacks are added in file order, so the
// last callback listed for a trap runs first. RSP is set with guest.rsp, not
// through regs.
//
//	vcpus:
//	  - guest:
//	      rip: 0x1000
//	      cr0: 0x60000010
//	      regs: {rax: 0x80050033}
//	    exiting:
//	      wrcr0: {mask: 0xffffffff, shadow: 0x80000011}
//	      extint: true
//	    callbacks:
//	      - on: extint
//	        vectors: [0x20, 0x21]
//	    events:
//	      - insn: 0f 22 c0
//	      - interrupt: 0x21
package scenario

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bobuhiro11/govmx/machine"
	"github.com/bobuhiro11/govmx/vmcs"
	"gopkg.in/yaml.v3"
)

var (
	errNoVCPUs      = errors.New("scenario has no vcpus")
	errBadEvent     = errors.New("event needs exactly one of insn or interrupt")
	errBadCallback  = errors.New("unknown callback trap")
	errVCPUMismatch = errors.New("machine and scenario disagree on vcpu count")
)

// Scenario is a complete run description.
type Scenario struct {
	VCPUs []VCPU `yaml:"vcpus"`
}

// VCPU is the setup and event stream of one vcpu.
type VCPU struct {
	Guest     Guest      `yaml:"guest"`
	Exiting   Exiting    `yaml:"exiting"`
	Callbacks []Callback `yaml:"callbacks"`
	Events    []Event    `yaml:"events"`
}

type Guest struct {
	RIP  uint64            `yaml:"rip"`
	RSP  uint64            `yaml:"rsp"`
	CR0  uint64            `yaml:"cr0"`
	CR3  uint64            `yaml:"cr3"`
	CR4  uint64            `yaml:"cr4"`
	Regs map[string]uint64 `yaml:"regs"`
}

// Shadow is a guest/host mask and read shadow pair.
type Shadow struct {
	Mask   uint64 `yaml:"mask"`
	Shadow uint64 `yaml:"shadow"`
}

// Exiting selects which accesses trap.
type Exiting struct {
	WrCR0  *Shadow `yaml:"wrcr0"`
	WrCR4  *Shadow `yaml:"wrcr4"`
	RdCR3  bool    `yaml:"rdcr3"`
	WrCR3  bool    `yaml:"wrcr3"`
	ExtInt bool    `yaml:"extint"`
}

// Event is either an instruction, as hex bytes, or an interrupt vector.
type Event struct {
	Insn      string `yaml:"insn"`
	Interrupt *uint8 `yaml:"interrupt"`
}

// Load reads a scenario from r.
func Load(r io.Reader) (*Scenario, error) {
	s := &Scenario{}

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	if err := dec.Decode(s); err != nil {
		return nil, fmt.Errorf("scenario: %w", err)
	}

	if err := s.validate(); err != nil {
		return nil, err
	}

	return s, nil
}

// LoadFile reads a scenario from the file at path.
func LoadFile(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Load(f)
}

func (s *Scenario) validate() error {
	if len(s.VCPUs) == 0 {
		return errNoVCPUs
	}

	for i, v := range s.VCPUs {
		for j, ev := range v.Events {
			if (ev.Insn == "") == (ev.Interrupt == nil) {
				return fmt.Errorf("vcpu %d event %d: %w", i, j, errBadEvent)
			}
		}

		for j, cb := range v.Callbacks {
			if _, ok := traps[cb.On]; !ok {
				return fmt.Errorf("vcpu %d callback %d: %q: %w", i, j, cb.On, errBadCallback)
			}
		}

		if _, err := v.Guest.regs(); err != nil {
			return fmt.Errorf("vcpu %d: %w", i, err)
		}
	}

	return nil
}

func (g Guest) regs() (vmcs.Regs, error) {
	var r vmcs.Regs

	for name, val := range g.Regs {
		gpr, ok := gprByName(name)
		if !ok || gpr == vmcs.RSP {
			return r, fmt.Errorf("%q: %w", name, vmcs.ErrBadRegister)
		}

		if err := r.Set(gpr, val); err != nil {
			return r, err
		}
	}

	return r, nil
}

func gprByName(name string) (vmcs.GPR, bool) {
	for g := vmcs.RAX; g <= vmcs.R15; g++ {
		if strings.EqualFold(g.String(), name) {
			return g, true
		}
	}

	return 0, false
}

// events converts the event stream into machine events.
func (v VCPU) events() ([]machine.Event, error) {
	evs := make([]machine.Event, 0, len(v.Events))

	for i, ev := range v.Events {
		if ev.Interrupt != nil {
			evs = append(evs, machine.Event{Interrupt: true, Vector: *ev.Interrupt})

			continue
		}

		insn, err := hex.DecodeString(strings.Join(strings.Fields(ev.Insn), ""))
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}

		evs = append(evs, machine.Event{Insn: insn})
	}

	return evs, nil
}
