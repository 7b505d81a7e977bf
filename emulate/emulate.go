// Package emulate provides the register primitives shared by the exit
// handlers.
package emulate

import (
	"fmt"

	"github.com/bobuhiro11/govmx/vmcs"
)

// ReadGPR returns the value of register g. RSP is read from the guest-state
// area, every other register from the save area.
func ReadGPR(v vmcs.VMCS, g vmcs.GPR) (uint64, error) {
	if g == vmcs.RSP {
		return v.Read(vmcs.GuestRSP)
	}

	return v.Regs().Get(g)
}

// WriteGPR stores val into register g.
func WriteGPR(v vmcs.VMCS, g vmcs.GPR, val uint64) error {
	if g == vmcs.RSP {
		return v.Write(vmcs.GuestRSP, val)
	}

	return v.Regs().Set(g, val)
}

// Advance moves the guest instruction pointer past the instruction that
// caused the exit.
func Advance(v vmcs.VMCS) error {
	rip, err := v.Read(vmcs.GuestRIP)
	if err != nil {
		return fmt.Errorf("advance: %w", err)
	}

	n, err := v.Read(vmcs.ExitInstructionLength)
	if err != nil {
		return fmt.Errorf("advance: %w", err)
	}

	return v.Write(vmcs.GuestRIP, rip+n)
}
