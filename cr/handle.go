package cr

import (
	"fmt"

	"github.com/bobuhiro11/govmx/debug"
	"github.com/bobuhiro11/govmx/emulate"
	"github.com/bobuhiro11/govmx/vmcs"
)

// Handle is the entry point for control register access exits. It decodes
// the exit qualification and runs the trap for the register and direction.
func (h *Handler) Handle(v vmcs.VMCS) (bool, error) {
	q, err := v.Read(vmcs.ExitQualification)
	if err != nil {
		return false, err
	}

	a := vmcs.DecodeCRAccess(q)

	switch Register(a.Number) {
	case CR0:
		return h.handleCR0(v, a)
	case CR3:
		return h.handleCR3(v, a)
	case CR4:
		return h.handleCR4(v, a)
	}

	return false, &UnsupportedAccessError{Access: a}
}

func (h *Handler) handleCR0(v vmcs.VMCS, a vmcs.CRAccess) (bool, error) {
	switch a.Type {
	case vmcs.AccessMovToCR:
		return h.handleWrCR0(v, a)
	case vmcs.AccessCLTS:
		return h.handleCLTS(v)
	case vmcs.AccessLMSW:
		return h.handleLMSW(v, a)
	}

	// MOV from CR0 never exits; the guest reads the shadow directly.
	return false, &UnsupportedAccessError{Access: a}
}

func (h *Handler) handleCR3(v vmcs.VMCS, a vmcs.CRAccess) (bool, error) {
	switch a.Type {
	case vmcs.AccessMovToCR:
		return h.handleWrCR3(v, a)
	case vmcs.AccessMovFromCR:
		return h.handleRdCR3(v, a)
	}

	return false, &UnsupportedAccessError{Access: a}
}

func (h *Handler) handleCR4(v vmcs.VMCS, a vmcs.CRAccess) (bool, error) {
	if a.Type == vmcs.AccessMovToCR {
		return h.handleWrCR4(v, a)
	}

	return false, &UnsupportedAccessError{Access: a}
}

func (h *Handler) handleWrCR0(v vmcs.VMCS, a vmcs.CRAccess) (bool, error) {
	val, err := emulate.ReadGPR(v, a.GPR)
	if err != nil {
		return false, err
	}

	shadow, err := v.Read(vmcs.CR0ReadShadow)
	if err != nil {
		return false, err
	}

	return h.wrcr0Trap(v, val, shadow)
}

// handleCLTS runs the write-CR0 chain for a CLTS, which clears CR0.TS.
func (h *Handler) handleCLTS(v vmcs.VMCS) (bool, error) {
	cr0, shadow, err := readCR0(v)
	if err != nil {
		return false, err
	}

	return h.wrcr0Trap(v, cr0&^vmcs.CR0xTS, shadow&^vmcs.CR0xTS)
}

// handleLMSW runs the write-CR0 chain for an LMSW, which loads CR0 bits 3:0
// from the source operand but cannot clear PE.
func (h *Handler) handleLMSW(v vmcs.VMCS, a vmcs.CRAccess) (bool, error) {
	cr0, shadow, err := readCR0(v)
	if err != nil {
		return false, err
	}

	src := uint64(a.LMSWSource) & vmcs.LMSWMask

	return h.wrcr0Trap(v, lmsw(cr0, src), lmsw(shadow, src))
}

func lmsw(old, src uint64) uint64 {
	return (old &^ vmcs.LMSWMask) | src | (old & vmcs.CR0xPE)
}

func readCR0(v vmcs.VMCS) (uint64, uint64, error) {
	cr0, err := v.Read(vmcs.GuestCR0)
	if err != nil {
		return 0, 0, err
	}

	shadow, err := v.Read(vmcs.CR0ReadShadow)
	if err != nil {
		return 0, 0, err
	}

	return cr0, shadow, nil
}

func (h *Handler) wrcr0Trap(v vmcs.VMCS, val, shadow uint64) (bool, error) {
	info := Info{Val: val, Shadow: shadow}
	h.wrcr0.Dispatch(v, &info)

	if !info.IgnoreWrite {
		if err := v.Write(vmcs.GuestCR0, info.Val); err != nil {
			return false, err
		}

		if err := v.Write(vmcs.CR0ReadShadow, info.Shadow); err != nil {
			return false, err
		}
	}

	return h.resolve(v, CR0, &info)
}

func (h *Handler) handleRdCR3(v vmcs.VMCS, a vmcs.CRAccess) (bool, error) {
	val, err := v.Read(vmcs.GuestCR3)
	if err != nil {
		return false, err
	}

	info := Info{Val: val}
	h.rdcr3.Dispatch(v, &info)

	if !info.IgnoreWrite {
		if err := emulate.WriteGPR(v, a.GPR, info.Val); err != nil {
			return false, err
		}
	}

	return h.resolve(v, CR3, &info)
}

func (h *Handler) handleWrCR3(v vmcs.VMCS, a vmcs.CRAccess) (bool, error) {
	val, err := emulate.ReadGPR(v, a.GPR)
	if err != nil {
		return false, err
	}

	info := Info{Val: val}
	h.wrcr3.Dispatch(v, &info)

	if !info.IgnoreWrite {
		if err := v.Write(vmcs.GuestCR3, info.Val); err != nil {
			return false, err
		}
	}

	return h.resolve(v, CR3, &info)
}

func (h *Handler) handleWrCR4(v vmcs.VMCS, a vmcs.CRAccess) (bool, error) {
	val, err := emulate.ReadGPR(v, a.GPR)
	if err != nil {
		return false, err
	}

	shadow, err := v.Read(vmcs.CR4ReadShadow)
	if err != nil {
		return false, err
	}

	info := Info{Val: val, Shadow: shadow}
	h.wrcr4.Dispatch(v, &info)

	if !info.IgnoreWrite {
		if err := v.Write(vmcs.GuestCR4, info.Val); err != nil {
			return false, err
		}

		if err := v.Write(vmcs.CR4ReadShadow, info.Shadow); err != nil {
			return false, err
		}
	}

	return h.resolve(v, CR4, &info)
}

// resolve logs the trap and advances the guest past the instruction.
func (h *Handler) resolve(v vmcs.VMCS, reg Register, info *Info) (bool, error) {
	if debug.Enabled && h.logEnabled {
		h.logs[reg] = append(h.logs[reg], Record{Val: info.Val, Shadow: info.Shadow})
		h.logger.Debug("control register trap",
			"reg", reg.String(),
			"val", fmt.Sprintf("%#x", info.Val),
			"shadow", fmt.Sprintf("%#x", info.Shadow),
			"ignore_write", info.IgnoreWrite,
			"ignore_advance", info.IgnoreAdvance)
	}

	if info.IgnoreAdvance {
		return true, nil
	}

	if err := emulate.Advance(v); err != nil {
		return false, err
	}

	return true, nil
}
