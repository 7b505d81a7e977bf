package machine

import (
	"fmt"

	"github.com/bobuhiro11/govmx/emulate"
	"github.com/bobuhiro11/govmx/vmcs"
)

// Exec runs one guest instruction. If the VMCS controls make it trap, the
// exit is staged in the VMCS and routed to the handlers; otherwise the
// instruction completes as it would in VMX non-root operation.
func (v *VCPU) Exec(insn []byte) (bool, error) {
	d, err := Decode(insn)
	if err != nil {
		return false, err
	}

	if d.Access.Type == vmcs.AccessLMSW {
		src, err := emulate.ReadGPR(v.vmcs, d.Source)
		if err != nil {
			return false, err
		}

		d.Access.LMSWSource = uint16(src)
	}

	exits, err := v.exits(d.Access)
	if err != nil {
		return false, err
	}

	if !exits {
		v.stats.Direct++

		if err := v.direct(d.Access); err != nil {
			return false, fmt.Errorf("%s: %w", Asm(&d.Inst, 0), err)
		}

		rip, err := v.vmcs.Read(vmcs.GuestRIP)
		if err != nil {
			return false, err
		}

		return true, v.vmcs.Write(vmcs.GuestRIP, rip+uint64(d.Len()))
	}

	v.stats.Exits++

	for f, val := range map[vmcs.Field]uint64{
		vmcs.ExitReasonField:       uint64(vmcs.ExitReasonControlRegisterAccess),
		vmcs.ExitQualification:     d.Access.Encode(),
		vmcs.ExitInstructionLength: uint64(d.Len()),
	} {
		if err := v.vmcs.Write(f, val); err != nil {
			return false, err
		}
	}

	return v.router.Dispatch(v.vmcs)
}

// Interrupt raises an external interrupt. Without external-interrupt exiting
// the guest takes it directly.
func (v *VCPU) Interrupt(vector uint8) (bool, error) {
	exiting, err := vmcs.IsSet(v.vmcs, vmcs.PinBasedControls, vmcs.PinExternalInterruptExiting)
	if err != nil {
		return false, err
	}

	if !exiting {
		v.stats.Delivered++

		return true, nil
	}

	ack, err := vmcs.IsSet(v.vmcs, vmcs.ExitControls, vmcs.ExitAckInterruptOnExit)
	if err != nil {
		return false, err
	}

	// The interruption information is valid only when the processor
	// acknowledged the interrupt on exit.
	var info vmcs.InterruptionInfo
	if ack {
		info = vmcs.NewInterruptionInfo(vector, vmcs.InterruptionExternal)
	}

	v.stats.Exits++

	for f, val := range map[vmcs.Field]uint64{
		vmcs.ExitReasonField:       uint64(vmcs.ExitReasonExternalInterrupt),
		vmcs.ExitInterruptionInfo:  uint64(info),
		vmcs.ExitInstructionLength: 0,
	} {
		if err := v.vmcs.Write(f, val); err != nil {
			return false, err
		}
	}

	return v.router.Dispatch(v.vmcs)
}

// exits reports whether access a causes a VM exit.
func (v *VCPU) exits(a vmcs.CRAccess) (bool, error) {
	switch {
	case a.Number == 0 || a.Number == 4:
		mask, shadow, err := v.maskAndShadow(a.Number)
		if err != nil {
			return false, err
		}

		switch a.Type {
		case vmcs.AccessMovToCR:
			src, err := emulate.ReadGPR(v.vmcs, a.GPR)
			if err != nil {
				return false, err
			}

			return (src^shadow)&mask != 0, nil
		case vmcs.AccessMovFromCR:
			return false, nil
		case vmcs.AccessCLTS:
			return mask&shadow&vmcs.CR0xTS != 0, nil
		case vmcs.AccessLMSW:
			diff := (uint64(a.LMSWSource) ^ shadow) & mask & vmcs.LMSWMask
			if shadow&vmcs.CR0xPE != 0 {
				diff &^= vmcs.CR0xPE
			}

			return diff != 0, nil
		}
	case a.Number == 3:
		switch a.Type {
		case vmcs.AccessMovToCR:
			return vmcs.IsSet(v.vmcs, vmcs.ProcBasedControls, vmcs.ProcCR3LoadExiting)
		case vmcs.AccessMovFromCR:
			return vmcs.IsSet(v.vmcs, vmcs.ProcBasedControls, vmcs.ProcCR3StoreExiting)
		}
	}

	return false, fmt.Errorf("%s cr%d: %w", a.Type, a.Number, ErrUnsupportedInstruction)
}

// direct completes a non-exiting access. Bits owned by the host through the
// guest/host mask are never modified by the guest, and reads of them return
// the read shadow.
func (v *VCPU) direct(a vmcs.CRAccess) error {
	field := vmcs.GuestCR0

	switch a.Number {
	case 3:
		if a.Type == vmcs.AccessMovToCR {
			src, err := emulate.ReadGPR(v.vmcs, a.GPR)
			if err != nil {
				return err
			}

			return v.vmcs.Write(vmcs.GuestCR3, src)
		}

		cr3, err := v.vmcs.Read(vmcs.GuestCR3)
		if err != nil {
			return err
		}

		return emulate.WriteGPR(v.vmcs, a.GPR, cr3)
	case 4:
		field = vmcs.GuestCR4
	}

	hw, err := v.vmcs.Read(field)
	if err != nil {
		return err
	}

	mask, shadow, err := v.maskAndShadow(a.Number)
	if err != nil {
		return err
	}

	var val uint64

	switch a.Type {
	case vmcs.AccessMovFromCR:
		return emulate.WriteGPR(v.vmcs, a.GPR, vmcs.GuestView(hw, mask, shadow))
	case vmcs.AccessMovToCR:
		if val, err = emulate.ReadGPR(v.vmcs, a.GPR); err != nil {
			return err
		}
	case vmcs.AccessCLTS:
		val = hw &^ vmcs.CR0xTS
	case vmcs.AccessLMSW:
		val = (hw &^ vmcs.LMSWMask) | uint64(a.LMSWSource)&vmcs.LMSWMask | hw&vmcs.CR0xPE
	}

	return v.vmcs.Write(field, (hw&mask)|(val&^mask))
}

func (v *VCPU) maskAndShadow(n uint8) (uint64, uint64, error) {
	maskField, shadowField := vmcs.CR0GuestHostMask, vmcs.CR0ReadShadow
	if n == 4 {
		maskField, shadowField = vmcs.CR4GuestHostMask, vmcs.CR4ReadShadow
	}

	mask, err := v.vmcs.Read(maskField)
	if err != nil {
		return 0, 0, err
	}

	shadow, err := v.vmcs.Read(shadowField)
	if err != nil {
		return 0, 0, err
	}

	return mask, shadow, nil
}
