package machine

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/govmx/vmcs"
	"golang.org/x/arch/x86/x86asm"
)

var (
	// ErrUnsupportedInstruction is a guest instruction the vcpu cannot run.
	ErrUnsupportedInstruction = errors.New("unsupported guest instruction")

	errMemoryOperand = errors.New("memory operand")
)

// Decoded is a control register access instruction.
type Decoded struct {
	Inst x86asm.Inst

	// Access is the exit qualification the instruction produces, except
	// that LMSWSource is filled in only when the instruction runs.
	Access vmcs.CRAccess

	// Source is the LMSW operand register.
	Source vmcs.GPR
}

// Len returns the length of the instruction in bytes.
func (d *Decoded) Len() int {
	return d.Inst.Len
}

// Decode decodes insn, a 64-bit mode MOV to/from CRn, CLTS or LMSW.
func Decode(insn []byte) (*Decoded, error) {
	inst, err := x86asm.Decode(insn, 64)
	if err != nil {
		return nil, fmt.Errorf("decoding % x: %w", insn, err)
	}

	d := &Decoded{Inst: inst}

	switch inst.Op {
	case x86asm.MOV:
		dst, dok := inst.Args[0].(x86asm.Reg)
		src, sok := inst.Args[1].(x86asm.Reg)

		if !dok || !sok {
			break
		}

		if n, ok := crNumber(dst); ok {
			g, err := gpr(src)
			if err != nil {
				return nil, err
			}

			d.Access = vmcs.CRAccess{Number: n, Type: vmcs.AccessMovToCR, GPR: g}

			return d, nil
		}

		if n, ok := crNumber(src); ok {
			g, err := gpr(dst)
			if err != nil {
				return nil, err
			}

			d.Access = vmcs.CRAccess{Number: n, Type: vmcs.AccessMovFromCR, GPR: g}

			return d, nil
		}
	case x86asm.CLTS:
		d.Access = vmcs.CRAccess{Number: 0, Type: vmcs.AccessCLTS}

		return d, nil
	case x86asm.LMSW:
		r, ok := inst.Args[0].(x86asm.Reg)
		if !ok {
			return nil, fmt.Errorf("%s: %w: %w", Asm(&inst, 0), ErrUnsupportedInstruction, errMemoryOperand)
		}

		g, err := gpr(r)
		if err != nil {
			return nil, err
		}

		d.Access = vmcs.CRAccess{Number: 0, Type: vmcs.AccessLMSW}
		d.Source = g

		return d, nil
	}

	return nil, fmt.Errorf("%s: %w", Asm(&inst, 0), ErrUnsupportedInstruction)
}

func crNumber(r x86asm.Reg) (uint8, bool) {
	if r >= x86asm.CR0 && r <= x86asm.CR15 {
		return uint8(r - x86asm.CR0), true
	}

	return 0, false
}

// gpr maps an x86asm register of any width to its qualification index. The
// x86asm register tables list each width in the same order VT-x numbers the
// registers.
func gpr(r x86asm.Reg) (vmcs.GPR, error) {
	switch {
	case r >= x86asm.RAX && r <= x86asm.R15:
		return vmcs.GPR(r - x86asm.RAX), nil
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return vmcs.GPR(r - x86asm.EAX), nil
	case r >= x86asm.AX && r <= x86asm.R15W:
		return vmcs.GPR(r - x86asm.AX), nil
	}

	return 0, fmt.Errorf("%v: %w", r, vmcs.ErrBadRegister)
}

// Asm returns the GNU syntax of an instruction at the given pc.
func Asm(d *x86asm.Inst, pc uint64) string {
	return x86asm.GNUSyntax(*d, pc, nil)
}
