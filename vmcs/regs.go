package vmcs

import "fmt"

// Regs is the guest general purpose register save area. VT-x keeps only RSP,
// RIP and RFLAGS in the VMCS; the hypervisor saves the rest on every exit.
type Regs struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64
}

// GPR is a general purpose register index as encoded in exit qualifications
// and VM-exit instruction information.
type GPR uint8

const (
	RAX GPR = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

var gprNames = [...]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

func (g GPR) String() string {
	if int(g) < len(gprNames) {
		return gprNames[g]
	}

	return fmt.Sprintf("GPR(%d)", uint8(g))
}

// ref returns a pointer to the saved register. RSP is not part of the save
// area and must be accessed through GuestRSP.
func (r *Regs) ref(g GPR) (*uint64, error) {
	switch g {
	case RAX:
		return &r.RAX, nil
	case RCX:
		return &r.RCX, nil
	case RDX:
		return &r.RDX, nil
	case RBX:
		return &r.RBX, nil
	case RBP:
		return &r.RBP, nil
	case RSI:
		return &r.RSI, nil
	case RDI:
		return &r.RDI, nil
	case R8:
		return &r.R8, nil
	case R9:
		return &r.R9, nil
	case R10:
		return &r.R10, nil
	case R11:
		return &r.R11, nil
	case R12:
		return &r.R12, nil
	case R13:
		return &r.R13, nil
	case R14:
		return &r.R14, nil
	case R15:
		return &r.R15, nil
	}

	return nil, fmt.Errorf("%v: %w", g, ErrBadRegister)
}

// Get returns the saved value of g.
func (r *Regs) Get(g GPR) (uint64, error) {
	p, err := r.ref(g)
	if err != nil {
		return 0, err
	}

	return *p, nil
}

// Set stores val into the saved value of g.
func (r *Regs) Set(g GPR, val uint64) error {
	p, err := r.ref(g)
	if err != nil {
		return err
	}

	*p = val

	return nil
}
