// Package vmcs models the virtual-machine control structure of one vcpu: the
// field encodings the exit handlers touch, the guest register save area, and
// the decoding of exit information.
package vmcs

import "fmt"

// VMCS is the control structure of the current vcpu. Exit handlers receive it
// on every call and never keep it.
type VMCS interface {
	Read(f Field) (uint64, error)
	Write(f Field, val uint64) error

	// Regs returns the guest register save area of the vcpu.
	Regs() *Regs
}

// Memory is a VMCS backed by ordinary memory. Writes to read-only data
// fields are allowed so that a caller can stage an exit.
type Memory struct {
	fields map[Field]uint64
	regs   Regs
}

// NewMemory returns a cleared Memory VMCS.
func NewMemory() *Memory {
	return &Memory{fields: make(map[Field]uint64, len(fieldNames))}
}

func (m *Memory) Read(f Field) (uint64, error) {
	if _, ok := fieldNames[f]; !ok {
		return 0, fmt.Errorf("read %v: %w", f, ErrUnsupportedField)
	}

	return m.fields[f], nil
}

func (m *Memory) Write(f Field, val uint64) error {
	if _, ok := fieldNames[f]; !ok {
		return fmt.Errorf("write %v: %w", f, ErrUnsupportedField)
	}

	if f.Width() < 64 {
		val &= 1<<f.Width() - 1
	}

	m.fields[f] = val

	return nil
}

func (m *Memory) Regs() *Regs {
	return &m.regs
}

// SetBits sets bits in the field f.
func SetBits(v VMCS, f Field, bits uint64) error {
	val, err := v.Read(f)
	if err != nil {
		return err
	}

	return v.Write(f, val|bits)
}

// ClearBits clears bits in the field f.
func ClearBits(v VMCS, f Field, bits uint64) error {
	val, err := v.Read(f)
	if err != nil {
		return err
	}

	return v.Write(f, val&^bits)
}

// IsSet reports whether every bit of bits is set in the field f.
func IsSet(v VMCS, f Field, bits uint64) (bool, error) {
	val, err := v.Read(f)
	if err != nil {
		return false, err
	}

	return val&bits == bits, nil
}
