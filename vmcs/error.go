package vmcs

import "errors"

var (
	// ErrUnsupportedField is returned when a field encoding is not backed by the VMCS.
	ErrUnsupportedField = errors.New("unsupported vmcs field")

	// ErrUnsupportedAccess is a control register access that has no emulation.
	ErrUnsupportedAccess = errors.New("unsupported control register access")

	// ErrUnhandledVector is an external interrupt no callback claimed.
	// The vector has already been acknowledged, so it cannot be recovered.
	ErrUnhandledVector = errors.New("unhandled interrupt vector")

	// ErrBadRegister indicates a bad general purpose register index.
	ErrBadRegister = errors.New("bad register")
)
