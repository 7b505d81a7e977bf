package vmcs

import "fmt"

// ExitReason is a basic VM exit reason, the low 16 bits of the exit reason
// field.
type ExitReason uint16

const (
	ExitReasonExceptionOrNMI         ExitReason = 0
	ExitReasonExternalInterrupt      ExitReason = 1
	ExitReasonTripleFault            ExitReason = 2
	ExitReasonInterruptWindow        ExitReason = 7
	ExitReasonCPUID                  ExitReason = 10
	ExitReasonHLT                    ExitReason = 12
	ExitReasonVMCALL                 ExitReason = 18
	ExitReasonControlRegisterAccess  ExitReason = 28
	ExitReasonIOInstruction          ExitReason = 30
	ExitReasonRDMSR                  ExitReason = 31
	ExitReasonWRMSR                  ExitReason = 32
	ExitReasonEntryFailureGuestState ExitReason = 33
	ExitReasonEPTViolation           ExitReason = 48
)

var exitReasonNames = map[ExitReason]string{
	ExitReasonExceptionOrNMI:         "ExceptionOrNMI",
	ExitReasonExternalInterrupt:      "ExternalInterrupt",
	ExitReasonTripleFault:            "TripleFault",
	ExitReasonInterruptWindow:        "InterruptWindow",
	ExitReasonCPUID:                  "CPUID",
	ExitReasonHLT:                    "HLT",
	ExitReasonVMCALL:                 "VMCALL",
	ExitReasonControlRegisterAccess:  "ControlRegisterAccess",
	ExitReasonIOInstruction:          "IOInstruction",
	ExitReasonRDMSR:                  "RDMSR",
	ExitReasonWRMSR:                  "WRMSR",
	ExitReasonEntryFailureGuestState: "EntryFailureGuestState",
	ExitReasonEPTViolation:           "EPTViolation",
}

func (r ExitReason) String() string {
	if s, ok := exitReasonNames[r]; ok {
		return s
	}

	return fmt.Sprintf("ExitReason(%d)", uint16(r))
}

// AccessType is the access type of a control register exit qualification.
type AccessType uint8

const (
	AccessMovToCR   AccessType = 0
	AccessMovFromCR AccessType = 1
	AccessCLTS      AccessType = 2
	AccessLMSW      AccessType = 3
)

func (a AccessType) String() string {
	switch a {
	case AccessMovToCR:
		return "mov-to-cr"
	case AccessMovFromCR:
		return "mov-from-cr"
	case AccessCLTS:
		return "clts"
	case AccessLMSW:
		return "lmsw"
	}

	return fmt.Sprintf("AccessType(%d)", uint8(a))
}

// CRAccess is the decoded exit qualification of a control register access.
//
//	bits 3:0   number of the control register
//	bits 5:4   access type
//	bit  6     LMSW operand type (0 register, 1 memory)
//	bits 11:8  general purpose register for MOV CR
//	bits 31:16 LMSW source data
type CRAccess struct {
	Number     uint8
	Type       AccessType
	LMSWMemory bool
	GPR        GPR
	LMSWSource uint16
}

// DecodeCRAccess decodes the exit qualification q of a control register
// access exit.
func DecodeCRAccess(q uint64) CRAccess {
	return CRAccess{
		Number:     uint8(q & 0xf),
		Type:       AccessType((q >> 4) & 0x3),
		LMSWMemory: (q>>6)&0x1 == 1,
		GPR:        GPR((q >> 8) & 0xf),
		LMSWSource: uint16((q >> 16) & 0xffff),
	}
}

// Encode returns the exit qualification for a.
func (a CRAccess) Encode() uint64 {
	q := uint64(a.Number&0xf) |
		uint64(a.Type&0x3)<<4 |
		uint64(a.GPR&0xf)<<8 |
		uint64(a.LMSWSource)<<16

	if a.LMSWMemory {
		q |= 1 << 6
	}

	return q
}

// InterruptionType is the type of an event in the VM-exit interruption
// information field.
type InterruptionType uint8

const (
	InterruptionExternal          InterruptionType = 0
	InterruptionNMI               InterruptionType = 2
	InterruptionHardwareException InterruptionType = 3
	InterruptionSoftware          InterruptionType = 4
	InterruptionPrivileged        InterruptionType = 5
	InterruptionSoftwareException InterruptionType = 6
)

// InterruptionInfo is the VM-exit interruption information field.
//
//	bits 7:0  vector
//	bits 10:8 interruption type
//	bit  11   error code valid
//	bit  31   valid
type InterruptionInfo uint32

// NewInterruptionInfo returns a valid interruption information value for
// vector of type t.
func NewInterruptionInfo(vector uint8, t InterruptionType) InterruptionInfo {
	return InterruptionInfo(uint32(vector) | uint32(t&0x7)<<8 | 1<<31)
}

func (i InterruptionInfo) Vector() uint8 {
	return uint8(i & 0xff)
}

func (i InterruptionInfo) Type() InterruptionType {
	return InterruptionType((i >> 8) & 0x7)
}

func (i InterruptionInfo) ErrorCodeValid() bool {
	return (i>>11)&0x1 == 1
}

func (i InterruptionInfo) Valid() bool {
	return (i>>31)&0x1 == 1
}
