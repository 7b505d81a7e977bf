package vmcs

import "fmt"

// Field is a VMCS field encoding.
type Field uint32

// Field encodings, Intel SDM Vol. 3 Appendix B.
const (
	// 32-bit control fields.
	PinBasedControls  Field = 0x4000
	ProcBasedControls Field = 0x4002
	ExceptionBitmap   Field = 0x4004
	ExitControls      Field = 0x400c
	EntryControls     Field = 0x4012

	// 32-bit read-only data fields.
	ExitReasonField           Field = 0x4402
	ExitInterruptionInfo      Field = 0x4404
	ExitInterruptionErrorCode Field = 0x4406
	ExitInstructionLength     Field = 0x440c
	ExitInstructionInfo       Field = 0x440e

	// natural-width control fields.
	CR0GuestHostMask Field = 0x6000
	CR4GuestHostMask Field = 0x6002
	CR0ReadShadow    Field = 0x6004
	CR4ReadShadow    Field = 0x6006

	// natural-width read-only data fields.
	ExitQualification Field = 0x6400

	// natural-width guest-state fields.
	GuestCR0    Field = 0x6800
	GuestCR3    Field = 0x6802
	GuestCR4    Field = 0x6804
	GuestRSP    Field = 0x681c
	GuestRIP    Field = 0x681e
	GuestRFLAGS Field = 0x6820
)

var fieldNames = map[Field]string{
	PinBasedControls:          "PinBasedControls",
	ProcBasedControls:         "ProcBasedControls",
	ExceptionBitmap:           "ExceptionBitmap",
	ExitControls:              "ExitControls",
	EntryControls:             "EntryControls",
	ExitReasonField:           "ExitReason",
	ExitInterruptionInfo:      "ExitInterruptionInfo",
	ExitInterruptionErrorCode: "ExitInterruptionErrorCode",
	ExitInstructionLength:     "ExitInstructionLength",
	ExitInstructionInfo:       "ExitInstructionInfo",
	CR0GuestHostMask:          "CR0GuestHostMask",
	CR4GuestHostMask:          "CR4GuestHostMask",
	CR0ReadShadow:             "CR0ReadShadow",
	CR4ReadShadow:             "CR4ReadShadow",
	ExitQualification:         "ExitQualification",
	GuestCR0:                  "GuestCR0",
	GuestCR3:                  "GuestCR3",
	GuestCR4:                  "GuestCR4",
	GuestRSP:                  "GuestRSP",
	GuestRIP:                  "GuestRIP",
	GuestRFLAGS:               "GuestRFLAGS",
}

func (f Field) String() string {
	if s, ok := fieldNames[f]; ok {
		return s
	}

	return fmt.Sprintf("Field(%#x)", uint32(f))
}

// Width returns the width of the field in bits. Natural-width fields are 64
// bits wide on an amd64 host.
func (f Field) Width() int {
	switch (f >> 13) & 0x3 {
	case 0:
		return 16
	case 1:
		return 64
	case 2:
		return 32
	default:
		return 64
	}
}

// ReadOnly reports whether the field belongs to the read-only data area.
func (f Field) ReadOnly() bool {
	return (f>>10)&0x3 == 1
}
