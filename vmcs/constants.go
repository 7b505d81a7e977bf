package vmcs

// golang style requires all letters in an acronym to be caps, so bit names
// are spelled CRnxNAME.
const (
	// CR0 bits.
	CR0xPE = 1
	CR0xMP = (1 << 1)
	CR0xEM = (1 << 2)
	CR0xTS = (1 << 3)
	CR0xET = (1 << 4)
	CR0xNE = (1 << 5)
	CR0xWP = (1 << 16)
	CR0xAM = (1 << 18)
	CR0xNW = (1 << 29)
	CR0xCD = (1 << 30)
	CR0xPG = (1 << 31)

	// CR4 bits.
	CR4xVME        = 1
	CR4xPVI        = (1 << 1)
	CR4xTSD        = (1 << 2)
	CR4xDE         = (1 << 3)
	CR4xPSE        = (1 << 4)
	CR4xPAE        = (1 << 5)
	CR4xMCE        = (1 << 6)
	CR4xPGE        = (1 << 7)
	CR4xPCE        = (1 << 8)
	CR4xOSFXSR     = (1 << 9)
	CR4xOSXMMEXCPT = (1 << 10)
	CR4xUMIP       = (1 << 11)
	CR4xVMXE       = (1 << 13)
	CR4xSMXE       = (1 << 14)
	CR4xFSGSBASE   = (1 << 16)
	CR4xPCIDE      = (1 << 17)
	CR4xOSXSAVE    = (1 << 18)
	CR4xSMEP       = (1 << 20)
	CR4xSMAP       = (1 << 21)

	// LMSW loads only the low four bits of CR0.
	LMSWMask = CR0xPE | CR0xMP | CR0xEM | CR0xTS
)

// Pin-based VM-execution controls.
const (
	PinExternalInterruptExiting = 1 << 0
	PinNMIExiting               = 1 << 3
	PinVirtualNMIs              = 1 << 5
)

// Primary processor-based VM-execution controls.
const (
	ProcHLTExiting      = 1 << 7
	ProcCR3LoadExiting  = 1 << 15
	ProcCR3StoreExiting = 1 << 16
	ProcCR8LoadExiting  = 1 << 19
	ProcCR8StoreExiting = 1 << 20
)

// VM-exit controls.
const (
	ExitHostAddressSpaceSize = 1 << 9
	ExitAckInterruptOnExit   = 1 << 15
)

// GuestView returns the value of a masked control register as the guest
// observes it: host-owned bits come from the read shadow, the rest from the
// real register.
func GuestView(hw, mask, shadow uint64) uint64 {
	return (hw &^ mask) | (shadow & mask)
}
