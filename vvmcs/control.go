package vvmcs

// CPU-based VM-execution control bits consumed by nvmx.UpdateExecControl.
// Values match the public Intel SDM / Linux kernel vmx.h constants.
const (
	CPUBasedTPRShadow                 = uint64(1) << 21
	CPUBasedUncondIOExiting           = uint64(1) << 24
	CPUBasedActivateIOBitmap          = uint64(1) << 25
	CPUBasedActivateMSRBitmap         = uint64(1) << 28
	CPUBasedActivateSecondaryControls = uint64(1) << 31
)
