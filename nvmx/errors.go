package nvmx

import (
	"errors"
	"fmt"
)

var (
	// ErrAlloc is returned by New when the shadow VMCS page cannot be
	// allocated. spec: "Allocation failures during vCPU initialization
	// are surfaced to the caller (which will fail domain creation)."
	ErrAlloc = errors.New("nvmx: shadow vmcs allocation failed")

	// ErrNotImplemented is returned by the guest-CR3/host-CR3/ASID hooks,
	// which spec explicitly calls out as stubs in the source this core
	// was distilled from. No semantics are invented for them.
	ErrNotImplemented = errors.New("nvmx: not implemented")
)

// FaultInjected reports that an architectural fault (#UD or #GP) was
// delivered into the guest. The outer emulator must re-enter the guest at
// the same instruction without advancing RIP.
type FaultInjected struct {
	Vector    uint8
	ErrorCode uint32
}

func (e *FaultInjected) Error() string {
	return fmt.Sprintf("nvmx: fault injected: vector %d, error code %#x", e.Vector, e.ErrorCode)
}

const (
	vectorUD uint8 = 6
	vectorGP uint8 = 13
)

func faultUD() *FaultInjected { return &FaultInjected{Vector: vectorUD} }
func faultGP() *FaultInjected { return &FaultInjected{Vector: vectorGP} }

// EmulationError reports that a guest-memory copy failed while servicing a
// VMX instruction. Per spec it is surfaced as an instruction exception and
// treated by the outer emulator exactly like FaultInjected: RIP does not
// advance.
type EmulationError struct {
	Err error
}

func (e *EmulationError) Error() string {
	return fmt.Sprintf("nvmx: guest memory copy failed: %v", e.Err)
}

func (e *EmulationError) Unwrap() error { return e.Err }
