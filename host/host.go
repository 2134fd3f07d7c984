// Package host declares the surface this core consumes from the
// surrounding hypervisor: guest register access, guest-frame mapping,
// exception injection, and access to the hardware VMCS currently loaded
// on the logical CPU. None of it is implemented here — per spec, the
// domain/vcpu, page-table-shadowing, and VMCS-construction subsystems that
// would implement these interfaces are out of this core's scope.
package host

import "github.com/vmxcore/nvmx/decode"

// RegisterFile reads and writes the guest's general-purpose registers and
// RFLAGS.
type RegisterFile interface {
	ReadRegister(r decode.Register) uint64
	WriteRegister(r decode.Register, value uint64)
	EFLAGS() uint64
	SetEFLAGS(value uint64)
}

// GuestFrameRO is an owned, read-only mapping of a guest physical page.
type GuestFrameRO interface {
	Bytes() []byte
	Release()
}

// GuestFrameRW is an owned, read/write mapping of a guest physical page.
type GuestFrameRW interface {
	Bytes() []byte
	Release()
}

// FrameMapper maps guest physical frames, identified by guest physical
// address, into host-addressable memory.
type FrameMapper interface {
	MapReadOnly(gpa uint64) (GuestFrameRO, error)
	MapReadWrite(gpa uint64) (GuestFrameRW, error)
}

// GuestMemory copies to and from the guest's virtual address space, doing
// its own page-table walk and permission checks.
type GuestMemory interface {
	CopyToGuestVirt(linearAddr uint64, data []byte) error
	CopyFromGuestVirt(linearAddr uint64, length int) ([]byte, error)
}

// ExceptionInjector delivers an architectural exception into the guest.
type ExceptionInjector interface {
	InjectException(vector uint8, errorCode uint32)
}

// VMCSAccessor targets the real hardware VMCS currently loaded on the
// logical CPU running this vCPU.
type VMCSAccessor interface {
	ReadField(encoding uint32) (uint64, error)
	WriteField(encoding uint32, value uint64) error

	// Clear and Load bracket the VMXON snapshot sequence: the live VMCS
	// is VMCLEARed, its contents copied out, then VMPTRLD'd back. Both
	// operate implicitly on whatever VMCS the logical CPU currently has
	// loaded, and must not be reused for any other purpose.
	Clear() error
	Load() error

	// Bytes exposes the raw 4 KiB VMCS page for the VMXON snapshot copy.
	Bytes() []byte

	// ClearRegion issues a VMCLEAR against the VMCS occupying page, an
	// arbitrary caller-owned 4 KiB buffer, addressed by its own physical
	// address rather than whatever the logical CPU currently has loaded.
	// It leaves the currently loaded VMCS (if any) untouched. Used to
	// evict a vCPU's own shadow VMCS from the CPU's VMCS cache without
	// disturbing whatever VMCS the surrounding scheduler had loaded
	// before calling in.
	ClearRegion(page []byte) error
}

// IOBitmapSource supplies the physical addresses of the precomputed I/O
// bitmap pairs the composite control computation programs into the
// hardware VMCS unless L1 intercepts all I/O unconditionally (spec's
// "Shadow I/O bitmap derivation"). Each pair is two
// contiguous pages: bitmap A covers ports 0x0000-0x7fff, bitmap B covers
// 0x8000-0xffff.
type IOBitmapSource interface {
	// HostDefaultIOBitmap is used when L1 intercepts no I/O at all.
	HostDefaultIOBitmap() (aPA, bPA uint64)

	// ShadowIOBitmap is used when L1 uses its own bitmaps: one of four
	// precomputed pairs, keyed on whether L1 intercepts port 0x80 and
	// port 0xED.
	ShadowIOBitmap(port80Intercepted, portEDIntercepted bool) (aPA, bPA uint64)
}

// Segment mirrors the fields the privilege gate and decoder need from CS.
type Segment struct {
	Selector uint16
	Base     uint64
	Limit    uint32
	L        bool // long mode active flag
}

// CPUState is read-only access to the control/flag state the privilege
// gate inspects.
type CPUState interface {
	CR0() uint64
	CR4() uint64
	EFLAGS() uint64
	CS() Segment
	LongModeEnabled() bool
	Segment(seg decode.Segment) (Segment, bool) // ok=false if unmapped
}
