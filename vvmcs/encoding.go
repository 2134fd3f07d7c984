// Package vvmcs implements the wire format of a virtual VMCS: the 4 KiB
// guest page an L1 hypervisor uses to back a VMCS it believes it owns.
//
// Every function in this package is pure. The bit layout below is Intel's
// real VMCS-field-encoding structure (SDM Vol. 3D, Appendix B.1): bit 0 is
// the access type, bits 9:1 are the field index, bits 11:10 are the field
// type, and bits 14:13 are the field width. Reproducing this layout
// exactly is what lets a named constant like IOBitmapA (0x2000) decode to
// the same (index, type, width) triple that the offset formula below was
// derived against.
package vvmcs

// Encoding is a 16-bit VMCS field identifier, in Intel's native format.
type Encoding uint16

// Type is the VMCS field category encoded in an Encoding's type bits.
type Type int

const (
	Control      Type = 0
	ReadOnlyData Type = 1
	GuestState   Type = 2
	HostState    Type = 3
)

// Width is the storage width encoded in an Encoding's width bits.
type Width int

const (
	Width16      Width = 0
	Width64      Width = 1
	Width32      Width = 2
	WidthNatural Width = 3
)

// AccessType is 0 (full) for every field except the low/high halves of a
// 64-bit field accessed as two 32-bit halves, where it selects which half.
func (e Encoding) AccessType() int {
	return int(e & 1)
}

// Index is the field's position within its (type, width) group.
func (e Encoding) Index() int {
	return int((e >> 1) & 0x1ff)
}

// Type is the field's category (control, read-only data, guest, host).
func (e Encoding) Type() Type {
	return Type((e >> 10) & 0x3)
}

// Width is the field's natural storage width.
func (e Encoding) Width() Width {
	return Width((e >> 13) & 0x3)
}

// Offset computes the slot index of e within a Page, per spec: the sole
// field whose natural offset is 0 is the VPID, remapped to 0x3f so that a
// zero-initialized page never aliases a real field at slot 0.
func (e Encoding) Offset() int {
	offset := (e.Index() & 0x1f) | int(e.Type())<<5 | int(e.Width())<<7
	if offset == 0 {
		offset = 0x3f
	}
	return offset
}

// encode builds an Encoding from its component fields. It exists to define
// named field constants legibly instead of as bare hex literals.
func encode(access int, index int, typ Type, width Width) Encoding {
	return Encoding(access&1) | Encoding(index&0x1ff)<<1 | Encoding(typ)<<10 | Encoding(width)<<13
}

// Named field encodings actually consumed by this core. Values match the
// public Intel VMCS field table (also reproduced verbatim in the Linux
// kernel's arch/x86/include/asm/vmx.h) wherever a real hardware field is
// named; see DESIGN.md for the cross-check against original_source.
const (
	VirtualProcessorID = Encoding(0x0000) // 16-bit control, index 0 -> remapped to offset 0x3f

	IOBitmapA     = Encoding(0x2000) // 64-bit control, index 0, full
	IOBitmapAHigh = Encoding(0x2001) // 64-bit control, index 0, high
	IOBitmapB     = Encoding(0x2002) // 64-bit control, index 1, full
	IOBitmapBHigh = Encoding(0x2003) // 64-bit control, index 1, high

	CPUBasedVMExecControl  = Encoding(0x4002) // 32-bit control, index 1
	ExceptionBitmap        = Encoding(0x4004) // 32-bit control, index 2
	SecondaryVMExecControl = Encoding(0x401e) // 32-bit control, index 15

	VMXInstructionInfo = Encoding(0x4400) // 32-bit read-only data, index 0
	ExitQualification  = Encoding(0x6400) // natural-width read-only data, index 0
)

// LaunchState is a software-private field, not part of the hardware VMCS
// field table: it is where this core stashes each VVMCS's LAUNCHED/CLEAR
// bit, the same way Xen's vvmx.c keeps NVMX_LAUNCH_STATE inside the vvmcs
// page under a private encoding. Index 31 is the highest index in the
// 5-bit index space and is never assigned to any real 16-bit control
// field by the public Intel table (those currently use indices 0-2), so it
// cannot alias a field an L1 VMM writes.
var LaunchState = encode(0, 31, Control, Width16)
