package vvmcs_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/vmxcore/nvmx/vvmcs"
)

func TestOffsetVPIDAliasingGuard(t *testing.T) {
	if got := vvmcs.VirtualProcessorID.Offset(); got != 0x3f {
		t.Fatalf("vpid offset = %#x, want 0x3f", got)
	}

	named := []vvmcs.Encoding{
		vvmcs.IOBitmapA, vvmcs.IOBitmapAHigh, vvmcs.IOBitmapB, vvmcs.IOBitmapBHigh,
		vvmcs.CPUBasedVMExecControl, vvmcs.ExceptionBitmap, vvmcs.SecondaryVMExecControl,
		vvmcs.VMXInstructionInfo, vvmcs.ExitQualification, vvmcs.LaunchState,
	}

	for _, enc := range named {
		if off := enc.Offset(); off == 0 {
			t.Fatalf("encoding %#x has offset 0, want nonzero", uint16(enc))
		}
	}
}

func TestReadWrite16BitTruncates(t *testing.T) {
	var page vvmcs.Page
	vvmcs.Write(&page, vvmcs.VirtualProcessorID, 0xaabbccdd)

	if got := vvmcs.Read(&page, vvmcs.VirtualProcessorID); got != 0xccdd {
		t.Fatalf("read = %#x, want 0xccdd", got)
	}
}

func TestReadWrite32BitTruncates(t *testing.T) {
	var page vvmcs.Page
	vvmcs.Write(&page, vvmcs.CPUBasedVMExecControl, 0xaabbccdd11223344)

	if got := vvmcs.Read(&page, vvmcs.CPUBasedVMExecControl); got != 0x11223344 {
		t.Fatalf("read = %#x, want 0x11223344", got)
	}
}

func TestReadWriteNaturalWidthRoundTrips(t *testing.T) {
	var page vvmcs.Page
	vvmcs.Write(&page, vvmcs.ExitQualification, 0x0102030405060708)

	if got := vvmcs.Read(&page, vvmcs.ExitQualification); got != 0x0102030405060708 {
		t.Fatalf("read = %#x, want 0x0102030405060708", got)
	}
}

func Test64BitHalvesDoNotClobberEachOther(t *testing.T) {
	var page vvmcs.Page

	vvmcs.Write(&page, vvmcs.IOBitmapA, 0x11112222) // low half, access_type 0
	vvmcs.Write(&page, vvmcs.IOBitmapAHigh, 0x33334444)

	if got := vvmcs.Read(&page, vvmcs.IOBitmapA); got != 0x11112222 {
		t.Fatalf("low half read = %#x, want 0x11112222 (was clobbered by high write)", got)
	}

	if got := vvmcs.Read(&page, vvmcs.IOBitmapAHigh); got != 0x33334444 {
		t.Fatalf("high half read = %#x, want 0x33334444", got)
	}

	// The A and B bitmap fields must not share a slot.
	vvmcs.Write(&page, vvmcs.IOBitmapB, 0x55556666)
	if got := vvmcs.Read(&page, vvmcs.IOBitmapA); got != 0x11112222 {
		t.Fatalf("IOBitmapA read = %#x after writing IOBitmapB, want unchanged 0x11112222", got)
	}
}

func TestWriteDoesNotTouchOtherSlots(t *testing.T) {
	var before, after vvmcs.Page
	vvmcs.Write(&after, vvmcs.CPUBasedVMExecControl, 0xffffffff)

	before[vvmcs.CPUBasedVMExecControl.Offset()] = 0xffffffff
	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("unexpected page mutation outside target slot: %s", diff)
	}
}

func TestFieldEncodingComponents(t *testing.T) {
	if got := vvmcs.IOBitmapAHigh.AccessType(); got != 1 {
		t.Fatalf("IOBitmapAHigh access type = %d, want 1", got)
	}

	if got := vvmcs.IOBitmapB.Index(); got != 1 {
		t.Fatalf("IOBitmapB index = %d, want 1", got)
	}

	if got := vvmcs.CPUBasedVMExecControl.Type(); got != vvmcs.Control {
		t.Fatalf("CPUBasedVMExecControl type = %v, want Control", got)
	}

	if got := vvmcs.ExitQualification.Width(); got != vvmcs.WidthNatural {
		t.Fatalf("ExitQualification width = %v, want WidthNatural", got)
	}
}
