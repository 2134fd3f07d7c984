//go:build linux

package nvmx

import "github.com/vmxcore/nvmx/vvmcs"

// clearShadow issues a VMCLEAR against the vCPU's own shadow VMCS, by its
// own physical address, so it is not left cached on any logical CPU. This
// is independent of whatever VMCS the logical CPU currently has loaded:
// unlike the VMXON snapshot bracket (VMCSAccessor.Clear/Load), purge fires
// on paths — VMXOFF, a VMPTRLD to a different VVMCS, vCPU teardown — where
// the live VMCS in effect belongs to the surrounding scheduler, not to
// this vCPU, and must be left exactly as found.
func (v *VCPU) clearShadow() error {
	return v.vmcs.ClearRegion(v.shadowVMCS)
}

// loadCurrentVVMCS records gpa as the VVMCS L1 has pointed to, maps it
// read/write, and remaps both I/O bitmaps from the fields stored inside
// it.
func (v *VCPU) loadCurrentVVMCS(gpa uint64) error {
	m, err := v.fm.MapReadWrite(gpa)
	if err != nil {
		return err
	}

	v.currentVVMCSGPA = gpa
	v.currentVVMCSMap = m

	return v.remapIOBitmaps()
}

// unloadCurrentVVMCS releases the current VVMCS mapping and both I/O
// bitmap mappings, then clears current_vvmcs_gpa to the INVALID sentinel.
// Assigning (not merely comparing) here fixes a `==` vs. `=` bug in the
// source this core was distilled from, which left a dangling reference
// after unmap.
func (v *VCPU) unloadCurrentVVMCS() {
	if v.currentVVMCSMap != nil {
		v.currentVVMCSMap.Release()
		v.currentVVMCSMap = nil
	}

	v.currentVVMCSGPA = vvmcsInvalid

	for i := range v.ioBitmap {
		if v.ioBitmap[i] != nil {
			v.ioBitmap[i].Release()
			v.ioBitmap[i] = nil
		}
	}
}

// remapIOBitmap releases the existing mapping for bitmap `which` (0=A,
// 1=B) if present, reads the GPA currently stored at `field` in the
// active VVMCS, and acquires a read-only mapping of that guest frame.
func (v *VCPU) remapIOBitmap(which int, field vvmcs.Encoding) error {
	if v.ioBitmap[which] != nil {
		v.ioBitmap[which].Release()
		v.ioBitmap[which] = nil
	}

	page := v.currentVVMCS()
	if page == nil {
		return nil
	}

	gpa := vvmcs.Read(page, field)

	m, err := v.fm.MapReadOnly(gpa)
	if err != nil {
		return err
	}

	v.ioBitmap[which] = m
	return nil
}

func (v *VCPU) remapIOBitmaps() error {
	if err := v.remapIOBitmap(0, vvmcs.IOBitmapA); err != nil {
		return err
	}

	return v.remapIOBitmap(1, vvmcs.IOBitmapB)
}

// purge is the sequence invoked on VMXOFF, on vCPU destruction, and on any
// VMPTRLD whose GPA differs from the currently loaded one: clear the
// shadow VMCS, unload the current VVMCS, and release both I/O bitmaps.
func (v *VCPU) purge() {
	if err := v.clearShadow(); err != nil {
		v.log.Warn("nvmx: clearing shadow vmcs during purge", "err", err)
	}

	v.unloadCurrentVVMCS()
}
