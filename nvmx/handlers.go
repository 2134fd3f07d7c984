//go:build linux

package nvmx

import (
	"github.com/vmxcore/nvmx/decode"
	"github.com/vmxcore/nvmx/vvmcs"
)

func (v *VCPU) handleVMXON(instInfo decode.InstructionInfo, exitQualification uint64) error {
	d, err := v.decodeInstruction(instInfo, exitQualification)
	if err != nil {
		return err
	}

	gpa, err := v.decodedGPA(d)
	if err != nil {
		return err
	}

	if v.vmxonRegionPA != 0 {
		v.log.Warn("nvmx: vmxon while already active", "orig", v.vmxonRegionPA, "new", gpa)
	}

	v.vmxonRegionPA = gpa

	// `fork' the live hardware VMCS into the shadow VMCS: VMCLEAR it,
	// copy its contents out, then VMPTRLD it back. This is the single
	// suspension point for hardware state (spec §5).
	if err := v.vmcs.Clear(); err != nil {
		return &EmulationError{Err: err}
	}

	copy(v.shadowVMCS, v.vmcs.Bytes())

	if err := v.vmcs.Load(); err != nil {
		return &EmulationError{Err: err}
	}

	v.vmreturn(statusSucceed)
	return nil
}

func (v *VCPU) handleVMXOFF() error {
	v.purge()
	v.vmxonRegionPA = 0
	v.vmreturn(statusSucceed)
	return nil
}

func (v *VCPU) handleVMPTRLD(instInfo decode.InstructionInfo, exitQualification uint64) error {
	d, err := v.decodeInstruction(instInfo, exitQualification)
	if err != nil {
		return err
	}

	gpa, err := v.decodedGPA(d)
	if err != nil {
		return err
	}

	// Both conditions independently fail the instruction; the source
	// this core was distilled from short-circuited the alignment check
	// behind the aliasing check with a bitwise OR, so a misaligned
	// VMXON-region GPA slipped through. Ordinary boolean OR fixes it.
	if gpa == v.vmxonRegionPA || gpa&0xfff != 0 {
		v.vmreturn(statusFailInvalid)
		return nil
	}

	if gpa != v.currentVVMCSGPA {
		v.purge()
	}

	if v.currentVVMCSGPA == vvmcsInvalid {
		if err := v.loadCurrentVVMCS(gpa); err != nil {
			return &EmulationError{Err: err}
		}
	}

	v.vmreturn(statusSucceed)
	return nil
}

func (v *VCPU) handleVMPTRST(instInfo decode.InstructionInfo, exitQualification uint64) error {
	d, err := v.decodeInstruction(instInfo, exitQualification)
	if err != nil {
		return err
	}

	data := leBytes(v.currentVVMCSGPA)[:d.Length]
	if err := v.mem.CopyToGuestVirt(d.LinearAddr, data); err != nil {
		return &EmulationError{Err: err}
	}

	v.vmreturn(statusSucceed)
	return nil
}

func (v *VCPU) handleVMCLEAR(instInfo decode.InstructionInfo, exitQualification uint64) error {
	d, err := v.decodeInstruction(instInfo, exitQualification)
	if err != nil {
		return err
	}

	gpa, err := v.decodedGPA(d)
	if err != nil {
		return err
	}

	if gpa&0xfff != 0 {
		v.vmreturn(statusFailInvalid)
		return nil
	}

	if gpa != v.currentVVMCSGPA && v.currentVVMCSGPA != vvmcsInvalid {
		v.log.Warn("nvmx: vmclear gpa differs from current vvmcs", "gpa", gpa, "current", v.currentVVMCSGPA)
		v.vmreturn(statusSucceed)
		return nil
	}

	if v.currentVVMCSGPA != vvmcsInvalid {
		vvmcs.Write(v.currentVVMCS(), vvmcs.LaunchState, 0)
	}

	v.purge()

	v.vmreturn(statusSucceed)
	return nil
}

func (v *VCPU) handleVMREAD(instInfo decode.InstructionInfo, exitQualification uint64) error {
	d, err := v.decodeInstruction(instInfo, exitQualification)
	if err != nil {
		return err
	}

	page := v.currentVVMCS()
	if page == nil {
		v.vmreturn(statusFailInvalid)
		return nil
	}

	field := vvmcs.Encoding(v.host.ReadRegister(d.Reg2))
	value := vvmcs.Read(page, field)

	switch d.Kind {
	case decode.KindMemory:
		if err := v.mem.CopyToGuestVirt(d.LinearAddr, leBytes(value)[:d.Length]); err != nil {
			return &EmulationError{Err: err}
		}
	case decode.KindRegister:
		v.host.WriteRegister(d.Reg1, value)
	}

	v.vmreturn(statusSucceed)
	return nil
}

func (v *VCPU) handleVMWRITE(instInfo decode.InstructionInfo, exitQualification uint64) error {
	d, err := v.decodeInstruction(instInfo, exitQualification)
	if err != nil {
		return err
	}

	var operand uint64
	switch d.Kind {
	case decode.KindMemory:
		raw, err := v.mem.CopyFromGuestVirt(d.LinearAddr, d.Length)
		if err != nil {
			return &EmulationError{Err: err}
		}
		operand = leUint64(raw)
	case decode.KindRegister:
		operand = v.host.ReadRegister(d.Reg1)
	}

	page := v.currentVVMCS()
	if page == nil {
		v.vmreturn(statusFailInvalid)
		return nil
	}

	field := vvmcs.Encoding(v.host.ReadRegister(d.Reg2))
	vvmcs.Write(page, field, operand)

	switch field {
	case vvmcs.IOBitmapA, vvmcs.IOBitmapAHigh:
		v.remapIOBitmap(0, vvmcs.IOBitmapA)
	case vvmcs.IOBitmapB, vvmcs.IOBitmapBHigh:
		v.remapIOBitmap(1, vvmcs.IOBitmapB)
	}

	v.vmreturn(statusSucceed)
	return nil
}

func (v *VCPU) handleVMLAUNCH(instInfo decode.InstructionInfo, exitQualification uint64) error {
	return v.enterL2(true)
}

func (v *VCPU) handleVMRESUME(instInfo decode.InstructionInfo, exitQualification uint64) error {
	return v.enterL2(false)
}

// enterL2 implements the shared VMLAUNCH/VMRESUME state machine (spec
// §4.5). Neither instruction has an explicit operand, so no decode step
// is needed.
func (v *VCPU) enterL2(launch bool) error {
	page := v.currentVVMCS()
	if page == nil || !v.ioBitmapsReadyFor(page) {
		v.vmreturn(statusFailInvalid)
		return nil
	}

	launched := vvmcs.Read(page, vvmcs.LaunchState) != 0

	if launch == launched {
		v.vmreturn(statusFailValid)
		return nil
	}

	v.vmEntryPending = true

	if launch {
		vvmcs.Write(page, vvmcs.LaunchState, 1)
	}

	v.vmreturn(statusSucceed)
	return nil
}

// ioBitmapsReadyFor reports whether VM-entry's I/O bitmap precondition is
// satisfied: either the VVMCS doesn't request I/O-bitmap exiting, or both
// bitmaps are mapped.
func (v *VCPU) ioBitmapsReadyFor(page *vvmcs.Page) bool {
	cpuBased := vvmcs.Read(page, vvmcs.CPUBasedVMExecControl)
	if cpuBased&vvmcs.CPUBasedActivateIOBitmap == 0 {
		return true
	}

	return v.ioBitmap[0] != nil && v.ioBitmap[1] != nil
}
