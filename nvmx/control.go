//go:build linux

package nvmx

import "github.com/vmxcore/nvmx/vvmcs"

// Hardware VMCS field encodings used by the composite control computation.
// These are real Intel encodings and match the vvmcs constants of the same
// name numerically; they are named separately here because they address
// the hardware VMCS (via host.VMCSAccessor), not a VVMCS page.
const (
	hwCPUBasedVMExecControl  = uint32(vvmcs.CPUBasedVMExecControl)
	hwIOBitmapA              = uint32(vvmcs.IOBitmapA)
	hwIOBitmapB              = uint32(vvmcs.IOBitmapB)
	hwSecondaryVMExecControl = uint32(vvmcs.SecondaryVMExecControl)
	hwExceptionBitmap        = uint32(vvmcs.ExceptionBitmap)
)

const pioControlMask = uint32(vvmcs.CPUBasedActivateIOBitmap | vvmcs.CPUBasedUncondIOExiting)

// strippedControlMask covers the features L0 never lets L1 control
// directly on the hardware VMCS: they are always synthesized from
// host_cntrl and the I/O-exit policy below, never taken verbatim from L1.
const strippedControlMask = uint32(vvmcs.CPUBasedTPRShadow |
	vvmcs.CPUBasedActivateMSRBitmap |
	vvmcs.CPUBasedActivateSecondaryControls |
	vvmcs.CPUBasedActivateIOBitmap |
	vvmcs.CPUBasedUncondIOExiting)

// UpdateExecControl synthesizes CPU_BASED_VM_EXEC_CONTROL for an L2 entry
// from L1's desired control word and the host's own required control
// word, then programs it (and, unless L1 intercepts all I/O
// unconditionally, the hardware IO_BITMAP_A/B) into the hardware VMCS.
func (v *VCPU) UpdateExecControl(hostCntrl uint32) error {
	page := v.currentVVMCS()
	if page == nil {
		return nil
	}

	l1Ctl := uint32(vvmcs.Read(page, vvmcs.CPUBasedVMExecControl))
	pioCtl := l1Ctl & pioControlMask

	shadowCtl := l1Ctl &^ strippedControlMask
	shadowCtl |= hostCntrl

	switch {
	case pioCtl == uint32(vvmcs.CPUBasedUncondIOExiting):
		// L1 intercepts all I/O: no need for a bitmap at all.
		shadowCtl |= uint32(vvmcs.CPUBasedUncondIOExiting)
		shadowCtl &^= uint32(vvmcs.CPUBasedActivateIOBitmap)

	case pioCtl == 0:
		// L1 intercepts no I/O: fall back to the host's own policy.
		aPA, bPA := v.io.HostDefaultIOBitmap()
		if err := v.vmcs.WriteField(hwIOBitmapA, aPA); err != nil {
			return &EmulationError{Err: err}
		}
		if err := v.vmcs.WriteField(hwIOBitmapB, bPA); err != nil {
			return &EmulationError{Err: err}
		}

	default:
		port80, portED := v.shadowIOBitmapPorts()
		aPA, bPA := v.io.ShadowIOBitmap(port80, portED)
		if err := v.vmcs.WriteField(hwIOBitmapA, aPA); err != nil {
			return &EmulationError{Err: err}
		}
		if err := v.vmcs.WriteField(hwIOBitmapB, bPA); err != nil {
			return &EmulationError{Err: err}
		}
	}

	return v.vmcs.WriteField(hwCPUBasedVMExecControl, uint64(shadowCtl))
}

// shadowIOBitmapPorts inspects L1's I/O bitmap A for the two ports that
// select among the four precomputed shadow bitmap pairs: 0x80 (bit 0 of
// byte 0x10) and 0xed (bit 5 of byte 0x1d).
func (v *VCPU) shadowIOBitmapPorts() (port80, portED bool) {
	if v.ioBitmap[0] == nil {
		return false, false
	}

	b := v.ioBitmap[0].Bytes()
	port80 = len(b) > 0x10 && b[0x10]&(1<<0) != 0
	portED = len(b) > 0x1d && b[0x1d]&(1<<5) != 0
	return port80, portED
}

// UpdateSecondaryExecControl shadows SECONDARY_VM_EXEC_CONTROL: L1's
// requested value OR'd with the host's own required bits.
func (v *VCPU) UpdateSecondaryExecControl(hostValue uint32) error {
	return v.shadowControl(hwSecondaryVMExecControl, vvmcs.SecondaryVMExecControl, hostValue)
}

// UpdateExceptionBitmap shadows EXCEPTION_BITMAP the same way.
func (v *VCPU) UpdateExceptionBitmap(hostValue uint32) error {
	return v.shadowControl(hwExceptionBitmap, vvmcs.ExceptionBitmap, hostValue)
}

func (v *VCPU) shadowControl(hwField uint32, vvmcsField vvmcs.Encoding, hostValue uint32) error {
	page := v.currentVVMCS()
	if page == nil {
		return nil
	}

	value := uint32(vvmcs.Read(page, vvmcsField)) | hostValue
	return v.vmcs.WriteField(hwField, uint64(value))
}
