//go:build linux

package nvmx

import (
	"github.com/vmxcore/nvmx/decode"
	"github.com/vmxcore/nvmx/privilege"
)

// Opcode is the closed set of VMX instructions this core dispatches. The
// set is small and fixed, so it is modeled as a tagged variant matched
// exhaustively in Dispatch rather than as an open interface.
type Opcode int

const (
	OpVMXON Opcode = iota
	OpVMXOFF
	OpVMPTRLD
	OpVMPTRST
	OpVMCLEAR
	OpVMREAD
	OpVMWRITE
	OpVMLAUNCH
	OpVMRESUME
)

// status is the architected VM-instruction status convention (spec §6):
// three outcomes, encoded into EFLAGS.
type status int

const (
	statusSucceed status = iota
	statusFailValid
	statusFailInvalid
)

const eflagsStatusMask = eflagsCF | eflagsPF | eflagsAF | eflagsZF | eflagsSF | eflagsOF

const (
	eflagsCF = 1 << 0
	eflagsPF = 1 << 2
	eflagsAF = 1 << 4
	eflagsZF = 1 << 6
	eflagsSF = 1 << 7
	eflagsOF = 1 << 11
)

func (v *VCPU) vmreturn(st status) {
	eflags := v.host.EFLAGS() &^ eflagsStatusMask

	switch st {
	case statusFailValid:
		eflags |= eflagsZF
	case statusFailInvalid:
		eflags |= eflagsCF
	}

	v.host.SetEFLAGS(eflags)
}

// Dispatch runs the VMX instruction named by op. instInfo and
// exitQualification are the hardware-populated auxiliary fields available
// on the VM-exit that trapped the instruction.
//
// A nil return means the instruction completed (VMsucceed, VMfailValid, or
// VMfailInvalid was encoded into EFLAGS as appropriate) and RIP should
// advance. A non-nil *FaultInjected or *EmulationError means an
// architectural exception was raised (or a guest-memory copy failed) and
// RIP must not advance.
func (v *VCPU) Dispatch(op Opcode, instInfo decode.InstructionInfo, exitQualification uint64) error {
	vmxopCheck := op == OpVMXON

	if res := privilege.Check(vmxopCheck, v.privilegeState()); res != privilege.ResultOK {
		return v.injectPrivilegeFault(res)
	}

	switch op {
	case OpVMXON:
		return v.handleVMXON(instInfo, exitQualification)
	case OpVMXOFF:
		return v.handleVMXOFF()
	case OpVMPTRLD:
		return v.handleVMPTRLD(instInfo, exitQualification)
	case OpVMPTRST:
		return v.handleVMPTRST(instInfo, exitQualification)
	case OpVMCLEAR:
		return v.handleVMCLEAR(instInfo, exitQualification)
	case OpVMREAD:
		return v.handleVMREAD(instInfo, exitQualification)
	case OpVMWRITE:
		return v.handleVMWRITE(instInfo, exitQualification)
	case OpVMLAUNCH:
		return v.handleVMLAUNCH(instInfo, exitQualification)
	case OpVMRESUME:
		return v.handleVMRESUME(instInfo, exitQualification)
	default:
		panic("nvmx: unhandled opcode")
	}
}

func (v *VCPU) privilegeState() privilege.State {
	cs := v.cpu.CS()
	return privilege.State{
		CR0PE:           v.cpu.CR0()&crPE != 0,
		CR4VMXE:         v.cpu.CR4()&cr4VMXE != 0,
		EFLAGSVM:        v.cpu.EFLAGS()&eflagsVM != 0,
		LongModeEnabled: v.cpu.LongModeEnabled(),
		CSLongMode:      cs.L,
		CPL:             uint8(cs.Selector & 0x3),
		VMXOnActive:     v.vmxonRegionPA != 0,
	}
}

const (
	crPE     = 1 << 0
	cr4VMXE  = 1 << 13
	eflagsVM = 1 << 17
)

func (v *VCPU) injectPrivilegeFault(res privilege.Result) error {
	switch res {
	case privilege.ResultFaultUD:
		v.exc.InjectException(vectorUD, 0)
		return faultUD()
	case privilege.ResultFaultGP:
		v.exc.InjectException(vectorGP, 0)
		return faultGP()
	default:
		panic("nvmx: unreachable privilege result")
	}
}

// decodeInstruction decodes instInfo as a VMX instruction with a memory or
// register operand, resolving the segment (for memory-form) against the
// host's CPU state. It does not fetch the operand's value.
func (v *VCPU) decodeInstruction(instInfo decode.InstructionInfo, exitQualification uint64) (decode.Decoded, error) {
	var seg decode.SegmentRegister

	if !instInfo.MemReg {
		if instInfo.Segment > decode.SegmentGS {
			v.exc.InjectException(vectorGP, 0)
			return decode.Decoded{}, faultGP()
		}

		hs, ok := v.cpu.Segment(instInfo.Segment)
		if !ok {
			v.exc.InjectException(vectorGP, 0)
			return decode.Decoded{}, faultGP()
		}

		seg = decode.SegmentRegister{Base: hs.Base, Limit: hs.Limit}
	}

	regs := v.registerSnapshot()

	d, fault := decode.Decode(regs, instInfo, exitQualification, seg, v.cpu.LongModeEnabled())
	if fault != nil {
		v.exc.InjectException(fault.Vector, fault.ErrorCode)
		return decode.Decoded{}, &FaultInjected{Vector: fault.Vector, ErrorCode: fault.ErrorCode}
	}

	return d, nil
}

func (v *VCPU) registerSnapshot() decode.RegisterSnapshot {
	var regs decode.RegisterSnapshot
	for r := decode.RAX; r <= decode.R15; r++ {
		regs[r] = v.host.ReadRegister(r)
	}
	return regs
}

// decodedGPA decodes a memory-operand instruction into the GPA it names:
// every handler that takes a pointer-to-VMXON-region/VVMCS argument reads
// it via a guest-virtual copy of the decoded linear address.
func (v *VCPU) decodedGPA(d decode.Decoded) (uint64, error) {
	if d.Kind != decode.KindMemory {
		// spec's decoder always produces a memory-form operand for
		// VMXON/VMPTRLD/VMPTRST/VMCLEAR; a register-form decode here
		// would mean the guest executed the instruction with an
		// invalid encoding, which the hardware itself rejects before
		// this core ever sees the exit. Guard defensively anyway.
		v.exc.InjectException(vectorGP, 0)
		return 0, faultGP()
	}

	raw, err := v.mem.CopyFromGuestVirt(d.LinearAddr, d.Length)
	if err != nil {
		return 0, &EmulationError{Err: err}
	}

	return leUint64(raw), nil
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func leBytes(v uint64) []byte {
	b := make([]byte, 8)
	for i := range b {
		b[i] = byte(v >> (8 * i))
	}
	return b
}
