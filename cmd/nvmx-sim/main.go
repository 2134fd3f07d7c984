// Command nvmx-sim drives a handful of simulated vCPUs through a scripted
// VMXON -> VMPTRLD -> VMWRITE -> VMLAUNCH -> VMRESUME sequence, each backed
// by its own in-memory Host, and reports the resulting nested-VMX status.
// It exists to exercise the nvmx package's public surface end to end
// without a real hypervisor underneath.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/vmxcore/nvmx/decode"
	"github.com/vmxcore/nvmx/host"
	"github.com/vmxcore/nvmx/nvmx"
	"github.com/vmxcore/nvmx/vvmcs"
	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		count = flag.Int("vcpus", 4, "number of simulated vCPUs to run concurrently")
	)

	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stdout, nil))

	g, ctx := errgroup.WithContext(context.Background())

	for i := 0; i < *count; i++ {
		id := i
		g.Go(func() error {
			return runVCPU(ctx, log.With("vcpu", id))
		})
	}

	if err := g.Wait(); err != nil {
		panic(err)
	}
}

func runVCPU(ctx context.Context, log *slog.Logger) error {
	sim := newSimHost()

	v, err := nvmx.New(nvmx.Config{Host: sim, Log: log})
	if err != nil {
		return fmt.Errorf("nvmx.New: %w", err)
	}
	defer v.Close()

	// VMXON: point the VMXON region at a guest-virtual address and store
	// its GPA there, the way an L1 hypervisor's `vmxon [addr]` would.
	const vmxonOperandAddr = 0x1000
	const vmxonRegionGPA = 0x9000

	sim.writeLinear(vmxonOperandAddr, leBytes(vmxonRegionGPA))

	if err := dispatchAndLog(log, "VMXON", v, sim, nvmx.OpVMXON, memOperand(decode.SegmentDS), vmxonOperandAddr); err != nil {
		return err
	}

	// VMPTRLD: point L1's active VVMCS at a fresh guest page.
	const vvmcsOperandAddr = 0x1008
	const vvmcsGPA = 0x13000

	sim.writeLinear(vvmcsOperandAddr, leBytes(vvmcsGPA))

	if err := dispatchAndLog(log, "VMPTRLD", v, sim, nvmx.OpVMPTRLD, memOperand(decode.SegmentDS), vvmcsOperandAddr); err != nil {
		return err
	}

	// VMWRITE: point IO_BITMAP_A at a guest page, register-form operand.
	const bitmapGPA = 0x55000

	sim.regs[decode.RAX] = bitmapGPA
	sim.regs[decode.RCX] = uint64(vvmcs.IOBitmapA)

	writeInfo := decode.InstructionInfo{MemReg: true, Reg1: decode.RAX, Reg2: decode.RCX}
	if err := dispatchAndLog(log, "VMWRITE", v, sim, nvmx.OpVMWRITE, writeInfo, 0); err != nil {
		return err
	}

	// VMLAUNCH, then simulate the outer scheduler completing the nested
	// entry and L2 exiting back to L1, then VMRESUME.
	if err := dispatchAndLog(log, "VMLAUNCH", v, sim, nvmx.OpVMLAUNCH, decode.InstructionInfo{}, 0); err != nil {
		return err
	}

	if v.VMEntryPending() {
		log.Info("nested entry pending, simulating L2 run and exit")
		v.ClearVMEntryPending()
	}

	if err := dispatchAndLog(log, "VMRESUME", v, sim, nvmx.OpVMRESUME, decode.InstructionInfo{}, 0); err != nil {
		return err
	}

	if err := dispatchAndLog(log, "VMXOFF", v, sim, nvmx.OpVMXOFF, decode.InstructionInfo{}, 0); err != nil {
		return err
	}

	return nil
}

func dispatchAndLog(log *slog.Logger, name string, v *nvmx.VCPU, sim *simHost, op nvmx.Opcode, instInfo decode.InstructionInfo, exitQualification uint64) error {
	if err := v.Dispatch(op, instInfo, exitQualification); err != nil {
		log.Error(name, "err", err)
		return fmt.Errorf("%s: %w", name, err)
	}

	log.Info(name, "eflags", fmt.Sprintf("%#x", sim.EFLAGS()))
	return nil
}

func memOperand(seg decode.Segment) decode.InstructionInfo {
	return decode.InstructionInfo{
		MemReg:          false,
		Segment:         seg,
		BaseRegInvalid:  true,
		IndexRegInvalid: true,
		AddrSize:        2,
	}
}

func leBytes(v uint64) []byte {
	b := make([]byte, 8)
	for i := range b {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

// simHost is a minimal, single-goroutine-owned in-memory Host: no real
// paging, no real hardware VMCS, just enough state to drive nvmx.VCPU
// through the same operations a real L0 scheduler would.
type simHost struct {
	regs   [16]uint64
	eflags uint64

	linear map[uint64]byte
	frames map[uint64][]byte

	vmcsBytes [4096]byte
	fields    map[uint32]uint64

	segments map[decode.Segment]host.Segment

	hostDefaultA, hostDefaultB uint64
}

func newSimHost() *simHost {
	return &simHost{
		linear: make(map[uint64]byte),
		frames: make(map[uint64][]byte),
		fields: make(map[uint32]uint64),
		segments: map[decode.Segment]host.Segment{
			decode.SegmentDS: {Base: 0, Limit: 0xffffffff},
		},
		hostDefaultA: 0xf0000,
		hostDefaultB: 0xf1000,
	}
}

func (s *simHost) writeLinear(addr uint64, data []byte) {
	for i, b := range data {
		s.linear[addr+uint64(i)] = b
	}
}

func (s *simHost) ReadRegister(r decode.Register) uint64     { return s.regs[r&0xf] }
func (s *simHost) WriteRegister(r decode.Register, v uint64) { s.regs[r&0xf] = v }
func (s *simHost) EFLAGS() uint64                            { return s.eflags }
func (s *simHost) SetEFLAGS(v uint64)                        { s.eflags = v }

// InjectException is a no-op here: the simulator observes faults via
// Dispatch's returned error, the same signal a real emulator would use to
// decide not to advance RIP.
func (s *simHost) InjectException(vector uint8, errorCode uint32) {}

func (s *simHost) CopyToGuestVirt(linearAddr uint64, data []byte) error {
	s.writeLinear(linearAddr, data)
	return nil
}

func (s *simHost) CopyFromGuestVirt(linearAddr uint64, length int) ([]byte, error) {
	out := make([]byte, length)
	for i := range out {
		out[i] = s.linear[linearAddr+uint64(i)]
	}
	return out, nil
}

func (s *simHost) frame(gpa uint64) []byte {
	key := gpa &^ 0xfff
	f, ok := s.frames[key]
	if !ok {
		f = make([]byte, 4096)
		s.frames[key] = f
	}
	return f
}

func (s *simHost) MapReadOnly(gpa uint64) (host.GuestFrameRO, error) {
	return &simFrame{data: s.frame(gpa)}, nil
}

func (s *simHost) MapReadWrite(gpa uint64) (host.GuestFrameRW, error) {
	return &simFrame{data: s.frame(gpa)}, nil
}

func (s *simHost) ReadField(encoding uint32) (uint64, error) { return s.fields[encoding], nil }

func (s *simHost) WriteField(encoding uint32, value uint64) error {
	s.fields[encoding] = value
	return nil
}

func (s *simHost) Clear() error             { return nil }
func (s *simHost) Load() error              { return nil }
func (s *simHost) Bytes() []byte            { return s.vmcsBytes[:] }
func (s *simHost) ClearRegion([]byte) error { return nil }

func (s *simHost) CR0() uint64 { return 1 << 0 }  // CR0.PE
func (s *simHost) CR4() uint64 { return 1 << 13 } // CR4.VMXE

func (s *simHost) CS() host.Segment      { return host.Segment{} }
func (s *simHost) LongModeEnabled() bool { return false }

func (s *simHost) Segment(seg decode.Segment) (host.Segment, bool) {
	sg, ok := s.segments[seg]
	return sg, ok
}

func (s *simHost) HostDefaultIOBitmap() (uint64, uint64) { return s.hostDefaultA, s.hostDefaultB }

func (s *simHost) ShadowIOBitmap(port80, portED bool) (uint64, uint64) {
	return s.hostDefaultA, s.hostDefaultB
}

type simFrame struct{ data []byte }

func (f *simFrame) Bytes() []byte { return f.data }
func (f *simFrame) Release()      {}
