//go:build linux

package nvmx

import (
	"io"
	"log/slog"

	"github.com/vmxcore/nvmx/decode"
	"github.com/vmxcore/nvmx/host"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeHost is a minimal, in-memory stand-in for every collaborator this
// package consumes. It exists purely for tests: no I/O, no concurrency
// safety, no attempt to model anything beyond what a given test exercises.
type fakeHost struct {
	regs   [16]uint64
	eflags uint64

	linear map[uint64]byte
	frames map[uint64]*fakeFrame

	injected []decode.Fault

	fields            map[uint32]uint64
	vmcsBytes         []byte
	clearCalls        int
	loadCalls         int
	clearRegionCalls  int
	lastClearedRegion []byte

	cr0, cr4 uint64
	cs       host.Segment
	longMode bool
	segments map[decode.Segment]host.Segment

	hostDefaultA, hostDefaultB uint64
	shadow                     map[[2]bool][2]uint64
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		linear:   make(map[uint64]byte),
		frames:   make(map[uint64]*fakeFrame),
		fields:   make(map[uint32]uint64),
		segments: make(map[decode.Segment]host.Segment),
		shadow:   make(map[[2]bool][2]uint64),
	}
}

// permissive configures the fakeHost so every privilege gate check passes
// for VMXON itself, and (via vmxonActive) for every other VMX instruction.
func (h *fakeHost) permissive(vmxonActive bool) *VCPU {
	h.cr0 = crPE
	h.cr4 = cr4VMXE
	h.cs = host.Segment{Selector: 0, L: false}
	h.longMode = false
	h.segments[decode.SegmentDS] = host.Segment{Base: 0, Limit: 0xffffffff}

	v := &VCPU{
		host:            h,
		fm:              h,
		mem:             h,
		exc:             h,
		vmcs:            h,
		cpu:             h,
		io:              h,
		log:             discardLogger(),
		shadowVMCS:      make([]byte, pageSize),
		currentVVMCSGPA: vvmcsInvalid,
	}

	if vmxonActive {
		v.vmxonRegionPA = 0x9000
	}

	return v
}

func (h *fakeHost) writeLinear(addr uint64, data []byte) {
	for i, b := range data {
		h.linear[addr+uint64(i)] = b
	}
}

func (h *fakeHost) readLinear(addr uint64, length int) []byte {
	out := make([]byte, length)
	for i := range out {
		out[i] = h.linear[addr+uint64(i)]
	}
	return out
}

func (h *fakeHost) ReadRegister(r decode.Register) uint64     { return h.regs[r&0xf] }
func (h *fakeHost) WriteRegister(r decode.Register, v uint64) { h.regs[r&0xf] = v }
func (h *fakeHost) EFLAGS() uint64                            { return h.eflags }
func (h *fakeHost) SetEFLAGS(v uint64)                        { h.eflags = v }

func (h *fakeHost) InjectException(vector uint8, errCode uint32) {
	h.injected = append(h.injected, decode.Fault{Vector: vector, ErrorCode: errCode})
}

func (h *fakeHost) CopyToGuestVirt(linearAddr uint64, data []byte) error {
	h.writeLinear(linearAddr, data)
	return nil
}

func (h *fakeHost) CopyFromGuestVirt(linearAddr uint64, length int) ([]byte, error) {
	return h.readLinear(linearAddr, length), nil
}

func (h *fakeHost) frame(gpa uint64) *fakeFrame {
	key := gpa &^ 0xfff
	f, ok := h.frames[key]
	if !ok {
		f = &fakeFrame{data: make([]byte, pageSize)}
		h.frames[key] = f
	}
	return f
}

func (h *fakeHost) MapReadOnly(gpa uint64) (host.GuestFrameRO, error)  { return h.frame(gpa), nil }
func (h *fakeHost) MapReadWrite(gpa uint64) (host.GuestFrameRW, error) { return h.frame(gpa), nil }

func (h *fakeHost) ReadField(encoding uint32) (uint64, error) { return h.fields[encoding], nil }
func (h *fakeHost) WriteField(encoding uint32, value uint64) error {
	h.fields[encoding] = value
	return nil
}
func (h *fakeHost) Clear() error  { h.clearCalls++; return nil }
func (h *fakeHost) Load() error   { h.loadCalls++; return nil }
func (h *fakeHost) Bytes() []byte { return h.vmcsBytes }

func (h *fakeHost) ClearRegion(page []byte) error {
	h.clearRegionCalls++
	h.lastClearedRegion = page
	return nil
}

func (h *fakeHost) CR0() uint64           { return h.cr0 }
func (h *fakeHost) CR4() uint64           { return h.cr4 }
func (h *fakeHost) CS() host.Segment      { return h.cs }
func (h *fakeHost) LongModeEnabled() bool { return h.longMode }

func (h *fakeHost) Segment(seg decode.Segment) (host.Segment, bool) {
	s, ok := h.segments[seg]
	return s, ok
}

func (h *fakeHost) HostDefaultIOBitmap() (uint64, uint64) { return h.hostDefaultA, h.hostDefaultB }
func (h *fakeHost) ShadowIOBitmap(port80, portED bool) (uint64, uint64) {
	v := h.shadow[[2]bool{port80, portED}]
	return v[0], v[1]
}

type fakeFrame struct {
	data     []byte
	released bool
}

func (f *fakeFrame) Bytes() []byte { return f.data }
func (f *fakeFrame) Release()      { f.released = true }
