//go:build linux

// Package nvmx is the nested-VMX virtualization core: it intercepts the
// VMX instructions an L1 hypervisor executes, maintains a shadow of L1's
// virtual VMCS structures, and bridges them to the real VMCS the physical
// CPU operates on.
package nvmx

import (
	"fmt"
	"log/slog"

	"github.com/vmxcore/nvmx/host"
	"github.com/vmxcore/nvmx/vvmcs"
	"golang.org/x/sys/unix"
)

// pageSize is the guest and host page size this core operates on. It is a
// process-wide constant, not per-vCPU state, matching spec's design note
// that the VMCS allocator's page size and page order are read-only
// configuration initialized once at boot.
const pageSize = 4096

// Config configures a new VCPU's nested-VMX core. It is supplied once, at
// construction, the same way vmm.Config configures a new VM.
type Config struct {
	// Host supplies every collaborator this core does not own: guest
	// register access, guest-frame mapping, guest-virtual copy,
	// exception injection, and hardware VMCS access.
	Host Host

	// Log receives operational warnings this core intentionally
	// swallows (a duplicate VMXON, a VMCLEAR of a non-current VVMCS). If
	// nil, slog.Default() is used.
	Log *slog.Logger
}

// Host aggregates every external collaborator interface this core
// consumes. A single implementation is expected to satisfy all of them,
// the same way a single *kvm.VCPU backs several narrower operations in
// the teacher's vmm package.
type Host interface {
	host.RegisterFile
	host.FrameMapper
	host.GuestMemory
	host.ExceptionInjector
	host.VMCSAccessor
	host.CPUState
	host.IOBitmapSource
}

// VCPU is the per-virtual-CPU nested-VMX state described by spec's data
// model. There is exactly one writer for a given VCPU (the logical CPU
// currently running it); the package performs no internal locking.
type VCPU struct {
	host host.RegisterFile
	fm   host.FrameMapper
	mem  host.GuestMemory
	exc  host.ExceptionInjector
	vmcs host.VMCSAccessor
	cpu  host.CPUState
	io   host.IOBitmapSource

	log *slog.Logger

	vmxonRegionPA uint64 // 0 means VMXON not executed

	shadowVMCS []byte // exclusively owned, page-aligned, mmap-backed

	currentVVMCSGPA uint64 // vvmcsInvalid means "no current VVMCS"
	currentVVMCSMap host.GuestFrameRW

	ioBitmap [2]host.GuestFrameRO

	vmEntryPending bool
}

// vvmcsInvalid is the sentinel current_vvmcs_gpa value meaning "L1 has not
// pointed at a VVMCS".
const vvmcsInvalid = ^uint64(0)

// New allocates a VCPU's nested-VMX core: an owned, page-aligned shadow
// VMCS buffer and a clean nested-operation state (OFF, per spec's
// invariant).
func New(cfg Config) (*VCPU, error) {
	buf, err := unix.Mmap(-1, 0, pageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAlloc, err)
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	v := &VCPU{
		host:            cfg.Host,
		fm:              cfg.Host,
		mem:             cfg.Host,
		exc:             cfg.Host,
		vmcs:            cfg.Host,
		cpu:             cfg.Host,
		io:              cfg.Host,
		log:             log,
		shadowVMCS:      buf,
		currentVVMCSGPA: vvmcsInvalid,
	}

	return v, nil
}

// Close tears down the VCPU: purges any loaded VVMCS and I/O bitmaps, then
// releases the shadow VMCS buffer. spec: the shadow_vmcs buffer is
// "destroyed at vCPU teardown."
func (v *VCPU) Close() error {
	v.purge()

	if v.shadowVMCS != nil {
		err := unix.Munmap(v.shadowVMCS)
		v.shadowVMCS = nil
		return err
	}

	return nil
}

// VMEntryPending reports whether a successful VMLAUNCH/VMRESUME requires
// the outer scheduler to perform a nested entry into L2 before the next
// resume. The flag is consumed (cleared) by the caller via
// ClearVMEntryPending.
func (v *VCPU) VMEntryPending() bool { return v.vmEntryPending }

// ClearVMEntryPending clears the pending-entry flag. The outer scheduler
// calls this once it has performed the nested entry.
func (v *VCPU) ClearVMEntryPending() { v.vmEntryPending = false }

// currentVVMCS returns the mapped page backing the currently loaded VVMCS,
// or nil if none is loaded.
func (v *VCPU) currentVVMCS() *vvmcs.Page {
	if v.currentVVMCSMap == nil {
		return nil
	}

	return pageOf(v.currentVVMCSMap.Bytes())
}
