//go:build linux

package nvmx

import (
	"unsafe"

	"github.com/vmxcore/nvmx/vvmcs"
)

// pageOf reinterprets a page-sized byte slice as a *vvmcs.Page, the same
// way the teacher reinterprets an mmaped VCPU region as *kvm.VCPUState.
func pageOf(b []byte) *vvmcs.Page {
	if len(b) < pageSize {
		panic("nvmx: guest frame shorter than one page")
	}

	return (*vvmcs.Page)(unsafe.Pointer(&b[0]))
}
