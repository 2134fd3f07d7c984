//go:build linux

package nvmx

// GuestCR3, HostCR3, and ASID surface the nested-paging translation this
// core does not implement (see spec's non-goals: page-table shadowing is
// an external collaborator's job). The source this core was distilled
// from left the equivalent hooks as stubs; no semantics are invented
// here either.

func (v *VCPU) GuestCR3() (uint64, error) {
	return 0, ErrNotImplemented
}

func (v *VCPU) HostCR3() (uint64, error) {
	return 0, ErrNotImplemented
}

func (v *VCPU) ASID() (uint32, error) {
	return 0, ErrNotImplemented
}
