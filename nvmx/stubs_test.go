//go:build linux

package nvmx

import (
	"errors"
	"testing"
)

func TestUnimplementedHooksReturnErrNotImplemented(t *testing.T) {
	h := newFakeHost()
	v := h.permissive(false)

	tests := []struct {
		name string
		call func() error
	}{
		{"GuestCR3", func() error { _, err := v.GuestCR3(); return err }},
		{"HostCR3", func() error { _, err := v.HostCR3(); return err }},
		{"ASID", func() error { _, err := v.ASID(); return err }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, ErrNotImplemented) {
				t.Fatalf("%s: got %v, want ErrNotImplemented", tt.name, err)
			}
		})
	}
}
