package privilege_test

import (
	"testing"

	"github.com/vmxcore/nvmx/privilege"
)

func fullyPermissive() privilege.State {
	return privilege.State{
		CR0PE:           true,
		CR4VMXE:         true,
		EFLAGSVM:        false,
		LongModeEnabled: true,
		CSLongMode:      true,
		CPL:             0,
		VMXOnActive:     true,
	}
}

func TestCheckSucceedsWhenEverythingIsSatisfied(t *testing.T) {
	if got := privilege.Check(false, fullyPermissive()); got != privilege.ResultOK {
		t.Fatalf("Check() = %v, want ResultOK", got)
	}

	st := fullyPermissive()
	st.VMXOnActive = false // irrelevant for the VMXON check itself
	if got := privilege.Check(true, st); got != privilege.ResultOK {
		t.Fatalf("Check(vmxopCheck=true) = %v, want ResultOK", got)
	}
}

func TestCheckExhaustive(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*privilege.State)
		vmxop  bool
		want   privilege.Result
	}{
		{"CR0.PE clear", func(s *privilege.State) { s.CR0PE = false }, true, privilege.ResultFaultUD},
		{"CR4.VMXE clear", func(s *privilege.State) { s.CR4VMXE = false }, true, privilege.ResultFaultUD},
		{"VMXON not active for non-VMXON instruction", func(s *privilege.State) { s.VMXOnActive = false }, false, privilege.ResultFaultUD},
		{"EFLAGS.VM set", func(s *privilege.State) { s.EFLAGSVM = true }, false, privilege.ResultFaultUD},
		{"long mode without CS.L", func(s *privilege.State) { s.CSLongMode = false }, false, privilege.ResultFaultUD},
		{"CPL != 0", func(s *privilege.State) { s.CPL = 3 }, false, privilege.ResultFaultGP},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			st := fullyPermissive()
			c.mutate(&st)

			if got := privilege.Check(c.vmxop, st); got != c.want {
				t.Fatalf("Check(%v, %+v) = %v, want %v", c.vmxop, st, got, c.want)
			}
		})
	}
}
