package access

import (
	"testing"

	"github.com/inkfable/tokenledger/internal/security"
)

func TestRoleCapabilities(t *testing.T) {
	cases := []struct {
		role       string
		capability Capability
		want       bool
	}{
		{security.RoleUser, CapReadOwnWallet, true},
		{security.RoleUser, CapHold, true},
		{security.RoleUser, CapCapture, false},
		{security.RoleUser, CapAdjust, false},
		{security.RoleService, CapCapture, true},
		{security.RoleService, CapAdjust, false},
		{security.RoleAdmin, CapAdjust, true},
		{security.RoleAdmin, CapCapture, true},
		{"", CapReadOwnWallet, false},
		{"superuser", CapAdjust, false},
	}
	for _, tc := range cases {
		if got := Allowed(tc.role, tc.capability); got != tc.want {
			t.Errorf("Allowed(%q, %q) = %v, want %v", tc.role, tc.capability, got, tc.want)
		}
	}
}

func TestCapabilitiesForUnknownRoleIsEmpty(t *testing.T) {
	if caps := CapabilitiesFor("ghost"); len(caps) != 0 {
		t.Fatalf("unknown role should have no capabilities, got %v", caps)
	}
}
