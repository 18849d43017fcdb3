// Package access decides what a validated caller may do. The policy is a
// pure mapping from role to capabilities; handlers query it instead of
// branching on role strings.
package access

import "github.com/inkfable/tokenledger/internal/security"

// Capability names one permitted action.
type Capability string

// Capabilities checked by the API layer.
const (
	// CapReadOwnWallet reads the caller's own balance and history.
	CapReadOwnWallet Capability = "wallet:read"
	// CapHold creates and voids authorizations for the caller's wallet.
	CapHold Capability = "wallet:hold"
	// CapCapture settles authorizations; granted to internal workers.
	CapCapture Capability = "wallet:capture"
	// CapAdjust credits or debits any wallet directly.
	CapAdjust Capability = "wallet:adjust"
)

// rolePolicy maps each role to its capability set.
var rolePolicy = map[string][]Capability{
	security.RoleUser:    {CapReadOwnWallet, CapHold},
	security.RoleService: {CapReadOwnWallet, CapHold, CapCapture},
	security.RoleAdmin:   {CapReadOwnWallet, CapHold, CapCapture, CapAdjust},
}

// CapabilitiesFor returns the capability set granted to a role. Unknown
// roles get nothing.
func CapabilitiesFor(role string) []Capability {
	return rolePolicy[role]
}

// Allowed reports whether a role holds a capability.
func Allowed(role string, capability Capability) bool {
	for _, granted := range rolePolicy[role] {
		if granted == capability {
			return true
		}
	}
	return false
}
