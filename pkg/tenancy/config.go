// Package tenancy resolves the organization a request acts on and carries it
// through the request context. Handlers read it once at the boundary and
// pass it explicitly to the domain layer.
package tenancy

import "fmt"

// Mode controls how the organization is resolved.
type Mode string

const (
	// ModeSingle uses the configured default organization for every request.
	ModeSingle Mode = "single"
	// ModeMulti requires the organization on every request.
	ModeMulti Mode = "multi"
)

// DefaultOrganization is used in single mode when none is configured.
const DefaultOrganization = "default-organization"

// ParseMode validates a configured tenancy mode. An empty value means
// single mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeSingle:
		return ModeSingle, nil
	case ModeMulti:
		return ModeMulti, nil
	default:
		return "", fmt.Errorf("invalid tenancy mode %q (expected %q or %q)", s, ModeSingle, ModeMulti)
	}
}
