/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

// Context describes the request being admitted. It is built by the host (e.g. the HTTP middleware).
type Context struct {
	// NetworkOrigin is the client network address (IP).
	NetworkOrigin string
	UserID        string
	TenantID      string
	// APIKey is the credential identifier. It is hashed before being used in keys.
	APIKey   string
	Tier     string
	Endpoint string
	Method   string
	// IsInternal marks calls between internal services.
	IsInternal bool
}

// Scope is a dimension a rate limiting key is derived from.
type Scope string

// Scopes.
const (
	ScopeUser     Scope = "user"
	ScopeIP       Scope = "ip"
	ScopeAPIKey   Scope = "apiKey"
	ScopeTenant   Scope = "tenant"
	ScopeEndpoint Scope = "endpoint"
	ScopeGlobal   Scope = "global"
)

// AllScopes returns all supported scopes.
func AllScopes() []Scope {
	return []Scope{ScopeUser, ScopeIP, ScopeAPIKey, ScopeTenant, ScopeEndpoint, ScopeGlobal}
}

// Valid reports whether s is a supported scope.
func (s Scope) Valid() bool {
	for _, known := range AllScopes() {
		if s == known {
			return true
		}
	}
	return false
}

// value returns the raw value of the scope dimension. Empty string means the dimension is missing.
func (c *Context) value(s Scope) string {
	if c == nil {
		return ""
	}
	switch s {
	case ScopeUser:
		return c.UserID
	case ScopeIP:
		return c.NetworkOrigin
	case ScopeAPIKey:
		return c.APIKey
	case ScopeTenant:
		return c.TenantID
	case ScopeEndpoint:
		return c.Endpoint
	default:
		return ""
	}
}
