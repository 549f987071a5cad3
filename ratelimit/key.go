/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// DefaultKeyPrefix is the default prefix of all rate limiting keys.
const DefaultKeyPrefix = "rl"

// missingScopeValue is used for missing dimensions, so all anonymous requests share one bucket per scope.
const missingScopeValue = "-"

// KeyGenerator builds the scope part of the key for a request. It replaces the scope-based derivation.
type KeyGenerator func(rlCtx *Context) string

// keyValueEscaper encodes key separators and glob metacharacters.
var keyValueEscaper = strings.NewReplacer(
	"%", "%25", "|", "%7C", "=", "%3D", ":", "%3A", "-", "%2D",
	"*", "%2A", "?", "%3F", "[", "%5B", "]", "%5D", `\`, "%5C",
)

// BuildKey derives the rate limiting key "<prefix>:<rule>:<scope>=<value>|..." for the context.
// Scope values are escaped, so keys of distinct scope combinations never collide.
// API keys are hashed and never appear in keys (and logs) in clear text.
func BuildKey(prefix, ruleName string, scopes []Scope, rlCtx *Context) string {
	var sb strings.Builder
	sb.WriteString(prefix)
	sb.WriteByte(':')
	sb.WriteString(keyValueEscaper.Replace(ruleName))
	sb.WriteByte(':')
	for i, s := range scopes {
		if i > 0 {
			sb.WriteByte('|')
		}
		sb.WriteString(string(s))
		if s == ScopeGlobal {
			continue
		}
		sb.WriteByte('=')
		sb.WriteString(scopeValue(s, rlCtx))
	}
	return sb.String()
}

// BuildCustomKey derives the key for a rule with a custom key generator.
func BuildCustomKey(prefix, ruleName string, gen KeyGenerator, rlCtx *Context) string {
	return prefix + ":" + keyValueEscaper.Replace(ruleName) + ":custom=" + keyValueEscaper.Replace(gen(rlCtx))
}

func scopeValue(s Scope, rlCtx *Context) string {
	v := rlCtx.value(s)
	if v == "" {
		return missingScopeValue
	}
	if s == ScopeAPIKey {
		return HashAPIKey(v)
	}
	return keyValueEscaper.Replace(v)
}

// HashAPIKey returns a non-reversible short form of the API key suitable for keys and logs.
func HashAPIKey(apiKey string) string {
	return strconv.FormatUint(xxhash.Sum64String(apiKey), 16)
}
