package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
)

// Hash computes a SHA-256 hash of the input data.
// Returns the full 64-character hex string.
func Hash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// Sanitize replaces every character outside [a-zA-Z0-9_] with an underscore,
// producing a string safe for cache keys and directory names.
func Sanitize(s string) string {
	return unsafeKeyChars.ReplaceAllString(s, "_")
}

// Keyer builds namespaced cache keys.
type Keyer struct {
	prefix string
}

// NewKeyer returns a Keyer using the default "distwatch_" namespace.
func NewKeyer() Keyer {
	return Keyer{prefix: "distwatch_"}
}

// NewScopedKeyer returns a Keyer whose keys additionally carry scope, for
// several deployments sharing one redis or mongo instance.
func NewScopedKeyer(scope string) Keyer {
	if scope == "" {
		return NewKeyer()
	}
	return Keyer{prefix: "distwatch_" + Sanitize(scope) + "_"}
}

// MetadataKey returns the key for a package's registry metadata as served by
// the registry identified by label.
func (k Keyer) MetadataKey(pkg, label string) string {
	if label == "" {
		label = "npm"
	}
	return k.prefix + "npm_info_" + Sanitize(pkg) + "_" + Sanitize(label)
}
