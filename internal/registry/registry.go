// Package registry implements the Key Registry: an immutable, ordered set
// of credentials with stable labels, masked representations, and hashes.
//
// Construction from heterogeneous credential-file formats is outside the
// core (per spec §1); this package only models the constructed result and
// the read-only operations the Pipeline and Rotation Engine need.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

// Credential is one immutable API key entry.
type Credential struct {
	// Label is the stable, unique human identifier for this key.
	Label string
	// Secret is the opaque API key value. Never logged or traced directly.
	Secret string
	// SecretHash is a short hex digest of Secret, derived once at
	// construction, safe to place in traces.
	SecretHash string
	// BaseURLOverride optionally overrides the upstream base URL for this
	// key; must pass the same allowlist validation as the global default.
	BaseURLOverride string
	// Priority orders keys within the registry; higher values sort first.
	Priority int
	// Disabled excludes the key from eligibility unconditionally.
	Disabled bool
}

// NewCredential builds a Credential, deriving SecretHash from Secret.
func NewCredential(label, secret string, priority int, baseURLOverride string, disabled bool) Credential {
	return Credential{
		Label:           label,
		Secret:          secret,
		SecretHash:      HashSecret(secret),
		BaseURLOverride: baseURLOverride,
		Priority:        priority,
		Disabled:        disabled,
	}
}

// HashSecret returns a short hex digest of secret suitable for trace
// entries; it never reveals the original value.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])[:12]
}

// MaskKey renders secret as "sk-xx***yyyy"-shaped: the first 5 and last 4
// characters separated by three asterisks. Secrets too short for that shape
// collapse to "***".
func MaskKey(secret string) string {
	const (
		prefixLen = 5
		suffixLen = 4
	)
	if len(secret) < prefixLen+suffixLen+1 {
		return "***"
	}
	return fmt.Sprintf("%s***%s", secret[:prefixLen], secret[len(secret)-suffixLen:])
}

// Registry is the ordered, immutable set of credentials. The mutable
// active_index that selects among them is owned by State (component C), not
// by the Registry itself — see ActiveKey.
type Registry struct {
	credentials []Credential
	byLabel     map[string]int
}

// New builds a Registry from an unordered set of credentials. Credentials
// are sorted by priority descending, then label ascending, and that order
// is stable across process restarts provided the input set is the same.
func New(credentials []Credential) (*Registry, error) {
	sorted := make([]Credential, len(credentials))
	copy(sorted, credentials)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		return sorted[i].Label < sorted[j].Label
	})

	byLabel := make(map[string]int, len(sorted))
	for i, c := range sorted {
		if _, dup := byLabel[c.Label]; dup {
			return nil, fmt.Errorf("registry: duplicate label %q", c.Label)
		}
		byLabel[c.Label] = i
	}

	return &Registry{credentials: sorted, byLabel: byLabel}, nil
}

// Len returns the number of credentials in the registry.
func (r *Registry) Len() int { return len(r.credentials) }

// At returns the credential at position i in registry order.
func (r *Registry) At(i int) Credential { return r.credentials[i] }

// All returns the credentials in registry order. The returned slice must
// not be mutated by callers.
func (r *Registry) All() []Credential { return r.credentials }

// Lookup returns the credential with the given label and its index.
func (r *Registry) Lookup(label string) (Credential, int, bool) {
	idx, ok := r.byLabel[label]
	if !ok {
		return Credential{}, -1, false
	}
	return r.credentials[idx], idx, true
}

// IndexOf returns the registry-order index of label, or -1 if absent.
func (r *Registry) IndexOf(label string) int {
	if idx, ok := r.byLabel[label]; ok {
		return idx
	}
	return -1
}

// ActiveKey returns the credential at activeIndex (as tracked by State),
// clamping out-of-range indices and reporting false for an empty registry.
func (r *Registry) ActiveKey(activeIndex int) (Credential, bool) {
	if len(r.credentials) == 0 {
		return Credential{}, false
	}
	if activeIndex < 0 || activeIndex >= len(r.credentials) {
		activeIndex = 0
	}
	return r.credentials[activeIndex], true
}
