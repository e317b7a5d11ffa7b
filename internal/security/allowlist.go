// Package security holds the two pure safety checks every side effect passes
// through: the command allowlist and the write-path guard.
package security

// Allowlist is the exhaustive set of permitted command argument-vectors.
// A requested command matches only if the full ordered vector is equal to an
// entry; there is no prefix or pattern matching, which closes the
// shell-metacharacter and partial-prefix bypass surface entirely.
type Allowlist struct {
	entries [][]string
}

// NewAllowlist copies the configured entries so later config mutation cannot
// widen a live allowlist.
func NewAllowlist(entries [][]string) *Allowlist {
	copied := make([][]string, 0, len(entries))
	for _, entry := range entries {
		if len(entry) == 0 {
			continue
		}
		copied = append(copied, append([]string(nil), entry...))
	}
	return &Allowlist{entries: copied}
}

// Check reports whether command exactly matches one allowlist entry.
func (a *Allowlist) Check(command []string) bool {
	if len(command) == 0 {
		return false
	}
	for _, entry := range a.entries {
		if equalVector(entry, command) {
			return true
		}
	}
	return false
}

// Entries returns a copy of the configured vectors, in order.
func (a *Allowlist) Entries() [][]string {
	out := make([][]string, 0, len(a.entries))
	for _, entry := range a.entries {
		out = append(out, append([]string(nil), entry...))
	}
	return out
}

func equalVector(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
