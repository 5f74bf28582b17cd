package cert

import "fmt"

// Merge combines an incoming certificate with the existing one stored
// for the same fingerprint. The result holds the union of both packet
// sets passed through the retention rule, packets already present
// keep their position and new ones are appended. A nil existing
// certificate returns incoming.
func Merge(p *Policy, existing, incoming *Certificate) (*Certificate, error) {
	if existing == nil {
		return incoming, nil
	}
	if existing.Fingerprint() != incoming.Fingerprint() {
		return nil, fmt.Errorf("%w: %s and %s", ErrFingerprintMismatch, existing.Fingerprint(), incoming.Fingerprint())
	}
	return assemble(p, append(existing.blocks(), incoming.blocks()...))
}
