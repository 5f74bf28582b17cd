package cert

import (
	"crypto"
	"fmt"
	"strings"

	// hash implementations referenced by signatures
	_ "crypto/sha256"
	_ "crypto/sha512"

	"golang.org/x/crypto/openpgp/packet"
)

// DefaultMinRSABits is the smallest RSA modulus accepted by DefaultPolicy.
const DefaultMinRSABits = 2048

// Policy is the validation policy applied while normalizing
// certificates. A Policy is built once at startup and never
// modified afterwards, it is safe for concurrent use.
type Policy struct {
	minRSABits     uint16
	rejectedHashes map[crypto.Hash]bool
	rejectedAlgos  map[packet.PublicKeyAlgorithm]bool
}

// DefaultPolicy rejects MD5 and RIPEMD160 signatures and RSA
// keys smaller than DefaultMinRSABits.
var DefaultPolicy = NewPolicy(DefaultMinRSABits, []crypto.Hash{crypto.MD5, crypto.RIPEMD160}, nil)

// NewPolicy returns a policy with the given constraints.
func NewPolicy(minRSABits uint16, rejectedHashes []crypto.Hash, rejectedAlgos []packet.PublicKeyAlgorithm) *Policy {
	p := &Policy{
		minRSABits:     minRSABits,
		rejectedHashes: make(map[crypto.Hash]bool),
		rejectedAlgos:  make(map[packet.PublicKeyAlgorithm]bool),
	}
	for _, h := range rejectedHashes {
		p.rejectedHashes[h] = true
	}
	for _, a := range rejectedAlgos {
		p.rejectedAlgos[a] = true
	}
	return p
}

var hashNames = map[string]crypto.Hash{
	"md5":       crypto.MD5,
	"sha1":      crypto.SHA1,
	"ripemd160": crypto.RIPEMD160,
	"sha224":    crypto.SHA224,
	"sha256":    crypto.SHA256,
	"sha384":    crypto.SHA384,
	"sha512":    crypto.SHA512,
}

// ParseHashes maps hash names as found in configuration files
// (eg: "sha1", "MD5") to their crypto.Hash value.
func ParseHashes(names []string) ([]crypto.Hash, error) {
	hashes := make([]crypto.Hash, 0, len(names))
	for _, n := range names {
		h, ok := hashNames[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return nil, fmt.Errorf("unknown hash algorithm %q", n)
		}
		hashes = append(hashes, h)
	}
	return hashes, nil
}

// acceptKey reports whether the key algorithm and size are allowed.
func (p *Policy) acceptKey(pk *packet.PublicKey) error {
	if p.rejectedAlgos[pk.PubKeyAlgo] {
		return fmt.Errorf("%w: public key algorithm %d", ErrPolicy, pk.PubKeyAlgo)
	}
	switch pk.PubKeyAlgo {
	case packet.PubKeyAlgoRSA, packet.PubKeyAlgoRSAEncryptOnly, packet.PubKeyAlgoRSASignOnly:
		bits, err := pk.BitLength()
		if err != nil {
			return fmt.Errorf("%w: %s", ErrPolicy, err)
		}
		if bits < p.minRSABits {
			return fmt.Errorf("%w: RSA key of %d bits", ErrPolicy, bits)
		}
	}
	return nil
}

// acceptHash reports whether a binding or certification made with
// the hash is allowed. Revocations are not checked against it.
func (p *Policy) acceptHash(h crypto.Hash) bool {
	return !p.rejectedHashes[h]
}
