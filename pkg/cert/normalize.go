package cert

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	"golang.org/x/crypto/openpgp/packet"
)

var (
	// ErrMalformed is returned for input which isn't a valid
	// certificate, nothing from such input is ever kept.
	ErrMalformed = errors.New("malformed certificate")
	// ErrPolicy is returned when the primary key is rejected by the
	// validation policy.
	ErrPolicy = fmt.Errorf("%w: rejected by policy", ErrMalformed)
	// ErrFingerprintMismatch is returned when merging certificates of
	// different primary keys.
	ErrFingerprintMismatch = errors.New("certificates fingerprints mismatch")
)

// OpenPGP packet tags (RFC 4880 section 4.3).
const (
	tagSignature     uint8 = 2
	tagSecretKey     uint8 = 5
	tagPublicKey     uint8 = 6
	tagSecretSubkey  uint8 = 7
	tagTrust         uint8 = 12
	tagUserID        uint8 = 13
	tagPublicSubkey  uint8 = 14
	tagUserAttribute uint8 = 17
)

// Signature types not exported by all openpgp package versions.
const (
	sigTypeGenericCert      packet.SignatureType = 0x10
	sigTypePositiveCert     packet.SignatureType = 0x13
	sigTypeSubkeyBinding    packet.SignatureType = 0x18
	sigTypeDirectKey        packet.SignatureType = 0x1f
	sigTypeKeyRevocation    packet.SignatureType = 0x20
	sigTypeSubkeyRevocation packet.SignatureType = 0x28
	sigTypeCertRevocation   packet.SignatureType = 0x30
)

func isRevocation(t packet.SignatureType) bool {
	return t == sigTypeKeyRevocation || t == sigTypeSubkeyRevocation || t == sigTypeCertRevocation
}

func isCertification(t packet.SignatureType) bool {
	return t >= sigTypeGenericCert && t <= sigTypePositiveCert
}

// rawPacket is a packet kept verbatim.
type rawPacket struct {
	tag  uint8
	body []byte
}

// id returns the packet identity used for deduplication.
func (p rawPacket) id() string {
	return string(append([]byte{p.tag}, p.body...))
}

func (p rawPacket) serialize(w io.Writer) error {
	op := &packet.OpaquePacket{Tag: p.tag, Contents: p.body}
	return op.Serialize(w)
}

func (p rawPacket) parse() (packet.Packet, error) {
	op := &packet.OpaquePacket{Tag: p.tag, Contents: p.body}
	return op.Parse()
}

type blockKind int

const (
	primaryBlock blockKind = iota
	subkeyBlock
	userIDBlock
	discardBlock
)

// block is a packet followed by the signatures over it.
type block struct {
	kind blockKind
	head rawPacket
	sigs []rawPacket
}

func (b *block) serialize(w io.Writer) error {
	if err := b.head.serialize(w); err != nil {
		return err
	}
	for _, s := range b.sigs {
		if err := s.serialize(w); err != nil {
			return err
		}
	}
	return nil
}

// Normalize parses raw certificate material, binary or ASCII armored,
// holding exactly one certificate and returns its normalized form.
func Normalize(p *Policy, raw []byte) (*Certificate, error) {
	certs, err := readBlocks(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	switch len(certs) {
	case 0:
		return nil, fmt.Errorf("%w: no certificate found", ErrMalformed)
	case 1:
		return assemble(p, certs[0])
	}
	// the same certificate may be repeated, any other primary key
	// is rejected by assemble
	var blocks []*block
	for _, c := range certs {
		blocks = append(blocks, c...)
	}
	return assemble(p, blocks)
}

// ReadCertificates reads a keyring, binary or ASCII armored, and
// returns every certificate it holds in normalized form along with
// the errors of the certificates rejected. The error is only set when
// the keyring itself can't be read.
func ReadCertificates(p *Policy, r io.Reader) ([]*Certificate, []error, error) {
	certs, err := readBlocks(r)
	if err != nil {
		return nil, nil, err
	}
	var rejected []error
	list := make([]*Certificate, 0, len(certs))
	for i, blocks := range certs {
		c, err := assemble(p, blocks)
		if err != nil {
			rejected = append(rejected, fmt.Errorf("certificate %d: %w", i+1, err))
			continue
		}
		list = append(list, c)
	}
	return list, rejected, nil
}

// unarmor returns a reader of the binary material, decoding the
// ASCII armor when present.
func unarmor(r io.Reader) (io.Reader, error) {
	br := bufio.NewReader(r)
	head, _ := br.Peek(64)
	if !bytes.Contains(head, []byte("-----BEGIN PGP")) {
		return br, nil
	}
	b, err := armor.Decode(br)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	if b.Type != openpgp.PublicKeyType {
		return nil, fmt.Errorf("%w: unexpected armor block %q", ErrMalformed, b.Type)
	}
	return b.Body, nil
}

// readBlocks splits the packet stream into the blocks of each
// certificate, every certificate starting with a primary key.
func readBlocks(r io.Reader) ([][]*block, error) {
	var certs [][]*block
	var cur *block

	r, err := unarmor(r)
	if err != nil {
		return nil, err
	}

	or := packet.NewOpaqueReader(r)
	for {
		op, err := or.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrMalformed, err)
		}
		p := rawPacket{tag: op.Tag, body: op.Contents}

		switch p.tag {
		case tagSecretKey, tagSecretSubkey:
			return nil, fmt.Errorf("%w: secret key material is not accepted", ErrMalformed)
		case tagPublicKey:
			cur = &block{kind: primaryBlock, head: p}
			certs = append(certs, []*block{cur})
			continue
		}
		if cur == nil {
			return nil, fmt.Errorf("%w: packet %d found before the primary key", ErrMalformed, p.tag)
		}

		switch p.tag {
		case tagSignature:
			cur.sigs = append(cur.sigs, p)
			continue
		case tagTrust:
			continue
		case tagPublicSubkey:
			cur = &block{kind: subkeyBlock, head: p}
		case tagUserID:
			cur = &block{kind: userIDBlock, head: p}
		default:
			// user attributes, unknown packets and the signatures
			// following them
			cur = &block{kind: discardBlock, head: p}
		}
		last := len(certs) - 1
		certs[last] = append(certs[last], cur)
	}

	return certs, nil
}

// assemble applies the retention rule to the blocks of a single
// certificate. The first block must be the primary key, further
// primary key blocks must be the same key.
func assemble(p *Policy, blocks []*block) (*Certificate, error) {
	pkt, err := blocks[0].head.parse()
	if err != nil {
		return nil, fmt.Errorf("%w: primary key: %s", ErrMalformed, err)
	}
	pk, ok := pkt.(*packet.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported primary key packet", ErrMalformed)
	}
	if err := p.acceptKey(pk); err != nil {
		return nil, err
	}

	c := &Certificate{PrimaryKey: pk, raw: blocks[0].head}
	primaryID := c.raw.id()

	subkeys := make(map[string]*Subkey)
	uids := make(map[string]*UserID)
	seen := make(map[string]bool)

	// first occurrence of a packet wins, the block prefix scopes
	// signatures to the component they are found under
	fresh := func(b *block, s rawPacket) bool {
		id := b.head.id() + s.id()
		if seen[id] {
			return false
		}
		seen[id] = true
		return true
	}

	for _, b := range blocks {
		switch b.kind {
		case primaryBlock:
			if b.head.id() != primaryID {
				return nil, fmt.Errorf("%w: more than one certificate found", ErrMalformed)
			}
			for _, s := range b.sigs {
				if !fresh(b, s) {
					continue
				}
				if sig := keySignature(p, pk, s); sig != nil {
					c.Signatures = append(c.Signatures, sig)
				}
			}
		case subkeyBlock:
			sk, ok := subkeys[b.head.id()]
			if !ok {
				pkt, err := b.head.parse()
				if err != nil {
					continue
				}
				spk, ok := pkt.(*packet.PublicKey)
				if !ok || p.acceptKey(spk) != nil {
					continue
				}
				sk = &Subkey{PublicKey: spk, raw: b.head}
				subkeys[b.head.id()] = sk
				c.Subkeys = append(c.Subkeys, sk)
			}
			for _, s := range b.sigs {
				if !fresh(b, s) {
					continue
				}
				if sig := subkeySignature(p, pk, sk.PublicKey, s); sig != nil {
					sk.Signatures = append(sk.Signatures, sig)
				}
			}
		case userIDBlock:
			uid, ok := uids[b.head.id()]
			if !ok {
				pkt, err := b.head.parse()
				if err != nil {
					continue
				}
				id, ok := pkt.(*packet.UserId)
				if !ok {
					continue
				}
				uid = &UserID{UserId: id, raw: b.head}
				uids[b.head.id()] = uid
				c.UserIDs = append(c.UserIDs, uid)
			}
			for _, s := range b.sigs {
				if !fresh(b, s) {
					continue
				}
				if sig := userIDSignature(p, pk, uid.UserId, s); sig != nil {
					uid.Signatures = append(uid.Signatures, sig)
				}
			}
		}
	}

	c.Subkeys = signedSubkeys(c.Subkeys)
	c.UserIDs = signedUserIDs(c.UserIDs)

	return c, nil
}

// bound reports whether the primary key signed the component, third
// party revocations alone don't bind a component to the certificate.
func bound(sigs []*Signature) bool {
	for _, s := range sigs {
		if s.self {
			return true
		}
	}
	return false
}

func signedSubkeys(list []*Subkey) []*Subkey {
	kept := list[:0]
	for _, s := range list {
		if bound(s.Signatures) {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}

func signedUserIDs(list []*UserID) []*UserID {
	kept := list[:0]
	for _, u := range list {
		if bound(u.Signatures) {
			kept = append(kept, u)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}

func parseSignature(s rawPacket) *packet.Signature {
	pkt, err := s.parse()
	if err != nil {
		return nil
	}
	// V3 signatures are parsed as another type and dropped here
	sig, ok := pkt.(*packet.Signature)
	if !ok {
		return nil
	}
	return sig
}

// claimsIssuer reports whether the signature may have been issued by
// pk. Signatures without an issuer subpacket are checked as well.
func claimsIssuer(sig *packet.Signature, pk *packet.PublicKey) bool {
	return sig.IssuerKeyId == nil || *sig.IssuerKeyId == pk.KeyId
}

// retain applies the retention rule to a signature over a component:
// bindings of the accepted types are kept when they verify against
// the primary key, revocations of the revocation type are kept when
// they verify or when they are issued by a third party.
func retain(p *Policy, pk *packet.PublicKey, raw rawPacket, bindings func(packet.SignatureType) bool, revocation packet.SignatureType, verify func(*packet.Signature) error) *Signature {
	sig := parseSignature(raw)
	if sig == nil {
		return nil
	}

	switch {
	case sig.SigType == revocation:
		if claimsIssuer(sig, pk) {
			if verify(sig) != nil {
				return nil
			}
			return &Signature{Signature: sig, raw: raw, self: true}
		}
		return &Signature{Signature: sig, raw: raw}
	case bindings(sig.SigType):
		if !p.acceptHash(sig.Hash) || !claimsIssuer(sig, pk) || verify(sig) != nil {
			return nil
		}
		return &Signature{Signature: sig, raw: raw, self: true}
	}

	return nil
}

func keySignature(p *Policy, pk *packet.PublicKey, raw rawPacket) *Signature {
	isDirect := func(t packet.SignatureType) bool { return t == sigTypeDirectKey }
	// key revocations and direct key signatures are both made over
	// the primary key alone
	return retain(p, pk, raw, isDirect, sigTypeKeyRevocation, pk.VerifyRevocationSignature)
}

func subkeySignature(p *Policy, pk, sub *packet.PublicKey, raw rawPacket) *Signature {
	isBinding := func(t packet.SignatureType) bool { return t == sigTypeSubkeyBinding }
	return retain(p, pk, raw, isBinding, sigTypeSubkeyRevocation, func(sig *packet.Signature) error {
		return pk.VerifyKeySignature(sub, sig)
	})
}

func userIDSignature(p *Policy, pk *packet.PublicKey, uid *packet.UserId, raw rawPacket) *Signature {
	return retain(p, pk, raw, isCertification, sigTypeCertRevocation, func(sig *packet.Signature) error {
		return pk.VerifyUserIdSignature(uid.Id, pk, sig)
	})
}
