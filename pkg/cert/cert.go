// Package cert implements the normalization and merge of OpenPGP
// certificates (transferable public keys) received by the key server.
//
// Certificates are handled at the packet level: every retained packet
// is kept verbatim, normalization only ever drops packets, so the
// content of a certificate is always a subset of the material that
// was uploaded for its fingerprint.
package cert

import (
	"bytes"
	"io"
	"time"

	"golang.org/x/crypto/openpgp/packet"
)

// RevocationStatus is the revocation status of a certificate
// component derived from its revocation signatures.
type RevocationStatus int

const (
	// NotRevoked means no revocation signature was found.
	NotRevoked RevocationStatus = iota
	// CouldBeRevoked means the component carries revocations issued
	// by a third party key which can't be verified.
	CouldBeRevoked
	// Revoked means a verified self revocation was found.
	Revoked
)

func (s RevocationStatus) String() string {
	switch s {
	case CouldBeRevoked:
		return "possibly revoked"
	case Revoked:
		return "revoked"
	}
	return "not revoked"
}

// Signature is a retained signature packet.
type Signature struct {
	*packet.Signature
	raw  rawPacket
	self bool
}

// IsSelf reports whether the signature was issued and verified by
// the certificate primary key.
func (s *Signature) IsSelf() bool {
	return s.self
}

// IsRevocation reports whether the signature is a revocation.
func (s *Signature) IsRevocation() bool {
	return isRevocation(s.SigType)
}

// Subkey is a subkey with its binding signatures and revocations.
type Subkey struct {
	PublicKey  *packet.PublicKey
	Signatures []*Signature
	raw        rawPacket
}

// Fingerprint returns the subkey fingerprint.
func (s *Subkey) Fingerprint() Fingerprint {
	var fpr Fingerprint
	copy(fpr[:], s.PublicKey.Fingerprint[:])
	return fpr
}

// RevocationStatus returns the subkey revocation status.
func (s *Subkey) RevocationStatus() RevocationStatus {
	return revocationStatus(s.Signatures)
}

// UserID is a user identity with its self certifications and
// revocations.
type UserID struct {
	UserId     *packet.UserId
	Signatures []*Signature
	raw        rawPacket
}

func (u *UserID) String() string {
	return u.UserId.Id
}

// Email returns the email address carried by the user ID, if any.
func (u *UserID) Email() (Email, bool) {
	s := u.UserId.Email
	if s == "" {
		s = u.UserId.Id
	}
	e, err := ParseEmail(s)
	if err != nil {
		return "", false
	}
	return e, true
}

// RevocationStatus returns the user ID revocation status.
func (u *UserID) RevocationStatus() RevocationStatus {
	return revocationStatus(u.Signatures)
}

// SelfSignature returns the most recent self certification.
func (u *UserID) SelfSignature() *packet.Signature {
	return latestSelfSignature(u.Signatures)
}

// Certificate is a normalized OpenPGP certificate. Certificates are
// only built by Normalize, ReadCertificates and Merge and must be
// treated as immutable.
type Certificate struct {
	PrimaryKey *packet.PublicKey
	// Signatures holds direct key signatures and key revocations.
	Signatures []*Signature
	Subkeys    []*Subkey
	UserIDs    []*UserID
	raw        rawPacket
}

// Fingerprint returns the primary key fingerprint.
func (c *Certificate) Fingerprint() Fingerprint {
	var fpr Fingerprint
	copy(fpr[:], c.PrimaryKey.Fingerprint[:])
	return fpr
}

// KeyID returns the primary key ID.
func (c *Certificate) KeyID() KeyID {
	return KeyID(c.PrimaryKey.KeyId)
}

// RevocationStatus returns the revocation status of the primary key.
func (c *Certificate) RevocationStatus() RevocationStatus {
	return revocationStatus(c.Signatures)
}

// UserIDsByEmail returns the user IDs carrying the email address.
func (c *Certificate) UserIDsByEmail(email Email) []*UserID {
	var uids []*UserID
	for _, u := range c.UserIDs {
		if e, ok := u.Email(); ok && e == email {
			uids = append(uids, u)
		}
	}
	return uids
}

// Emails returns the distinct email addresses of user IDs that are
// not revoked, in user ID order.
func (c *Certificate) Emails() []Email {
	var emails []Email
	seen := make(map[Email]bool)
	for _, u := range c.UserIDs {
		if u.RevocationStatus() == Revoked {
			continue
		}
		if e, ok := u.Email(); ok && !seen[e] {
			seen[e] = true
			emails = append(emails, e)
		}
	}
	return emails
}

// Filter returns a copy of the certificate holding only the user IDs
// for which keep returns true.
func (c *Certificate) Filter(keep func(*UserID) bool) *Certificate {
	fc := *c
	fc.UserIDs = nil
	for _, u := range c.UserIDs {
		if keep(u) {
			fc.UserIDs = append(fc.UserIDs, u)
		}
	}
	return &fc
}

// SelfSignature returns the self signature carrying the primary key
// properties: the latest certification of the primary user ID, or of
// any user ID, or the latest direct key signature.
func (c *Certificate) SelfSignature() *packet.Signature {
	var primary, newest *packet.Signature

	for _, u := range c.UserIDs {
		if u.RevocationStatus() == Revoked {
			continue
		}
		s := u.SelfSignature()
		if s == nil {
			continue
		}
		if s.IsPrimaryId != nil && *s.IsPrimaryId && (primary == nil || s.CreationTime.After(primary.CreationTime)) {
			primary = s
		}
		if newest == nil || s.CreationTime.After(newest.CreationTime) {
			newest = s
		}
	}
	if primary != nil {
		return primary
	} else if newest != nil {
		return newest
	}
	return latestSelfSignature(c.Signatures)
}

// Expiration returns the primary key expiration time, or the zero
// time if the key doesn't expire.
func (c *Certificate) Expiration() time.Time {
	s := c.SelfSignature()
	if s == nil || s.KeyLifetimeSecs == nil || *s.KeyLifetimeSecs == 0 {
		return time.Time{}
	}
	return c.PrimaryKey.CreationTime.Add(time.Duration(*s.KeyLifetimeSecs) * time.Second)
}

// Serialize writes the binary form of the certificate to w.
func (c *Certificate) Serialize(w io.Writer) error {
	for _, b := range c.blocks() {
		if err := b.serialize(w); err != nil {
			return err
		}
	}
	return nil
}

// Bytes returns the binary form of the certificate.
func (c *Certificate) Bytes() []byte {
	buf := new(bytes.Buffer)
	// writes to a bytes.Buffer don't fail
	_ = c.Serialize(buf)
	return buf.Bytes()
}

// Equal reports whether both certificates hold the same packet set.
func (c *Certificate) Equal(o *Certificate) bool {
	a, b := c.packetSet(), o.packetSet()
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return false
		}
	}
	return true
}

// packetSet returns the identities of every packet of the certificate.
func (c *Certificate) packetSet() map[string]struct{} {
	set := make(map[string]struct{})
	for _, b := range c.blocks() {
		set[b.head.id()] = struct{}{}
		for _, s := range b.sigs {
			set[b.head.id()+s.id()] = struct{}{}
		}
	}
	return set
}

// blocks returns the certificate as packet blocks in the RFC 4880
// transferable public key order: primary key, user IDs, subkeys.
func (c *Certificate) blocks() []*block {
	blocks := make([]*block, 0, 1+len(c.Subkeys)+len(c.UserIDs))
	blocks = append(blocks, &block{kind: primaryBlock, head: c.raw, sigs: rawSignatures(c.Signatures)})
	for _, u := range c.UserIDs {
		blocks = append(blocks, &block{kind: userIDBlock, head: u.raw, sigs: rawSignatures(u.Signatures)})
	}
	for _, s := range c.Subkeys {
		blocks = append(blocks, &block{kind: subkeyBlock, head: s.raw, sigs: rawSignatures(s.Signatures)})
	}
	return blocks
}

func rawSignatures(sigs []*Signature) []rawPacket {
	raws := make([]rawPacket, len(sigs))
	for i, s := range sigs {
		raws[i] = s.raw
	}
	return raws
}

func revocationStatus(sigs []*Signature) RevocationStatus {
	status := NotRevoked
	for _, s := range sigs {
		if !s.IsRevocation() {
			continue
		}
		if s.self {
			return Revoked
		}
		status = CouldBeRevoked
	}
	return status
}

func latestSelfSignature(sigs []*Signature) *packet.Signature {
	var latest *packet.Signature
	for _, s := range sigs {
		if !s.self || s.IsRevocation() {
			continue
		}
		if latest == nil || s.CreationTime.After(latest.CreationTime) {
			latest = s.Signature
		}
	}
	return latest
}
