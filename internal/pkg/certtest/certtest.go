// Package certtest provides OpenPGP material for tests.
package certtest

import (
	"bytes"
	"crypto"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	"golang.org/x/crypto/openpgp/packet"
)

// NewEntity generates a key with a single user ID.
func NewEntity(t *testing.T, name, email string) *openpgp.Entity {
	t.Helper()

	e, err := openpgp.NewEntity(name, "", email, nil)
	require.NoError(t, err)
	return e
}

// Serialize returns the binary public certificate of e.
func Serialize(t *testing.T, e *openpgp.Entity) []byte {
	t.Helper()

	buf := new(bytes.Buffer)
	require.NoError(t, e.Serialize(buf))
	return buf.Bytes()
}

// Armor returns the armored public certificate of e.
func Armor(t *testing.T, e *openpgp.Entity) []byte {
	t.Helper()

	buf := new(bytes.Buffer)
	w, err := armor.Encode(buf, openpgp.PublicKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, e.Serialize(w))
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// PrimaryUserID returns the user ID created by NewEntity.
func PrimaryUserID(e *openpgp.Entity) *packet.UserId {
	for _, id := range e.Identities {
		return id.UserId
	}
	return nil
}

// UserIDPacket returns the binary user ID packet.
func UserIDPacket(t *testing.T, uid *packet.UserId) []byte {
	t.Helper()

	buf := new(bytes.Buffer)
	require.NoError(t, uid.Serialize(buf))
	return buf.Bytes()
}

// UserIDSignature returns a binary signature of type st over uid,
// issued by the primary key of e.
func UserIDSignature(t *testing.T, e *openpgp.Entity, uid *packet.UserId, st packet.SignatureType) []byte {
	t.Helper()
	return UserIDSignatureBy(t, e, e, uid, st)
}

// UserIDSignatureBy returns a binary signature of type st over uid
// on the key of e, issued by signer.
func UserIDSignatureBy(t *testing.T, e, signer *openpgp.Entity, uid *packet.UserId, st packet.SignatureType) []byte {
	t.Helper()

	sig := &packet.Signature{
		SigType:      st,
		PubKeyAlgo:   signer.PrivateKey.PubKeyAlgo,
		Hash:         crypto.SHA256,
		CreationTime: time.Now(),
		IssuerKeyId:  &signer.PrivateKey.KeyId,
	}
	require.NoError(t, sig.SignUserId(uid.Id, e.PrimaryKey, signer.PrivateKey, nil))

	buf := new(bytes.Buffer)
	require.NoError(t, sig.Serialize(buf))
	return buf.Bytes()
}

// AddUserID returns the certificate of e with an additional user ID
// carrying email.
func AddUserID(t *testing.T, e *openpgp.Entity, name, email string) []byte {
	t.Helper()

	uid := packet.NewUserId(name, "", email)
	return bytes.Join([][]byte{
		Serialize(t, e),
		UserIDPacket(t, uid),
		UserIDSignature(t, e, uid, packet.SigTypePositiveCert),
	}, nil)
}

// RevokeUserID returns the certificate of e with a self revocation of
// its primary user ID.
func RevokeUserID(t *testing.T, e *openpgp.Entity) []byte {
	t.Helper()

	uid := PrimaryUserID(e)
	return bytes.Join([][]byte{
		Serialize(t, e),
		UserIDPacket(t, uid),
		UserIDSignature(t, e, uid, packet.SignatureType(0x30)),
	}, nil)
}

// ForeignUserID returns the certificate of e with a user ID carrying
// email and a revocation issued by signer.
func ForeignUserID(t *testing.T, e, signer *openpgp.Entity, name, email string) []byte {
	t.Helper()

	uid := packet.NewUserId(name, "", email)
	return bytes.Join([][]byte{
		Serialize(t, e),
		UserIDPacket(t, uid),
		UserIDSignatureBy(t, e, signer, uid, packet.SignatureType(0x30)),
	}, nil)
}
