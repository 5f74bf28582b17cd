package cert

import (
	"bytes"
	"crypto"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/packet"
)

func newEntity(t *testing.T, name, email string) *openpgp.Entity {
	t.Helper()

	e, err := openpgp.NewEntity(name, "", email, nil)
	require.NoError(t, err)
	return e
}

func serializeEntity(t *testing.T, e *openpgp.Entity) []byte {
	t.Helper()

	buf := new(bytes.Buffer)
	require.NoError(t, e.Serialize(buf))
	return buf.Bytes()
}

// userIDPacket returns the binary user ID packet.
func userIDPacket(t *testing.T, uid *packet.UserId) []byte {
	t.Helper()

	buf := new(bytes.Buffer)
	require.NoError(t, uid.Serialize(buf))
	return buf.Bytes()
}

// userIDSig returns a binary signature of type st over the user ID
// of e, issued by signer.
func userIDSig(t *testing.T, e, signer *openpgp.Entity, uid *packet.UserId, st packet.SignatureType) []byte {
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

// subkeyPacket returns the binary public subkey packet.
func subkeyPacket(t *testing.T, pub *packet.PublicKey) []byte {
	t.Helper()

	buf := new(bytes.Buffer)
	require.NoError(t, pub.Serialize(buf))
	return buf.Bytes()
}

// subkeySig returns a binary signature of type st over the subkey
// sub, issued by signer.
func subkeySig(t *testing.T, signer *openpgp.Entity, sub *packet.PublicKey, st packet.SignatureType) []byte {
	t.Helper()

	sig := &packet.Signature{
		SigType:      st,
		PubKeyAlgo:   signer.PrivateKey.PubKeyAlgo,
		Hash:         crypto.SHA256,
		CreationTime: time.Now(),
		IssuerKeyId:  &signer.PrivateKey.KeyId,
	}
	require.NoError(t, sig.SignKey(sub, signer.PrivateKey, nil))

	buf := new(bytes.Buffer)
	require.NoError(t, sig.Serialize(buf))
	return buf.Bytes()
}

// primaryUserID returns the user ID created by openpgp.NewEntity.
func primaryUserID(e *openpgp.Entity) *packet.UserId {
	for _, id := range e.Identities {
		return id.UserId
	}
	return nil
}

func join(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

// fixtures holds keys shared by the tests of the package, RSA key
// generation being slow.
type fixtures struct {
	alice   *openpgp.Entity
	mallory *openpgp.Entity
}

var shared *fixtures

func getFixtures(t *testing.T) *fixtures {
	t.Helper()

	if shared == nil {
		shared = &fixtures{
			alice:   newEntity(t, "Alice", "alice@example.org"),
			mallory: newEntity(t, "Mallory", "mallory@example.org"),
		}
	}
	return shared
}
