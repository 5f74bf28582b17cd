package cert

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	"golang.org/x/crypto/openpgp/packet"
)

func TestNormalize(t *testing.T) {
	f := getFixtures(t)
	raw := serializeEntity(t, f.alice)

	c, err := Normalize(DefaultPolicy, raw)
	require.NoError(t, err)

	var fpr Fingerprint
	copy(fpr[:], f.alice.PrimaryKey.Fingerprint[:])
	require.Equal(t, fpr, c.Fingerprint())
	require.Len(t, c.UserIDs, 1)
	require.Len(t, c.Subkeys, 1)
	require.Equal(t, []Email{"alice@example.org"}, c.Emails())
	require.Equal(t, NotRevoked, c.UserIDs[0].RevocationStatus())
	require.NotNil(t, c.SelfSignature())

	// canonical order is primary key, user IDs then subkeys
	or := packet.NewOpaqueReader(bytes.NewReader(c.Bytes()))
	var tags []uint8
	for {
		op, err := or.Next()
		if err != nil {
			break
		}
		tags = append(tags, op.Tag)
	}
	require.Equal(t, []uint8{tagPublicKey, tagUserID, tagSignature, tagPublicSubkey, tagSignature}, tags)
}

func TestNormalizeIdempotent(t *testing.T) {
	f := getFixtures(t)
	uid := primaryUserID(f.alice)

	// duplicated signatures and a third party certification
	raw := join(
		serializeEntity(t, f.alice),
		userIDPacket(t, uid),
		userIDSig(t, f.alice, f.mallory, uid, packet.SigTypeGenericCert),
	)

	once, err := Normalize(DefaultPolicy, raw)
	require.NoError(t, err)
	twice, err := Normalize(DefaultPolicy, once.Bytes())
	require.NoError(t, err)

	require.Equal(t, once.Bytes(), twice.Bytes())
	require.Len(t, once.UserIDs, 1)
	require.Len(t, once.UserIDs[0].Signatures, 1)
}

func TestNormalizeRetention(t *testing.T) {
	f := getFixtures(t)
	uid := primaryUserID(f.alice)

	thirdPartyRevocation := userIDSig(t, f.alice, f.mallory, uid, sigTypeCertRevocation)
	attribute := []byte{0xc0 | tagUserAttribute, 0x03, 0x01, 0x02, 0x03}

	raw := join(
		serializeEntity(t, f.alice),
		// a user attribute followed by a signature must be dropped
		attribute,
		userIDSig(t, f.alice, f.alice, uid, packet.SigTypePositiveCert),
		userIDPacket(t, uid),
		thirdPartyRevocation,
	)

	c, err := Normalize(DefaultPolicy, raw)
	require.NoError(t, err)
	require.Len(t, c.UserIDs, 1)
	require.Len(t, c.UserIDs[0].Signatures, 2)
	require.Equal(t, CouldBeRevoked, c.UserIDs[0].RevocationStatus())
	require.False(t, c.UserIDs[0].Signatures[1].IsSelf())

	// a user ID whose only certification doesn't verify is dropped
	forged := packet.NewUserId("Forged", "", "forged@example.org")
	raw = join(
		serializeEntity(t, f.alice),
		userIDPacket(t, forged),
		userIDSig(t, f.alice, f.alice, uid, packet.SigTypePositiveCert),
	)
	c, err = Normalize(DefaultPolicy, raw)
	require.NoError(t, err)
	require.Len(t, c.UserIDs, 1)
	require.Equal(t, uid.Id, c.UserIDs[0].String())

	// components carrying only third party material are dropped
	unbound := packet.NewUserId("Mallory", "", "mallory@evil.example.org")
	raw = join(
		serializeEntity(t, f.alice),
		userIDPacket(t, unbound),
		userIDSig(t, f.alice, f.mallory, unbound, sigTypeCertRevocation),
		userIDPacket(t, unbound),
		userIDSig(t, f.alice, f.mallory, unbound, packet.SigTypePositiveCert),
		subkeyPacket(t, f.mallory.Subkeys[0].PublicKey),
		subkeySig(t, f.mallory, f.mallory.Subkeys[0].PublicKey, sigTypeSubkeyRevocation),
	)
	c, err = Normalize(DefaultPolicy, raw)
	require.NoError(t, err)
	require.Len(t, c.UserIDs, 1)
	require.Equal(t, uid.Id, c.UserIDs[0].String())
	require.Equal(t, []Email{"alice@example.org"}, c.Emails())
	require.Len(t, c.Subkeys, 1)
	require.Equal(t, f.alice.Subkeys[0].PublicKey.Fingerprint, c.Subkeys[0].PublicKey.Fingerprint)

	// a self revocation binds the user ID, which is never an identity
	raw = join(
		serializeEntity(t, f.alice),
		userIDPacket(t, unbound),
		userIDSig(t, f.alice, f.alice, unbound, sigTypeCertRevocation),
	)
	c, err = Normalize(DefaultPolicy, raw)
	require.NoError(t, err)
	require.Len(t, c.UserIDs, 2)
	require.Equal(t, Revoked, c.UserIDs[1].RevocationStatus())
	require.Equal(t, []Email{"alice@example.org"}, c.Emails())
}

func TestNormalizeErrors(t *testing.T) {
	f := getFixtures(t)

	private := new(bytes.Buffer)
	require.NoError(t, f.alice.SerializePrivateWithoutSigning(private, nil))

	uid := primaryUserID(f.alice)

	small, err := openpgp.NewEntity("Small", "", "small@example.org", &packet.Config{RSABits: 1024})
	require.NoError(t, err)

	tests := []struct {
		name string
		raw  []byte
		err  error
	}{
		{
			name: "empty",
			raw:  nil,
			err:  ErrMalformed,
		},
		{
			name: "garbage",
			raw:  []byte("this is not a certificate"),
			err:  ErrMalformed,
		},
		{
			name: "signature first",
			raw:  userIDSig(t, f.alice, f.alice, uid, packet.SigTypePositiveCert),
			err:  ErrMalformed,
		},
		{
			name: "secret key",
			raw:  private.Bytes(),
			err:  ErrMalformed,
		},
		{
			name: "two certificates",
			raw:  join(serializeEntity(t, f.alice), serializeEntity(t, f.mallory)),
			err:  ErrMalformed,
		},
		{
			name: "truncated",
			raw:  serializeEntity(t, f.alice)[:100],
			err:  ErrMalformed,
		},
		{
			name: "policy",
			raw:  serializeEntity(t, small),
			err:  ErrPolicy,
		},
	}

	for _, tt := range tests {
		c, err := Normalize(DefaultPolicy, tt.raw)
		require.Nil(t, c, tt.name)
		require.ErrorIs(t, err, tt.err, tt.name)
		require.ErrorIs(t, err, ErrMalformed, tt.name)
	}

	// the same certificate repeated is accepted
	c, err := Normalize(DefaultPolicy, join(serializeEntity(t, f.alice), serializeEntity(t, f.alice)))
	require.NoError(t, err)
	require.Len(t, c.UserIDs, 1)
}

func TestArmorRoundTrip(t *testing.T) {
	f := getFixtures(t)

	buf := new(bytes.Buffer)
	aw, err := armor.Encode(buf, openpgp.PublicKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, f.alice.Serialize(aw))
	require.NoError(t, aw.Close())

	c, err := Normalize(DefaultPolicy, buf.Bytes())
	require.NoError(t, err)

	armored, err := c.Armor()
	require.NoError(t, err)

	el, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(armored))
	require.NoError(t, err)
	require.Len(t, el, 1)
	require.Equal(t, f.alice.PrimaryKey.Fingerprint, el[0].PrimaryKey.Fingerprint)

	again, err := Normalize(DefaultPolicy, armored)
	require.NoError(t, err)
	require.Equal(t, c.Fingerprint(), again.Fingerprint())
	require.Equal(t, c.Bytes(), again.Bytes())
}

func TestReadCertificates(t *testing.T) {
	f := getFixtures(t)

	small, err := openpgp.NewEntity("Small", "", "small@example.org", &packet.Config{RSABits: 1024})
	require.NoError(t, err)

	raw := join(serializeEntity(t, f.alice), serializeEntity(t, f.mallory))
	list, rejected, err := ReadCertificates(DefaultPolicy, bytes.NewReader(raw))
	require.NoError(t, err)
	require.Empty(t, rejected)
	require.Len(t, list, 2)
	require.Equal(t, []Email{"alice@example.org"}, list[0].Emails())
	require.Equal(t, []Email{"mallory@example.org"}, list[1].Emails())

	// a rejected certificate doesn't stop the keyring
	raw = join(serializeEntity(t, f.alice), serializeEntity(t, small), serializeEntity(t, f.mallory))
	list, rejected, err = ReadCertificates(DefaultPolicy, bytes.NewReader(raw))
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, []Email{"mallory@example.org"}, list[1].Emails())
	require.Len(t, rejected, 1)
	require.ErrorIs(t, rejected[0], ErrPolicy)

	_, _, err = ReadCertificates(DefaultPolicy, bytes.NewReader([]byte("garbage")))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestFilter(t *testing.T) {
	f := getFixtures(t)

	second := packet.NewUserId("Alice", "work", "alice@work.example.org")
	raw := join(
		serializeEntity(t, f.alice),
		userIDPacket(t, second),
		userIDSig(t, f.alice, f.alice, second, packet.SigTypePositiveCert),
	)
	c, err := Normalize(DefaultPolicy, raw)
	require.NoError(t, err)
	require.Len(t, c.UserIDs, 2)

	fc := c.Filter(func(u *UserID) bool {
		e, _ := u.Email()
		return e == "alice@work.example.org"
	})
	require.Len(t, fc.UserIDs, 1)
	require.Len(t, c.UserIDs, 2)
	require.Len(t, c.UserIDsByEmail("alice@work.example.org"), 1)
	require.Equal(t, c.Fingerprint(), fc.Fingerprint())
}
