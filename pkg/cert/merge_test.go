package cert

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/openpgp/packet"
)

func TestMerge(t *testing.T) {
	f := getFixtures(t)
	uid := primaryUserID(f.alice)
	second := packet.NewUserId("Alice", "", "alice@new.example.org")

	a, err := Normalize(DefaultPolicy, serializeEntity(t, f.alice))
	require.NoError(t, err)

	b, err := Normalize(DefaultPolicy, join(
		serializeEntity(t, f.alice),
		userIDSig(t, f.alice, f.alice, uid, sigTypeCertRevocation),
		userIDPacket(t, second),
		userIDSig(t, f.alice, f.alice, second, packet.SigTypePositiveCert),
	))
	require.NoError(t, err)

	// nil existing certificate
	m, err := Merge(DefaultPolicy, nil, a)
	require.NoError(t, err)
	require.Equal(t, a.Bytes(), m.Bytes())

	// idempotence
	m, err = Merge(DefaultPolicy, a, a)
	require.NoError(t, err)
	require.Equal(t, a.Bytes(), m.Bytes())

	// order independence
	ab, err := Merge(DefaultPolicy, a, b)
	require.NoError(t, err)
	ba, err := Merge(DefaultPolicy, b, a)
	require.NoError(t, err)
	require.True(t, ab.Equal(ba))
	require.Len(t, ab.UserIDs, 2)

	// monotonic revocation
	require.Equal(t, Revoked, ab.UserIDsByEmail("alice@example.org")[0].RevocationStatus())
	again, err := Merge(DefaultPolicy, ab, a)
	require.NoError(t, err)
	require.Equal(t, Revoked, again.UserIDsByEmail("alice@example.org")[0].RevocationStatus())
	require.Equal(t, []Email{"alice@new.example.org"}, again.Emails())

	// associativity with a third party revocation
	c, err := Normalize(DefaultPolicy, join(
		serializeEntity(t, f.alice),
		userIDSig(t, f.alice, f.mallory, uid, sigTypeCertRevocation),
	))
	require.NoError(t, err)

	left, err := Merge(DefaultPolicy, ab, c)
	require.NoError(t, err)
	bc, err := Merge(DefaultPolicy, b, c)
	require.NoError(t, err)
	right, err := Merge(DefaultPolicy, a, bc)
	require.NoError(t, err)
	require.True(t, left.Equal(right))

	// packet set only grows
	for id := range a.packetSet() {
		_, ok := left.packetSet()[id]
		require.True(t, ok)
	}
}

func TestMergeMismatch(t *testing.T) {
	f := getFixtures(t)

	a, err := Normalize(DefaultPolicy, serializeEntity(t, f.alice))
	require.NoError(t, err)
	m, err := Normalize(DefaultPolicy, serializeEntity(t, f.mallory))
	require.NoError(t, err)

	_, err = Merge(DefaultPolicy, a, m)
	require.ErrorIs(t, err, ErrFingerprintMismatch)
}

func TestParseIdentifiers(t *testing.T) {
	fpr, err := ParseFingerprint("0x0123456789ABCDEF0123456789abcdef01234567")
	require.NoError(t, err)
	require.Equal(t, "0123456789ABCDEF0123456789ABCDEF01234567", fpr.String())
	require.Equal(t, "89ABCDEF01234567", fpr.KeyID().String())

	spaced, err := ParseFingerprint("0123 4567 89AB CDEF 0123  4567 89AB CDEF 0123 4567")
	require.NoError(t, err)
	require.Equal(t, fpr, spaced)

	_, err = ParseFingerprint("0123456789ABCDEF")
	require.ErrorIs(t, err, ErrInvalidFingerprint)
	_, err = ParseFingerprint("ZZ23456789ABCDEF0123456789abcdef01234567")
	require.ErrorIs(t, err, ErrInvalidFingerprint)

	kid, err := ParseKeyID("0x89abcdef01234567")
	require.NoError(t, err)
	require.Equal(t, fpr.KeyID(), kid)
	_, err = ParseKeyID("89ABCDEF")
	require.ErrorIs(t, err, ErrInvalidKeyID)

	email, err := ParseEmail("Alice <Alice@Example.ORG>")
	require.NoError(t, err)
	require.Equal(t, Email("alice@example.org"), email)
	require.Equal(t, "example.org", email.Domain())

	for _, bad := range []string{"", "alice", "@example.org", "alice@"} {
		_, err := ParseEmail(bad)
		require.ErrorIs(t, err, ErrInvalidEmail, bad)
	}
}
