package token

import (
	"testing"
	"time"

	"github.com/ctrliq/vks/pkg/cert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time {
	return c.now
}

func newService(t *testing.T) (*Service, *clock) {
	t.Helper()

	c := &clock{now: time.Unix(1600000000, 0)}
	s, err := New([]byte(testSecret), WithClock(c.Now))
	require.NoError(t, err)
	return s, c
}

var (
	testFpr   = cert.Fingerprint{0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef}
	testEmail = cert.Email("alice@example.org")
)

func TestNew(t *testing.T) {
	_, err := New([]byte("short"))
	require.Error(t, err)

	_, err = New([]byte(testSecret))
	require.NoError(t, err)
}

func TestLifecycle(t *testing.T) {
	s, c := newService(t)
	issued := c.now

	tok, err := s.Issue(testFpr, testEmail, Verify, time.Hour)
	require.NoError(t, err)

	// redeemable up to the TTL
	c.now = c.now.Add(time.Hour)
	claims, err := s.Peek(tok, Verify)
	require.NoError(t, err)
	require.Equal(t, testFpr, claims.Fingerprint)
	require.Equal(t, testEmail, claims.Email)
	require.Equal(t, Verify, claims.Purpose)
	require.True(t, issued.Equal(claims.IssuedAt))
	require.True(t, issued.Add(time.Hour).Equal(claims.Expires))

	claims, err = s.Redeem(tok, Verify)
	require.NoError(t, err)
	require.NotEmpty(t, claims.ID)

	// replay
	_, err = s.Redeem(tok, Verify)
	require.ErrorIs(t, err, ErrConsumed)
	require.ErrorIs(t, err, ErrInvalid)
	_, err = s.Peek(tok, Verify)
	require.ErrorIs(t, err, ErrConsumed)
}

func TestExpired(t *testing.T) {
	s, c := newService(t)

	tok, err := s.Issue(testFpr, testEmail, Delete, time.Hour)
	require.NoError(t, err)

	c.now = c.now.Add(time.Hour + time.Second)
	_, err = s.Redeem(tok, Delete)
	require.ErrorIs(t, err, ErrExpired)
	require.NotErrorIs(t, err, ErrInvalid)
}

func TestWrongPurpose(t *testing.T) {
	s, _ := newService(t)

	tok, err := s.Issue(testFpr, testEmail, Delete, time.Hour)
	require.NoError(t, err)

	_, err = s.Redeem(tok, Verify)
	require.ErrorIs(t, err, ErrWrongPurpose)
	require.ErrorIs(t, err, ErrInvalid)

	// a failed redemption doesn't consume
	_, err = s.Redeem(tok, Delete)
	require.NoError(t, err)
}

func TestTampered(t *testing.T) {
	s, _ := newService(t)

	tok, err := s.Issue(testFpr, testEmail, Verify, time.Hour)
	require.NoError(t, err)

	raw, err := encoding.DecodeString(tok)
	require.NoError(t, err)

	for i := range raw {
		altered := append([]byte{}, raw...)
		altered[i] ^= 0x01
		_, err := s.Peek(encoding.EncodeToString(altered), Verify)
		require.ErrorIs(t, err, ErrInvalid, "byte %d", i)
	}

	// every altered character
	for i := range tok {
		b := []byte(tok)
		if b[i] == 'A' {
			b[i] = 'B'
		} else {
			b[i] = 'A'
		}
		_, err := s.Peek(string(b), Verify)
		require.ErrorIs(t, err, ErrInvalid, "character %d", i)
	}

	for _, bad := range []string{"", "not a token", tok[:10], tok + "A"} {
		_, err := s.Peek(bad, Verify)
		require.ErrorIs(t, err, ErrInvalid, bad)
	}

	// another secret
	other, err := New([]byte("fedcba9876543210fedcba9876543210"))
	require.NoError(t, err)
	_, err = other.Peek(tok, Verify)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestPrune(t *testing.T) {
	s, c := newService(t)

	for i := 0; i < 3; i++ {
		tok, err := s.Issue(testFpr, testEmail, Verify, time.Minute)
		require.NoError(t, err)
		_, err = s.Redeem(tok, Verify)
		require.NoError(t, err)
	}
	require.Equal(t, 3, s.consumedLen())

	c.now = c.now.Add(2 * time.Minute)
	tok, err := s.Issue(testFpr, testEmail, Verify, time.Hour)
	require.NoError(t, err)
	_, err = s.Redeem(tok, Verify)
	require.NoError(t, err)
	require.Equal(t, 1, s.consumedLen())
}
