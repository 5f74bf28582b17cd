package hkpserver

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ctrliq/vks/internal/pkg/certtest"
	"github.com/ctrliq/vks/pkg/cert"
	"github.com/stretchr/testify/require"
)

func TestWriteIndex(t *testing.T) {
	alice := certtest.NewEntity(t, "Alice", "alice@example.org")

	lifetime := uint32(3600)
	for _, id := range alice.Identities {
		id.SelfSignature.KeyLifetimeSecs = &lifetime
		require.NoError(t, id.SelfSignature.SignUserId(id.UserId.Id, alice.PrimaryKey, alice.PrivateKey, nil))
	}
	expiring, err := cert.Normalize(cert.DefaultPolicy, certtest.Serialize(t, alice))
	require.NoError(t, err)

	bob := certtest.NewEntity(t, "Bob", "bob@example.org")
	revoked, err := cert.Normalize(cert.DefaultPolicy, certtest.RevokeUserID(t, bob))
	require.NoError(t, err)

	created := alice.PrimaryKey.CreationTime
	bits, err := alice.PrimaryKey.BitLength()
	require.NoError(t, err)
	expiration := fmt.Sprint(created.Add(time.Hour).Unix())

	tests := []struct {
		name  string
		certs []*cert.Certificate
		now   time.Time
		lines []string
	}{
		{
			name:  "Empty",
			now:   created,
			lines: []string{"info:1:0"},
		},
		{
			name:  "NotExpired",
			certs: []*cert.Certificate{expiring},
			now:   created,
			lines: []string{
				"info:1:1",
				fmt.Sprintf("pub:%s:%d:%d:%d:%s:", expiring.Fingerprint(), alice.PrimaryKey.PubKeyAlgo, bits, created.Unix(), expiration),
			},
		},
		{
			name:  "Expired",
			certs: []*cert.Certificate{expiring},
			now:   created.Add(2 * time.Hour),
			lines: []string{
				"info:1:1",
				fmt.Sprintf("pub:%s:%d:%d:%d:%s:e", expiring.Fingerprint(), alice.PrimaryKey.PubKeyAlgo, bits, created.Unix(), expiration),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := new(bytes.Buffer)
			require.NoError(t, WriteIndex(buf, tt.certs, tt.now))

			lines := strings.Split(strings.TrimSuffix(buf.String(), "\r\n"), "\r\n")
			require.GreaterOrEqual(t, len(lines), len(tt.lines))
			for i, l := range tt.lines {
				require.Equal(t, l, lines[i])
			}
		})
	}

	t.Run("RevokedUserID", func(t *testing.T) {
		buf := new(bytes.Buffer)
		require.NoError(t, WriteIndex(buf, []*cert.Certificate{revoked}, time.Now()))

		lines := strings.Split(strings.TrimSuffix(buf.String(), "\r\n"), "\r\n")
		require.Len(t, lines, 3)
		require.True(t, strings.HasPrefix(lines[2], "uid:Bob+%3Cbob%40example.org%3E:"))
		require.True(t, strings.HasSuffix(lines[2], ":r"))
	})
}
