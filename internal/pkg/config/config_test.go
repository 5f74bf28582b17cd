package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ctrliq/vks/internal/pkg/defaultdb"
	"github.com/ctrliq/vks/pkg/ratelimit"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), File)
	require.NoError(t, ioutil.WriteFile(path, []byte(content), 0600))
	return path
}

func TestParseDefault(t *testing.T) {
	cfg, err := Parse(filepath.Join(t.TempDir(), File))
	require.NoError(t, err)
	require.Equal(t, DefaultServerConfig.BindAddr, cfg.BindAddr)
	require.Equal(t, DefaultVerifyTokenTTL, cfg.VerifyTokenTTL)
	require.NotNil(t, cfg.DB)

	require.NoError(t, CheckServerConfig(&cfg))
	// a random secret is generated
	require.Len(t, cfg.TokenSecret, 2*tokenSecretSize)

	_, err = Parse(t.TempDir())
	require.Error(t, err)
}

func TestParse(t *testing.T) {
	dbDir := t.TempDir()

	path := writeConfig(t, `
bind-address: "127.0.0.1:8080"
public-url: "https://keys.example.org"
token-secret: "0123456789abcdef0123456789abcdef"
mail-identity-domains: ["example.org"]
mail-rate-limit: "2/1h"
verify-token-ttl: 24h
delete-token-ttl: 30m
policy:
  min-rsa-bits: 3072
  rejected-hashes: ["md5", "sha1"]
db: buntdb
db-config:
  dir: "`+dbDir+`"
`)

	cfg, err := Parse(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8080", cfg.BindAddr)
	require.Equal(t, "https://keys.example.org", cfg.PublicURL)
	require.Equal(t, []string{"example.org"}, cfg.MailIdentityDomains)
	require.Equal(t, ratelimit.Rate("2/1h"), cfg.MailRateLimit)
	require.Equal(t, 24*time.Hour, cfg.VerifyTokenTTL)
	require.Equal(t, 30*time.Minute, cfg.DeleteTokenTTL)
	require.Equal(t, uint16(3072), cfg.Policy.MinRSABits)
	// unset values keep their defaults
	require.Equal(t, DefaultServerConfig.AdminEmail, cfg.AdminEmail)
	require.Equal(t, dbDir, cfg.DB.NewConfig().(*defaultdb.Config).Dir)

	require.NoError(t, CheckServerConfig(&cfg))
	require.Equal(t, "0123456789abcdef0123456789abcdef", cfg.TokenSecret)

	_, err = cfg.Policy.Build()
	require.NoError(t, err)

	_, err = Parse(writeConfig(t, "db: unknown"))
	require.Error(t, err)

	_, err = Parse(writeConfig(t, "bind-address: ["))
	require.Error(t, err)
}

func TestCheckServerConfig(t *testing.T) {
	cfg, err := Parse(filepath.Join(t.TempDir(), File))
	require.NoError(t, err)

	os.Setenv(mailIdentityDomainsEnv, "example.org, example.com")
	os.Setenv(keyPushRateLimitEnv, "5/1m")
	defer os.Unsetenv(mailIdentityDomainsEnv)
	defer os.Unsetenv(keyPushRateLimitEnv)

	require.NoError(t, CheckServerConfig(&cfg))
	require.Equal(t, []string{"example.org", "example.com"}, cfg.MailIdentityDomains)
	require.Equal(t, ratelimit.Rate("5/1m"), cfg.KeyPushRateLimit)

	os.Setenv(keyPushRateLimitEnv, "often")
	require.Error(t, CheckServerConfig(&cfg))
	os.Unsetenv(keyPushRateLimitEnv)

	os.Setenv(mailIdentityVerificationEnv, "maybe")
	require.Error(t, CheckServerConfig(&cfg))
	os.Unsetenv(mailIdentityVerificationEnv)

	bad := cfg
	bad.Policy.RejectedHashes = []string{"crc32"}
	require.Error(t, CheckServerConfig(&bad))

	bad = cfg
	bad.AdminEmail = ""
	require.Error(t, CheckServerConfig(&bad))

	bad = cfg
	bad.DB = nil
	require.Error(t, CheckServerConfig(&bad))
}

func TestNewLimiter(t *testing.T) {
	l, err := NewLimiter("")
	require.NoError(t, err)
	require.Equal(t, ratelimit.Unlimited, l)

	l, err = NewLimiter("1/1h")
	require.NoError(t, err)
	require.Equal(t, ratelimit.Allowed, l.CheckAndConsume("alice@example.org"))
	require.Equal(t, ratelimit.Denied, l.CheckAndConsume("alice@example.org"))

	l, err = NewPushLimiter("2/1m")
	require.NoError(t, err)
	require.Equal(t, ratelimit.Allowed, l.CheckAndConsume("127.0.0.1"))

	_, err = NewPushLimiter("2")
	require.Error(t, err)
}
