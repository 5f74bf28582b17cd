package main

import (
	"bytes"
	"context"
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/ctrliq/vks/internal/pkg/certtest"
	"github.com/ctrliq/vks/internal/pkg/config"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/packet"
)

func TestImportStats(t *testing.T) {
	dir := t.TempDir()
	dbDir := t.TempDir()

	cfgPath := filepath.Join(dir, config.File)
	require.NoError(t, ioutil.WriteFile(cfgPath, []byte(`
token-secret: "0123456789abcdef0123456789abcdef"
mail-identity-verification: false
db: bolt
db-config:
  dir: "`+dbDir+`"
`), 0600))

	alice := certtest.NewEntity(t, "Alice", "alice@example.org")
	bob := certtest.NewEntity(t, "Bob", "bob@example.org")

	small, err := openpgp.NewEntity("Small", "", "small@example.org", &packet.Config{RSABits: 1024})
	require.NoError(t, err)

	// the 1024 bits key is rejected by the default policy
	keyring := filepath.Join(dir, "keyring.pgp")
	raw := bytes.Join([][]byte{
		certtest.Serialize(t, alice),
		certtest.Serialize(t, small),
		certtest.Serialize(t, bob),
	}, nil)
	require.NoError(t, ioutil.WriteFile(keyring, raw, 0600))

	require.Error(t, newApp().Run([]string{"vks", "--config", cfgPath, "import"}))
	require.Error(t, newApp().Run([]string{"vks", "--config", cfgPath, "import", filepath.Join(dir, "missing")}))
	require.NoError(t, newApp().Run([]string{"vks", "--config", cfgPath, "import", "--publish", keyring}))

	out := new(bytes.Buffer)
	app := newApp()
	app.Writer = out
	require.NoError(t, app.Run([]string{"vks", "-c", cfgPath, "stats"}))
	require.Contains(t, out.String(), "certificates: 2\n")
	require.Contains(t, out.String(), "published identities: 2\n")

	// the imported identities are served
	cfg, err := config.Parse(cfgPath)
	require.NoError(t, err)
	require.NoError(t, config.CheckServerConfig(&cfg))

	s, closeStore, err := openStore(&cfg, nil)
	require.NoError(t, err)
	defer closeStore()

	res, err := s.LookupByEmail(context.Background(), "bob@example.org")
	require.NoError(t, err)
	require.Len(t, res.Certificate.UserIDs, 1)

	imported, rejected, err := importFile(s, keyring, false)
	require.NoError(t, err)
	require.Equal(t, 2, imported)
	require.Equal(t, 1, rejected)
}
