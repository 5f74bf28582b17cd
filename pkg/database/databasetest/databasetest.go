// Package databasetest provides the conformance tests shared by
// database engines.
package databasetest

import (
	"errors"
	"testing"

	"github.com/ctrliq/vks/pkg/database"
	"github.com/stretchr/testify/require"
)

// TestEngine runs the conformance tests against a connected engine.
func TestEngine(t *testing.T, engine database.Engine) {
	t.Run("GetSet", func(t *testing.T) { testGetSet(t, engine) })
	t.Run("Scan", func(t *testing.T) { testScan(t, engine) })
	t.Run("Rollback", func(t *testing.T) { testRollback(t, engine) })
}

func testGetSet(t *testing.T, engine database.Engine) {
	err := engine.Update(func(tx database.WriteTx) error {
		if err := tx.Set(database.CertBucket, "A", []byte("cert")); err != nil {
			return err
		}
		return tx.Set(database.KeyIDBucket, "A", []byte("keyid"))
	})
	require.NoError(t, err)

	err = engine.View(func(tx database.ReadTx) error {
		v, err := tx.Get(database.CertBucket, "A")
		require.NoError(t, err)
		require.Equal(t, []byte("cert"), v)

		v, err = tx.Get(database.KeyIDBucket, "A")
		require.NoError(t, err)
		require.Equal(t, []byte("keyid"), v)

		v, err = tx.Get(database.SubkeyBucket, "A")
		require.NoError(t, err)
		require.Nil(t, v)
		return nil
	})
	require.NoError(t, err)

	err = engine.Update(func(tx database.WriteTx) error {
		require.NoError(t, tx.Delete(database.CertBucket, "A"))
		// missing keys
		require.NoError(t, tx.Delete(database.CertBucket, "A"))
		return tx.Delete(database.SubkeyBucket, "missing")
	})
	require.NoError(t, err)

	err = engine.View(func(tx database.ReadTx) error {
		v, err := tx.Get(database.CertBucket, "A")
		require.NoError(t, err)
		require.Nil(t, v)
		return nil
	})
	require.NoError(t, err)
}

func testScan(t *testing.T, engine database.Engine) {
	keys := []string{
		"AAAA/x*y@example.org",
		"AAAA/alice@example.org",
		"AAAB/bob@example.org",
		"AAA/carol@example.org",
	}

	err := engine.Update(func(tx database.WriteTx) error {
		for _, k := range keys {
			if err := tx.Set(database.PublishedBucket, k, []byte("1")); err != nil {
				return err
			}
		}
		// same prefix in another bucket
		return tx.Set(database.EmailBucket, "AAAA/other@example.org", []byte("1"))
	})
	require.NoError(t, err)

	var found []string
	err = engine.View(func(tx database.ReadTx) error {
		return tx.Scan(database.PublishedBucket, "AAAA/", func(key string, value []byte) error {
			require.Equal(t, []byte("1"), value)
			found = append(found, key)
			return nil
		})
	})
	require.NoError(t, err)
	require.Equal(t, []string{"AAAA/alice@example.org", "AAAA/x*y@example.org"}, found)

	found = nil
	err = engine.View(func(tx database.ReadTx) error {
		return tx.Scan(database.PublishedBucket, "", func(key string, value []byte) error {
			found = append(found, key)
			if len(found) == 2 {
				return database.ErrStopScan
			}
			return nil
		})
	})
	require.NoError(t, err)
	require.Equal(t, []string{"AAA/carol@example.org", "AAAA/alice@example.org"}, found)

	failure := errors.New("failure")
	err = engine.View(func(tx database.ReadTx) error {
		return tx.Scan(database.PublishedBucket, "", func(string, []byte) error {
			return failure
		})
	})
	require.ErrorIs(t, err, failure)
}

func testRollback(t *testing.T, engine database.Engine) {
	failure := errors.New("failure")

	err := engine.Update(func(tx database.WriteTx) error {
		if err := tx.Set(database.CertBucket, "B", []byte("cert")); err != nil {
			return err
		}
		return failure
	})
	require.ErrorIs(t, err, failure)

	err = engine.View(func(tx database.ReadTx) error {
		v, err := tx.Get(database.CertBucket, "B")
		require.NoError(t, err)
		require.Nil(t, v)
		return nil
	})
	require.NoError(t, err)
}
