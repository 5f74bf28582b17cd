package defaultdb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ctrliq/vks/pkg/database"
	"github.com/tidwall/buntdb"
)

const (
	// EngineName is the name of the engine used when no engine
	// is configured.
	EngineName = "buntdb"

	keySep = ":"
	dbFile = "db"
)

type Config struct {
	Dir string `yaml:"dir"`
}

type bunt struct {
	db  *buntdb.DB
	cfg Config
}

func (b *bunt) NewConfig() database.Config {
	return &b.cfg
}

func (b *bunt) CheckConfig() error {
	if b.cfg.Dir == "" {
		return nil
	}
	fi, err := os.Stat(b.cfg.Dir)
	if err != nil {
		return fmt.Errorf("database directory: %s", err)
	} else if !fi.IsDir() {
		return fmt.Errorf("database directory: %s is not a directory", b.cfg.Dir)
	}
	return nil
}

func (b *bunt) Connect() error {
	var err error

	if b.cfg.Dir == "" {
		b.db, err = buntdb.Open(":memory:")
	} else {
		b.db, err = buntdb.Open(filepath.Join(b.cfg.Dir, dbFile))
	}
	if err != nil {
		return err
	}

	var cfg buntdb.Config
	if err := b.db.ReadConfig(&cfg); err != nil {
		return err
	}
	cfg.SyncPolicy = buntdb.Always

	return b.db.SetConfig(cfg)
}

func (b *bunt) Disconnect() error {
	return b.db.Close()
}

func (b *bunt) View(fn func(tx database.ReadTx) error) error {
	return b.db.View(func(tx *buntdb.Tx) error {
		return fn(&buntTx{tx: tx})
	})
}

func (b *bunt) Update(fn func(tx database.WriteTx) error) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		return fn(&buntTx{tx: tx})
	})
}

type buntTx struct {
	tx *buntdb.Tx
}

func dbKey(bucket database.Bucket, key string) string {
	return string(bucket) + keySep + key
}

func (t *buntTx) Get(bucket database.Bucket, key string) ([]byte, error) {
	val, err := t.tx.Get(dbKey(bucket, key))
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return []byte(val), nil
}

// Scan walks the keys in order from the prefix, the key pattern
// matching of buntdb would interpret '*' and '?' found in email
// addresses.
func (t *buntTx) Scan(bucket database.Bucket, prefix string, fn func(key string, value []byte) error) error {
	var scanErr error

	pivot := dbKey(bucket, prefix)
	bucketPrefix := dbKey(bucket, "")

	err := t.tx.AscendGreaterOrEqual("", pivot, func(key, val string) bool {
		if !strings.HasPrefix(key, pivot) {
			return false
		}
		if err := fn(strings.TrimPrefix(key, bucketPrefix), []byte(val)); err != nil {
			scanErr = err
			return false
		}
		return true
	})
	if err != nil {
		return err
	} else if errors.Is(scanErr, database.ErrStopScan) {
		return nil
	}
	return scanErr
}

func (t *buntTx) Set(bucket database.Bucket, key string, value []byte) error {
	_, _, err := t.tx.Set(dbKey(bucket, key), string(value), nil)
	return err
}

func (t *buntTx) Delete(bucket database.Bucket, key string) error {
	_, err := t.tx.Delete(dbKey(bucket, key))
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil
	}
	return err
}

func newEngine() database.Engine {
	return new(bunt)
}

func init() {
	database.RegisterDatabaseEngine("", newEngine)
	database.RegisterDatabaseEngine(EngineName, newEngine)
}
