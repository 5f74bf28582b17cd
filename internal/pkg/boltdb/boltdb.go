// Package boltdb provides a database engine backed by bbolt.
package boltdb

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ctrliq/vks/pkg/database"
	"go.etcd.io/bbolt"
)

const (
	EngineName = "bolt"

	dbFile         = "vks.bolt"
	defaultTimeout = 5 * time.Second
)

type Config struct {
	Dir     string        `yaml:"dir"`
	Timeout time.Duration `yaml:"timeout"`
}

type boltDB struct {
	bolt *bbolt.DB
	cfg  Config
}

func (b *boltDB) NewConfig() database.Config {
	return &b.cfg
}

func (b *boltDB) CheckConfig() error {
	if b.cfg.Dir == "" {
		return fmt.Errorf("bolt engine requires a database directory")
	}
	fi, err := os.Stat(b.cfg.Dir)
	if err != nil {
		return fmt.Errorf("database directory: %s", err)
	} else if !fi.IsDir() {
		return fmt.Errorf("database directory: %s is not a directory", b.cfg.Dir)
	}
	if b.cfg.Timeout == 0 {
		b.cfg.Timeout = defaultTimeout
	}
	return nil
}

func (b *boltDB) Connect() error {
	db, err := bbolt.Open(filepath.Join(b.cfg.Dir, dbFile), 0600, &bbolt.Options{Timeout: b.cfg.Timeout})
	if err != nil {
		return fmt.Errorf("failed to open db: %v", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range database.Buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %v", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return err
	}

	b.bolt = db
	return nil
}

func (b *boltDB) Disconnect() error {
	return b.bolt.Close()
}

func (b *boltDB) View(fn func(tx database.ReadTx) error) error {
	return b.bolt.View(func(tx *bbolt.Tx) error {
		return fn(boltTx{tx: tx})
	})
}

func (b *boltDB) Update(fn func(tx database.WriteTx) error) error {
	return b.bolt.Update(func(tx *bbolt.Tx) error {
		return fn(boltTx{tx: tx})
	})
}

// boltTx is the adapter of a bbolt transaction to the database
// transaction interfaces.
type boltTx struct {
	tx *bbolt.Tx
}

func (t boltTx) bucket(name database.Bucket) (*bbolt.Bucket, error) {
	b := t.tx.Bucket([]byte(name))
	if b == nil {
		return nil, fmt.Errorf("bucket %q not found", name)
	}
	return b, nil
}

// Get returns a copy of the value, bbolt values are only valid
// for the transaction lifetime.
func (t boltTx) Get(bucket database.Bucket, key string) ([]byte, error) {
	b, err := t.bucket(bucket)
	if err != nil {
		return nil, err
	}
	val := b.Get([]byte(key))
	if val == nil {
		return nil, nil
	}
	return append([]byte{}, val...), nil
}

func (t boltTx) Scan(bucket database.Bucket, prefix string, fn func(key string, value []byte) error) error {
	b, err := t.bucket(bucket)
	if err != nil {
		return err
	}

	p := []byte(prefix)
	cursor := b.Cursor()

	for k, v := cursor.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = cursor.Next() {
		err := fn(string(k), append([]byte{}, v...))
		if errors.Is(err, database.ErrStopScan) {
			return nil
		} else if err != nil {
			return err
		}
	}

	return nil
}

func (t boltTx) Set(bucket database.Bucket, key string, value []byte) error {
	b, err := t.bucket(bucket)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), value)
}

func (t boltTx) Delete(bucket database.Bucket, key string) error {
	b, err := t.bucket(bucket)
	if err != nil {
		return err
	}
	return b.Delete([]byte(key))
}

func init() {
	database.RegisterDatabaseEngine(EngineName, func() database.Engine {
		return new(boltDB)
	})
}
