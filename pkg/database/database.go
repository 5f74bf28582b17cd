package database

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Config is an engine specific configuration, decoded from the
// db-config section of the server configuration.
type Config interface{}

// Bucket is a key namespace.
type Bucket string

const (
	// CertBucket maps a primary fingerprint to its certificate record.
	CertBucket Bucket = "cert"
	// KeyIDBucket maps a primary key ID to its fingerprint.
	KeyIDBucket Bucket = "keyid"
	// SubkeyBucket maps a subkey fingerprint to the primary fingerprint.
	SubkeyBucket Bucket = "subkey"
	// EmailBucket maps a published email address to its binding record.
	EmailBucket Bucket = "email"
	// PublishedBucket holds "fingerprint/email" keys of published
	// email addresses.
	PublishedBucket Bucket = "published"
)

// Buckets lists every bucket engines must provide.
var Buckets = []Bucket{CertBucket, KeyIDBucket, SubkeyBucket, EmailBucket, PublishedBucket}

// ErrStopScan stops a Scan without error when returned by the
// scan function.
var ErrStopScan = errors.New("stop scan")

// ReadTx is a read only transaction.
type ReadTx interface {
	// Get returns the value stored at key, a nil value means
	// the key doesn't exist.
	Get(bucket Bucket, key string) ([]byte, error)
	// Scan calls fn in ascending key order for every key starting
	// with prefix.
	Scan(bucket Bucket, prefix string, fn func(key string, value []byte) error) error
}

// WriteTx is a read write transaction.
type WriteTx interface {
	ReadTx
	Set(bucket Bucket, key string, value []byte) error
	// Delete removes key, deleting a missing key is not an error.
	Delete(bucket Bucket, key string) error
}

// Engine is a transactional key value store. Writes applied within
// an Update are either all durable or none are.
type Engine interface {
	NewConfig() Config
	CheckConfig() error

	Connect() error
	Disconnect() error

	View(fn func(tx ReadTx) error) error
	Update(fn func(tx WriteTx) error) error
}

var (
	enginesMu sync.Mutex
	engines   = make(map[string]func() Engine)
)

// RegisterDatabaseEngine registers a database engine factory under name.
func RegisterDatabaseEngine(name string, fn func() Engine) {
	enginesMu.Lock()
	defer enginesMu.Unlock()

	if _, ok := engines[name]; ok {
		panic(fmt.Sprintf("database engine %q already registered", name))
	}
	engines[name] = fn
}

// GetDatabaseEngine returns a new instance of the engine registered
// under name.
func GetDatabaseEngine(name string) (Engine, bool) {
	enginesMu.Lock()
	defer enginesMu.Unlock()

	fn, ok := engines[name]
	if !ok {
		return nil, false
	}
	return fn(), true
}

// DatabaseEngines returns the names of registered engines.
func DatabaseEngines() []string {
	enginesMu.Lock()
	defer enginesMu.Unlock()

	names := make([]string, 0, len(engines))
	for name := range engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
