package substrate

import (
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/strata/internal/errs"
)

var bucketTables = []byte("tables")

// TableRegistry is a small local index of table names known to a strata
// instance. Neither the local filesystem substrate nor the S3 substrate can
// cheaply answer "what tables exist" the same way: a local directory listing
// conflates tables with every nested partition directory, and an object
// store's List is a flat, potentially-paginated scan with no notion of
// "top-level" keys. Grounded on pkg/storage/boltdb.go's bucket-per-entity
// pattern, this keeps that one piece of metadata — the set of table names —
// in a small embedded KV store local to the process, independent of which
// Substrate backs the actual data.
//
// The registry is advisory, exactly like the file-set cache (§5): losing it
// (e.g. a fresh process with an empty registry file) never loses data, only
// the ability to list tables without being told their names first.
type TableRegistry struct {
	db *bolt.DB
}

// NewTableRegistry opens (creating if absent) a bbolt-backed registry at
// dbPath, typically <base_path>/_registry.db.
func NewTableRegistry(dbPath string) (*TableRegistry, error) {
	if err := ensureParentDir(dbPath); err != nil {
		return nil, err
	}
	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, errs.New(errs.SubstrateTerminal, "substrate.NewTableRegistry", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTables)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errs.New(errs.Internal, "substrate.NewTableRegistry", err)
	}
	return &TableRegistry{db: db}, nil
}

// Register records table as known. Idempotent.
func (r *TableRegistry) Register(table string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTables).Put([]byte(table), []byte{1})
	})
}

// List returns every registered table name.
func (r *TableRegistry) List() ([]string, error) {
	var tables []string
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTables).ForEach(func(k, _ []byte) error {
			tables = append(tables, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, errs.New(errs.Internal, "substrate.TableRegistry.List", err)
	}
	return tables, nil
}

// Close releases the underlying bbolt file handle.
func (r *TableRegistry) Close() error { return r.db.Close() }

func ensureParentDir(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.New(errs.SubstrateTerminal, "substrate.ensureParentDir", err)
	}
	return nil
}
