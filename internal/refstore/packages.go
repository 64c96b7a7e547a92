package refstore

import (
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/dataflowhq/dataflowd/internal/apperr"
	"github.com/dataflowhq/dataflowd/internal/model"
)

// PackageStore resolves (name, version) to the PackageObject's Hash.
type PackageStore struct{ s *Store }

func packageKey(name, version string) []byte {
	return []byte(name + keySep + version)
}

// Resolve looks up the Hash published for (name, version).
func (p *PackageStore) Resolve(name, version string) (model.Hash, error) {
	var h model.Hash
	err := p.s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketPackages).Get(packageKey(name, version))
		if v == nil {
			return apperr.ErrPackageNotFound
		}
		h = model.Hash(v)
		return nil
	})
	return h, err
}

// Write publishes (name, version) -> h, overwriting any prior value.
func (p *PackageStore) Write(name, version string, h model.Hash) error {
	err := p.s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPackages).Put(packageKey(name, version), []byte(h))
	})
	if err != nil {
		return fmt.Errorf("write package ref: %w", err)
	}
	p.s.recordWrite("packages")
	return nil
}

// Remove deletes the (name, version) binding, if present.
func (p *PackageStore) Remove(name, version string) error {
	return p.s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPackages).Delete(packageKey(name, version))
	})
}

// List returns every version published for name.
func (p *PackageStore) List(name string) ([]string, error) {
	prefix := []byte(name + keySep)
	var versions []string
	err := p.s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketPackages).Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			versions = append(versions, string(k[len(prefix):]))
		}
		return nil
	})
	return versions, err
}
