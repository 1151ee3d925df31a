package materialize

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/orian/sheetsmith/format"
	"github.com/orian/sheetsmith/models"
	bolt "go.etcd.io/bbolt"
)

// Snapshot is an immutable, published generation of a version's data.
//
// Snapshots are reference counted. A snapshot obtained from Acquire or
// Provision must be released; once the last reference is gone and a newer
// generation has replaced it, its files are removed.
type Snapshot struct {
	Key        models.VersionKey
	Chain      []models.PatchRef
	Generation uint64

	db  *bolt.DB
	dir string

	refs    atomic.Int64
	retired atomic.Bool
	once    sync.Once
}

func openSnapshot(key models.VersionKey, dir string, gen uint64) (*Snapshot, error) {
	db, err := bolt.Open(dataPath(dir), 0o444, &bolt.Options{ReadOnly: true, Timeout: lockWait})
	if err != nil {
		return nil, fmt.Errorf("open generation %d of %s: %w", gen, key, err)
	}
	var chain []models.PatchRef
	err = db.View(func(tx *bolt.Tx) error {
		chain, err = committedChain(tx)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	s := &Snapshot{Key: key, Chain: chain, Generation: gen, db: db, dir: dir}
	s.refs.Store(1)
	return s, nil
}

// Acquire adds a reference.
func (s *Snapshot) Acquire() *Snapshot {
	s.refs.Add(1)
	return s
}

// Release drops a reference.
func (s *Snapshot) Release() {
	if s.refs.Add(-1) == 0 {
		s.close()
	}
}

// retire marks the snapshot as replaced and drops the publisher's reference.
func (s *Snapshot) retire() {
	s.retired.Store(true)
	s.Release()
}

func (s *Snapshot) close() {
	s.once.Do(func() {
		_ = s.db.Close()
		if s.retired.Load() {
			_ = os.RemoveAll(s.dir)
		}
	})
}

// Sheets lists the declared sheets in name order.
func (s *Snapshot) Sheets() ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSheets)
		if b == nil {
			return nil
		}
		return b.ForEachBucket(func(k []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	return out, err
}

// Columns returns the field kinds declared for sheet.
func (s *Snapshot) Columns(sheet string) ([]format.FieldKind, error) {
	var kinds []format.FieldKind
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := sheetBucket(tx, sheet)
		if err != nil {
			return err
		}
		kinds = format.DecodeKinds(b.Get(keyColumns))
		return nil
	})
	return kinds, err
}

// Row returns one row's fields.
func (s *Snapshot) Row(sheet string, id uint32) ([]format.Value, error) {
	var fields []format.Value
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := sheetBucket(tx, sheet)
		if err != nil {
			return err
		}
		raw := b.Get(rowKey(id))
		if raw == nil {
			return fmt.Errorf("%w: %s row %d", models.ErrNotFound, sheet, id)
		}
		fields, err = format.DecodeFields(raw)
		return err
	})
	return fields, err
}

// Rows calls fn for every row of sheet in id order, starting at from.
// Returning an error from fn stops the walk and is passed through.
func (s *Snapshot) Rows(sheet string, from uint32, fn func(id uint32, fields []format.Value) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b, err := sheetBucket(tx, sheet)
		if err != nil {
			return err
		}
		c := b.Cursor()
		for k, v := c.Seek(rowKey(from)); k != nil; k, v = c.Next() {
			if len(k) != 4 || v == nil {
				continue
			}
			fields, err := format.DecodeFields(v)
			if err != nil {
				return err
			}
			if err := fn(binary.BigEndian.Uint32(k), fields); err != nil {
				return err
			}
		}
		return nil
	})
}

// File returns a raw asset.
func (s *Snapshot) File(path string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketFiles).Get([]byte(path))
		if raw == nil {
			return fmt.Errorf("%w: file %s", models.ErrNotFound, path)
		}
		data = append([]byte(nil), raw...)
		return nil
	})
	return data, err
}

// Texture decodes a texture asset.
func (s *Snapshot) Texture(path string) (format.Texture, error) {
	var tex format.Texture
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketTextures).Get([]byte(path))
		if raw == nil {
			return fmt.Errorf("%w: texture %s", models.ErrNotFound, path)
		}
		var err error
		tex, err = format.DecodeTexture(path, raw)
		return err
	})
	return tex, err
}

// Digest hashes the snapshot's content in a canonical order. Two snapshots
// with equal digests hold identical sheets, rows and assets.
func (s *Snapshot) Digest() (string, error) {
	h := sha256.New()
	write := func(tag byte, k, v []byte) {
		var n [4]byte
		h.Write([]byte{tag})
		binary.BigEndian.PutUint32(n[:], uint32(len(k)))
		h.Write(n[:])
		h.Write(k)
		binary.BigEndian.PutUint32(n[:], uint32(len(v)))
		h.Write(n[:])
		h.Write(v)
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		sheets := tx.Bucket(bucketSheets)
		err := sheets.ForEachBucket(func(name []byte) error {
			write('S', name, nil)
			return sheets.Bucket(name).ForEach(func(k, v []byte) error {
				write('R', k, v)
				return nil
			})
		})
		if err != nil {
			return err
		}
		for _, bucket := range [][]byte{bucketFiles, bucketTextures} {
			err := tx.Bucket(bucket).ForEach(func(k, v []byte) error {
				write(bucket[0], k, v)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func sheetBucket(tx *bolt.Tx, sheet string) (*bolt.Bucket, error) {
	b := tx.Bucket(bucketSheets).Bucket([]byte(sheet))
	if b == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownSheet, sheet)
	}
	return b, nil
}
