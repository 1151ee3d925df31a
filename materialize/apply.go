package materialize

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/orian/sheetsmith/format"
	"github.com/orian/sheetsmith/models"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketMeta     = []byte("_meta")
	bucketSheets   = []byte("sheets")
	bucketFiles    = []byte("files")
	bucketTextures = []byte("textures")

	keyChain   = []byte("chain")
	keyColumns = []byte("_columns")
)

func rowKey(id uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, id)
}

func initBuckets(tx *bolt.Tx) error {
	for _, name := range [][]byte{bucketMeta, bucketSheets, bucketFiles, bucketTextures} {
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return err
		}
	}
	return nil
}

// committedChain reads the chain recorded in a store.
func committedChain(tx *bolt.Tx) ([]models.PatchRef, error) {
	meta := tx.Bucket(bucketMeta)
	if meta == nil {
		return nil, nil
	}
	raw := meta.Get(keyChain)
	if raw == nil {
		return nil, nil
	}
	var chain []models.PatchRef
	if err := json.Unmarshal(raw, &chain); err != nil {
		return nil, fmt.Errorf("decode committed chain: %w", err)
	}
	return chain, nil
}

func putChain(tx *bolt.Tx, chain []models.PatchRef) error {
	raw, err := json.Marshal(chain)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketMeta).Put(keyChain, raw)
}

// applyPatch writes every record of the container at path and appends ref to
// the committed chain, all in one transaction.
func applyPatch(db *bolt.DB, ref models.PatchRef, path string) error {
	return db.Update(func(tx *bolt.Tx) error {
		if err := initBuckets(tx); err != nil {
			return err
		}
		chain, err := committedChain(tx)
		if err != nil {
			return err
		}
		err = format.ReadFile(path, func(rec format.Record) error {
			return applyRecord(tx, rec)
		})
		if err != nil {
			return fmt.Errorf("apply %s: %w", ref.ID(), err)
		}
		return putChain(tx, append(chain, ref))
	})
}

func applyRecord(tx *bolt.Tx, rec format.Record) error {
	switch r := rec.(type) {
	case format.SheetHeader:
		b, err := tx.Bucket(bucketSheets).CreateBucketIfNotExists([]byte(r.Sheet))
		if err != nil {
			return err
		}
		return b.Put(keyColumns, format.EncodeKinds(r.Columns))

	case format.Row:
		b := tx.Bucket(bucketSheets).Bucket([]byte(r.Sheet))
		if b == nil {
			return fmt.Errorf("%w: row %d for undeclared sheet %q", models.ErrPatchVerificationFailed, r.ID, r.Sheet)
		}
		kinds := format.DecodeKinds(b.Get(keyColumns))
		got := make([]format.FieldKind, len(r.Fields))
		for i, f := range r.Fields {
			got[i] = f.Kind
		}
		if !slices.Equal(kinds, got) {
			return fmt.Errorf("%w: row %d of %q does not match the sheet header", models.ErrPatchVerificationFailed, r.ID, r.Sheet)
		}
		return b.Put(rowKey(r.ID), format.EncodeFields(r.Fields))

	case format.Delete:
		b := tx.Bucket(bucketSheets).Bucket([]byte(r.Sheet))
		if b == nil {
			return nil
		}
		return b.Delete(rowKey(r.ID))

	case format.File:
		return tx.Bucket(bucketFiles).Put([]byte(r.Path), r.Data)

	case format.Texture:
		return tx.Bucket(bucketTextures).Put([]byte(r.Path), format.EncodeTexture(r))
	}
	return fmt.Errorf("%w: unexpected record %s", models.ErrPatchVerificationFailed, rec.Kind())
}
