package search

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/orian/sheetsmith/format"
	"github.com/orian/sheetsmith/materialize"
	"github.com/orian/sheetsmith/models"
	"github.com/orian/sheetsmith/schema"
)

// buildIndex writes a complete index for key into a new file and records it
// in the manifest. On error the new file is removed and the manifest is left
// alone.
func (s *Store) buildIndex(ctx context.Context, key models.IndexKey) (m *manifest, err error) {
	snap, err := s.snaps.Acquire(key.Version)
	if err != nil {
		return nil, err
	}
	defer snap.Release()

	dir := s.dir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, buildPrefix+uuid.NewString()+".db")
	defer func() {
		if err != nil {
			removeDB(path)
		}
	}()

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=DELETE&_synchronous=FULL", path))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	defer func() {
		if db != nil {
			db.Close()
		}
	}()

	sheets, err := snap.Sheets()
	if err != nil {
		return nil, err
	}
	spec := schema.ParseSpecifier(key.Schema)
	m = &manifest{SearchIndex: models.SearchIndex{
		Key:        key,
		Path:       path,
		State:      models.IndexReady,
		Generation: snap.Generation,
	}}
	for i, sheet := range sheets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sch, err := s.schemas.ResolveAt(ctx, sheet, spec)
		if err == nil {
			var kinds []format.FieldKind
			kinds, err = snap.Columns(sheet)
			if err == nil {
				err = schema.Check(sch, kinds)
			}
		}
		if errors.Is(err, models.ErrSchemaUnavailable) {
			s.log.Debug("sheet not indexed", "index", key.String(), "sheet", sheet, "reason", err)
			m.Skipped = append(m.Skipped, sheet)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", sheet, err)
		}

		t := sheetTable{Table: fmt.Sprintf("t%d", i), Schema: sch}
		t.Rows, err = s.fill(ctx, db, snap, t)
		if err != nil {
			return nil, fmt.Errorf("index %s: %w", sheet, err)
		}
		m.Sheets = append(m.Sheets, t)
		m.Rows += t.Rows
	}

	err = db.Close()
	db = nil
	if err != nil {
		return nil, err
	}
	if err := syncFile(path); err != nil {
		return nil, err
	}
	m.BuiltAt = time.Now().UTC()
	if err := writeManifest(dir, m); err != nil {
		return nil, err
	}
	return m, nil
}

// sqlType is the declared type of a column. Unsigned columns are declared
// BLOB so sqlite applies no affinity: values above MaxInt64 are stored as
// zero padded text, which compares above every integer and in numeric order
// among themselves.
func sqlType(t models.ColumnType) string {
	switch t {
	case models.ColumnFloat:
		return "REAL"
	case models.ColumnString:
		return "TEXT"
	case models.ColumnUint:
		return "BLOB"
	}
	return "INTEGER"
}

// uintArg is the stored form of an unsigned value.
func uintArg(v uint64) any {
	if v > math.MaxInt64 {
		return fmt.Sprintf("%020d", v)
	}
	return int64(v)
}

// fill creates t's table and copies every row of the sheet into it,
// committing every BatchSize rows.
func (s *Store) fill(ctx context.Context, db *sql.DB, snap *materialize.Snapshot, t sheetTable) (int64, error) {
	cols := []string{"_row INTEGER PRIMARY KEY"}
	marks := []string{"?"}
	for i, c := range t.Schema.Columns {
		cols = append(cols, fmt.Sprintf("c%d %s", i, sqlType(c.Type)))
		marks = append(marks, "?")
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", t.Table, strings.Join(cols, ", "))); err != nil {
		return 0, err
	}
	insert := fmt.Sprintf("INSERT INTO %s VALUES (%s)", t.Table, strings.Join(marks, ", "))

	var (
		tx      *sql.Tx
		stmt    *sql.Stmt
		rows    int64
		inBatch int
	)
	commit := func() error {
		stmt.Close()
		err := tx.Commit()
		tx, stmt, inBatch = nil, nil, 0
		return err
	}
	err := snap.Rows(t.Schema.Sheet, 0, func(id uint32, fields []format.Value) error {
		if tx == nil {
			if err := ctx.Err(); err != nil {
				return err
			}
			var err error
			if tx, err = db.BeginTx(ctx, nil); err != nil {
				return err
			}
			if stmt, err = tx.PrepareContext(ctx, insert); err != nil {
				tx.Rollback()
				tx = nil
				return err
			}
		}
		doc, err := schema.Project(t.Schema, id, fields)
		if err != nil {
			return err
		}
		args := make([]any, 0, len(doc.Fields)+1)
		args = append(args, int64(id))
		for _, f := range doc.Fields {
			args = append(args, toSQL(f.Value))
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return err
		}
		rows++
		inBatch++
		if inBatch >= s.opts.BatchSize {
			return commit()
		}
		return nil
	})
	if tx != nil {
		if err != nil {
			stmt.Close()
			tx.Rollback()
		} else {
			err = commit()
		}
	}
	if err != nil {
		return 0, err
	}
	CounterRowsIndexed.Add(float64(rows))
	return rows, nil
}

func toSQL(v any) any {
	switch v := v.(type) {
	case bool:
		if v {
			return int64(1)
		}
		return int64(0)
	case uint64:
		return uintArg(v)
	}
	return v
}

func fromSQL(t models.ColumnType, v any) any {
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	switch t {
	case models.ColumnBool:
		n, _ := v.(int64)
		return n != 0
	case models.ColumnUint:
		switch n := v.(type) {
		case int64:
			return uint64(n)
		case string:
			if u, err := strconv.ParseUint(n, 10, 64); err == nil {
				return u
			}
		}
	case models.ColumnFloat:
		if n, ok := v.(int64); ok {
			return float64(n)
		}
	}
	return v
}

func syncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

func removeDB(path string) {
	for _, p := range []string{path, path + "-journal", path + "-wal", path + "-shm"} {
		_ = os.Remove(p)
	}
}
