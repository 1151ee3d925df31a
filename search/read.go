package search

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sort"
	"strings"

	"github.com/orian/sheetsmith/cache"
	"github.com/orian/sheetsmith/models"
)

// plan is the compiled form of a query against one sheet table.
type plan struct {
	table sheetTable
	cond  string
	args  []any
}

func columns(t sheetTable) map[string]column {
	cols := make(map[string]column, len(t.Schema.Columns))
	for i, c := range t.Schema.Columns {
		cols[c.Name] = column{name: c.Name, sql: fmt.Sprintf("c%d", i), typ: c.Type}
	}
	return cols
}

func (m *manifest) table(sheet string) (sheetTable, error) {
	for _, t := range m.Sheets {
		if t.Schema.Sheet == sheet {
			return t, nil
		}
	}
	if slices.Contains(m.Skipped, sheet) {
		return sheetTable{}, fmt.Errorf("%w: %s is not indexed at %s", models.ErrSchemaUnavailable, sheet, m.Key.Schema)
	}
	return sheetTable{}, fmt.Errorf("%w: %s", models.ErrUnknownSheet, sheet)
}

// plans compiles q against every sheet it applies to, in sheet name order.
// Sheets that lack a field the query names are left out unless q names them
// explicitly.
func (m *manifest) plans(q Query) ([]plan, error) {
	var tables []sheetTable
	explicit := len(q.Sheets) > 0
	if explicit {
		names := slices.Clone(q.Sheets)
		sort.Strings(names)
		for _, name := range slices.Compact(names) {
			t, err := m.table(name)
			if err != nil {
				return nil, err
			}
			tables = append(tables, t)
		}
	} else {
		tables = slices.Clone(m.Sheets)
		sort.Slice(tables, func(i, j int) bool { return tables[i].Schema.Sheet < tables[j].Schema.Sheet })
	}

	fields := Fields(q.Where)
	var out []plan
	for _, t := range tables {
		cols := columns(t)
		missing := false
		for _, f := range fields {
			if _, ok := cols[f]; !ok {
				missing = true
				break
			}
		}
		if missing && !explicit {
			continue
		}
		cond, args, err := compile(q.Where, cols)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", t.Schema.Sheet, err)
		}
		out = append(out, plan{table: t, cond: cond, args: args})
	}
	if len(out) == 0 && len(fields) > 0 {
		return nil, fmt.Errorf("%w: no indexed sheet has fields %s", models.ErrQueryMismatch, strings.Join(fields, ", "))
	}
	return out, nil
}

func selectList(t sheetTable) string {
	cols := []string{"_row"}
	for i := range t.Schema.Columns {
		cols = append(cols, fmt.Sprintf("c%d", i))
	}
	return strings.Join(cols, ", ")
}

// Status returns the index queries for key currently use. Its State is
// IndexReady or IndexStale.
func (s *Store) Status(key models.IndexKey) (models.SearchIndex, error) {
	m, err := s.servable(key)
	if err != nil {
		return models.SearchIndex{}, err
	}
	return m.SearchIndex, nil
}

// Query returns the documents of the index for key matching q, fetched
// lazily in pages. A stale index is still queried. Iteration stops at the
// first error.
//
// The iteration holds one pooled handle, so a rebuild finishing meanwhile
// does not change its results.
func (s *Store) Query(ctx context.Context, key models.IndexKey, q Query) iter.Seq2[models.IndexDocument, error] {
	return func(yield func(models.IndexDocument, error) bool) {
		plans, conn, err := s.open(ctx, key, q)
		if err != nil {
			CounterQueries.WithLabelValues("error").Inc()
			yield(models.IndexDocument{}, err)
			return
		}
		defer conn.Release()
		CounterQueries.WithLabelValues("ok").Inc()
		db := conn.DB()

		skip := q.Offset
		remaining := q.Limit
		for _, p := range plans {
			if skip > 0 {
				n, err := count(ctx, db, p)
				if err != nil {
					yield(models.IndexDocument{}, err)
					return
				}
				if n <= skip {
					skip -= n
					continue
				}
			}
			offset := skip
			skip = 0
			for {
				size := s.opts.PageSize
				if q.Limit > 0 {
					if remaining == 0 {
						return
					}
					size = min(size, remaining)
				}
				docs, more, err := page(ctx, db, p, offset, size)
				if err != nil {
					yield(models.IndexDocument{}, err)
					return
				}
				for _, d := range docs {
					if !yield(d, nil) {
						return
					}
				}
				offset += len(docs)
				remaining -= len(docs)
				if !more {
					break
				}
			}
		}
	}
}

// borrowAttempts bounds how often a query follows a manifest replaced while
// it waited for a pool slot.
const borrowAttempts = 3

// borrow returns a handle to the index file serving key, together with the
// manifest describing it. A query that waited for a slot while a rebuild
// replaced and retired the file moves on to the replacement.
func (s *Store) borrow(ctx context.Context, key models.IndexKey) (*manifest, *cache.Conn, error) {
	var lastErr error
	for range borrowAttempts {
		m, err := s.servable(key)
		if err != nil {
			return nil, nil, err
		}
		conn, err := s.pool.Borrow(ctx, m.Path)
		if err == nil {
			return m, conn, nil
		}
		if ctx.Err() != nil {
			return nil, nil, err
		}
		cur, cerr := s.servable(key)
		if cerr != nil || cur.Path == m.Path {
			return nil, nil, err
		}
		s.log.Debug("index replaced while waiting, following", "index", key.String(), "path", cur.Path)
		lastErr = err
	}
	return nil, nil, lastErr
}

// open compiles q against the index serving key and borrows its file.
func (s *Store) open(ctx context.Context, key models.IndexKey, q Query) ([]plan, *cache.Conn, error) {
	if q.Offset < 0 || q.Limit < 0 {
		return nil, nil, fmt.Errorf("%w: negative offset or limit", models.ErrQueryMismatch)
	}
	// Compile first so a mismatched query fails without waiting for a slot.
	m, err := s.servable(key)
	if err != nil {
		return nil, nil, err
	}
	if _, err := m.plans(q); err != nil {
		return nil, nil, err
	}
	m, conn, err := s.borrow(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	plans, err := m.plans(q)
	if err != nil {
		conn.Release()
		return nil, nil, err
	}
	return plans, conn, nil
}

// Count returns how many documents match q.
func (s *Store) Count(ctx context.Context, key models.IndexKey, q Query) (int, error) {
	plans, conn, err := s.open(ctx, key, q)
	if err != nil {
		return 0, err
	}
	defer conn.Release()
	total := 0
	for _, p := range plans {
		n, err := count(ctx, conn.DB(), p)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func count(ctx context.Context, db *sql.DB, p plan) (int, error) {
	var n int
	err := db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", p.table.Table, p.cond), p.args...).Scan(&n)
	return n, err
}

// page reads up to size documents starting at offset. more reports whether
// further documents follow.
func page(ctx context.Context, db *sql.DB, p plan, offset, size int) ([]models.IndexDocument, bool, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY _row LIMIT ? OFFSET ?",
		selectList(p.table), p.table.Table, p.cond)
	args := append(slices.Clone(p.args), size+1, offset)
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var docs []models.IndexDocument
	for rows.Next() {
		doc, err := scanDocument(rows, p.table)
		if err != nil {
			return nil, false, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	if len(docs) > size {
		return docs[:size], true, nil
	}
	return docs, false, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(sc scanner, t sheetTable) (models.IndexDocument, error) {
	var id int64
	values := make([]any, len(t.Schema.Columns))
	dest := make([]any, 0, len(values)+1)
	dest = append(dest, &id)
	for i := range values {
		dest = append(dest, &values[i])
	}
	if err := sc.Scan(dest...); err != nil {
		return models.IndexDocument{}, err
	}
	doc := models.IndexDocument{Sheet: t.Schema.Sheet, RowID: uint32(id), Fields: make([]models.Field, len(values))}
	for i, c := range t.Schema.Columns {
		doc.Fields[i] = models.Field{Name: c.Name, Value: fromSQL(c.Type, values[i])}
	}
	return doc, nil
}

// Row reads one document from the index for key.
func (s *Store) Row(ctx context.Context, key models.IndexKey, sheet string, id uint32) (models.IndexDocument, error) {
	m, conn, err := s.borrow(ctx, key)
	if err != nil {
		return models.IndexDocument{}, err
	}
	defer conn.Release()
	t, err := m.table(sheet)
	if err != nil {
		return models.IndexDocument{}, err
	}

	row := conn.DB().QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE _row = ?", selectList(t), t.Table), int64(id))
	doc, err := scanDocument(row, t)
	if errors.Is(err, sql.ErrNoRows) {
		return doc, fmt.Errorf("%w: %s row %d", models.ErrNotFound, sheet, id)
	}
	return doc, err
}
