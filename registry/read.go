package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/orian/sheetsmith/events"
	"github.com/orian/sheetsmith/format"
	"github.com/orian/sheetsmith/materialize"
	"github.com/orian/sheetsmith/models"
	"github.com/orian/sheetsmith/schema"
	"github.com/orian/sheetsmith/search"
)

var errPageEnd = errors.New("end of page")

// RowResult is one row projected through a schema.
type RowResult struct {
	Version  models.VersionKey    `json:"version"`
	Schema   models.SheetSchema   `json:"schema"`
	Document models.IndexDocument `json:"document"`
}

type SearchRequest struct {
	// Sheets limits the search; empty searches every indexed sheet.
	Sheets []string
	Query  string
	Offset int
	Limit  int
}

type SearchResult struct {
	Index     models.SearchIndex     `json:"index"`
	Documents []models.IndexDocument `json:"documents"`
	// Next is the offset of the following page, nil on the last one.
	Next *int `json:"next,omitempty"`
}

// readable returns the record of a version that has published data.
func (r *Registry) readable(nameOrKey string) (*models.Version, error) {
	key, err := r.Resolve(nameOrKey)
	if err != nil {
		return nil, err
	}
	v, ok := r.lookup(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownVersion, nameOrKey)
	}
	if v.Generation == 0 {
		return nil, fmt.Errorf("%w: %s has no published data", models.ErrNotReady, key)
	}
	return v, nil
}

// Sheets lists the sheets of a version.
func (r *Registry) Sheets(nameOrKey string) ([]string, error) {
	v, err := r.readable(nameOrKey)
	if err != nil {
		return nil, err
	}
	snap, err := r.deps.Versions.Acquire(v.Key)
	if err != nil {
		return nil, err
	}
	defer snap.Release()
	return snap.Sheets()
}

// ReadRow returns one row of sheet projected through the schema spec
// resolves to for the version.
func (r *Registry) ReadRow(ctx context.Context, nameOrKey, sheet string, id uint32, spec string) (*RowResult, error) {
	v, err := r.readable(nameOrKey)
	if err != nil {
		return nil, err
	}
	snap, err := r.deps.Versions.Acquire(v.Key)
	if err != nil {
		return nil, err
	}
	defer snap.Release()

	fields, err := r.row(snap, sheet, id)
	if err != nil {
		return nil, err
	}
	s, err := r.deps.Schemas.Resolve(ctx, sheet, v, spec)
	if err != nil {
		return nil, err
	}
	doc, err := schema.Project(s, id, fields)
	if err != nil {
		return nil, err
	}
	return &RowResult{Version: v.Key, Schema: s, Document: doc}, nil
}

// row reads through the page cache. Pages are keyed by generation, so a
// cached page never outlives the data it was read from.
func (r *Registry) row(snap *materialize.Snapshot, sheet string, id uint32) ([]format.Value, error) {
	per := uint32(r.opts.PageRows)
	key := pageKey{version: snap.Key, generation: snap.Generation, sheet: sheet, page: id / per}
	rows, err := r.pages.GetOrLoad(key, func() ([]row, error) {
		var rows []row
		err := snap.Rows(sheet, key.page*per, func(id uint32, fields []format.Value) error {
			if id/per != key.page {
				return errPageEnd
			}
			rows = append(rows, row{id: id, fields: fields})
			return nil
		})
		if err != nil && !errors.Is(err, errPageEnd) {
			return nil, err
		}
		return rows, nil
	})
	if err != nil {
		return nil, err
	}
	i := sort.Search(len(rows), func(i int) bool { return rows[i].id >= id })
	if i == len(rows) || rows[i].id != id {
		return nil, fmt.Errorf("%w: %s row %d", models.ErrNotFound, sheet, id)
	}
	return rows[i].fields, nil
}

// Asset is a file or texture of a version as stored, without re-encoding.
// Textures carry their pixel layout alongside the raw pixel bytes.
type Asset struct {
	Version models.VersionKey
	Path    string
	Kind    format.Kind
	Data    []byte
	Width   int
	Height  int
	Pixels  format.PixelFormat
}

// ReadAsset returns the asset stored at path. Files take precedence over
// textures of the same path.
func (r *Registry) ReadAsset(nameOrKey, path string) (*Asset, error) {
	v, err := r.readable(nameOrKey)
	if err != nil {
		return nil, err
	}
	snap, err := r.deps.Versions.Acquire(v.Key)
	if err != nil {
		return nil, err
	}
	defer snap.Release()

	data, err := snap.File(path)
	if err == nil {
		return &Asset{Version: v.Key, Path: path, Kind: format.KindFile, Data: data}, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	tex, err := snap.Texture(path)
	if err != nil {
		return nil, err
	}
	return &Asset{
		Version: v.Key,
		Path:    path,
		Kind:    format.KindTexture,
		Data:    tex.Pixels,
		Width:   int(tex.Width),
		Height:  int(tex.Height),
		Pixels:  tex.Format,
	}, nil
}

func (r *Registry) indexKey(ctx context.Context, v *models.Version, spec string) (models.IndexKey, error) {
	canonical, err := r.deps.Schemas.Canonicalize(ctx, spec, v)
	if err != nil {
		return models.IndexKey{}, err
	}
	return models.IndexKey{Version: v.Key, Schema: canonical.String()}, nil
}

// EnsureIndex makes sure an index of the version exists for spec, or
// rebuilds it when rebuild is set.
func (r *Registry) EnsureIndex(ctx context.Context, nameOrKey, spec string, rebuild bool) (*search.Ticket, error) {
	v, err := r.readable(nameOrKey)
	if err != nil {
		return nil, err
	}
	key, err := r.indexKey(ctx, v, spec)
	if err != nil {
		return nil, err
	}
	var ticket *search.Ticket
	if rebuild {
		ticket, err = r.deps.Indexes.Rebuild(ctx, key.Version, key.Schema)
	} else {
		ticket, err = r.deps.Indexes.EnsureIndex(ctx, key.Version, key.Schema)
	}
	if err != nil {
		return nil, err
	}
	r.watch(ticket)
	return ticket, nil
}

// Indexes lists the indexes of a version.
func (r *Registry) Indexes(nameOrKey string) ([]models.SearchIndex, error) {
	key, err := r.Resolve(nameOrKey)
	if err != nil {
		return nil, err
	}
	return r.deps.Indexes.List(key), nil
}

// serving picks the index a search for key runs against. While key has no
// servable index, for example right after its schema source moved to a new
// revision, the newest index of the same version and source answers marked
// stale. The first search of a key nobody asked for yet starts its build.
func (r *Registry) serving(ctx context.Context, key models.IndexKey) (models.IndexKey, error) {
	_, err := r.deps.Indexes.Status(key)
	if err == nil {
		return key, nil
	}
	if _, ok := r.deps.Indexes.Get(key); !ok {
		ticket, terr := r.deps.Indexes.EnsureIndex(ctx, key.Version, key.Schema)
		if terr != nil {
			return models.IndexKey{}, terr
		}
		r.watch(ticket)
		err = fmt.Errorf("%w: %s", models.ErrBuildInProgress, key)
	}
	prev, ok := r.deps.Indexes.Latest(key.Version, schema.ParseSpecifier(key.Schema).Source)
	if !ok {
		return models.IndexKey{}, err
	}
	if prev.State != models.IndexStale {
		r.deps.Indexes.MarkStale(prev.Key)
		r.emit(events.New(events.IndexStale, prev.Key.Version, prev.Key.Schema, "superseded by "+key.Schema))
	}
	r.log.Debug("serving previous index", "index", key.String(), "serving", prev.Key.String(), "reason", err)
	return prev.Key, nil
}

// Search runs query against the version's index for spec. The first search
// of an index nobody asked for yet starts its build and reports
// ErrBuildInProgress unless an earlier index of the same schema source can
// answer in the meantime.
func (r *Registry) Search(ctx context.Context, nameOrKey, spec string, req SearchRequest) (*SearchResult, error) {
	v, err := r.readable(nameOrKey)
	if err != nil {
		return nil, err
	}
	key, err := r.indexKey(ctx, v, spec)
	if err != nil {
		return nil, err
	}
	key, err = r.serving(ctx, key)
	if err != nil {
		return nil, err
	}

	where, err := search.ParseQuery(req.Query)
	if err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = r.opts.SearchLimit
	}
	q := search.Query{Sheets: req.Sheets, Where: where, Offset: req.Offset, Limit: limit + 1}
	docs := make([]models.IndexDocument, 0, limit)
	for doc, err := range r.deps.Indexes.Query(ctx, key, q) {
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}

	res := &SearchResult{Documents: docs}
	res.Index, _ = r.deps.Indexes.Get(key)
	if len(docs) > limit {
		res.Documents = docs[:limit]
		next := req.Offset + limit
		res.Next = &next
	}
	return res, nil
}
