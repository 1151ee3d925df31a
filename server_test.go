package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/orian/sheetsmith/format"
	"github.com/orian/sheetsmith/models"
	"github.com/orian/sheetsmith/registry"
	"github.com/orian/sheetsmith/search"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const readyKey = models.VersionKey("0123456789abcdef")

type fakeRegistry struct {
	ready    bool
	versions map[models.VersionKey]*models.Version
	names    map[string]models.VersionKey

	provisionErr error
	provisioned  []models.PatchRef
	searchReq    registry.SearchRequest
	pruned       []string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		ready: true,
		versions: map[models.VersionKey]*models.Version{
			readyKey: {Key: readyKey, State: models.VersionReady, Generation: 1, Chain: testChain(1)},
		},
		names: map[string]models.VersionKey{models.LatestName: readyKey},
	}
}

func (f *fakeRegistry) Ready() bool { return f.ready }

func (f *fakeRegistry) List() ([]*models.Version, error) {
	var out []*models.Version
	for _, v := range f.versions {
		out = append(out, v)
	}
	return out, nil
}

func (f *fakeRegistry) Resolve(nameOrKey string) (models.VersionKey, error) {
	if key, ok := f.names[nameOrKey]; ok {
		return key, nil
	}
	if _, ok := f.versions[models.VersionKey(nameOrKey)]; ok {
		return models.VersionKey(nameOrKey), nil
	}
	return "", fmt.Errorf("%w: %s", models.ErrUnknownVersion, nameOrKey)
}

func (f *fakeRegistry) Get(nameOrKey string) (*models.Version, error) {
	key, err := f.Resolve(nameOrKey)
	if err != nil {
		return nil, err
	}
	return f.versions[key], nil
}

func (f *fakeRegistry) RequestProvision(ctx context.Context, key models.VersionKey, chain []models.PatchRef) (*registry.Operation, error) {
	if f.provisionErr != nil {
		return nil, f.provisionErr
	}
	if key == "" {
		key = models.KeyForChain(chain)
	}
	f.provisioned = chain
	v := &models.Version{Key: key, State: models.VersionReady, Generation: 1, Chain: chain, Target: chain}
	f.versions[key] = v
	return registry.Finished(v, nil), nil
}

func (f *fakeRegistry) Names() ([]*models.VersionName, error) {
	var out []*models.VersionName
	for n, k := range f.names {
		out = append(out, &models.VersionName{Name: n, Version: k})
	}
	return out, nil
}

func (f *fakeRegistry) SetName(name, nameOrKey string) (*models.VersionName, error) {
	key, err := f.Resolve(nameOrKey)
	if err != nil {
		return nil, err
	}
	f.names[name] = key
	return &models.VersionName{Name: name, Version: key}, nil
}

func (f *fakeRegistry) RemoveName(name string) error {
	if _, ok := f.names[name]; !ok {
		return models.ErrNotFound
	}
	delete(f.names, name)
	return nil
}

func (f *fakeRegistry) Sheets(nameOrKey string) ([]string, error) {
	if _, err := f.Resolve(nameOrKey); err != nil {
		return nil, err
	}
	return []string{"Item"}, nil
}

func (f *fakeRegistry) ReadRow(ctx context.Context, nameOrKey, sheet string, id uint32, spec string) (*registry.RowResult, error) {
	key, err := f.Resolve(nameOrKey)
	if err != nil {
		return nil, err
	}
	if sheet != "Item" {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownSheet, sheet)
	}
	if id != 1 {
		return nil, models.ErrNotFound
	}
	return &registry.RowResult{
		Version:  key,
		Document: models.IndexDocument{Sheet: sheet, RowID: id},
	}, nil
}

func (f *fakeRegistry) EnsureIndex(ctx context.Context, nameOrKey, spec string, rebuild bool) (*search.Ticket, error) {
	return nil, fmt.Errorf("%w: %s", models.ErrSchemaUnavailable, spec)
}

func (f *fakeRegistry) Indexes(nameOrKey string) ([]models.SearchIndex, error) {
	key, err := f.Resolve(nameOrKey)
	if err != nil {
		return nil, err
	}
	return []models.SearchIndex{{Key: models.IndexKey{Version: key, Schema: "exd@abc"}, State: models.IndexReady}}, nil
}

func (f *fakeRegistry) Search(ctx context.Context, nameOrKey, spec string, req registry.SearchRequest) (*registry.SearchResult, error) {
	f.searchReq = req
	if spec == "new" {
		return nil, models.ErrBuildInProgress
	}
	if strings.Contains(req.Query, "Missing") {
		return nil, models.ErrQueryMismatch
	}
	next := req.Offset + req.Limit
	return &registry.SearchResult{
		Documents: []models.IndexDocument{{Sheet: "Item", RowID: 1}},
		Next:      &next,
	}, nil
}

func (f *fakeRegistry) ReadAsset(nameOrKey, path string) (*registry.Asset, error) {
	key, err := f.Resolve(nameOrKey)
	if err != nil {
		return nil, err
	}
	switch path {
	case "exd/root.exl":
		return &registry.Asset{Version: key, Path: path, Kind: format.KindFile, Data: []byte("EXLT")}, nil
	case "ui/icon/000001.tex":
		return &registry.Asset{
			Version: key,
			Path:    path,
			Kind:    format.KindTexture,
			Data:    []byte{1, 2, 3, 255},
			Width:   1,
			Height:  1,
			Pixels:  format.PixelRGBA8,
		}, nil
	}
	return nil, fmt.Errorf("%w: asset %s", models.ErrNotFound, path)
}

func (f *fakeRegistry) PruneAssets() ([]string, error) {
	return f.pruned, nil
}

type fakeHistory map[string][]*models.VersionName

func (h fakeHistory) NameHistory(name string) ([]*models.VersionName, error) {
	return h[name], nil
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	reg := newFakeRegistry()
	h := NewServer(reg, nil, nil).Routes()

	rec := do(t, h, http.MethodGet, "/health/live", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "READY", rec.Body.String())

	reg.ready = false
	rec = do(t, h, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "PENDING", rec.Body.String())

	rec = do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestVersionRoutes(t *testing.T) {
	h := NewServer(newFakeRegistry(), nil, nil).Routes()

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantBody   string
	}{
		{name: "list", method: http.MethodGet, path: "/api/versions", wantStatus: http.StatusOK, wantBody: string(readyKey)},
		{name: "get by name", method: http.MethodGet, path: "/api/versions/latest", wantStatus: http.StatusOK, wantBody: `"state":"ready"`},
		{name: "get unknown", method: http.MethodGet, path: "/api/versions/nope", wantStatus: http.StatusNotFound},
		{name: "sheets", method: http.MethodGet, path: "/api/versions/latest/sheets", wantStatus: http.StatusOK, wantBody: `["Item"]`},
		{name: "row", method: http.MethodGet, path: "/api/versions/latest/sheets/Item/1", wantStatus: http.StatusOK, wantBody: `"version":"0123456789abcdef"`},
		{name: "missing row", method: http.MethodGet, path: "/api/versions/latest/sheets/Item/2", wantStatus: http.StatusNotFound},
		{name: "unknown sheet", method: http.MethodGet, path: "/api/versions/latest/sheets/Nope/1", wantStatus: http.StatusNotFound},
		{name: "bad row id", method: http.MethodGet, path: "/api/versions/latest/sheets/Item/x", wantStatus: http.StatusBadRequest},
		{name: "indexes", method: http.MethodGet, path: "/api/versions/latest/indexes", wantStatus: http.StatusOK, wantBody: `"state":"ready"`},
		{name: "index unknown schema", method: http.MethodPost, path: "/api/versions/latest/index?schema=nope", wantStatus: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantBody != "" {
				assert.Contains(t, rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestProvision(t *testing.T) {
	chain, err := json.Marshal(map[string]any{"chain": testChain(2)})
	require.NoError(t, err)

	t.Run("derived key", func(t *testing.T) {
		reg := newFakeRegistry()
		h := NewServer(reg, nil, nil).Routes()

		rec := do(t, h, http.MethodPost, "/api/versions", string(chain))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var v models.Version
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
		assert.Equal(t, models.KeyForChain(testChain(2)), v.Key)
		assert.Len(t, reg.provisioned, 2)
	})

	t.Run("extend by name waits", func(t *testing.T) {
		reg := newFakeRegistry()
		h := NewServer(reg, nil, nil).Routes()

		rec := do(t, h, http.MethodPost, "/api/versions/latest/provision?wait=true", string(chain))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Contains(t, rec.Body.String(), string(readyKey))
	})

	tests := []struct {
		name       string
		path       string
		body       string
		err        error
		wantStatus int
	}{
		{name: "malformed body", path: "/api/versions/latest/provision", body: "{", wantStatus: http.StatusBadRequest},
		{name: "unknown name", path: "/api/versions/beta/provision", body: string(chain), wantStatus: http.StatusNotFound},
		{name: "not an extension", path: "/api/versions/latest/provision", body: string(chain), err: models.ErrNotExtension, wantStatus: http.StatusConflict},
		{name: "empty chain", path: "/api/versions", body: `{"chain":[]}`, err: models.ErrChainUnsatisfiable, wantStatus: http.StatusBadRequest},
		{name: "shut down", path: "/api/versions", body: string(chain), err: registry.ErrClosed, wantStatus: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newFakeRegistry()
			reg.provisionErr = tt.err
			h := NewServer(reg, nil, nil).Routes()

			rec := do(t, h, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
		})
	}
}

func TestSearchRoute(t *testing.T) {
	reg := newFakeRegistry()
	h := NewServer(reg, nil, nil).Routes()

	rec := do(t, h, http.MethodGet, "/api/versions/latest/search?q=Name~%22Shard%22&sheets=Item,Action&offset=10&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, registry.SearchRequest{Sheets: []string{"Item", "Action"}, Query: `Name~"Shard"`, Offset: 10, Limit: 5}, reg.searchReq)

	var res registry.SearchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.NotNil(t, res.Next)
	assert.Equal(t, 15, *res.Next)

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{name: "negative offset", path: "/api/versions/latest/search?offset=-1", wantStatus: http.StatusBadRequest},
		{name: "bad limit", path: "/api/versions/latest/search?limit=x", wantStatus: http.StatusBadRequest},
		{name: "build started", path: "/api/versions/latest/search?schema=new", wantStatus: http.StatusServiceUnavailable},
		{name: "unknown field", path: "/api/versions/latest/search?q=Missing%3D1", wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, tt.path, "")
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
		})
	}
}

func TestNameRoutes(t *testing.T) {
	reg := newFakeRegistry()
	history := fakeHistory{"7.0": {{Name: "7.0", Version: readyKey}}}
	h := NewServer(reg, history, nil).Routes()

	rec := do(t, h, http.MethodPut, "/api/names/7.0", `{"version":"latest"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, readyKey, reg.names["7.0"])

	rec = do(t, h, http.MethodGet, "/api/names", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"7.0"`)

	rec = do(t, h, http.MethodGet, "/api/names/7.0/history", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), string(readyKey))

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{name: "move latest", method: http.MethodPut, path: "/api/names/latest", body: `{"version":"0123456789abcdef"}`, wantStatus: http.StatusBadRequest},
		{name: "remove latest", method: http.MethodDelete, path: "/api/names/latest", wantStatus: http.StatusBadRequest},
		{name: "key shaped name", method: http.MethodPut, path: "/api/names/fedcba9876543210", body: `{"version":"latest"}`, wantStatus: http.StatusBadRequest},
		{name: "unknown target", method: http.MethodPut, path: "/api/names/beta", body: `{"version":"nope"}`, wantStatus: http.StatusNotFound},
		{name: "remove", method: http.MethodDelete, path: "/api/names/7.0", wantStatus: http.StatusNoContent},
		{name: "remove again", method: http.MethodDelete, path: "/api/names/7.0", wantStatus: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
		})
	}
}

func TestAssetRoute(t *testing.T) {
	h := NewServer(newFakeRegistry(), nil, nil).Routes()

	rec := do(t, h, http.MethodGet, "/api/versions/latest/assets/exd/root.exl", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "FILE", rec.Header().Get("X-Asset-Kind"))
	assert.Equal(t, "EXLT", rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/versions/latest/assets/ui/icon/000001.tex", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "TEXR", rec.Header().Get("X-Asset-Kind"))
	assert.Equal(t, "1", rec.Header().Get("X-Texture-Width"))
	assert.Equal(t, "rgba8", rec.Header().Get("X-Texture-Format"))
	assert.Equal(t, []byte{1, 2, 3, 255}, rec.Body.Bytes())

	rec = do(t, h, http.MethodGet, "/api/versions/latest/assets/ui/missing.tex", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/versions/nope/assets/exd/root.exl", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPruneRoute(t *testing.T) {
	reg := newFakeRegistry()
	reg.pruned = []string{"game/000001-p.patch"}
	h := NewServer(reg, nil, nil).Routes()

	rec := do(t, h, http.MethodPost, "/api/assets/prune", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"removed":["game/000001-p.patch"]}`, rec.Body.String())
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", models.ErrUnknownVersion), http.StatusNotFound},
		{models.ErrSchemaUnavailable, http.StatusNotFound},
		{models.ErrNotReady, http.StatusServiceUnavailable},
		{models.ErrNotExtension, http.StatusConflict},
		{models.ErrQueryMismatch, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
