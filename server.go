package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/orian/sheetsmith/format"
	"github.com/orian/sheetsmith/logger"
	"github.com/orian/sheetsmith/models"
	"github.com/orian/sheetsmith/registry"
	"github.com/orian/sheetsmith/search"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is what the HTTP API needs from the version registry.
type Registry interface {
	Ready() bool
	List() ([]*models.Version, error)
	Get(nameOrKey string) (*models.Version, error)
	Resolve(nameOrKey string) (models.VersionKey, error)
	RequestProvision(ctx context.Context, key models.VersionKey, chain []models.PatchRef) (*registry.Operation, error)
	Names() ([]*models.VersionName, error)
	SetName(name, nameOrKey string) (*models.VersionName, error)
	RemoveName(name string) error
	Sheets(nameOrKey string) ([]string, error)
	ReadRow(ctx context.Context, nameOrKey, sheet string, id uint32, spec string) (*registry.RowResult, error)
	EnsureIndex(ctx context.Context, nameOrKey, spec string, rebuild bool) (*search.Ticket, error)
	Indexes(nameOrKey string) ([]models.SearchIndex, error)
	Search(ctx context.Context, nameOrKey, spec string, req registry.SearchRequest) (*registry.SearchResult, error)
	ReadAsset(nameOrKey, path string) (*registry.Asset, error)
	PruneAssets() ([]string, error)
}

// NameHistorian is implemented by storages that record name moves.
type NameHistorian interface {
	NameHistory(name string) ([]*models.VersionName, error)
}

// Server handles HTTP requests against the registry.
type Server struct {
	registry Registry
	history  NameHistorian
	log      *logger.Logger
}

func NewServer(reg Registry, history NameHistorian, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	return &Server{
		registry: reg,
		history:  history,
		log:      log.With("component", "http"),
	}
}

// errBadRequest marks input errors found by handlers.
var errBadRequest = errors.New("bad request")

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, models.ErrQueryMismatch),
		errors.Is(err, models.ErrChainUnsatisfiable):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrUnknownVersion),
		errors.Is(err, models.ErrUnknownSheet),
		errors.Is(err, models.ErrNotFound),
		errors.Is(err, models.ErrSchemaUnavailable):
		return http.StatusNotFound
	case errors.Is(err, models.ErrNotExtension):
		return http.StatusConflict
	case errors.Is(err, models.ErrNotReady),
		errors.Is(err, models.ErrBuildInProgress),
		errors.Is(err, registry.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health/live", s.handleLive)
	r.Get("/health/ready", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Get("/versions", s.handleListVersions)
		r.Post("/versions", s.handleCreateVersion)
		r.Route("/versions/{version}", func(r chi.Router) {
			r.Get("/", s.handleGetVersion)
			r.Post("/provision", s.handleProvision)
			r.Get("/sheets", s.handleListSheets)
			r.Get("/sheets/{sheet}/{row}", s.handleReadRow)
			r.Get("/indexes", s.handleListIndexes)
			r.Post("/index", s.handleEnsureIndex)
			r.Get("/search", s.handleSearch)
			r.Get("/assets/*", s.handleReadAsset)
		})

		r.Get("/names", s.handleListNames)
		r.Put("/names/{name}", s.handleSetName)
		r.Delete("/names/{name}", s.handleRemoveName)
		r.Get("/names/{name}/history", s.handleNameHistory)

		r.Post("/assets/prune", s.handlePrune)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.log.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("OK"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if !s.registry.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("PENDING"))
		return
	}
	w.Write([]byte("READY"))
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.registry.List()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if versions == nil {
		versions = []*models.Version{}
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.registry.Get(chi.URLParam(r, "version"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type provisionRequest struct {
	Chain []models.PatchRef `json:"chain"`
}

// handleCreateVersion provisions a chain under the key derived from it.
func (s *Server) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	s.provision(w, r, "", req.Chain)
}

// handleProvision extends an existing version, or creates one under an
// explicit key.
func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	param := chi.URLParam(r, "version")
	key, err := s.registry.Resolve(param)
	if err != nil {
		if !errors.Is(err, models.ErrUnknownVersion) || !models.LooksLikeKey(param) {
			s.writeError(w, r, err)
			return
		}
		key = models.VersionKey(param)
	}
	s.provision(w, r, key, req.Chain)
}

// provision answers 202 while the work runs. With wait=true the response
// is sent once provisioning finished.
func (s *Server) provision(w http.ResponseWriter, r *http.Request, key models.VersionKey, chain []models.PatchRef) {
	op, err := s.registry.RequestProvision(r.Context(), key, chain)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		v, err := op.Wait(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, v)
		return
	}

	v, err := s.registry.Get(string(op.Key))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusAccepted
	select {
	case <-op.Done():
		status = http.StatusOK
	default:
	}
	writeJSON(w, status, v)
}

func (s *Server) handleListSheets(w http.ResponseWriter, r *http.Request) {
	sheets, err := s.registry.Sheets(chi.URLParam(r, "version"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if sheets == nil {
		sheets = []string{}
	}
	writeJSON(w, http.StatusOK, sheets)
}

// handleReadAsset writes the stored bytes of an asset. Textures are sent as
// raw pixels described by the X-Texture-* headers.
func (s *Server) handleReadAsset(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")
	if path == "" {
		s.writeError(w, r, fmt.Errorf("%w: asset path required", errBadRequest))
		return
	}
	a, err := s.registry.ReadAsset(chi.URLParam(r, "version"), path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Length", strconv.Itoa(len(a.Data)))
	h.Set("X-Asset-Kind", a.Kind.Tag())
	if a.Kind == format.KindTexture {
		h.Set("X-Texture-Width", strconv.Itoa(a.Width))
		h.Set("X-Texture-Height", strconv.Itoa(a.Height))
		h.Set("X-Texture-Format", a.Pixels.String())
	}
	w.WriteHeader(http.StatusOK)
	w.Write(a.Data)
}

func (s *Server) handleReadRow(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "row"), 10, 32)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	res, err := s.registry.ReadRow(r.Context(), chi.URLParam(r, "version"), chi.URLParam(r, "sheet"),
		uint32(id), r.URL.Query().Get("schema"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListIndexes(w http.ResponseWriter, r *http.Request) {
	indexes, err := s.registry.Indexes(chi.URLParam(r, "version"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, indexes)
}

func (s *Server) handleEnsureIndex(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rebuild, _ := strconv.ParseBool(q.Get("rebuild"))
	ticket, err := s.registry.EnsureIndex(r.Context(), chi.URLParam(r, "version"), q.Get("schema"), rebuild)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	idx := ticket.Current()
	status := http.StatusOK
	if idx.State == models.IndexBuilding {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]interface{}{
		"index":      idx,
		"inProgress": ticket.InProgress(),
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := registry.SearchRequest{Query: q.Get("q")}
	if sheets := q.Get("sheets"); sheets != "" {
		req.Sheets = strings.Split(sheets, ",")
	}
	for name, dst := range map[string]*int{"offset": &req.Offset, "limit": &req.Limit} {
		if raw := q.Get(name); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				s.writeError(w, r, fmt.Errorf("%w: invalid %s", errBadRequest, name))
				return
			}
			*dst = n
		}
	}

	res, err := s.registry.Search(r.Context(), chi.URLParam(r, "version"), q.Get("schema"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListNames(w http.ResponseWriter, r *http.Request) {
	names, err := s.registry.Names()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if names == nil {
		names = []*models.VersionName{}
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) handleSetName(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	name := chi.URLParam(r, "name")
	if err := models.ValidateName(name); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if (&models.VersionName{Name: name}).IsSystemName() {
		s.writeError(w, r, fmt.Errorf("%w: name %s is maintained by the service", errBadRequest, name))
		return
	}
	n, err := s.registry.SetName(name, req.Version)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleRemoveName(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if (&models.VersionName{Name: name}).IsSystemName() {
		s.writeError(w, r, fmt.Errorf("%w: name %s is maintained by the service", errBadRequest, name))
		return
	}
	if err := s.registry.RemoveName(name); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNameHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, r, models.ErrNotFound)
		return
	}
	history, err := s.history.NameHistory(chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if history == nil {
		history = []*models.VersionName{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	removed, err := s.registry.PruneAssets()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if removed == nil {
		removed = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"removed": removed})
}
