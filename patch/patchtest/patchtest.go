// Package patchtest serves patch containers over HTTP for tests.
package patchtest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/orian/sheetsmith/format"
	"github.com/orian/sheetsmith/models"
	"github.com/stretchr/testify/require"
)

// Encode builds a container holding recs.
func Encode(t testing.TB, recs ...format.Record) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := format.NewWriter(&buf)
	require.NoError(t, err)
	for _, r := range recs {
		require.NoError(t, w.Write(r))
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// Server is an httptest server hosting patch files with fault injection.
type Server struct {
	*httptest.Server

	mu      sync.Mutex
	files   map[string][]byte
	hits    map[string]int
	fail    map[string]int
	corrupt map[string]int
	gates   map[string]chan struct{}
}

func NewServer(t testing.TB) *Server {
	s := &Server{
		files:   make(map[string][]byte),
		hits:    make(map[string]int),
		fail:    make(map[string]int),
		corrupt: make(map[string]int),
		gates:   make(map[string]chan struct{}),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func urlPath(repo, name string) string {
	return "/" + repo + "/" + name + ".patch"
}

// Add hosts a patch built from recs and returns its ref.
func (s *Server) Add(t testing.TB, repo string, seq int, name string, recs ...format.Record) models.PatchRef {
	t.Helper()
	return s.AddRaw(repo, seq, name, Encode(t, recs...))
}

// AddRaw hosts data as a patch file.
func (s *Server) AddRaw(repo string, seq int, name string, data []byte) models.PatchRef {
	sum := sha256.Sum256(data)
	p := urlPath(repo, name)
	s.mu.Lock()
	s.files[p] = data
	s.mu.Unlock()
	return models.PatchRef{
		Repository: repo,
		Sequence:   seq,
		Name:       name,
		URLs:       []string{s.URL + p},
		Size:       int64(len(data)),
		Checksum:   hex.EncodeToString(sum[:]),
	}
}

// Remove stops hosting ref; requests then get 404.
func (s *Server) Remove(ref models.PatchRef) {
	s.mu.Lock()
	delete(s.files, urlPath(ref.Repository, ref.Name))
	s.mu.Unlock()
}

// FailNext makes the next n requests for ref return 503.
func (s *Server) FailNext(ref models.PatchRef, n int) {
	s.mu.Lock()
	s.fail[urlPath(ref.Repository, ref.Name)] = n
	s.mu.Unlock()
}

// CorruptNext makes the next n requests for ref return flipped bytes.
func (s *Server) CorruptNext(ref models.PatchRef, n int) {
	s.mu.Lock()
	s.corrupt[urlPath(ref.Repository, ref.Name)] = n
	s.mu.Unlock()
}

// Hold blocks requests for ref until the returned function is called.
func (s *Server) Hold(ref models.PatchRef) (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.gates[urlPath(ref.Repository, ref.Name)] = ch
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.gates, urlPath(ref.Repository, ref.Name))
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Hits counts requests for ref, including failed ones.
func (s *Server) Hits(ref models.PatchRef) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[urlPath(ref.Repository, ref.Name)]
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Path
	s.mu.Lock()
	s.hits[p]++
	gate := s.gates[p]
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	s.mu.Lock()
	data, ok := s.files[p]
	failing := s.fail[p] > 0
	if failing {
		s.fail[p]--
	}
	corrupt := s.corrupt[p] > 0
	if corrupt {
		s.corrupt[p]--
	}
	s.mu.Unlock()

	switch {
	case !ok || !strings.HasSuffix(p, ".patch"):
		http.NotFound(w, r)
		return
	case failing:
		http.Error(w, "try again", http.StatusServiceUnavailable)
		return
	}
	if corrupt {
		data = append([]byte(nil), data...)
		data[len(data)/2] ^= 0xff
	}
	_, _ = w.Write(data)
}
