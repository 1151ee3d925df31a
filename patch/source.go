package patch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/orian/sheetsmith/logger"
	"github.com/orian/sheetsmith/models"
)

// Source lists the patches of an upstream repository, oldest first, with
// sequences assigned from zero.
type Source interface {
	Patches(ctx context.Context, repository string) ([]models.PatchRef, error)
}

const repositoryQuery = `query RepositoryQuery($repository: String!) {
  repository(slug: $repository) {
    latestVersion { versionString }
    versions {
      versionString
      isActive
      prerequisiteVersions { versionString }
      patches { url size }
    }
  }
}`

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphQLResponse struct {
	Data *struct {
		Repository *repositoryData `json:"repository"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

type repositoryData struct {
	LatestVersion struct {
		VersionString string `json:"versionString"`
	} `json:"latestVersion"`
	Versions []upstreamVersion `json:"versions"`
}

type upstreamVersion struct {
	VersionString        string `json:"versionString"`
	IsActive             bool   `json:"isActive"`
	PrerequisiteVersions []struct {
		VersionString string `json:"versionString"`
	} `json:"prerequisiteVersions"`
	Patches []struct {
		URL  string `json:"url"`
		Size int64  `json:"size"`
	} `json:"patches"`
}

// HTTPSource reads patch lists from a GraphQL patch-list service.
type HTTPSource struct {
	endpoint string
	timeout  time.Duration
	client   *retryablehttp.Client
	log      *logger.Logger

	// overrides is repository -> version -> next (older) version.
	overrides map[string]map[string]string
}

// NewHTTPSource creates a source for endpoint. overrides maps repository to
// version to the version that must follow it when walking back from latest.
func NewHTTPSource(endpoint string, timeout time.Duration, overrides map[string]map[string]string, log *logger.Logger) *HTTPSource {
	if log == nil {
		log = logger.Nop()
	}
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = log
	if overrides == nil {
		overrides = map[string]map[string]string{}
	}
	return &HTTPSource{
		endpoint:  endpoint,
		timeout:   timeout,
		client:    client,
		log:       log.With("component", "upstream"),
		overrides: overrides,
	}
}

func (s *HTTPSource) Patches(ctx context.Context, repository string) ([]models.PatchRef, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	data, err := s.query(ctx, repository)
	if err != nil {
		return nil, err
	}
	return s.walk(repository, data)
}

func (s *HTTPSource) query(ctx context.Context, repository string) (*repositoryData, error) {
	body, err := json.Marshal(graphQLRequest{
		Query:     repositoryQuery,
		Variables: map[string]any{"repository": repository},
	})
	if err != nil {
		return nil, err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: query patch list for %s: %v", models.ErrUnavailable, repository, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: patch list for %s: %s", models.ErrUnavailable, repository, resp.Status)
	}

	var out graphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode patch list for %s: %v", models.ErrUnavailable, repository, err)
	}
	if len(out.Errors) > 0 {
		return nil, fmt.Errorf("%w: patch list for %s: %s", models.ErrUnavailable, repository, out.Errors[0].Message)
	}
	if out.Data == nil || out.Data.Repository == nil {
		return nil, fmt.Errorf("%w: no data for repository %q", models.ErrUnavailable, repository)
	}
	return out.Data.Repository, nil
}

// walk follows prerequisites from the latest version. An override for the
// current version wins; otherwise the newest active, unvisited prerequisite
// is chosen.
func (s *HTTPSource) walk(repository string, data *repositoryData) ([]models.PatchRef, error) {
	versions := make(map[string]*upstreamVersion, len(data.Versions))
	for i := range data.Versions {
		versions[data.Versions[i].VersionString] = &data.Versions[i]
	}
	overrides := s.overrides[repository]

	var chain []models.PatchRef
	seen := make(map[string]bool)
	next := versions[data.LatestVersion.VersionString]

	for next != nil {
		version := next
		next = nil
		seen[version.VersionString] = true

		if len(version.Patches) == 0 {
			return nil, fmt.Errorf("%w: no patches for version %s", models.ErrChainUnsatisfiable, version.VersionString)
		}
		if len(version.Patches) > 1 {
			s.log.Warn("received more than one patch in a version", "repository", repository, "version", version.VersionString)
		}
		patch := version.Patches[0]
		chain = append(chain, models.PatchRef{
			Repository: repository,
			Name:       version.VersionString,
			URLs:       []string{patch.URL},
			Size:       patch.Size,
		})

		if name, ok := overrides[version.VersionString]; ok {
			if v, ok := versions[name]; ok {
				next = v
				continue
			}
			s.log.Warn("next version override not found, falling back to default behavior",
				"current", version.VersionString, "next", name)
		}

		var active []*upstreamVersion
		for _, pre := range version.PrerequisiteVersions {
			v, ok := versions[pre.VersionString]
			if !ok || seen[pre.VersionString] || !v.IsActive {
				continue
			}
			active = append(active, v)
		}
		sort.Slice(active, func(i, j int) bool {
			return active[i].VersionString > active[j].VersionString
		})
		if len(active) > 0 {
			next = active[0]
		}
	}

	// A patch-list service that has lost track of active versions tends to
	// return just the newest patch. No real repository has a single patch
	// once released, so treat that as an outage.
	if len(chain) <= 1 {
		return nil, fmt.Errorf("%w: single-patch chain for %s", models.ErrUnavailable, repository)
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	for i := range chain {
		chain[i].Sequence = i
	}
	return chain, nil
}

// StaticSource serves fixed patch lists. It is used for offline operation
// and tests.
type StaticSource map[string][]models.PatchRef

func (s StaticSource) Patches(_ context.Context, repository string) ([]models.PatchRef, error) {
	refs, ok := s[repository]
	if !ok {
		return nil, fmt.Errorf("%w: repository %q", models.ErrNotFound, repository)
	}
	return append([]models.PatchRef(nil), refs...), nil
}

// ChainFor concatenates the patch lists of repositories, in order.
func ChainFor(ctx context.Context, src Source, repositories []string) ([]models.PatchRef, error) {
	if len(repositories) == 0 {
		return nil, errors.New("no repositories configured")
	}
	var chain []models.PatchRef
	for _, repo := range repositories {
		refs, err := src.Patches(ctx, repo)
		if err != nil {
			return nil, err
		}
		chain = append(chain, refs...)
	}
	return chain, models.ValidateChain(chain)
}
