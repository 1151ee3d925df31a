// Package schema resolves the column layout of a sheet for a version from
// external, revisioned schema sources.
package schema

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/orian/sheetsmith/cache"
	"github.com/orian/sheetsmith/logger"
	"github.com/orian/sheetsmith/models"
)

// maxWalk bounds the first-parent walk when a sheet is missing at the ideal
// revision.
const maxWalk = 100000

// Source is one named, revisioned schema repository.
type Source interface {
	Name() string

	// Canonicalize resolves a ref (branch, tag or hash) to a revision.
	// Unknown refs return ErrNotFound.
	Canonicalize(ctx context.Context, ref string) (string, error)

	// Sheet reads the sheet's columns at rev. ok is false when rev does not
	// define the sheet.
	Sheet(ctx context.Context, rev, sheet string) (cols []models.Column, ok bool, err error)

	// Parent returns rev's first parent. ok is false at a root revision.
	Parent(ctx context.Context, rev string) (parent string, ok bool, err error)

	// Sync fetches new revisions and reports whether anything changed.
	Sync(ctx context.Context) (changed bool, err error)
}

// Specifier names a source and a ref within it: "source@ref". Either part
// may be empty to use the configured default.
type Specifier struct {
	Source string
	Ref    string
}

func ParseSpecifier(s string) Specifier {
	source, ref, found := strings.Cut(strings.TrimSpace(s), "@")
	if !found {
		return Specifier{Source: source}
	}
	return Specifier{Source: source, Ref: ref}
}

func (s Specifier) String() string {
	if s.Ref == "" {
		return s.Source
	}
	return s.Source + "@" + s.Ref
}

type Options struct {
	// Default is the source used when a specifier names none.
	Default string

	// DefaultRef is the ref used when neither the version nor the
	// template provides one.
	DefaultRef string

	// VersionRefTemplate names a per-version ref; "{version}" is replaced
	// with the version's game version.
	VersionRefTemplate string

	CacheSize int
	Logger    *logger.Logger
}

type cacheKey struct {
	source string
	rev    string
	sheet  string
}

// Provider resolves sheet schemas across its sources.
type Provider struct {
	sources map[string]Source
	opts    Options
	cache   *cache.Cache[cacheKey, models.SheetSchema]
	log     *logger.Logger
}

func NewProvider(opts Options, sources ...Source) (*Provider, error) {
	if len(sources) == 0 {
		return nil, errors.New("no schema sources configured")
	}
	if opts.CacheSize < 1 {
		opts.CacheSize = 1024
	}
	if opts.DefaultRef == "" {
		opts.DefaultRef = "HEAD"
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	p := &Provider{
		sources: make(map[string]Source, len(sources)),
		opts:    opts,
		log:     opts.Logger.With("component", "schema"),
	}
	for _, s := range sources {
		if _, dup := p.sources[s.Name()]; dup {
			return nil, fmt.Errorf("duplicate schema source %q", s.Name())
		}
		p.sources[s.Name()] = s
	}
	if p.opts.Default == "" {
		p.opts.Default = sources[0].Name()
	}
	if _, ok := p.sources[p.opts.Default]; !ok {
		return nil, fmt.Errorf("default schema source %q is not configured", p.opts.Default)
	}
	c, err := cache.New[cacheKey, models.SheetSchema]("schema", opts.CacheSize)
	if err != nil {
		return nil, err
	}
	p.cache = c
	return p, nil
}

// Sources lists the configured source names.
func (p *Provider) Sources() []string {
	names := make([]string, 0, len(p.sources))
	for n := range p.sources {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (p *Provider) source(name string) (Source, error) {
	if name == "" {
		name = p.opts.Default
	}
	s, ok := p.sources[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown schema source %q", models.ErrSchemaUnavailable, name)
	}
	return s, nil
}

// Canonicalize resolves spec for version to a concrete source and revision.
// The ref is, in order: the one named by spec, the version's pinned ref, the
// version's templated ref when it exists, and the default ref.
func (p *Provider) Canonicalize(ctx context.Context, spec string, version *models.Version) (Specifier, error) {
	s := ParseSpecifier(spec)
	src, err := p.source(s.Source)
	if err != nil {
		return Specifier{}, err
	}

	ref := s.Ref
	if ref == "" && version != nil && version.SchemaRef != "" {
		// A pin is either a bare ref or "source@ref"; pins for other sources
		// do not apply.
		if source, pinned, ok := strings.Cut(version.SchemaRef, "@"); !ok {
			ref = version.SchemaRef
		} else if source == "" || source == src.Name() {
			ref = pinned
		}
	}
	if ref == "" && version != nil && p.opts.VersionRefTemplate != "" {
		if gv := version.GameVersion(); gv != "" {
			candidate := strings.ReplaceAll(p.opts.VersionRefTemplate, "{version}", gv)
			rev, err := src.Canonicalize(ctx, candidate)
			if err == nil {
				return Specifier{Source: src.Name(), Ref: rev}, nil
			}
			if !errors.Is(err, models.ErrNotFound) {
				return Specifier{}, err
			}
		}
	}
	if ref == "" {
		ref = p.opts.DefaultRef
	}

	rev, err := src.Canonicalize(ctx, ref)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return Specifier{}, fmt.Errorf("%w: %s has no ref %q", models.ErrSchemaUnavailable, src.Name(), ref)
		}
		return Specifier{}, err
	}
	return Specifier{Source: src.Name(), Ref: rev}, nil
}

// Resolve returns the layout of sheet for version. When the ideal revision
// does not define the sheet, the nearest first-parent ancestor that does is
// used. Resolution never leaves the source it started in.
func (p *Provider) Resolve(ctx context.Context, sheet string, version *models.Version, spec string) (models.SheetSchema, error) {
	canonical, err := p.Canonicalize(ctx, spec, version)
	if err != nil {
		return models.SheetSchema{}, err
	}
	return p.ResolveAt(ctx, sheet, canonical)
}

// ResolveAt resolves sheet starting from an already canonical specifier.
func (p *Provider) ResolveAt(ctx context.Context, sheet string, canonical Specifier) (models.SheetSchema, error) {
	src, err := p.source(canonical.Source)
	if err != nil {
		return models.SheetSchema{}, err
	}
	key := cacheKey{source: src.Name(), rev: canonical.Ref, sheet: sheet}
	return p.cache.GetOrLoad(key, func() (models.SheetSchema, error) {
		return p.walk(ctx, src, sheet, canonical.Ref)
	})
}

func (p *Provider) walk(ctx context.Context, src Source, sheet, ideal string) (models.SheetSchema, error) {
	rev := ideal
	for i := 0; i < maxWalk; i++ {
		if err := ctx.Err(); err != nil {
			return models.SheetSchema{}, err
		}
		cols, ok, err := src.Sheet(ctx, rev, sheet)
		if err != nil {
			return models.SheetSchema{}, err
		}
		if ok {
			if rev != ideal {
				p.log.Debug("schema fell back to an earlier revision", "sheet", sheet, "ideal", ideal, "used", rev, "steps", i)
			}
			return models.SheetSchema{Sheet: sheet, Source: src.Name(), Ref: rev, Ideal: ideal, Columns: cols}, nil
		}
		parent, ok, err := src.Parent(ctx, rev)
		if err != nil {
			return models.SheetSchema{}, err
		}
		if !ok {
			break
		}
		rev = parent
	}
	return models.SheetSchema{}, fmt.Errorf("%w: no revision of %s at or before %s defines %s",
		models.ErrSchemaUnavailable, src.Name(), short(ideal), sheet)
}

// Sync fetches every source and returns the names of those that changed.
// Cached resolutions are purged when any source changed. Failures are
// returned after all sources were tried.
func (p *Provider) Sync(ctx context.Context) ([]string, error) {
	var (
		errs    []error
		changed []string
	)
	for _, name := range p.Sources() {
		c, err := p.sources[name].Sync(ctx)
		if err != nil {
			p.log.Warn("schema sync failed", "source", name, "error", err)
			errs = append(errs, fmt.Errorf("sync %s: %w", name, err))
			continue
		}
		if c {
			changed = append(changed, name)
		}
	}
	if len(changed) > 0 {
		p.cache.Purge()
		p.log.Info("schema sources changed, cache purged", "sources", changed)
	}
	return changed, errors.Join(errs...)
}

func short(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
