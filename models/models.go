// Package models defines the core data types for sheetsmith, a service that
// provisions every released version of a patched client's data, resolves a
// column schema per sheet and version, and keeps a searchable index in sync.
package models

import (
	"fmt"
	"time"
)

// VersionKey identifies a version. Keys derived from a chain are 16 lowercase
// hex characters; once a version exists its key never changes, even when the
// chain is extended.
type VersionKey string

func (k VersionKey) String() string { return string(k) }

// VersionState is the lifecycle state of a version.
type VersionState string

const (
	VersionUnprovisioned VersionState = "unprovisioned"
	VersionProvisioning  VersionState = "provisioning"
	VersionReady         VersionState = "ready"
	VersionError         VersionState = "error"
)

// Version is the registry's record of one provisioned (or provisioning) version.
type Version struct {
	// Key is the stable identifier of this version.
	Key VersionKey `json:"key"`

	// Chain is the published chain: every patch in it has been applied and is
	// visible to readers. It only ever grows.
	Chain []PatchRef `json:"chain"`

	// Target is the chain this version is heading for. It equals Chain once
	// provisioning has completed; a longer Target on a ready version is an
	// extension in progress or, with LastError set, a failed one.
	Target []PatchRef `json:"target,omitempty"`

	// Location is the version's directory on disk.
	Location string `json:"location"`

	// Generation counts published snapshots of this version.
	Generation uint64 `json:"generation"`

	// State is the lifecycle state.
	State VersionState `json:"state"`

	// LastError describes the last provisioning failure. A version that
	// never became ready is in VersionError; a ready version stays ready
	// and keeps serving its published chain.
	LastError string `json:"lastError,omitempty"`

	// Fatal marks an error that automatic retries must not attempt to clear,
	// such as an unsatisfiable chain.
	Fatal bool `json:"fatal,omitempty"`

	// SchemaRef optionally pins the schema revision used for this version.
	SchemaRef string `json:"schemaRef,omitempty"`

	// LastVerified is when the published chain was last confirmed on disk.
	LastVerified time.Time `json:"lastVerified"`

	// UpdatedAt is when this record was last written.
	UpdatedAt time.Time `json:"updatedAt"`

	// Names lists the names (such as "latest") currently pointing at this version.
	Names []string `json:"names,omitempty"`
}

// GameVersion is the name of the newest patch of the first repository in the
// published chain, or "" for an empty chain.
func (v *Version) GameVersion() string {
	return GameVersion(v.Chain)
}

// PatchState tracks a single patch file through download and application.
type PatchState string

const (
	PatchPending     PatchState = "pending"
	PatchDownloading PatchState = "downloading"
	PatchVerified    PatchState = "verified"
	PatchApplied     PatchState = "applied"
	PatchFailed      PatchState = "failed"
)

// PatchRef identifies one patch file of an upstream repository.
type PatchRef struct {
	Repository string   `json:"repository"`
	Sequence   int      `json:"sequence"`
	Name       string   `json:"name"`
	URLs       []string `json:"urls,omitempty"`
	Size       int64    `json:"size"`
	Checksum   string   `json:"checksum"`
}

// ID is unique within a patch store.
func (p PatchRef) ID() string {
	return fmt.Sprintf("%s/%06d-%s", p.Repository, p.Sequence, p.Name)
}

func (p PatchRef) String() string { return p.ID() }

// SchemaRevision is one fetched revision of an external schema repository.
type SchemaRevision struct {
	Source    string    `json:"source"`
	Ref       string    `json:"ref"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// ColumnType is the semantic type of a schema column.
type ColumnType string

const (
	ColumnInt    ColumnType = "int"
	ColumnUint   ColumnType = "uint"
	ColumnFloat  ColumnType = "float"
	ColumnBool   ColumnType = "bool"
	ColumnString ColumnType = "string"
)

// Valid reports whether t is a known column type.
func (t ColumnType) Valid() bool {
	switch t {
	case ColumnInt, ColumnUint, ColumnFloat, ColumnBool, ColumnString:
		return true
	}
	return false
}

// Column is one named, typed column of a sheet schema.
type Column struct {
	Name string     `json:"name" yaml:"name"`
	Type ColumnType `json:"type" yaml:"type"`
}

// SheetSchema is the resolved column layout of one sheet at one version.
type SheetSchema struct {
	// Sheet is the sheet name.
	Sheet string `json:"sheet"`

	// Source is the schema source the layout was read from.
	Source string `json:"source"`

	// Ref is the revision the layout was actually read from. It differs from
	// Ideal when resolution fell back to an earlier revision.
	Ref string `json:"ref"`

	// Ideal is the revision associated with the version.
	Ideal string `json:"ideal"`

	// Columns is the ordered column layout.
	Columns []Column `json:"columns"`
}

// Fallback reports whether the schema came from an earlier revision than the
// version's ideal one.
func (s SheetSchema) Fallback() bool {
	return s.Ref != s.Ideal
}

// IndexState is the lifecycle state of a search index.
type IndexState string

const (
	IndexAbsent   IndexState = "absent"
	IndexBuilding IndexState = "building"
	IndexReady    IndexState = "ready"
	IndexStale    IndexState = "stale"
)

// IndexKey identifies one search index: a version paired with a canonical
// schema reference.
type IndexKey struct {
	Version VersionKey `json:"version"`
	Schema  string     `json:"schema"`
}

func (k IndexKey) String() string {
	return fmt.Sprintf("%s@%s", k.Version, k.Schema)
}

// SearchIndex describes one built (or building) index.
type SearchIndex struct {
	Key        IndexKey   `json:"key"`
	Path       string     `json:"path,omitempty"`
	State      IndexState `json:"state"`
	Rows       int64      `json:"rows"`
	BuiltAt    time.Time  `json:"builtAt"`
	Generation uint64     `json:"generation"`
	Skipped    []string   `json:"skipped,omitempty"`
	LastError  string     `json:"lastError,omitempty"`
}

// Field is one named value of an index document.
type Field struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// IndexDocument is the searchable projection of one sheet row.
type IndexDocument struct {
	Sheet  string  `json:"sheet"`
	RowID  uint32  `json:"rowId"`
	Fields []Field `json:"fields"`
}

// Value returns the value of the named field and whether it exists.
func (d IndexDocument) Value(name string) (any, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Map returns the document's fields keyed by name.
func (d IndexDocument) Map() map[string]any {
	out := make(map[string]any, len(d.Fields))
	for _, f := range d.Fields {
		out[f.Name] = f.Value
	}
	return out
}
