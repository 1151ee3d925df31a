package models

// Storage defines the persistence layer for version metadata.
//
// It records every known version together with its published chain and
// lifecycle state, and the names (such as "latest") that point at versions.
// The primary implementation is DuckDBStorage which keeps the metadata in a
// local DuckDB file.
//
// The interface is organized into two categories:
//   - Version management: SaveVersion, GetVersion, ListVersions
//   - Name management: SetName, RemoveName, ResolveName, GetNames
//
// Thread Safety: Implementations should be safe for concurrent use.
type Storage interface {
	// SaveVersion inserts or replaces the record for version.Key.
	//
	// The chain and target are stored as written; the caller is responsible
	// for only ever extending the published chain.
	SaveVersion(version *Version) error

	// GetVersion retrieves a version by its key.
	//
	// The returned version includes the names pointing at it.
	//
	// Returns the version and true if found, nil and false otherwise.
	GetVersion(key VersionKey) (*Version, bool)

	// ListVersions returns all versions ordered by key.
	ListVersions() ([]*Version, error)

	// SetName points name at a version, replacing any previous target.
	//
	// Returns an error if:
	//   - The name is invalid (see ValidateName)
	//   - The version doesn't exist
	SetName(name string, key VersionKey) (*VersionName, error)

	// RemoveName deletes a name.
	//
	// Returns ErrNotFound if the name doesn't exist.
	RemoveName(name string) error

	// ResolveName returns the version a name points at.
	//
	// Returns the key and true if the name exists, "" and false otherwise.
	ResolveName(name string) (VersionKey, bool)

	// GetNames returns every name, ordered by name.
	GetNames() ([]*VersionName, error)

	// Close releases any resources held by the storage.
	//
	// After Close is called, the storage should not be used.
	Close() error
}
