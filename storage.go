package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/orian/sheetsmith/logger"
	"github.com/orian/sheetsmith/models"
)

type DuckDBStorage struct {
	db  *sql.DB
	log *logger.Logger
}

func NewDuckDBStorage(dbPath string, log *logger.Logger) (*DuckDBStorage, error) {
	if log == nil {
		log = logger.Nop()
	}
	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}

	storage := &DuckDBStorage{db: db, log: log.With("component", "storage")}
	if err := storage.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := RunMigrations(db, storage.log); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return storage, nil
}

func (s *DuckDBStorage) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS versions (
			version_key VARCHAR PRIMARY KEY,
			chain TEXT NOT NULL,
			target TEXT,
			location VARCHAR NOT NULL,
			generation UBIGINT NOT NULL,
			state VARCHAR NOT NULL,
			last_error VARCHAR,
			schema_ref VARCHAR,
			last_verified TIMESTAMP,
			updated_at TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS version_names (
			name VARCHAR PRIMARY KEY,
			version_key VARCHAR NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

const versionColumns = `version_key, chain, COALESCE(target, '[]'), location, generation, state,
	COALESCE(last_error, ''), COALESCE(fatal, false), COALESCE(schema_ref, ''), last_verified, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func (s *DuckDBStorage) scanVersion(sc scanner) (*models.Version, error) {
	var v models.Version
	var chainJSON, targetJSON, state string
	var verified sql.NullTime
	err := sc.Scan(&v.Key, &chainJSON, &targetJSON, &v.Location, &v.Generation, &state,
		&v.LastError, &v.Fatal, &v.SchemaRef, &verified, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	v.State = models.VersionState(state)
	if verified.Valid {
		v.LastVerified = verified.Time
	}
	if err := json.Unmarshal([]byte(chainJSON), &v.Chain); err != nil {
		return nil, fmt.Errorf("decode chain of %s: %w", v.Key, err)
	}
	if err := json.Unmarshal([]byte(targetJSON), &v.Target); err != nil {
		// The target only matters for resumption; a version without one is
		// re-requested by the next poll.
		s.log.Warn("failed to decode target", "version", v.Key, "error", err)
		v.Target = nil
	}
	return &v, nil
}

func (s *DuckDBStorage) SaveVersion(version *models.Version) error {
	chainJSON, err := json.Marshal(nonNil(version.Chain))
	if err != nil {
		return fmt.Errorf("failed to marshal chain: %w", err)
	}
	targetJSON, err := json.Marshal(nonNil(version.Target))
	if err != nil {
		return fmt.Errorf("failed to marshal target: %w", err)
	}
	updated := version.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}

	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO versions (version_key, chain, target, location, generation, state, last_error, fatal, schema_ref, last_verified, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(version.Key), string(chainJSON), string(targetJSON), version.Location, version.Generation,
		string(version.State), nullString(version.LastError), version.Fatal, nullString(version.SchemaRef),
		nullTime(version.LastVerified), updated,
	)
	return err
}

func (s *DuckDBStorage) GetVersion(key models.VersionKey) (*models.Version, bool) {
	row := s.db.QueryRow("SELECT "+versionColumns+" FROM versions WHERE version_key = ?", string(key))
	v, err := s.scanVersion(row)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.log.Warn("failed to load version", "version", key, "error", err)
		}
		return nil, false
	}

	names, err := s.namesOf(key)
	if err != nil {
		s.log.Warn("failed to load names", "version", key, "error", err)
	}
	v.Names = names
	return v, true
}

func (s *DuckDBStorage) ListVersions() ([]*models.Version, error) {
	rows, err := s.db.Query("SELECT " + versionColumns + " FROM versions ORDER BY version_key")
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var versions []*models.Version
	for rows.Next() {
		v, err := s.scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Load all names in one query
	names, err := s.GetNames()
	if err != nil {
		return nil, fmt.Errorf("failed to load names: %w", err)
	}
	byVersion := make(map[models.VersionKey][]string)
	for _, n := range names {
		byVersion[n.Version] = append(byVersion[n.Version], n.Name)
	}
	for _, v := range versions {
		v.Names = byVersion[v.Key]
	}
	return versions, nil
}

func (s *DuckDBStorage) namesOf(key models.VersionKey) ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM version_names WHERE version_key = ? ORDER BY name", string(key))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (s *DuckDBStorage) SetName(name string, key models.VersionKey) (*models.VersionName, error) {
	if err := models.ValidateName(name); err != nil {
		return nil, err
	}

	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM versions WHERE version_key = ?", string(key)).Scan(&count)
	if err != nil {
		return nil, fmt.Errorf("failed to check version: %w", err)
	}
	if count == 0 {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownVersion, key)
	}

	n := &models.VersionName{Name: name, Version: key, UpdatedAt: time.Now().UTC()}
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		"INSERT OR REPLACE INTO version_names (name, version_key, updated_at) VALUES (?, ?, ?)",
		n.Name, string(n.Version), n.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to set name: %w", err)
	}
	_, err = tx.Exec(
		"INSERT INTO name_history (name, version_key, moved_at) VALUES (?, ?, ?)",
		n.Name, string(n.Version), n.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to record name history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return n, nil
}

func (s *DuckDBStorage) RemoveName(name string) error {
	result, err := s.db.Exec("DELETE FROM version_names WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("failed to remove name: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: name %q", models.ErrNotFound, name)
	}
	return nil
}

func (s *DuckDBStorage) ResolveName(name string) (models.VersionKey, bool) {
	var key string
	err := s.db.QueryRow("SELECT version_key FROM version_names WHERE name = ?", name).Scan(&key)
	if err != nil {
		return "", false
	}
	return models.VersionKey(key), true
}

func (s *DuckDBStorage) GetNames() ([]*models.VersionName, error) {
	rows, err := s.db.Query("SELECT name, version_key, updated_at FROM version_names ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []*models.VersionName
	for rows.Next() {
		var n models.VersionName
		var key string
		if err := rows.Scan(&n.Name, &key, &n.UpdatedAt); err != nil {
			return nil, err
		}
		n.Version = models.VersionKey(key)
		names = append(names, &n)
	}
	return names, rows.Err()
}

// NameHistory lists where name pointed over time, newest first.
func (s *DuckDBStorage) NameHistory(name string) ([]*models.VersionName, error) {
	rows, err := s.db.Query(
		"SELECT name, version_key, moved_at FROM name_history WHERE name = ? ORDER BY moved_at DESC",
		name,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []*models.VersionName
	for rows.Next() {
		var n models.VersionName
		var key string
		if err := rows.Scan(&n.Name, &key, &n.UpdatedAt); err != nil {
			return nil, err
		}
		n.Version = models.VersionKey(key)
		history = append(history, &n)
	}
	return history, rows.Err()
}

func (s *DuckDBStorage) Close() error {
	return s.db.Close()
}

// Helper functions
func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func nonNil(chain []models.PatchRef) []models.PatchRef {
	if chain == nil {
		return []models.PatchRef{}
	}
	return chain
}
