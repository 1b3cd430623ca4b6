package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrNotFound is returned when no version record exists for a resource.
var ErrNotFound = errors.New("resource version not found")

// Store represents the SQLite storage implementation
type Store struct {
	db *sql.DB
}

// RemoteAsset is one downloadable artifact belonging to a resource version.
type RemoteAsset struct {
	Name        string `json:"name"`
	DownloadURL string `json:"download_url"`
}

// ResourceVersion is the authoritative record of the installed copy of one
// plugin resource. There is at most one per (plugin, resource) pair.
type ResourceVersion struct {
	Plugin       string        `json:"plugin"`
	Resource     string        `json:"resource"`
	Version      string        `json:"version"`
	DownloadURL  string        `json:"download_url"`
	Assets       []RemoteAsset `json:"assets,omitempty"`
	Generation   string        `json:"generation"`
	DownloadedAt time.Time     `json:"downloaded_at"`
}

// NewStore creates a new SQLite store instance
func NewStore(dbPath string) (*Store, error) {
	// Ensure target directory exists (e.g., ./data)
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open(sqliteDriver, sqliteDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Writers serialize through one connection; this also keeps ":memory:"
	// databases shared across calls.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS resource_versions (
			plugin TEXT NOT NULL,
			resource TEXT NOT NULL,
			version TEXT NOT NULL,
			download_url TEXT,
			assets TEXT,
			generation TEXT,
			downloaded_at INTEGER NOT NULL,
			PRIMARY KEY (plugin, resource)
		)`,

		`CREATE TABLE IF NOT EXISTS resource_updates (
			id TEXT PRIMARY KEY,
			plugin TEXT NOT NULL,
			resource TEXT NOT NULL,
			version TEXT,
			outcome TEXT NOT NULL,
			error TEXT,
			duration_ms INTEGER,
			details TEXT,
			created_at INTEGER NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_resource_updates_plugin ON resource_updates(plugin)`,
		`CREATE INDEX IF NOT EXISTS idx_resource_updates_created_at ON resource_updates(created_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}

// GetResourceVersion returns the stored record, or ErrNotFound.
func (s *Store) GetResourceVersion(ctx context.Context, plugin, resource string) (*ResourceVersion, error) {
	row := s.db.QueryRowContext(ctx, `SELECT plugin, resource, version, download_url, assets, generation, downloaded_at
		FROM resource_versions WHERE plugin = ? AND resource = ?`, plugin, resource)

	var rv ResourceVersion
	var downloadURL, assetsJSON, generation sql.NullString
	var downloadedAt int64
	if err := row.Scan(&rv.Plugin, &rv.Resource, &rv.Version, &downloadURL, &assetsJSON, &generation, &downloadedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query resource version: %w", err)
	}
	rv.DownloadURL = downloadURL.String
	rv.Generation = generation.String
	rv.DownloadedAt = time.Unix(downloadedAt, 0)
	if assetsJSON.Valid && assetsJSON.String != "" {
		if err := json.Unmarshal([]byte(assetsJSON.String), &rv.Assets); err != nil {
			return nil, fmt.Errorf("failed to decode assets for %s/%s: %w", plugin, resource, err)
		}
	}
	return &rv, nil
}

// SaveResourceVersion replaces the record for (plugin, resource) in a single
// statement so readers never observe a partially written record.
func (s *Store) SaveResourceVersion(ctx context.Context, rv ResourceVersion) error {
	if rv.Plugin == "" || rv.Resource == "" || rv.Version == "" {
		return fmt.Errorf("incomplete resource version record: %+v", rv)
	}
	if rv.DownloadedAt.IsZero() {
		rv.DownloadedAt = time.Now()
	}
	assetsJSON, err := json.Marshal(rv.Assets)
	if err != nil {
		return fmt.Errorf("failed to marshal assets: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO resource_versions (
			plugin, resource, version, download_url, assets, generation, downloaded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(plugin, resource) DO UPDATE SET
			version = excluded.version,
			download_url = excluded.download_url,
			assets = excluded.assets,
			generation = excluded.generation,
			downloaded_at = excluded.downloaded_at`,
		rv.Plugin, rv.Resource, rv.Version, rv.DownloadURL, string(assetsJSON), rv.Generation, rv.DownloadedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save resource version: %w", err)
	}
	return nil
}

// ListResourceVersions returns every record, ordered by plugin and resource.
func (s *Store) ListResourceVersions(ctx context.Context) ([]ResourceVersion, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT plugin, resource, version, download_url, assets, generation, downloaded_at
		FROM resource_versions ORDER BY plugin, resource`)
	if err != nil {
		return nil, fmt.Errorf("failed to query resource versions: %w", err)
	}
	defer rows.Close()

	var out []ResourceVersion
	for rows.Next() {
		var rv ResourceVersion
		var downloadURL, assetsJSON, generation sql.NullString
		var downloadedAt int64
		if err := rows.Scan(&rv.Plugin, &rv.Resource, &rv.Version, &downloadURL, &assetsJSON, &generation, &downloadedAt); err != nil {
			return nil, fmt.Errorf("failed to scan resource version: %w", err)
		}
		rv.DownloadURL = downloadURL.String
		rv.Generation = generation.String
		rv.DownloadedAt = time.Unix(downloadedAt, 0)
		if assetsJSON.Valid && assetsJSON.String != "" {
			_ = json.Unmarshal([]byte(assetsJSON.String), &rv.Assets)
		}
		out = append(out, rv)
	}
	return out, rows.Err()
}

// DeleteResourceVersion drops the record, used when a resource is purged.
func (s *Store) DeleteResourceVersion(ctx context.Context, plugin, resource string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM resource_versions WHERE plugin = ? AND resource = ?`, plugin, resource)
	if err != nil {
		return fmt.Errorf("failed to delete resource version: %w", err)
	}
	return nil
}
