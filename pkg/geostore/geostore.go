// Package geostore is the stored-layer collection backing cartoflow.
//
// It owns persistence of geospatial layers: a SQLite index plus a data
// directory holding the backing files. Format conversion, reprojection and
// tile rendering live outside this process; the store records files and
// metadata, nothing more.
package geostore

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/cartoflow/cartoflow/pkg/fileops"
)

// MaxArtifactSize is the largest output artifact the execution engine will
// ingest. Larger files fail the whole execution.
const MaxArtifactSize int64 = 512 << 20 // 512 MiB

// ErrLayerNotFound is returned when no layer matches a lookup.
var ErrLayerNotFound = errors.New("layer not found")

// Kind classifies a stored layer.
type Kind string

const (
	KindVector Kind = "vector"
	KindRaster Kind = "raster"
)

// Layer is one unit of stored geospatial data.
type Layer struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Kind        Kind      `json:"kind"`
	Path        string    `json:"path"`        // Backing file on disk
	Fingerprint string    `json:"fingerprint"` // xxhash64 of contents
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store indexes stored layers in SQLite and keeps their backing files
// under {root}/data.
type Store struct {
	db      *sql.DB
	root    string
	dataDir string
}

// Open opens or creates a layer store rooted at dir.
func Open(dir string) (*Store, error) {
	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "layers.db")+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open layer index: %w", err)
	}

	s := &Store{db: db, root: dir, dataDir: dataDir}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate layer index: %w", err)
	}
	return s, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS layers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		path TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		size INTEGER NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_layers_kind ON layers(kind);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Lookup finds a layer by name.
func (s *Store) Lookup(name string) (*Layer, error) {
	row := s.db.QueryRow(
		`SELECT id, name, kind, path, fingerprint, size, created_at FROM layers WHERE name = ?`, name)
	return scanLayer(row)
}

// Get finds a layer by ID.
func (s *Store) Get(id string) (*Layer, error) {
	row := s.db.QueryRow(
		`SELECT id, name, kind, path, fingerprint, size, created_at FROM layers WHERE id = ?`, id)
	return scanLayer(row)
}

func scanLayer(row *sql.Row) (*Layer, error) {
	var l Layer
	err := row.Scan(&l.ID, &l.Name, &l.Kind, &l.Path, &l.Fingerprint, &l.Size, &l.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLayerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan layer: %w", err)
	}
	return &l, nil
}

// List returns all stored layers, newest first.
func (s *Store) List() ([]*Layer, error) {
	rows, err := s.db.Query(
		`SELECT id, name, kind, path, fingerprint, size, created_at FROM layers ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list layers: %w", err)
	}
	defer rows.Close()

	var out []*Layer
	for rows.Next() {
		var l Layer
		if err := rows.Scan(&l.ID, &l.Name, &l.Kind, &l.Path, &l.Fingerprint, &l.Size, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan layer: %w", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

// Delete removes a layer and its backing file.
func (s *Store) Delete(id string) error {
	l, err := s.Get(id)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(`DELETE FROM layers WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete layer: %w", err)
	}
	if err := os.Remove(l.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove backing file: %w", err)
	}
	return nil
}

// ImportVector registers path as a vector layer named name. The file is
// moved into the store's data directory.
func (s *Store) ImportVector(path, name string) (string, *Layer, error) {
	return s.importFile(path, name, KindVector)
}

// ImportRaster registers path as a raster layer named name. The source file
// becomes the stored payload.
func (s *Store) ImportRaster(path, name string) (string, *Layer, error) {
	return s.importFile(path, name, KindRaster)
}

// ImportContainer registers every layer declared inside a GeoPackage.
// A GeoPackage is itself a SQLite database; the contained layers are read
// from its gpkg_contents table. The container file is stored once and every
// contained layer references it.
func (s *Store) ImportContainer(path string) ([]string, []*Layer, error) {
	names, err := containerContents(path)
	if err != nil {
		return nil, nil, err
	}

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	stored, fingerprint, size, err := s.stage(path)
	if err != nil {
		return nil, nil, err
	}

	var ids []string
	var layers []*Layer
	for _, n := range names {
		l := &Layer{
			ID:          uuid.NewString(),
			Name:        s.uniqueName(base + ":" + n),
			Kind:        KindVector,
			Path:        stored,
			Fingerprint: fingerprint,
			Size:        size,
			CreatedAt:   time.Now().UTC(),
		}
		if err := s.insert(l); err != nil {
			return nil, nil, err
		}
		ids = append(ids, l.ID)
		layers = append(layers, l)
	}
	return ids, layers, nil
}

// containerContents lists the layer identifiers inside a GeoPackage.
// Falls back to the container's base name when gpkg_contents is missing
// (e.g. a minimal or freshly created package).
func containerContents(path string) ([]string, error) {
	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open container: %w", err)
	}
	defer db.Close()

	rows, err := db.Query(`SELECT table_name FROM gpkg_contents ORDER BY table_name`)
	if err != nil {
		return []string{strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))}, nil
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan container contents: %w", err)
		}
		names = append(names, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(names) == 0 {
		names = []string{strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))}
	}
	return names, nil
}

func (s *Store) importFile(path, name string, kind Kind) (string, *Layer, error) {
	stored, fingerprint, size, err := s.stage(path)
	if err != nil {
		return "", nil, err
	}

	l := &Layer{
		ID:          uuid.NewString(),
		Name:        s.uniqueName(name),
		Kind:        kind,
		Path:        stored,
		Fingerprint: fingerprint,
		Size:        size,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.insert(l); err != nil {
		return "", nil, err
	}
	return l.ID, l, nil
}

// stage moves path into the data directory under a collision-free name and
// returns (storedPath, fingerprint, size).
func (s *Store) stage(path string) (string, string, int64, error) {
	fingerprint, size, err := fingerprintFile(path)
	if err != nil {
		return "", "", 0, err
	}

	dst := filepath.Join(s.dataDir, filepath.Base(path))
	for i := 2; ; i++ {
		err := fileops.Move(path, dst)
		if err == nil {
			break
		}
		if !errors.Is(err, fileops.ErrDestinationExists) {
			return "", "", 0, fmt.Errorf("stage layer file: %w", err)
		}
		ext := filepath.Ext(path)
		base := strings.TrimSuffix(filepath.Base(path), ext)
		dst = filepath.Join(s.dataDir, fmt.Sprintf("%s-%d%s", base, i, ext))
	}
	return dst, fingerprint, size, nil
}

func (s *Store) insert(l *Layer) error {
	_, err := s.db.Exec(
		`INSERT INTO layers (id, name, kind, path, fingerprint, size, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.Name, l.Kind, l.Path, l.Fingerprint, l.Size, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert layer: %w", err)
	}
	return nil
}

// uniqueName returns name, or name-2, name-3, ... if taken.
func (s *Store) uniqueName(name string) string {
	candidate := name
	for i := 2; ; i++ {
		var n int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM layers WHERE name = ?`, candidate).Scan(&n); err != nil || n == 0 {
			return candidate
		}
		candidate = fmt.Sprintf("%s-%d", name, i)
	}
}

func fingerprintFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open for fingerprint: %w", err)
	}
	defer f.Close()

	h := xxhash.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("fingerprint: %w", err)
	}
	return fmt.Sprintf("%016x", h.Sum64()), size, nil
}
