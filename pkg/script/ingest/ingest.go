// Package ingest classifies files produced by a script run and promotes the
// recognized ones into the stored-layer collection.
//
// Dispatch is a closed table keyed by lower-cased extension, assembled once
// at init. Single-result formats normalize to a one-element list; container
// formats pass their list through unchanged - callers must not assume
// artifact count per call.
package ingest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cartoflow/cartoflow/pkg/geostore"
)

// ErrUnsupportedArtifact is returned for output files in a format the
// system cannot promote to a layer. The offending file is deleted.
var ErrUnsupportedArtifact = errors.New("unsupported artifact format")

// LayerImporter is the slice of the layer store ingestion needs.
type LayerImporter interface {
	ImportVector(path, name string) (string, *geostore.Layer, error)
	ImportRaster(path, name string) (string, *geostore.Layer, error)
	ImportContainer(path string) ([]string, []*geostore.Layer, error)
}

// Ingestor hands recognized artifacts to the layer store.
type Ingestor struct {
	Store LayerImporter
}

// New creates an ingestor backed by the given store.
func New(store LayerImporter) *Ingestor {
	return &Ingestor{Store: store}
}

type handler func(ing *Ingestor, path, name string) ([]string, []*geostore.Layer, error)

// format binds one extension to its handler. The table below is the whole
// closed set; anything else is rejected and deleted.
type format struct {
	ext     string
	handler handler
}

var formats = []format{
	// Bundled shapefile archive and single-file vector documents. The
	// source file is consumed by the import.
	{".zip", ingestVector},
	{".geojson", ingestVector},

	// Rasters. The source file becomes the stored payload, so it is not
	// deleted here.
	{".tif", ingestRaster},
	{".tiff", ingestRaster},

	// Multi-layer GeoPackage container. Already a collection; the result
	// list passes through unchanged.
	{".gpkg", ingestContainer},

	// A bare shapefile component is explicitly disallowed: it is useless
	// without its sidecars and must be re-submitted as a .zip bundle.
	{".shp", rejectArtifact},
}

var (
	dispatch  map[string]handler
	supported map[string]bool
)

func init() {
	dispatch = make(map[string]handler, len(formats))
	supported = make(map[string]bool, len(formats))
	for _, f := range formats {
		if f.ext == "" || f.handler == nil {
			panic(fmt.Sprintf("ingest: malformed format entry %q", f.ext))
		}
		if _, dup := dispatch[f.ext]; dup {
			panic(fmt.Sprintf("ingest: duplicate format %q", f.ext))
		}
		dispatch[f.ext] = f.handler
		supported[f.ext] = f.ext != ".shp"
	}
}

// Ingest consumes the artifact at path. On success it returns the stored
// layer identifiers and their metadata, one element per resulting layer.
// Unsupported artifacts are deleted and rejected.
func (i *Ingestor) Ingest(path string) ([]string, []*geostore.Layer, error) {
	ext := strings.ToLower(filepath.Ext(path))
	h, ok := dispatch[ext]
	if !ok {
		h = rejectArtifact
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return h(i, path, name)
}

// Supported reports whether a file with this name would be ingested.
func Supported(name string) bool {
	return supported[strings.ToLower(filepath.Ext(name))]
}

func ingestVector(ing *Ingestor, path, name string) ([]string, []*geostore.Layer, error) {
	id, layer, err := ing.Store.ImportVector(path, name)
	if err != nil {
		return nil, nil, fmt.Errorf("import vector %s: %w", filepath.Base(path), err)
	}
	// The store moves the file; remove any leftover source
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("remove ingested source: %w", err)
	}
	return []string{id}, []*geostore.Layer{layer}, nil
}

func ingestRaster(ing *Ingestor, path, name string) ([]string, []*geostore.Layer, error) {
	id, layer, err := ing.Store.ImportRaster(path, name)
	if err != nil {
		return nil, nil, fmt.Errorf("import raster %s: %w", filepath.Base(path), err)
	}
	return []string{id}, []*geostore.Layer{layer}, nil
}

func ingestContainer(ing *Ingestor, path, _ string) ([]string, []*geostore.Layer, error) {
	ids, layers, err := ing.Store.ImportContainer(path)
	if err != nil {
		return nil, nil, fmt.Errorf("import container %s: %w", filepath.Base(path), err)
	}
	return ids, layers, nil
}

func rejectArtifact(_ *Ingestor, path, _ string) ([]string, []*geostore.Layer, error) {
	// Delete rejected files so they don't accumulate in workspaces
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("remove rejected artifact: %w", err)
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedArtifact, filepath.Base(path))
}
