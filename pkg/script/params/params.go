// Package params resolves caller-supplied script parameters into concrete
// inputs. String values naming a stored layer are rewritten to a local copy
// under the execution's inputs directory; everything else passes through
// untouched, in the order the caller supplied it.
package params

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cartoflow/cartoflow/pkg/fileops"
	"github.com/cartoflow/cartoflow/pkg/geostore"
)

// ErrInvalidWorkspace is returned when the inputs directory does not exist.
var ErrInvalidWorkspace = errors.New("inputs directory does not exist")

// LayerLookup is the slice of the layer store the resolver needs.
type LayerLookup interface {
	Lookup(name string) (*geostore.Layer, error)
}

// Resolver materializes layer-valued parameters.
type Resolver struct {
	Layers LayerLookup
}

// New creates a resolver backed by the given layer store.
func New(layers LayerLookup) *Resolver {
	return &Resolver{Layers: layers}
}

// Resolve walks the parameter map in insertion order. It returns the
// resolved map plus the list of file paths it materialized into inputsDir,
// so the caller can clean them up after the run.
func (r *Resolver) Resolve(in *Ordered, inputsDir string) (*Ordered, []string, error) {
	info, err := os.Stat(inputsDir)
	if err != nil || !info.IsDir() {
		return nil, nil, fmt.Errorf("%w: %s", ErrInvalidWorkspace, inputsDir)
	}

	out := NewOrdered()
	var staged []string
	// One copy per layer, however many parameters reference it
	local := make(map[string]string)

	for _, key := range in.Keys() {
		value, _ := in.Get(key)

		name, isString := value.(string)
		if !isString {
			out.Set(key, value)
			continue
		}

		if path, done := local[name]; done {
			out.Set(key, path)
			continue
		}

		layer, err := r.Layers.Lookup(name)
		if errors.Is(err, geostore.ErrLayerNotFound) {
			out.Set(key, value)
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("lookup layer %q: %w", name, err)
		}

		path, err := stage(layer.Path, inputsDir)
		if err != nil {
			return nil, nil, fmt.Errorf("materialize layer %q: %w", name, err)
		}
		local[name] = path
		out.Set(key, path)
		staged = append(staged, path)
	}

	return out, staged, nil
}

// stage copies a layer's backing file into dir. Distinct layers may share a
// basename; collisions get a numeric suffix (rivers.geojson, rivers-2.geojson).
func stage(src, dir string) (string, error) {
	base := filepath.Base(src)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	name := base
	for n := 2; ; n++ {
		dst := filepath.Join(dir, name)
		err := fileops.Copy(src, dst)
		if err == nil {
			return dst, nil
		}
		if !errors.Is(err, fileops.ErrDestinationExists) {
			return "", err
		}
		name = fmt.Sprintf("%s-%d%s", stem, n, ext)
	}
}
