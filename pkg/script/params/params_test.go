package params

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/cartoflow/cartoflow/pkg/geostore"
)

// fakeLayers is a layer store stub keyed by name.
type fakeLayers struct {
	paths map[string]string
}

func (f *fakeLayers) Lookup(name string) (*geostore.Layer, error) {
	p, ok := f.paths[name]
	if !ok {
		return nil, geostore.ErrLayerNotFound
	}
	return &geostore.Layer{ID: "id-" + name, Name: name, Path: p}, nil
}

func TestResolveSubstitutesKnownLayers(t *testing.T) {
	dir := t.TempDir()
	backing := filepath.Join(dir, "rivers.geojson")
	if err := os.WriteFile(backing, []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}
	inputs := filepath.Join(dir, "inputs")
	os.MkdirAll(inputs, 0755)

	r := New(&fakeLayers{paths: map[string]string{"rivers": backing}})

	in, err := FromPairs("layer", "rivers", "distance", float64(100), "label", "output")
	if err != nil {
		t.Fatal(err)
	}

	out, staged, err := r.Resolve(in, inputs)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	// Known layer rewritten to a local copy with the stored basename
	got, _ := out.Get("layer")
	want := filepath.Join(inputs, "rivers.geojson")
	if got != want {
		t.Errorf("layer = %v, want %v", got, want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Errorf("materialized copy missing: %v", err)
	}
	if len(staged) != 1 || staged[0] != want {
		t.Errorf("staged = %v", staged)
	}

	// Non-string and unknown-string values byte-identical
	if v, _ := out.Get("distance"); v != float64(100) {
		t.Errorf("distance = %v", v)
	}
	if v, _ := out.Get("label"); v != "output" {
		t.Errorf("label = %v", v)
	}

	// Key order preserved
	if !reflect.DeepEqual(out.Keys(), []string{"layer", "distance", "label"}) {
		t.Errorf("key order = %v", out.Keys())
	}
}

func TestResolveDuplicateLayerReference(t *testing.T) {
	dir := t.TempDir()
	backing := filepath.Join(dir, "rivers.geojson")
	if err := os.WriteFile(backing, []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}
	inputs := filepath.Join(dir, "inputs")
	os.MkdirAll(inputs, 0755)

	r := New(&fakeLayers{paths: map[string]string{"rivers": backing}})

	// Two parameters naming the same layer share one materialized copy
	in, _ := FromPairs("source", "rivers", "mask", "rivers")
	out, staged, err := r.Resolve(in, inputs)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	want := filepath.Join(inputs, "rivers.geojson")
	for _, key := range []string{"source", "mask"} {
		if v, _ := out.Get(key); v != want {
			t.Errorf("%s = %v, want %v", key, v, want)
		}
	}
	if len(staged) != 1 || staged[0] != want {
		t.Errorf("staged = %v", staged)
	}
}

func TestResolveBasenameCollision(t *testing.T) {
	dir := t.TempDir()
	aDir := filepath.Join(dir, "a")
	bDir := filepath.Join(dir, "b")
	os.MkdirAll(aDir, 0755)
	os.MkdirAll(bDir, 0755)

	// Two distinct layers whose backing files share a basename
	aPath := filepath.Join(aDir, "roads.geojson")
	bPath := filepath.Join(bDir, "roads.geojson")
	os.WriteFile(aPath, []byte(`{"which": "a"}`), 0644)
	os.WriteFile(bPath, []byte(`{"which": "b"}`), 0644)

	inputs := filepath.Join(dir, "inputs")
	os.MkdirAll(inputs, 0755)

	r := New(&fakeLayers{paths: map[string]string{
		"roads-main": aPath,
		"roads-alt":  bPath,
	}})

	in, _ := FromPairs("main", "roads-main", "alt", "roads-alt")
	out, staged, err := r.Resolve(in, inputs)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	first, _ := out.Get("main")
	second, _ := out.Get("alt")
	if first != filepath.Join(inputs, "roads.geojson") {
		t.Errorf("main = %v", first)
	}
	if second != filepath.Join(inputs, "roads-2.geojson") {
		t.Errorf("alt = %v", second)
	}
	if len(staged) != 2 {
		t.Errorf("staged = %v", staged)
	}

	// Each parameter sees its own layer's content
	data, err := os.ReadFile(second.(string))
	if err != nil || string(data) != `{"which": "b"}` {
		t.Errorf("second copy = %s, %v", data, err)
	}
}

func TestResolveMissingWorkspace(t *testing.T) {
	r := New(&fakeLayers{})
	in := NewOrdered()
	_, _, err := r.Resolve(in, filepath.Join(t.TempDir(), "does-not-exist"))
	if !errors.Is(err, ErrInvalidWorkspace) {
		t.Errorf("expected ErrInvalidWorkspace, got %v", err)
	}
}

func TestResolveUnknownStringPassesThrough(t *testing.T) {
	inputs := t.TempDir()
	r := New(&fakeLayers{})

	in, _ := FromPairs("name", "no-such-layer")
	out, staged, err := r.Resolve(in, inputs)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if v, _ := out.Get("name"); v != "no-such-layer" {
		t.Errorf("value changed: %v", v)
	}
	if len(staged) != 0 {
		t.Errorf("staged = %v", staged)
	}
}

func TestOrderedJSONRoundTrip(t *testing.T) {
	in, _ := FromPairs(
		"zeta", "last?no-first",
		"alpha", float64(1),
		"nested", map[string]any{"x": true},
	)

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	// Object keys must come out in insertion order, not sorted
	want := `{"zeta":"last?no-first","alpha":1,"nested":{"x":true}}`
	if string(data) != want {
		t.Errorf("marshal = %s, want %s", data, want)
	}

	back := NewOrdered()
	if err := json.Unmarshal(data, back); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(back.Keys(), []string{"zeta", "alpha", "nested"}) {
		t.Errorf("key order lost: %v", back.Keys())
	}
	if v, _ := back.Get("alpha"); v != float64(1) {
		t.Errorf("alpha = %#v", v)
	}
}

func TestOrderedSetKeepsPosition(t *testing.T) {
	o := NewOrdered()
	o.Set("a", 1)
	o.Set("b", 2)
	o.Set("a", 3)

	if !reflect.DeepEqual(o.Keys(), []string{"a", "b"}) {
		t.Errorf("keys = %v", o.Keys())
	}
	if v, _ := o.Get("a"); v != 3 {
		t.Errorf("a = %v", v)
	}
}

func TestUnmarshalRejectsNonObject(t *testing.T) {
	o := NewOrdered()
	if err := json.Unmarshal([]byte(`[1,2]`), o); err == nil {
		t.Error("expected error for JSON array")
	}
}
