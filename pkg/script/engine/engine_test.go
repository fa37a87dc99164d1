//go:build !windows

package engine

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cartoflow/cartoflow/pkg/geostore"
	"github.com/cartoflow/cartoflow/pkg/script/ingest"
	"github.com/cartoflow/cartoflow/pkg/script/integrity"
	"github.com/cartoflow/cartoflow/pkg/script/params"
	"github.com/cartoflow/cartoflow/pkg/script/tracker"
)

const goodProgram = `import json
import sys

def main(params):
    print("ran with " + json.dumps(params))

if __name__ == "__main__":
    with open(sys.argv[2]) as f:
        main(json.load(f))
`

const writingProgram = `import os
import sys

def main(params):
    with open(os.path.join(sys.argv[1], "result.geojson"), "w") as f:
        f.write('{"type": "FeatureCollection", "features": []}')

if __name__ == "__main__":
    main(None)
`

const failingProgram = `import sys

def main(params):
    print("about to fail", file=sys.stderr)
    sys.exit(3)

if __name__ == "__main__":
    main(None)
`

const sleepingProgram = `import time

def main(params):
    print("going to sleep", flush=True)
    time.sleep(60)

if __name__ == "__main__":
    main(None)
`

// fakeLayers has no stored layers unless seeded.
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

// fakeStore records imports and consumes vector sources like the real one.
type fakeStore struct {
	imported []string
}

func (f *fakeStore) ImportVector(path, name string) (string, *geostore.Layer, error) {
	f.imported = append(f.imported, name)
	os.Remove(path)
	return "layer-" + name, &geostore.Layer{ID: "layer-" + name, Name: name}, nil
}

func (f *fakeStore) ImportRaster(path, name string) (string, *geostore.Layer, error) {
	f.imported = append(f.imported, name)
	return "layer-" + name, &geostore.Layer{ID: "layer-" + name, Name: name}, nil
}

func (f *fakeStore) ImportContainer(path string) ([]string, []*geostore.Layer, error) {
	os.Remove(path)
	return []string{"c-1"}, []*geostore.Layer{{ID: "c-1"}}, nil
}

func requirePython(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not installed")
	}
}

func newTestEngine(t *testing.T, store *fakeStore, layers *fakeLayers) *Engine {
	t.Helper()
	if layers == nil {
		layers = &fakeLayers{}
	}
	return &Engine{
		Root:      t.TempDir(),
		Validator: integrity.New("python3"),
		Resolver:  params.New(layers),
		Ingestor:  ingest.New(store),
		Tracker:   tracker.New(),
	}
}

func writeProgram(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "program.py")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func admit(t *testing.T, e *Engine, scriptID, execID string) {
	t.Helper()
	if err := e.Tracker.TryAdmit(scriptID, execID); err != nil {
		t.Fatal(err)
	}
}

func TestExecuteStdoutFallback(t *testing.T) {
	requirePython(t)
	e := newTestEngine(t, &fakeStore{}, nil)
	program := writeProgram(t, goodProgram)
	admit(t, e, "buffer", "exec-1")

	in, _ := params.FromPairs("distance", float64(100))
	res, err := e.Execute(context.Background(), program, "buffer", "exec-1", in)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if res.Status != StatusSuccess {
		t.Fatalf("status = %s, stderr = %s", res.Status, res.Stderr)
	}
	// No output files: trimmed stdout is the sole artifact
	if len(res.Artifacts) != 1 || !strings.Contains(res.Artifacts[0], `"distance": 100`) {
		t.Errorf("artifacts = %v", res.Artifacts)
	}
	if strings.HasSuffix(res.Artifacts[0], "\n") {
		t.Error("artifact text not trimmed")
	}

	if data, err := os.ReadFile(res.LogPath); err != nil || !strings.Contains(string(data), "ran with") {
		t.Errorf("log = %q, err = %v", data, err)
	}

	rec, ok := e.Tracker.Status("buffer")
	if !ok || rec.Status != tracker.StatusFinished {
		t.Errorf("tracker record = %+v", rec)
	}
}

func TestExecuteIngestsOutputs(t *testing.T) {
	requirePython(t)
	store := &fakeStore{}
	e := newTestEngine(t, store, nil)
	program := writeProgram(t, writingProgram)
	admit(t, e, "extract", "exec-1")

	res, err := e.Execute(context.Background(), program, "extract", "exec-1", nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("status = %s, stderr = %s", res.Status, res.Stderr)
	}
	if len(res.Artifacts) != 1 || res.Artifacts[0] != "layer-result" {
		t.Errorf("artifacts = %v", res.Artifacts)
	}

	// Source consumed by ingestion
	produced := filepath.Join(e.Root, "exec-1", "outputs", "result.geojson")
	if _, err := os.Stat(produced); !os.IsNotExist(err) {
		t.Error("ingested source still in outputs/")
	}
}

func TestExecuteFailureStatus(t *testing.T) {
	requirePython(t)
	e := newTestEngine(t, &fakeStore{}, nil)
	program := writeProgram(t, failingProgram)
	admit(t, e, "broken", "exec-1")

	res, err := e.Execute(context.Background(), program, "broken", "exec-1", nil)
	if err != nil {
		t.Fatalf("failure must be a status, not an error: %v", err)
	}
	if res.Status != StatusFailure {
		t.Errorf("status = %s", res.Status)
	}
	if !strings.Contains(res.Stderr, "about to fail") {
		t.Errorf("stderr = %q", res.Stderr)
	}

	rec, _ := e.Tracker.Status("broken")
	if rec.Status != tracker.StatusFailed {
		t.Errorf("tracker status = %s", rec.Status)
	}
}

func TestExecuteTimeout(t *testing.T) {
	requirePython(t)
	e := newTestEngine(t, &fakeStore{}, nil)
	e.Timeout = 1 * time.Second
	program := writeProgram(t, sleepingProgram)
	admit(t, e, "sleeper", "exec-1")

	start := time.Now()
	res, err := e.Execute(context.Background(), program, "sleeper", "exec-1", nil)
	if err != nil {
		t.Fatalf("timeout must be a status, not an error: %v", err)
	}
	if res.Status != StatusTimeout {
		t.Fatalf("status = %s", res.Status)
	}
	if time.Since(start) > 10*time.Second {
		t.Error("kill took too long, process group not terminated")
	}

	// Killed run: no artifacts, whatever the child printed
	if len(res.Artifacts) != 0 {
		t.Errorf("artifacts = %v", res.Artifacts)
	}
	data, err := os.ReadFile(res.LogPath)
	if err != nil {
		t.Fatalf("log missing: %v", err)
	}
	if len(data) == 0 {
		t.Error("log empty after timeout")
	}

	rec, _ := e.Tracker.Status("sleeper")
	if rec.Status != tracker.StatusFailed {
		t.Errorf("tracker status = %s", rec.Status)
	}
}

func TestExecuteCallerCancellation(t *testing.T) {
	requirePython(t)
	e := newTestEngine(t, &fakeStore{}, nil)
	program := writeProgram(t, sleepingProgram)
	admit(t, e, "abandoned", "exec-1")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(500 * time.Millisecond)
		cancel()
	}()

	res, err := e.Execute(ctx, program, "abandoned", "exec-1", nil)
	if err != nil {
		t.Fatalf("cancellation must be a status, not an error: %v", err)
	}

	// A disconnected caller is not a timeout: the budget never expired
	if res.Status != StatusCanceled {
		t.Fatalf("status = %s, want %s", res.Status, StatusCanceled)
	}
	if len(res.Artifacts) != 0 {
		t.Errorf("artifacts = %v", res.Artifacts)
	}
	if _, err := os.Stat(res.LogPath); err != nil {
		t.Errorf("log missing: %v", err)
	}

	rec, _ := e.Tracker.Status("abandoned")
	if rec.Status != tracker.StatusFailed {
		t.Errorf("tracker status = %s", rec.Status)
	}
}

func TestExecuteRejectsInvalidProgram(t *testing.T) {
	requirePython(t)
	e := newTestEngine(t, &fakeStore{}, nil)
	program := writeProgram(t, "def main(params):\n    pass\n")
	admit(t, e, "unguarded", "exec-1")

	_, err := e.Execute(context.Background(), program, "unguarded", "exec-1", nil)
	if !errors.Is(err, integrity.ErrUnguardedEntryPoint) {
		t.Fatalf("expected ErrUnguardedEntryPoint, got %v", err)
	}

	// Identity must not stay stuck running after a rejection
	rec, _ := e.Tracker.Status("unguarded")
	if rec.Status != tracker.StatusFailed {
		t.Errorf("tracker status = %s", rec.Status)
	}
}

func TestExecuteArtifactTooLarge(t *testing.T) {
	requirePython(t)
	e := newTestEngine(t, &fakeStore{}, nil)
	e.MaxArtifactSize = 10
	program := writeProgram(t, writingProgram)
	admit(t, e, "bulky", "exec-1")

	_, err := e.Execute(context.Background(), program, "bulky", "exec-1", nil)
	if !errors.Is(err, ErrArtifactTooLarge) {
		t.Fatalf("expected ErrArtifactTooLarge, got %v", err)
	}

	// Oversized output deleted, not left to accumulate
	produced := filepath.Join(e.Root, "exec-1", "outputs", "result.geojson")
	if _, err := os.Stat(produced); !os.IsNotExist(err) {
		t.Error("oversized artifact not deleted")
	}

	rec, _ := e.Tracker.Status("bulky")
	if rec.Status != tracker.StatusFailed {
		t.Errorf("tracker status = %s", rec.Status)
	}
}

func TestExecuteCleansStagedInputs(t *testing.T) {
	requirePython(t)

	backing := filepath.Join(t.TempDir(), "rivers.geojson")
	if err := os.WriteFile(backing, []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}
	layers := &fakeLayers{paths: map[string]string{"rivers": backing}}

	e := newTestEngine(t, &fakeStore{}, layers)
	program := writeProgram(t, goodProgram)
	admit(t, e, "clip", "exec-1")

	in, _ := params.FromPairs("layer", "rivers")
	res, err := e.Execute(context.Background(), program, "clip", "exec-1", in)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("status = %s, stderr = %s", res.Status, res.Stderr)
	}

	// The script saw the materialized local path
	staged := filepath.Join(e.Root, "exec-1", "inputs", "rivers.geojson")
	if !strings.Contains(res.Stdout, staged) {
		t.Errorf("stdout = %q, want it to mention %s", res.Stdout, staged)
	}
	// And the copy is gone afterwards, while the original survives
	if _, err := os.Stat(staged); !os.IsNotExist(err) {
		t.Error("staged input copy not cleaned up")
	}
	if _, err := os.Stat(backing); err != nil {
		t.Errorf("layer backing file touched: %v", err)
	}
}

func TestExecuteWorkspaceLayout(t *testing.T) {
	requirePython(t)
	e := newTestEngine(t, &fakeStore{}, nil)
	program := writeProgram(t, goodProgram)
	admit(t, e, "layout", "exec-9")

	if _, err := e.Execute(context.Background(), program, "layout", "exec-9", nil); err != nil {
		t.Fatal(err)
	}

	root := filepath.Join(e.Root, "exec-9")
	for _, p := range []string{
		filepath.Join(root, "layout.py"),
		filepath.Join(root, "inputs"),
		filepath.Join(root, "outputs"),
		filepath.Join(root, "inputs", "parameters.json"),
		filepath.Join(root, "log_layout.txt"),
	} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("missing %s: %v", p, err)
		}
	}
}
