package fileops

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestCopy(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.geojson")
	dst := filepath.Join(dir, "sub", "dst.geojson")
	if err := os.WriteFile(src, []byte(`{"type":"FeatureCollection"}`), 0644); err != nil {
		t.Fatal(err)
	}

	if err := Copy(src, dst); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"type":"FeatureCollection"}` {
		t.Errorf("content mismatch: %q", got)
	}

	// Source must survive a copy
	if _, err := os.Stat(src); err != nil {
		t.Errorf("source removed by Copy: %v", err)
	}
}

func TestCopyCollision(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.txt")
	dst := filepath.Join(dir, "b.txt")
	os.WriteFile(src, []byte("a"), 0644)
	os.WriteFile(dst, []byte("b"), 0644)

	err := Copy(src, dst)
	if !errors.Is(err, ErrDestinationExists) {
		t.Errorf("expected ErrDestinationExists, got %v", err)
	}
	// Existing destination untouched
	got, _ := os.ReadFile(dst)
	if string(got) != "b" {
		t.Errorf("destination overwritten: %q", got)
	}
}

func TestMove(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "raster.tif")
	dst := filepath.Join(dir, "stored", "raster.tif")
	os.WriteFile(src, []byte("IMAGERY"), 0644)

	if err := Move(src, dst); err != nil {
		t.Fatalf("Move failed: %v", err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("source still exists after Move")
	}
	got, err := os.ReadFile(dst)
	if err != nil || string(got) != "IMAGERY" {
		t.Errorf("destination wrong: %q, %v", got, err)
	}
}

func TestMoveCollision(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a")
	dst := filepath.Join(dir, "b")
	os.WriteFile(src, []byte("a"), 0644)
	os.WriteFile(dst, []byte("b"), 0644)

	if err := Move(src, dst); !errors.Is(err, ErrDestinationExists) {
		t.Errorf("expected ErrDestinationExists, got %v", err)
	}
}

func TestCopyInto(t *testing.T) {
	dir := t.TempDir()
	inputs := filepath.Join(dir, "inputs")
	os.MkdirAll(inputs, 0755)
	src := filepath.Join(dir, "roads.gpkg")
	os.WriteFile(src, []byte("GPKG"), 0644)

	got, err := CopyInto(src, inputs)
	if err != nil {
		t.Fatalf("CopyInto failed: %v", err)
	}
	if got != filepath.Join(inputs, "roads.gpkg") {
		t.Errorf("unexpected path: %s", got)
	}
}
