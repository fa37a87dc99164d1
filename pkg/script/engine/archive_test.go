package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeLogFile(t *testing.T, root, execID, scriptID, text string, age time.Duration) string {
	t.Helper()
	dir := filepath.Join(root, execID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "log_"+scriptID+".txt")
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-age)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestArchiveLogsCompressesOldOnly(t *testing.T) {
	root := t.TempDir()
	old := writeLogFile(t, root, "exec-old", "buffer", "old run output\n", 48*time.Hour)
	fresh := writeLogFile(t, root, "exec-new", "buffer", "fresh run output\n", time.Minute)

	n, err := ArchiveLogs(root, 24*time.Hour)
	if err != nil {
		t.Fatalf("ArchiveLogs failed: %v", err)
	}
	if n != 1 {
		t.Errorf("archived = %d, want 1", n)
	}

	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("old log not replaced by archive")
	}
	if _, err := os.Stat(old + ".lz4"); err != nil {
		t.Errorf("archive missing: %v", err)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("fresh log touched: %v", err)
	}
}

func TestReadLogTransparentDecompress(t *testing.T) {
	root := t.TempDir()
	path := writeLogFile(t, root, "exec-1", "clip", "the run said something\n", 48*time.Hour)

	// Plain read before archiving
	text, err := ReadLog(path)
	if err != nil || text != "the run said something\n" {
		t.Fatalf("ReadLog = %q, %v", text, err)
	}

	if _, err := ArchiveLogs(root, time.Hour); err != nil {
		t.Fatal(err)
	}

	// Same call, archived content
	text, err = ReadLog(path)
	if err != nil {
		t.Fatalf("ReadLog after archive failed: %v", err)
	}
	if text != "the run said something\n" {
		t.Errorf("ReadLog = %q", text)
	}
}

func TestArchiveLogsMissingRoot(t *testing.T) {
	n, err := ArchiveLogs(filepath.Join(t.TempDir(), "nothing"), time.Hour)
	if err != nil || n != 0 {
		t.Errorf("ArchiveLogs = %d, %v", n, err)
	}
}
