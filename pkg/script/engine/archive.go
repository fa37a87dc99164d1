package engine

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pierrec/lz4/v4"

	"github.com/cartoflow/cartoflow/pkg/log"
)

// ArchiveLogs compresses the log file of every execution workspace under
// root whose log is older than the retention window. The original is
// replaced by `<name>.lz4` next to it. Already-archived and fresh logs are
// left alone. Returns the number of logs archived.
func ArchiveLogs(root string, olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read execution root: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	archived := 0

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		logs, err := filepath.Glob(filepath.Join(root, entry.Name(), "log_*.txt"))
		if err != nil {
			continue
		}
		for _, path := range logs {
			info, err := os.Stat(path)
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			if err := compressLog(path); err != nil {
				log.Warn("archive %s: %v", filepath.Base(path), err)
				continue
			}
			archived++
		}
	}

	if archived > 0 {
		log.VInfo("archived %d execution log(s)", archived)
	}
	return archived, nil
}

// ReadLog returns the log text for path, transparently decompressing an
// archived sibling when the plain file is gone.
func ReadLog(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return string(data), nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	f, err := os.Open(path + ".lz4")
	if err != nil {
		return "", err
	}
	defer f.Close()

	var sb strings.Builder
	if _, err := io.Copy(&sb, lz4.NewReader(f)); err != nil {
		return "", fmt.Errorf("decompress log: %w", err)
	}
	return sb.String(), nil
}

func compressLog(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(path+".lz4", os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}

	zw := lz4.NewWriter(dst)
	zw.Apply(lz4.CompressionLevelOption(lz4.Level9))

	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		dst.Close()
		os.Remove(dst.Name())
		return err
	}
	if err := zw.Close(); err != nil {
		dst.Close()
		os.Remove(dst.Name())
		return err
	}
	if err := dst.Close(); err != nil {
		os.Remove(dst.Name())
		return err
	}
	return os.Remove(path)
}
