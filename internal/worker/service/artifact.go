package service

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// EncodeArtifact reads the artifact at path, drops byte sequences that are
// not valid UTF-8, and returns it zlib-compressed and base64-encoded.
func EncodeArtifact(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read artifact: %w", err)
	}
	data = bytes.ToValidUTF8(data, nil)

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return "", fmt.Errorf("failed to compress artifact: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("failed to compress artifact: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// SweepStaleArtifacts removes files under dir matching pattern, which a
// previous process may have left behind when it was killed mid-cycle.
func SweepStaleArtifacts(dir, pattern string) ([]string, error) {
	if pattern == "" {
		return nil, nil
	}
	matches, err := doublestar.Glob(os.DirFS(dir), pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("invalid artifact pattern %q: %w", pattern, err)
	}

	var removed []string
	for _, m := range matches {
		path := filepath.Join(dir, filepath.FromSlash(m))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("failed to remove stale artifact: %w", err)
		}
		removed = append(removed, path)
	}
	return removed, nil
}
