// Package storage persists downloaded artifacts on local disk under
// deterministic, task-derived file names.
package storage

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ArtifactStore writes artifacts into a single output directory.
type ArtifactStore struct {
	dir string
}

// NewArtifactStore ensures dir exists and returns a store rooted there.
func NewArtifactStore(dir string) (*ArtifactStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output dir %s: %w", dir, err)
	}
	return &ArtifactStore{dir: dir}, nil
}

// Dir returns the store's root directory.
func (s *ArtifactStore) Dir() string { return s.dir }

// Save writes data under "<kind>_<taskID[:8]>_<UTC timestamp><ext>" and
// returns the absolute path. The name is deterministic given task and time,
// so repeated downloads never clobber an earlier artifact.
func (s *ArtifactStore) Save(kind, taskID, ext string, data []byte) (string, error) {
	short := taskID
	if len(short) > 8 {
		short = short[:8]
	}
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	timestamp := time.Now().UTC().Format("20060102_150405")
	name := fmt.Sprintf("%s_%s_%s%s", kind, short, timestamp, ext)

	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to save artifact %s: %w", name, err)
	}
	log.Printf("[Storage] Saved artifact: %s (%d bytes)", path, len(data))
	return path, nil
}
