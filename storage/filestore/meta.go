package filestore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// meta is the compact index written next to the log. It holds what must
// survive compaction even when every record has been deleted.
type meta struct {
	InstanceID  string    `yaml:"instance_id"`
	HighWater   int64     `yaml:"high_water"`
	CompactedAt time.Time `yaml:"compacted_at,omitempty"`
}

func readMeta(path string) (meta, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return meta{}, false, nil
		}
		return meta{}, false, fmt.Errorf("read meta file: %w", err)
	}

	var m meta
	if err := yaml.Unmarshal(data, &m); err != nil {
		return meta{}, false, fmt.Errorf("unmarshal meta file: %w", err)
	}
	return m, true, nil
}

// writeMeta replaces the meta file atomically: temp file, fsync, rename, then
// fsync of the directory so the rename itself is durable.
func writeMeta(path string, m meta) error {
	content, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	return atomicWrite(path, content)
}

func atomicWrite(path string, content []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".edgebox-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir: %w", err)
	}
	defer d.Close()

	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}
