package cache

import (
	"fmt"
	"os"
)

// DirManager owns the cache directory skeleton. RebuildAll runs at consumer
// startup and again after each export-and-clear cycle, which is how the
// exporter and a live consumer coordinate without a shared lock.
type DirManager struct {
	resolver *Resolver
}

func NewDirManager(resolver *Resolver) *DirManager {
	return &DirManager{resolver: resolver}
}

func (m *DirManager) EnsureExists(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("ensure dir %s: %w", path, err)
	}
	return nil
}

// RebuildAll idempotently creates every skeleton path.
func (m *DirManager) RebuildAll() error {
	for _, p := range m.resolver.SkeletonPaths() {
		if err := m.EnsureExists(p); err != nil {
			return err
		}
	}
	return nil
}

// DeleteAll removes the cache root recursively.
func (m *DirManager) DeleteAll() error {
	if err := os.RemoveAll(m.resolver.Root()); err != nil {
		return fmt.Errorf("delete cache root: %w", err)
	}
	return nil
}
