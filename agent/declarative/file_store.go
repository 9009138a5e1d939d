package declarative

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultSpecPattern matches every spec file below the store directory.
const DefaultSpecPattern = "**/*.{yaml,yml,json}"

// FileStore is a SpecStore backed by a directory of YAML/JSON files.
// Files are read once by Load; later Gets are served from memory so the
// contents stay fixed for the duration of a run.
type FileStore struct {
	dir     string
	pattern string
	loader  SpecLoader
	logger  *zap.Logger

	mu      sync.RWMutex
	mem     *MemoryStore
	sources map[string]string
}

// NewFileStore creates a store over dir. An empty pattern means DefaultSpecPattern.
func NewFileStore(dir, pattern string, logger *zap.Logger) *FileStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pattern == "" {
		pattern = DefaultSpecPattern
	}
	return &FileStore{
		dir:     dir,
		pattern: pattern,
		loader:  NewYAMLLoader(),
		logger:  logger.With(zap.String("component", "spec_file_store")),
		mem:     &MemoryStore{specs: map[string]*PartialSpec{}},
		sources: map[string]string{},
	}
}

// Load scans the directory and replaces the in-memory contents.
// Files are parsed concurrently; a duplicate ID across files is an error.
func (s *FileStore) Load(ctx context.Context) error {
	absDir, err := filepath.Abs(s.dir)
	if err != nil {
		return fmt.Errorf("resolve spec dir: %w", err)
	}
	matches, err := doublestar.Glob(os.DirFS(absDir), s.pattern)
	if err != nil {
		return fmt.Errorf("glob spec files: %w", err)
	}

	parsed := make([][]*PartialSpec, len(matches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, rel := range matches {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			specs, err := s.loader.LoadFile(filepath.Join(absDir, rel))
			if err != nil {
				return err
			}
			parsed[i] = specs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	mem := &MemoryStore{specs: make(map[string]*PartialSpec)}
	sources := make(map[string]string)
	for i, specs := range parsed {
		for _, spec := range specs {
			if prev, dup := sources[spec.ID]; dup {
				return invalidSpec(fmt.Sprintf("agent spec %q defined in both %s and %s", spec.ID, prev, matches[i]))
			}
			sources[spec.ID] = matches[i]
			mem.specs[spec.ID] = spec
		}
	}

	s.mu.Lock()
	s.mem = mem
	s.sources = sources
	s.mu.Unlock()

	s.logger.Info("agent specs loaded",
		zap.String("dir", absDir),
		zap.Int("files", len(matches)),
		zap.Int("specs", len(sources)),
	)
	return nil
}

// Get implements SpecStore.
func (s *FileStore) Get(ctx context.Context, id string) (*PartialSpec, error) {
	s.mu.RLock()
	mem := s.mem
	s.mu.RUnlock()
	return mem.Get(ctx, id)
}

// Source returns the file (relative to the store dir) that defined id.
func (s *FileStore) Source(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[id]
	return src, ok
}

// IDs returns every loaded spec ID in sorted order.
func (s *FileStore) IDs() []string {
	s.mu.RLock()
	mem := s.mem
	s.mu.RUnlock()
	return mem.IDs()
}
