package replenish

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/TailR3d/Universal-tracker-2/internal/domain"
)

// DirSource reads batches from {root}/{project}/*.txt, one item name per
// line. Files are taken in lexical order and deleted on Consume.
type DirSource struct {
	root string
}

// NewDirSource creates a DirSource rooted at dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{root: dir}
}

// Next returns the lexically first unconsumed batch file for the project.
func (s *DirSource) Next(_ context.Context, project string) (*Batch, error) {
	dir := filepath.Join(s.root, project)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("project %s: %w", project, domain.ErrNoBatchesLeft)
	}
	if err != nil {
		return nil, fmt.Errorf("read batch dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".txt") {
			continue
		}
		names = append(names, e.Name())
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("project %s: %w", project, domain.ErrNoBatchesLeft)
	}
	sort.Strings(names)

	path := filepath.Join(dir, names[0])
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch %s: %w", path, err)
	}

	var items []string
	for _, line := range strings.Split(string(buf), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		items = append(items, line)
	}

	return &Batch{
		Name:    names[0],
		Items:   items,
		consume: func() error { return os.Remove(path) },
	}, nil
}
