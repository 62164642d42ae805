// Package project owns project metadata and the request path that gates
// handout assignment: pause state, client version checks, and on-demand
// queue replenishment.
package project

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/TailR3d/Universal-tracker-2/internal/domain"
	"github.com/TailR3d/Universal-tracker-2/internal/store"
	"github.com/TailR3d/Universal-tracker-2/pkg/log"
)

// Registry is the authoritative view of project metadata. Reads are served
// from an in-memory cache warmed at startup; writes go through the store
// first and update the cache on success.
type Registry struct {
	store  store.Store
	logger log.Logger

	mu    sync.RWMutex
	cache map[string]domain.Project
}

// NewRegistry creates a Registry.
func NewRegistry(st store.Store, logger log.Logger) *Registry {
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Registry{
		store:  st,
		logger: logger.WithComponent("project"),
		cache:  make(map[string]domain.Project),
	}
}

// Load warms the cache from the store.
func (r *Registry) Load(ctx context.Context) error {
	projects, err := r.store.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range projects {
		r.cache[p.Name] = p
	}
	r.logger.Info("projects loaded", log.Int("count", len(projects)))
	return nil
}

// Create registers a new project. The name is the primary key; the slug
// defaults to the name.
func (r *Registry) Create(ctx context.Context, p domain.Project) (domain.Project, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return domain.Project{}, errors.New("project name is required")
	}
	if p.Slug == "" {
		p.Slug = p.Name
	}
	if p.CreatedAtMs == 0 {
		p.CreatedAtMs = time.Now().UnixMilli()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cache[p.Name]; ok {
		return domain.Project{}, fmt.Errorf("%s: %w", p.Name, domain.ErrDuplicateProject)
	}
	if err := r.store.PutProject(ctx, p); err != nil {
		return domain.Project{}, fmt.Errorf("put project: %w", err)
	}
	r.cache[p.Name] = p
	r.logger.Info("project created", log.Str("project", p.Name))
	return p, nil
}

// Get returns project metadata by name.
func (r *Registry) Get(_ context.Context, name string) (domain.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.cache[name]
	if !ok {
		return domain.Project{}, fmt.Errorf("%s: %w", name, domain.ErrUnknownProject)
	}
	return p, nil
}

// List returns all projects ordered by name.
func (r *Registry) List(_ context.Context) []domain.Project {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Project, 0, len(r.cache))
	for _, p := range r.cache {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetPaused pauses or resumes a project. Pausing stops new handouts only;
// in-flight handouts keep heartbeating and finishing.
func (r *Registry) SetPaused(ctx context.Context, name string, paused bool) (domain.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.cache[name]
	if !ok {
		return domain.Project{}, fmt.Errorf("%s: %w", name, domain.ErrUnknownProject)
	}
	if p.Paused == paused {
		return p, nil
	}
	p.Paused = paused
	if err := r.store.PutProject(ctx, p); err != nil {
		return domain.Project{}, fmt.Errorf("put project: %w", err)
	}
	r.cache[name] = p
	r.logger.Info("project pause state changed",
		log.Str("project", name), log.Bool("paused", paused))
	return p, nil
}
