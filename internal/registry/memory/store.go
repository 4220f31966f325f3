package memory

import (
	"context"
	"sync"
	"time"

	"github.com/builderpay/gateway/internal/registry"
)

// Store is an in-memory implementation of registry.Store, used in tests and
// for ephemeral deployments.
type Store struct {
	mu     sync.RWMutex
	routes map[string]*registry.RouteRecord // keyed by server id
	slugs  map[string]string                // slug -> server id
	usage  []registry.UsageRecord
}

var _ registry.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		routes: make(map[string]*registry.RouteRecord),
		slugs:  make(map[string]string),
	}
}

func (s *Store) GetBySlug(ctx context.Context, slug string) (*registry.RouteRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.slugs[slug]
	if !ok {
		return nil, registry.ErrNotFound
	}

	return cloneRoute(s.routes[id]), nil
}

func (s *Store) IncrementCounter(ctx context.Context, routeID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	route, ok := s.routes[routeID]
	if !ok {
		return 0, registry.ErrNotFound
	}

	route.CallCount++
	route.UpdatedAt = time.Now().UTC()
	return route.CallCount, nil
}

func (s *Store) AppendUsage(ctx context.Context, rec *registry.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	s.usage = append(s.usage, *rec)
	return nil
}

func (s *Store) CreateRoute(ctx context.Context, route *registry.RouteRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.routes[route.ServerID]; exists {
		return registry.ErrDuplicate
	}
	if _, exists := s.slugs[route.Slug]; exists {
		return registry.ErrDuplicate
	}

	now := time.Now().UTC()
	route.CreatedAt = now
	route.UpdatedAt = now

	s.routes[route.ServerID] = cloneRoute(route)
	s.slugs[route.Slug] = route.ServerID
	return nil
}

func (s *Store) ListRoutes(ctx context.Context) ([]*registry.RouteRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	routes := make([]*registry.RouteRecord, 0, len(s.routes))
	for _, route := range s.routes {
		routes = append(routes, cloneRoute(route))
	}
	return routes, nil
}

// UsageRecords returns a copy of all appended usage rows. Test helper.
func (s *Store) UsageRecords() []registry.UsageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]registry.UsageRecord, len(s.usage))
	copy(out, s.usage)
	return out
}

func (s *Store) Close() error {
	return nil
}

func cloneRoute(r *registry.RouteRecord) *registry.RouteRecord {
	clone := *r
	clone.APIs = make([]registry.APIRecord, len(r.APIs))
	copy(clone.APIs, r.APIs)
	return &clone
}
