package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// NotFoundError reports a failed (server, api) resolution. AvailableAPIs is
// populated when the server exists but the API slug does not, so callers can
// self-correct.
type NotFoundError struct {
	ServerSlug    string
	APISlug       string
	AvailableAPIs []string
}

func (e *NotFoundError) Error() string {
	if e.APISlug == "" {
		return fmt.Sprintf("server %q not found", e.ServerSlug)
	}
	return fmt.Sprintf("api %q not found on server %q", e.APISlug, e.ServerSlug)
}

// Resolver maps (serverSlug, apiSlug) pairs to route and API records,
// fronting the store with a short-TTL read cache. Safe for concurrent use.
type Resolver struct {
	store Store
	ttl   time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	route   *RouteRecord
	expires time.Time
}

// NewResolver creates a Resolver caching route reads for ttl. A zero ttl
// disables caching.
func NewResolver(store Store, ttl time.Duration) *Resolver {
	return &Resolver{
		store: store,
		ttl:   ttl,
		cache: make(map[string]cacheEntry),
	}
}

// Resolve looks up the route by server slug, then the API by slug within it.
// Returns a *NotFoundError when either lookup misses.
func (r *Resolver) Resolve(ctx context.Context, serverSlug, apiSlug string) (*RouteRecord, *APIRecord, error) {
	route, err := r.getRoute(ctx, serverSlug)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, &NotFoundError{ServerSlug: serverSlug}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("resolve route %q: %w", serverSlug, err)
	}

	api := route.FindAPI(apiSlug)
	if api == nil {
		return nil, nil, &NotFoundError{
			ServerSlug:    serverSlug,
			APISlug:       apiSlug,
			AvailableAPIs: route.APISlugs(),
		}
	}

	return route, api, nil
}

// Invalidate drops the cached entry for slug. Called after registry writes.
func (r *Resolver) Invalidate(slug string) {
	r.mu.Lock()
	delete(r.cache, slug)
	r.mu.Unlock()
}

func (r *Resolver) getRoute(ctx context.Context, slug string) (*RouteRecord, error) {
	if r.ttl > 0 {
		r.mu.RLock()
		entry, ok := r.cache[slug]
		r.mu.RUnlock()
		if ok && time.Now().Before(entry.expires) {
			return entry.route, nil
		}
	}

	route, err := r.store.GetBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}

	if r.ttl > 0 {
		r.mu.Lock()
		r.cache[slug] = cacheEntry{route: route, expires: time.Now().Add(r.ttl)}
		r.mu.Unlock()
	}

	return route, nil
}
