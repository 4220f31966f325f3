package registry

import (
	"context"
	"errors"
	"testing"
	"time"
)

// countingStore wraps a fixed route and counts GetBySlug calls so cache
// behavior is observable.
type countingStore struct {
	route *RouteRecord
	gets  int
}

func (s *countingStore) GetBySlug(ctx context.Context, slug string) (*RouteRecord, error) {
	s.gets++
	if s.route != nil && s.route.Slug == slug {
		return s.route, nil
	}
	return nil, ErrNotFound
}

func (s *countingStore) IncrementCounter(ctx context.Context, routeID string) (int64, error) {
	return 0, ErrNotFound
}
func (s *countingStore) AppendUsage(ctx context.Context, rec *UsageRecord) error { return nil }
func (s *countingStore) CreateRoute(ctx context.Context, route *RouteRecord) error {
	return nil
}
func (s *countingStore) ListRoutes(ctx context.Context) ([]*RouteRecord, error) { return nil, nil }
func (s *countingStore) Close() error                                           { return nil }

func testRoute() *RouteRecord {
	return &RouteRecord{
		ServerID: "srv-1",
		Slug:     "magpie",
		APIs: []APIRecord{
			{Index: 0, Slug: "pool-snapshot", Name: "Pool Snapshot", UpstreamURL: "http://internal/pool", Fee: "10000"},
			{Index: 1, Slug: "pair-stats", Name: "Pair Stats", UpstreamURL: "http://internal/pairs", Fee: "5000"},
		},
	}
}

func TestResolver_Resolve(t *testing.T) {
	store := &countingStore{route: testRoute()}
	r := NewResolver(store, 0)

	route, api, err := r.Resolve(context.Background(), "magpie", "pool-snapshot")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if route.ServerID != "srv-1" {
		t.Errorf("route.ServerID = %v, want srv-1", route.ServerID)
	}
	if api.Fee != "10000" {
		t.Errorf("api.Fee = %v, want 10000", api.Fee)
	}
}

func TestResolver_Resolve_ServerNotFound(t *testing.T) {
	r := NewResolver(&countingStore{}, 0)

	_, _, err := r.Resolve(context.Background(), "nope", "whatever")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected *NotFoundError, got %v", err)
	}
	if len(nf.AvailableAPIs) != 0 {
		t.Errorf("AvailableAPIs = %v, want empty for unknown server", nf.AvailableAPIs)
	}
}

func TestResolver_Resolve_APINotFoundListsAlternatives(t *testing.T) {
	r := NewResolver(&countingStore{route: testRoute()}, 0)

	_, _, err := r.Resolve(context.Background(), "magpie", "missing")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected *NotFoundError, got %v", err)
	}
	if len(nf.AvailableAPIs) != 2 || nf.AvailableAPIs[0] != "pool-snapshot" {
		t.Errorf("AvailableAPIs = %v, want the server's api slugs", nf.AvailableAPIs)
	}
}

func TestResolver_CachesWithinTTL(t *testing.T) {
	store := &countingStore{route: testRoute()}
	r := NewResolver(store, time.Minute)

	for i := 0; i < 3; i++ {
		if _, _, err := r.Resolve(context.Background(), "magpie", "pool-snapshot"); err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
	}

	if store.gets != 1 {
		t.Errorf("store reads = %d, want 1 (cached)", store.gets)
	}
}

func TestResolver_InvalidateForcesReload(t *testing.T) {
	store := &countingStore{route: testRoute()}
	r := NewResolver(store, time.Minute)

	if _, _, err := r.Resolve(context.Background(), "magpie", "pool-snapshot"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	r.Invalidate("magpie")
	if _, _, err := r.Resolve(context.Background(), "magpie", "pool-snapshot"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if store.gets != 2 {
		t.Errorf("store reads = %d, want 2 after invalidation", store.gets)
	}
}
