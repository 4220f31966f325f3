package registry

import (
	"context"
	"errors"
)

// ErrNotFound is returned by lookups when no record matches.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when creating a route whose slug already exists.
var ErrDuplicate = errors.New("route already exists")

// Store is the registry storage contract. Reads must be safe for concurrent
// use. IncrementCounter must be atomic at the storage layer: concurrent calls
// for the same route yield distinct, consecutive sequence numbers.
type Store interface {
	// GetBySlug returns the route registered under slug, or ErrNotFound.
	GetBySlug(ctx context.Context, slug string) (*RouteRecord, error)

	// IncrementCounter atomically adds 1 to the route's call counter and
	// returns the post-increment value.
	IncrementCounter(ctx context.Context, routeID string) (int64, error)

	// AppendUsage writes one immutable usage row.
	AppendUsage(ctx context.Context, rec *UsageRecord) error

	// CreateRoute registers a new route. Returns ErrDuplicate if the slug
	// is taken.
	CreateRoute(ctx context.Context, route *RouteRecord) error

	// ListRoutes returns all registered routes.
	ListRoutes(ctx context.Context) ([]*RouteRecord, error)

	Close() error
}
