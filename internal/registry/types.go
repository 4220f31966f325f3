// Package registry defines the route registry: the record of builder servers,
// their fee-bearing APIs, and the per-route usage counters the settlement
// pipeline increments.
package registry

import "time"

// RouteRecord is one registered builder server and its APIs.
// Slug and ServerID are 1:1; a route is never renamed after registration.
type RouteRecord struct {
	ServerID       string
	Slug           string
	BuilderAddress string
	PaymentAsset   string
	CallCount      int64
	APIs           []APIRecord
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// APIRecord is one callable endpoint within a route. Fee is a base-10 integer
// string in the smallest unit of the route's payment asset. UpstreamURL is
// confidential and must never appear in a caller-facing response.
type APIRecord struct {
	Index       int
	Slug        string
	Name        string
	Description string
	UpstreamURL string
	Fee         string
}

// FindAPI returns the API with the given slug, or nil.
func (r *RouteRecord) FindAPI(slug string) *APIRecord {
	for i := range r.APIs {
		if r.APIs[i].Slug == slug {
			return &r.APIs[i]
		}
	}
	return nil
}

// APISlugs lists the route's API slugs, used in not-found responses so
// callers can self-correct.
func (r *RouteRecord) APISlugs() []string {
	slugs := make([]string, 0, len(r.APIs))
	for _, api := range r.APIs {
		slugs = append(slugs, api.Slug)
	}
	return slugs
}

// UsageRecord is the append-only row written once per successfully charged
// call. SequenceNumber is the post-increment value of the route counter and
// is strictly increasing per route.
type UsageRecord struct {
	RouteID        string
	Payer          string
	SequenceNumber int64
	Fee            string
	Timestamp      time.Time
}
