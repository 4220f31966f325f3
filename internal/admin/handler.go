// Package admin is the minimal registry surface: route registration and a
// sanitized listing. It is mounted only when an admin token is configured.
package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/builderpay/gateway/internal/registry"
)

var feePattern = regexp.MustCompile(`^[0-9]+$`)
var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Handler serves the registry admin endpoints.
type Handler struct {
	store    registry.Store
	resolver *registry.Resolver
	logger   *slog.Logger
}

// NewHandler creates the admin handler.
func NewHandler(store registry.Store, resolver *registry.Resolver, logger *slog.Logger) *Handler {
	return &Handler{store: store, resolver: resolver, logger: logger}
}

// Routes mounts the admin endpoints on r. The caller is expected to have
// wrapped r with bearer auth.
func (h *Handler) Routes(r chi.Router) {
	r.Put("/routes/{slug}", h.handleCreateRoute)
	r.Get("/routes", h.handleListRoutes)
}

type apiRequest struct {
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Description string `json:"description"`
	UpstreamURL string `json:"upstreamUrl"`
	Fee         string `json:"fee"`
}

type createRouteRequest struct {
	ServerID       string       `json:"serverId"`
	BuilderAddress string       `json:"builderAddress"`
	PaymentAsset   string       `json:"paymentAsset"`
	APIs           []apiRequest `json:"apis"`
}

func (h *Handler) handleCreateRoute(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	if !slugPattern.MatchString(slug) {
		writeError(w, http.StatusBadRequest, "invalid route slug")
		return
	}

	var req createRouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if len(req.APIs) == 0 {
		writeError(w, http.StatusBadRequest, "at least one api is required")
		return
	}

	route := &registry.RouteRecord{
		ServerID:       req.ServerID,
		Slug:           slug,
		BuilderAddress: req.BuilderAddress,
		PaymentAsset:   req.PaymentAsset,
	}
	if route.ServerID == "" {
		route.ServerID = uuid.New().String()
	}

	seen := make(map[string]bool)
	for i, api := range req.APIs {
		switch {
		case !slugPattern.MatchString(api.Slug):
			writeError(w, http.StatusBadRequest, "invalid api slug")
			return
		case seen[api.Slug]:
			writeError(w, http.StatusBadRequest, "duplicate api slug "+api.Slug)
			return
		case api.UpstreamURL == "":
			writeError(w, http.StatusBadRequest, "upstreamUrl is required")
			return
		case !feePattern.MatchString(api.Fee):
			writeError(w, http.StatusBadRequest, "fee must be a non-negative integer string")
			return
		}
		seen[api.Slug] = true

		route.APIs = append(route.APIs, registry.APIRecord{
			Index:       i,
			Slug:        api.Slug,
			Name:        api.Name,
			Description: api.Description,
			UpstreamURL: api.UpstreamURL,
			Fee:         api.Fee,
		})
	}

	if err := h.store.CreateRoute(r.Context(), route); err != nil {
		if errors.Is(err, registry.ErrDuplicate) {
			writeError(w, http.StatusConflict, "route already exists")
			return
		}
		h.logger.Error("failed to create route",
			slog.String("slug", slug),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to create route")
		return
	}

	h.resolver.Invalidate(slug)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(sanitizeRoute(route))
}

func (h *Handler) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := h.store.ListRoutes(r.Context())
	if err != nil {
		h.logger.Error("failed to list routes", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list routes")
		return
	}

	out := make([]map[string]any, 0, len(routes))
	for _, route := range routes {
		out = append(out, sanitizeRoute(route))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"routes": out})
}

// sanitizeRoute shapes a route for output. Upstream URLs are confidential
// and are omitted even on the admin surface.
func sanitizeRoute(route *registry.RouteRecord) map[string]any {
	apis := make([]map[string]any, 0, len(route.APIs))
	for _, api := range route.APIs {
		apis = append(apis, map[string]any{
			"slug":        api.Slug,
			"name":        api.Name,
			"description": api.Description,
			"fee":         api.Fee,
		})
	}
	return map[string]any{
		"serverId":       route.ServerID,
		"slug":           route.Slug,
		"builderAddress": route.BuilderAddress,
		"paymentAsset":   route.PaymentAsset,
		"callCount":      route.CallCount,
		"apis":           apis,
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
