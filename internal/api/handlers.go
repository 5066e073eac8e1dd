package api

import (
	"encoding/json"
	"net/http"

	"github.com/feifeigood/swiftlink/internal/dnsproxy/caching"
	"github.com/feifeigood/swiftlink/internal/dnsproxy/upstreams"
	"github.com/feifeigood/swiftlink/internal/fakeip"
	"github.com/feifeigood/swiftlink/internal/log"
)

// Handler exposes the resolver's runtime state over HTTP. Allocator
// and cache may be nil when the corresponding feature is disabled.
type Handler struct {
	version   string
	allocator *fakeip.Allocator
	cache     *caching.ResponseCache
	group     *upstreams.Group
}

// NewHandler creates a handler over the given components.
func NewHandler(version string, allocator *fakeip.Allocator, cache *caching.ResponseCache, group *upstreams.Group) *Handler {
	return &Handler{
		version:   version,
		allocator: allocator,
		cache:     cache,
		group:     group,
	}
}

// StatsResponse represents resolver runtime statistics.
type StatsResponse struct {
	Version        string `json:"version"`
	FakeIPEnabled  bool   `json:"fake_ip_enabled"`
	FakeIPMappings int    `json:"fake_ip_mappings"`
	CacheEnabled   bool   `json:"cache_enabled"`
	CacheEntries   int    `json:"cache_entries"`
	Upstreams      int    `json:"upstreams"`
}

// MappingResponse represents one fake address lease.
type MappingResponse struct {
	Domain string `json:"domain"`
	IPv4   string `json:"ipv4"`
	IPv6   string `json:"ipv6"`
}

// GetStats returns resolver statistics.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := StatsResponse{Version: h.version}
	if h.allocator != nil {
		stats.FakeIPEnabled = true
		stats.FakeIPMappings = h.allocator.Len()
	}
	if h.cache != nil {
		stats.CacheEnabled = true
		stats.CacheEntries = h.cache.Len()
	}
	if h.group != nil {
		stats.Upstreams = len(h.group.Health())
	}
	writeJSONData(w, stats)
}

// GetMappings lists all live fake address leases.
func (h *Handler) GetMappings(w http.ResponseWriter, r *http.Request) {
	if h.allocator == nil {
		WriteNotFound(w, "fake IP pool")
		return
	}

	mappings := h.allocator.Mappings()
	out := make([]MappingResponse, 0, len(mappings))
	for _, m := range mappings {
		out = append(out, MappingResponse{
			Domain: m.Domain,
			IPv4:   m.IPv4.String(),
			IPv6:   m.IPv6.String(),
		})
	}
	writeJSONData(w, out)
}

// FlushMappings drops every fake address lease.
func (h *Handler) FlushMappings(w http.ResponseWriter, r *http.Request) {
	if h.allocator == nil {
		WriteNotFound(w, "fake IP pool")
		return
	}

	if err := h.allocator.Flush(); err != nil {
		log.Errorf("Failed to flush fake IP mappings: %v", err)
		WriteInternalError(w, "failed to flush mappings")
		return
	}
	log.Infof("Fake IP mappings flushed via API")
	writeJSON(w, http.StatusOK, map[string]string{"status": "flushed"})
}

// GetUpstreams returns the health of every upstream in the group.
func (h *Handler) GetUpstreams(w http.ResponseWriter, r *http.Request) {
	writeJSONData(w, h.group.Health())
}

// FlushCache drops every cached response.
func (h *Handler) FlushCache(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		WriteNotFound(w, "response cache")
		return
	}
	h.cache.Clear()
	writeJSON(w, http.StatusOK, map[string]string{"status": "flushed"})
}

// writeJSON writes a JSON response with the given status code and data.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Errorf("Failed to encode JSON response: %v", err)
	}
}

// writeJSONData writes a successful JSON response with data.
func writeJSONData(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, data)
}
