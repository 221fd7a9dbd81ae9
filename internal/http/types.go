package http

import "time"

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status          string            `json:"status"`
	Services        map[string]string `json:"services"`
	RegistryVersion uint64            `json:"registry_version"`
	// Namespaces maps namespace name to chunk count, -1 when unknown.
	Namespaces map[string]int `json:"namespaces,omitempty"`
}

// RegistryVersionResponse is the response body for GET /registry/version.
type RegistryVersionResponse struct {
	Version            uint64    `json:"version"`
	PublishedAt        time.Time `json:"published_at"`
	ActiveIntents      int       `json:"active_intents"`
	ActiveCapabilities int       `json:"active_capabilities"`
}
