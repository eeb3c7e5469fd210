package models

// HealthyStatus is the only status value a backend may report to be considered ready.
const HealthyStatus = "healthy"

// HealthResponse is the payload served at GET {endpoint}/health.
type HealthResponse struct {
	Status   string          `json:"status"`
	Version  string          `json:"version"`
	Services map[string]bool `json:"services,omitempty"`
}
