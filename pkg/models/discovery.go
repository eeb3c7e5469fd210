package models

import "time"

// DiscoveryState is the lifecycle state of backend discovery.
type DiscoveryState string

const (
	DiscoveryDiscovering DiscoveryState = "discovering"
	DiscoveryReady       DiscoveryState = "ready"
	DiscoveryFailed      DiscoveryState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s DiscoveryState) Terminal() bool {
	return s == DiscoveryReady || s == DiscoveryFailed
}

// DiscoveryStatus is a point-in-time snapshot of a discovery run.
// Progress and Message are presentation metadata derived from elapsed time.
type DiscoveryStatus struct {
	State         DiscoveryState `json:"state"`
	Endpoint      Endpoint       `json:"endpoint"`
	UsingFallback bool           `json:"using_fallback"`
	Progress      float64        `json:"progress"`
	Message       string         `json:"message"`
	Elapsed       time.Duration  `json:"elapsed_ns"`
	Attempts      int            `json:"attempts"`
	Error         string         `json:"error,omitempty"`
}
