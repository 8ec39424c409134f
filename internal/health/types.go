package health

import "time"

// HealthStatus represents the health state of a dependency
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
	StatusUnknown   HealthStatus = "unknown"
)

// DependencyHealth tracks the health of a single external dependency
type DependencyHealth struct {
	Name          string       `json:"name"`
	Status        HealthStatus `json:"status"`
	Mode          string       `json:"mode,omitempty"`    // e.g. "redis" or "memory" for the KV store
	Breaker       string       `json:"breaker,omitempty"` // circuit state when guarded
	LatencyMs     int64        `json:"latencyMs"`
	LastChecked   time.Time    `json:"lastChecked"`
	LastSuccessAt time.Time    `json:"lastSuccessAt,omitempty"`
	FailureCount  int          `json:"failureCount"`
	LastError     string       `json:"lastError,omitempty"`
	Optional      bool         `json:"optional"`
}

// Report is the aggregated view served by the health endpoint
type Report struct {
	Status       HealthStatus       `json:"status"`
	Dependencies []DependencyHealth `json:"dependencies"`
	CheckedAt    time.Time          `json:"checkedAt"`
}
