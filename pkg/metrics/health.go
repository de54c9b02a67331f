package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Component states reported on /health.
const (
	StateOK       = "ok"
	StateDegraded = "degraded"
	StateDisabled = "disabled"
)

// Component names the gateway reports on.
const (
	ComponentKV    = "kv"
	ComponentDB    = "db"
	ComponentBloom = "bloom"
)

// HealthStatus is the /health response body.
type HealthStatus struct {
	Status     string            `json:"status"` // "healthy" or "degraded"
	Components map[string]string `json:"components"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

var healthChecker = &HealthChecker{
	components: make(map[string]string),
	startTime:  time.Now(),
}

// HealthChecker aggregates component states into one health view.
type HealthChecker struct {
	mu         sync.RWMutex
	components map[string]string
	startTime  time.Time
	version    string
}

// SetVersion sets the version string for health responses
func SetVersion(version string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.version = version
}

// SetComponent records the current state of a component. Use the
// State constants.
func SetComponent(name, state string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.components[name] = state
}

// GetHealth returns the aggregate health view. A disabled component
// does not degrade the service; a degraded one does.
func GetHealth() HealthStatus {
	healthChecker.mu.RLock()
	defer healthChecker.mu.RUnlock()

	status := "healthy"
	components := make(map[string]string, len(healthChecker.components))
	for name, state := range healthChecker.components {
		components[name] = state
		if state == StateDegraded {
			status = "degraded"
		}
	}

	return HealthStatus{
		Status:     status,
		Components: components,
		Version:    healthChecker.version,
		Uptime:     time.Since(healthChecker.startTime).Truncate(time.Second).String(),
		Timestamp:  time.Now(),
	}
}

// HealthHandler serves /health. Degraded mode still serves traffic,
// so the response is 200 either way; probes read the body.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(GetHealth())
	}
}
