// Package health tracks component health and aggregates it for the
// node's readiness endpoint.
package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status levels.
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

// Status is the health state of one component.
type Status struct {
	Component string    `json:"component"`
	Healthy   bool      `json:"healthy"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// IsHealthy returns true if the status is healthy.
func (s Status) IsHealthy() bool {
	return s.Status == StateHealthy
}

// NewHealthy creates a healthy status.
func NewHealthy(component, message string) Status {
	return Status{
		Component: component,
		Healthy:   true,
		Status:    StateHealthy,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewDegraded creates a degraded status.
func NewDegraded(component, message string) Status {
	return Status{
		Component: component,
		Status:    StateDegraded,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewUnhealthy creates an unhealthy status.
func NewUnhealthy(component, message string) Status {
	return Status{
		Component: component,
		Status:    StateUnhealthy,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Monitor tracks per-component health with concurrent access.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

// NewMonitor creates an empty monitor.
func NewMonitor() *Monitor {
	return &Monitor{statuses: make(map[string]Status)}
}

// Update records the status for a named component.
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.statuses[name] = status
}

// UpdateHealthy marks a component healthy.
func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

// UpdateDegraded marks a component degraded.
func (m *Monitor) UpdateDegraded(name, message string) {
	m.Update(name, NewDegraded(name, message))
}

// UpdateUnhealthy marks a component unhealthy.
func (m *Monitor) UpdateUnhealthy(name, message string) {
	m.Update(name, NewUnhealthy(name, message))
}

// Get retrieves the status for a named component.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, exists := m.statuses[name]
	return status, exists
}

// Aggregate rolls every tracked component into one system status. Any
// unhealthy component makes the system unhealthy; any degraded one
// makes it degraded.
func (m *Monitor) Aggregate(system string) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state := StateHealthy
	message := "all components healthy"
	for _, s := range m.statuses {
		switch s.Status {
		case StateUnhealthy:
			state = StateUnhealthy
			message = s.Component + ": " + s.Message
		case StateDegraded:
			if state == StateHealthy {
				state = StateDegraded
				message = s.Component + ": " + s.Message
			}
		}
		if state == StateUnhealthy {
			break
		}
	}

	return Status{
		Component: system,
		Healthy:   state == StateHealthy,
		Status:    state,
		Message:   message,
		Timestamp: time.Now(),
	}
}

type healthReport struct {
	Status     Status   `json:"status"`
	Components []Status `json:"components"`
}

// Handler serves the aggregated health report as JSON. The response
// code is 200 while healthy or degraded and 503 once unhealthy.
func (m *Monitor) Handler(system string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		agg := m.Aggregate(system)

		m.mu.RLock()
		components := make([]Status, 0, len(m.statuses))
		for _, s := range m.statuses {
			components = append(components, s)
		}
		m.mu.RUnlock()
		sort.Slice(components, func(i, j int) bool {
			return components[i].Component < components[j].Component
		})

		w.Header().Set("Content-Type", "application/json")
		if agg.Status == StateUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(healthReport{Status: agg, Components: components})
	})
}
