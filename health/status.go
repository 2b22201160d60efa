// Package health tracks the health of the relay's parts (the network
// connection, each relay) and aggregates them for the ops endpoint.
package health

import (
	"regexp"
	"strings"
	"time"
)

var (
	urlRegex        = regexp.MustCompile(`(?:https?|nats|tls|wss?)://[^\s]+`)
	unixPathRegex   = regexp.MustCompile(`(?:^|\s)/[a-zA-Z0-9/_.-]+`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex       = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status values
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Status represents the health state of a component or system
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics contains health-related counters for one component
type Metrics struct {
	Uptime           time.Duration `json:"uptime"`
	ErrorCount       int           `json:"error_count"`
	SamplesForwarded int64         `json:"samples_forwarded,omitempty"`
	LastActivity     time.Time     `json:"last_activity,omitempty"`
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool {
	return s.Status == StatusHealthy
}

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool {
	return s.Status == StatusDegraded
}

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool {
	return s.Status == StatusUnhealthy
}

// WithMetrics returns a copy of the status with metrics attached
func (s Status) WithMetrics(metrics *Metrics) Status {
	s.Metrics = metrics
	return s
}

// sanitizeErrorMessage strips URLs, paths, addresses and credentials so
// that error text can be served on an unauthenticated endpoint.
func sanitizeErrorMessage(err string) string {
	if err == "" {
		return ""
	}

	sanitized := urlRegex.ReplaceAllString(err, "[URL]")
	sanitized = unixPathRegex.ReplaceAllStringFunc(sanitized, func(m string) string {
		if strings.HasPrefix(m, " ") || strings.HasPrefix(m, "\t") {
			return m[:1] + "[PATH]"
		}
		return "[PATH]"
	})
	sanitized = ipAddrRegex.ReplaceAllString(sanitized, "[IP]")
	sanitized = portRegex.ReplaceAllString(sanitized, "[PORT]")
	sanitized = credentialRegex.ReplaceAllString(sanitized, "[REDACTED]")

	return sanitized
}

// FromError builds an unhealthy status from err, or a healthy one when err is nil
func FromError(component string, err error) Status {
	if err == nil {
		return NewHealthy(component, "ok")
	}
	return NewUnhealthy(component, sanitizeErrorMessage(err.Error()))
}
