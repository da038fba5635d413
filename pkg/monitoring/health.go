// Package monitoring provides the health checker and Prometheus metrics
// collector shared by the service binaries.
package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/twmb/franz-go/pkg/kgo"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthStatus is the aggregate answer served on /health.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Timestamp int64                  `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of one registered check.
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HealthCheck probes one dependency. Checks run on every /health request,
// so they should answer within a few seconds.
type HealthCheck func() CheckResult

// HealthChecker aggregates named checks into one service status.
type HealthChecker struct {
	service string
	version string
	checks  map[string]HealthCheck
}

func NewHealthChecker(service, version string) *HealthChecker {
	return &HealthChecker{
		service: service,
		version: version,
		checks:  make(map[string]HealthCheck),
	}
}

// AddCheck registers a named check. Not safe to call once the handler is
// serving.
func (hc *HealthChecker) AddCheck(name string, check HealthCheck) {
	hc.checks[name] = check
}

// CheckHealth runs every check and reports the worst outcome: any
// unhealthy check makes the service unhealthy, otherwise any degraded
// check makes it degraded.
func (hc *HealthChecker) CheckHealth() HealthStatus {
	status := HealthStatus{
		Service:   hc.service,
		Version:   hc.version,
		Timestamp: time.Now().Unix(),
		Checks:    make(map[string]CheckResult),
	}

	status.Status = StatusHealthy
	for name, check := range hc.checks {
		result := check()
		status.Checks[name] = result
		status.Status = worseOf(status.Status, result.Status)
	}
	return status
}

func worseOf(a, b string) string {
	rank := func(s string) int {
		switch s {
		case StatusHealthy:
			return 0
		case StatusDegraded:
			return 1
		default:
			// Unknown statuses count as unhealthy.
			return 2
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// Handler serves the aggregate status. Degraded still answers 200 so load
// balancers keep routing; only unhealthy returns 503.
func (hc *HealthChecker) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		health := hc.CheckHealth()
		statusCode := http.StatusOK
		if health.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, health)
	}
}

// KafkaHealthCheck pings the brokers through a franz-go client.
func KafkaHealthCheck(client *kgo.Client) HealthCheck {
	return func() CheckResult {
		start := time.Now()
		if client == nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "Kafka client is nil",
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := client.Ping(ctx); err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("Kafka ping failed: %v", err),
				Latency: time.Since(start).String(),
			}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Message: "Kafka brokers reachable",
			Latency: time.Since(start).String(),
		}
	}
}

// ConfigurationHealthCheck fails when any of the given settings is empty.
// The map holds setting name to resolved value.
func ConfigurationHealthCheck(configs map[string]string) HealthCheck {
	return func() CheckResult {
		var missing []string
		for key, value := range configs {
			if value == "" {
				missing = append(missing, key)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("Missing required configuration: %v", missing),
			}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Message: "All required configuration present",
		}
	}
}

// StalenessHealthCheck degrades when a refreshed resource (pricing
// snapshot, config reload) has not updated within maxAge, and reports
// unhealthy when it never loaded at all.
func StalenessHealthCheck(name string, lastRefresh func() time.Time, maxAge time.Duration) HealthCheck {
	return func() CheckResult {
		last := lastRefresh()
		if last.IsZero() {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("%s never loaded", name),
			}
		}
		age := time.Since(last)
		if age > maxAge {
			return CheckResult{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("%s stale: last refresh %s ago", name, age.Round(time.Second)),
			}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Message: fmt.Sprintf("%s fresh", name),
		}
	}
}
