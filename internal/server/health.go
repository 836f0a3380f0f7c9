package server

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
)

// Version is overridden at build time with -ldflags.
var Version = "0.1.0"

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
	Model     string            `json:"model,omitempty"`
	VocabSize int               `json:"vocab_size,omitempty"`
	Checks    map[string]Status `json:"checks"`
}

type Status struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type VersionInfo struct {
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
}

func (s *Server) handleHealth(c *gin.Context) {
	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   Version,
		Uptime:    formatDuration(time.Since(s.start)),
		Checks:    s.checks(),
	}
	// The model is loaded once Ready, so Loaded returns without blocking.
	if s.worker.Ready() {
		if ev, err := s.worker.Loaded(context.Background()); err == nil {
			status.Model, status.VocabSize = ev.Model, ev.VocabSize
		}
	}
	for _, check := range status.Checks {
		if check.Status != "healthy" {
			status.Status = "degraded"
			break
		}
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.String(http.StatusOK, "OK\n")
}

func (s *Server) handleReadyz(c *gin.Context) {
	checks := s.checks()
	for _, check := range checks {
		if check.Status != "healthy" {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "checks": checks})
			return
		}
	}
	c.String(http.StatusOK, "Ready\n")
}

func (s *Server) handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, VersionInfo{Version: Version, GoVersion: runtime.Version()})
}

func (s *Server) checks() map[string]Status {
	checks := map[string]Status{
		"goroutines": checkGoroutines(),
		"model":      {Status: "healthy"},
	}
	if !s.worker.Ready() {
		checks["model"] = Status{Status: "unavailable", Message: "model not loaded"}
	}
	return checks
}

func checkGoroutines() Status {
	if n := runtime.NumGoroutine(); n > 10000 {
		return Status{Status: "warning", Message: fmt.Sprintf("%d goroutines", n)}
	}
	return Status{Status: "healthy"}
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	result := ""
	if days > 0 {
		result += fmt.Sprintf("%dd", days)
	}
	if hours > 0 {
		result += sep(result) + fmt.Sprintf("%dh", hours)
	}
	if minutes > 0 {
		result += sep(result) + fmt.Sprintf("%dm", minutes)
	}
	if seconds > 0 || result == "" {
		result += sep(result) + fmt.Sprintf("%ds", seconds)
	}
	return result
}

func sep(s string) string {
	if s == "" {
		return ""
	}
	return " "
}
