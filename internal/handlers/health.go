package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/session-relay/internal/registry"
)

// HealthReporter reports the last known state of each dependency.
type HealthReporter interface {
	Status() (map[string]string, bool)
}

// Health reports "ok", or "degraded" with 503 while any dependency is down.
func Health(monitor HealthReporter, reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		deps, healthy := monitor.Status()
		status, code := "ok", http.StatusOK
		if !healthy {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":       status,
			"dependencies": deps,
			"connections":  reg.Len(),
		})
	}
}
