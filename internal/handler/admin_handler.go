package handler

import (
	"net/http"

	"pushpay/internal/registry"
	"pushpay/internal/ws"

	"github.com/gin-gonic/gin"
)

// AdminHandler exposes operational views for ADMIN callers.
type AdminHandler struct {
	registry *registry.Registry
	hub      *ws.Hub
}

func NewAdminHandler(reg *registry.Registry, hub *ws.Hub) *AdminHandler {
	return &AdminHandler{registry: reg, hub: hub}
}

// Stats reports in-memory payments by state and open stream connections.
func (h *AdminHandler) Stats(c *gin.Context) {
	byState := gin.H{}
	for st, n := range h.registry.Stats() {
		byState[string(st)] = n
	}
	c.JSON(http.StatusOK, gin.H{
		"payments":       byState,
		"stream_clients": h.hub.ClientCount(),
	})
}

// Health is the liveness check.
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
