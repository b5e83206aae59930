package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hivegate/hivegate/internal/core"
)

// StatusHandler serves the engine root route: name, version, connected
// users and registered plugins per workspace.
type StatusHandler struct {
	registry *core.Registry
}

// NewStatusHandler creates the status handler.
func NewStatusHandler(registry *core.Registry) *StatusHandler {
	return &StatusHandler{registry: registry}
}

// RegisterRoutes registers the root route.
func (h *StatusHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/", h.Root)
}

// Root reports the engine status.
func (h *StatusHandler) Root(c *gin.Context) {
	users := make(map[string]any)
	for _, u := range h.registry.Users() {
		users[u.ID] = u.SessionCount()
	}
	workspaces := make(map[string]any)
	for _, ws := range h.registry.ListWorkspaces() {
		workspaces[ws.Name] = ws.PluginNames()
	}
	c.JSON(http.StatusOK, gin.H{
		"name":       "hivegate",
		"version":    Version,
		"users":      users,
		"workspaces": workspaces,
	})
}
