package api

import (
	"github.com/gin-gonic/gin"

	"github.com/vibetunnel/vibetunnel-server/pkg/apierr"
)

// ListRemotes lists all registered remote servers (HQ mode only).
func (h *Handler) ListRemotes(c *gin.Context) {
	if !h.config.IsHQMode || h.remoteRegistry == nil {
		c.JSON(apierr.HTTPStatus(apierr.KindNotFound), apierr.Body(apierr.KindNotFound, "Not in HQ mode"))
		return
	}

	remotes := h.remoteRegistry.GetRemotes()
	response := make([]gin.H, 0, len(remotes))
	for _, r := range remotes {
		response = append(response, gin.H{
			"id":           r.ID,
			"name":         r.Name,
			"url":          r.URL,
			"online":       r.Online,
			"registeredAt": r.RegisteredAt,
			"lastSeen":     r.LastSeen,
			"sessionCount": len(r.SessionMap),
		})
	}
	c.JSON(200, response)
}

// RegisterRemote registers a new remote server (HQ mode only).
func (h *Handler) RegisterRemote(c *gin.Context) {
	if !h.config.IsHQMode || h.remoteRegistry == nil {
		c.JSON(apierr.HTTPStatus(apierr.KindNotFound), apierr.Body(apierr.KindNotFound, "Not in HQ mode"))
		return
	}

	var req struct {
		Name        string `json:"name" binding:"required"`
		URL         string `json:"url" binding:"required"`
		BearerToken string `json:"bearerToken" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(apierr.HTTPStatus(apierr.KindInvalidRequest), apierr.Body(apierr.KindInvalidRequest, "Invalid request body"))
		return
	}

	remote, err := h.remoteRegistry.RegisterRemote(req.Name, req.URL, req.BearerToken)
	if err != nil {
		c.JSON(apierr.HTTPStatus(apierr.KindConflict), apierr.Body(apierr.KindConflict, err.Error()))
		return
	}

	c.JSON(200, gin.H{
		"id":           remote.ID,
		"name":         remote.Name,
		"url":          remote.URL,
		"registeredAt": remote.RegisteredAt,
	})
}

// UnregisterRemote unregisters a remote server (HQ mode only).
func (h *Handler) UnregisterRemote(c *gin.Context) {
	if !h.config.IsHQMode || h.remoteRegistry == nil {
		c.JSON(apierr.HTTPStatus(apierr.KindNotFound), apierr.Body(apierr.KindNotFound, "Not in HQ mode"))
		return
	}

	remoteID := c.Param("id")
	if err := h.remoteRegistry.UnregisterRemote(remoteID); err != nil {
		c.JSON(apierr.HTTPStatus(apierr.KindRemoteNotFound), apierr.Body(apierr.KindRemoteNotFound, err.Error()))
		return
	}

	c.JSON(200, gin.H{"success": true})
}

// RefreshRemoteSessions refreshes the session list for a named remote
// (HQ mode only).
func (h *Handler) RefreshRemoteSessions(c *gin.Context) {
	if !h.config.IsHQMode || h.remoteRegistry == nil {
		c.JSON(apierr.HTTPStatus(apierr.KindNotFound), apierr.Body(apierr.KindNotFound, "Not in HQ mode"))
		return
	}

	name := c.Param("name")
	var remoteID string
	for _, r := range h.remoteRegistry.GetRemotes() {
		if r.Name == name {
			remoteID = r.ID
			break
		}
	}
	if remoteID == "" {
		c.JSON(apierr.HTTPStatus(apierr.KindRemoteNotFound), apierr.Body(apierr.KindRemoteNotFound, "remote not found"))
		return
	}

	if err := h.remoteRegistry.RefreshRemoteSessions(remoteID); err != nil {
		c.JSON(apierr.HTTPStatus(apierr.KindRemoteOffline), apierr.Body(apierr.KindRemoteOffline, err.Error()))
		return
	}

	c.JSON(200, gin.H{"success": true})
}
