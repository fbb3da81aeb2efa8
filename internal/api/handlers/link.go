package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/langchou/teslink/internal/models"
	"github.com/langchou/teslink/internal/repository"
	"github.com/langchou/teslink/internal/service"
	"github.com/langchou/teslink/internal/state"
)

// linkView 关联状态响应，不包含令牌
type linkView struct {
	Status string `json:"status"`
	models.AccountLink
}

func newLinkView(link models.AccountLink) linkView {
	return linkView{Status: link.Status(), AccountLink: link}
}

// GetLink 获取当前关联状态
// GET /api/link
func (h *Handler) GetLink(c *gin.Context) {
	link, err := h.links.Status(c.Request.Context(), c.GetString(userIDKey))
	if err != nil {
		h.respondError(c, "Failed to get link", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": newLinkView(link)})
}

// InitiateLink 发起关联，返回授权地址
// GET /api/link/initiate
func (h *Handler) InitiateLink(c *gin.Context) {
	authURL, err := h.links.Initiate(c.Request.Context(), c.GetString(userIDKey))
	if err != nil {
		h.respondError(c, "Failed to initiate link", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": authURL})
}

// LinkCallback 授权回调
// GET /api/link/callback?code=...&state=...
func (h *Handler) LinkCallback(c *gin.Context) {
	result, err := h.links.Callback(c.Request.Context(), c.GetString(userIDKey), c.Query("code"), c.Query("state"))
	if err != nil {
		h.respondError(c, "Failed to complete link", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":            newLinkView(result.Link),
		"vehicles_synced": result.VehiclesSynced,
		"sync_error":      result.SyncError,
	})
}

// Unlink 解除关联
// POST /api/link/unlink
func (h *Handler) Unlink(c *gin.Context) {
	link, err := h.links.Unlink(c.Request.Context(), c.GetString(userIDKey))
	if err != nil {
		h.respondError(c, "Failed to unlink", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": newLinkView(link)})
}

// Reactivate 重新启用关联
// POST /api/link/reactivate
func (h *Handler) Reactivate(c *gin.Context) {
	link, err := h.links.Reactivate(c.Request.Context(), c.GetString(userIDKey))
	if err != nil {
		h.respondError(c, "Failed to reactivate link", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": newLinkView(link)})
}

// RefreshTokens 刷新令牌
// POST /api/link/refresh
func (h *Handler) RefreshTokens(c *gin.Context) {
	link, err := h.links.RefreshTokens(c.Request.Context(), c.GetString(userIDKey))
	if err != nil {
		h.respondError(c, "Failed to refresh tokens", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": newLinkView(link)})
}

// ListVehicles 获取当前账户的车辆
// GET /api/vehicles
func (h *Handler) ListVehicles(c *gin.Context) {
	vehicles, err := h.links.Vehicles(c.Request.Context(), c.GetString(userIDKey))
	if err != nil {
		h.respondError(c, "Failed to list vehicles", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": vehicles})
}

// SyncVehicles 立即同步车辆
// POST /api/vehicles/sync
func (h *Handler) SyncVehicles(c *gin.Context) {
	changed, err := h.links.Sync(c.Request.Context(), c.GetString(userIDKey))
	if err != nil {
		h.respondError(c, "Failed to sync vehicles", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changed": changed})
}

// respondError 将服务层错误映射为 HTTP 响应
func (h *Handler) respondError(c *gin.Context, msg string, err error) {
	if linkErr, ok := service.IsLinkError(err); ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": linkErr.Code, "message": linkErr.Message})
		return
	}

	switch {
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "user not found"})
	case errors.Is(err, state.ErrAlreadyLinked),
		errors.Is(err, state.ErrNoAccountLinked),
		errors.Is(err, state.ErrNotActive),
		errors.Is(err, state.ErrAlreadyActive):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": err.Error()})
	default:
		h.logger.Error(msg, zap.String("user_id", c.GetString(userIDKey)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": msg})
	}
}
