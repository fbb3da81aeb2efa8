package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/langchou/teslink/internal/models"
	"github.com/langchou/teslink/internal/service"
	"github.com/langchou/teslink/pkg/ws"
)

// UserIDHeader 调用方身份，由外部认证层注入
const UserIDHeader = "X-User-ID"

const userIDKey = "user_id"

// LinkService 账户关联与车辆同步
type LinkService interface {
	Initiate(ctx context.Context, userID string) (string, error)
	Callback(ctx context.Context, userID, code, stateToken string) (*service.LinkResult, error)
	Unlink(ctx context.Context, userID string) (models.AccountLink, error)
	Reactivate(ctx context.Context, userID string) (models.AccountLink, error)
	RefreshTokens(ctx context.Context, userID string) (models.AccountLink, error)
	Status(ctx context.Context, userID string) (models.AccountLink, error)
	Vehicles(ctx context.Context, userID string) ([]*models.VehicleRecord, error)
	Sync(ctx context.Context, userID string) (int, error)
}

// Handler HTTP 处理器
type Handler struct {
	logger   *zap.Logger
	links    LinkService
	wsHub    *ws.Hub
	upgrader websocket.Upgrader
}

// NewHandler 创建处理器
func NewHandler(logger *zap.Logger, links LinkService, wsHub *ws.Hub) *Handler {
	return &Handler{
		logger: logger,
		links:  links,
		wsHub:  wsHub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 开发环境允许所有来源
			},
		},
	}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api", requireUser)
	{
		// 账户关联
		api.GET("/link", h.GetLink)
		api.GET("/link/initiate", h.InitiateLink)
		api.GET("/link/callback", h.LinkCallback)
		api.POST("/link/unlink", h.Unlink)
		api.POST("/link/reactivate", h.Reactivate)
		api.POST("/link/refresh", h.RefreshTokens)

		// 车辆
		api.GET("/vehicles", h.ListVehicles)
		api.POST("/vehicles/sync", h.SyncVehicles)
	}

	// WebSocket
	r.GET("/ws", h.HandleWebSocket)

	// 健康检查
	r.GET("/health", h.HealthCheck)
}

// requireUser 读取调用方身份
func requireUser(c *gin.Context) {
	userID := strings.TrimSpace(c.GetHeader(UserIDHeader))
	if userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "missing " + UserIDHeader})
		return
	}
	c.Set(userIDKey, userID)
	c.Next()
}

// HandleWebSocket WebSocket 处理
// 浏览器无法在握手时设置请求头，允许通过 user_id 查询参数传递身份
func (h *Handler) HandleWebSocket(c *gin.Context) {
	userID := strings.TrimSpace(c.GetHeader(UserIDHeader))
	if userID == "" {
		userID = strings.TrimSpace(c.Query("user_id"))
	}
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "missing " + UserIDHeader})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	client := ws.NewClient(h.wsHub, conn, userID)
	client.Register()

	// 启动读写协程
	go client.ReadPump()
	go client.WritePump()
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"ws_clients": h.wsHub.ClientCount(),
	})
}
