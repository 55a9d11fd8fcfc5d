package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/marquee/internal/auth"
	"github.com/MarcoPoloResearchLab/marquee/internal/feed"
	"github.com/MarcoPoloResearchLab/marquee/internal/notifications"
	"github.com/MarcoPoloResearchLab/marquee/internal/push"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	userIDContextKey      = "marquee_user_id"
	tokenExpiryContextKey = "marquee_token_expiry"
	defaultBackOfficeRole = "admin"
	accessTokenQueryParam = "access_token"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingTokenManager     = errors.New("token manager dependency required")
	errMissingUserDirectory    = errors.New("user directory dependency required")
	errMissingFeedService      = errors.New("feed service dependency required")
	errInvalidAuthorization    = errors.New("authorization header missing or invalid")
)

// SessionValidator authenticates storefront sessions.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// AccessTokenManager issues and validates the short-lived API credentials.
type AccessTokenManager interface {
	IssueAccessToken(ctx context.Context, subject string) (auth.AccessToken, error)
	ValidateToken(token string) (auth.AccessClaims, error)
}

// UserDirectory resolves session claims and enumerates broadcast recipients.
type UserDirectory interface {
	ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error)
	ListUserIDs(ctx context.Context) ([]string, error)
}

type Dependencies struct {
	Sessions       SessionValidator
	Tokens         AccessTokenManager
	Users          UserDirectory
	Feed           *feed.Service
	Realtime       *RealtimeDispatcher
	AllowedOrigins []string
	BackOfficeRole string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenManager
	}
	if deps.Users == nil {
		return nil, errMissingUserDirectory
	}
	if deps.Feed == nil {
		return nil, errMissingFeedService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	backOfficeRole := strings.TrimSpace(deps.BackOfficeRole)
	if backOfficeRole == "" {
		backOfficeRole = defaultBackOfficeRole
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		sessions:       deps.Sessions,
		tokens:         deps.Tokens,
		users:          deps.Users,
		feed:           deps.Feed,
		realtime:       realtime,
		backOfficeRole: backOfficeRole,
		logger:         logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		heartbeat: defaultHeartbeatInterval,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/auth/token", handler.handleTokenExchange)
	router.POST("/notifications", handler.handleCreateNotification)

	protected := router.Group("/notifications")
	protected.Use(handler.authorizeRequest)
	protected.GET("", handler.handleListNotifications)
	protected.POST("/mark-all-seen", handler.handleMarkAllSeen)
	protected.POST("/mark-read/:category", handler.handleMarkCategoryRead)
	protected.GET("/stream", handler.handleStream)

	return router, nil
}

func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			allowed[trimmed] = struct{}{}
		}
	}
	return cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			if len(allowed) == 0 {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Marquee-Tab"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	sessions       SessionValidator
	tokens         AccessTokenManager
	users          UserDirectory
	feed           *feed.Service
	realtime       *RealtimeDispatcher
	backOfficeRole string
	logger         *zap.Logger
	upgrader       websocket.Upgrader
	heartbeat      time.Duration
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	IssuedAt    int64  `json:"issued_at"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleTokenExchange(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Info("session validation failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	userID, err := h.users.ResolveCanonicalUserID(c.Request.Context(), claims)
	if err != nil {
		h.logger.Warn("failed to resolve user", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	token, err := h.tokens.IssueAccessToken(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to issue access token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token.Token,
		IssuedAt:    token.IssuedAt.Unix(),
		ExpiresIn:   int64(token.ExpiresAt.Sub(token.IssuedAt).Seconds()),
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) handleListNotifications(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	query := feed.Query{
		Page: queryInt(c, "page"),
		Size: queryInt(c, "size"),
	}
	if category := strings.TrimSpace(c.Query("category")); category != "" {
		query.Category = notifications.ParseCategory(category)
	}

	page, err := h.feed.List(c.Request.Context(), userID, query)
	if err != nil {
		h.respondFeedError(c, err)
		return
	}
	c.JSON(http.StatusOK, toListResponse(page))
}

func (h *httpHandler) handleMarkAllSeen(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if err := h.feed.MarkAllSeen(c.Request.Context(), userID); err != nil {
		h.respondFeedError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleMarkCategoryRead(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	category := notifications.ParseCategory(c.Param("category"))
	if category == notifications.CategoryUnknown && !strings.EqualFold(c.Param("category"), string(notifications.CategoryUnknown)) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_category"})
		return
	}
	if err := h.feed.MarkCategoryRead(c.Request.Context(), userID, category); err != nil {
		h.respondFeedError(c, err)
		return
	}
	page, err := h.feed.List(c.Request.Context(), userID, feed.Query{
		Page: queryInt(c, "page"),
		Size: queryInt(c, "size"),
	})
	if err != nil {
		h.respondFeedError(c, err)
		return
	}
	c.JSON(http.StatusOK, toListResponse(page))
}

type createRequestPayload struct {
	Type       string   `json:"type"`
	Title      string   `json:"title"`
	Message    string   `json:"message"`
	Recipients []string `json:"recipients"`
}

func (h *httpHandler) handleCreateNotification(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if !claims.HasRole(h.backOfficeRole) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	var request createRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	recipients := request.Recipients
	if len(recipients) == 0 {
		recipients, err = h.users.ListUserIDs(c.Request.Context())
		if err != nil {
			h.logger.Error("failed to list recipients", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "recipients_unavailable"})
			return
		}
	}

	created, err := h.feed.Create(c.Request.Context(), feed.CreateRequest{
		Category:   notifications.Category(request.Type),
		Title:      request.Title,
		Message:    request.Message,
		Recipients: recipients,
	})
	if err != nil {
		h.respondFeedError(c, err)
		return
	}

	payload, err := json.Marshal(created.Notification)
	if err != nil {
		h.logger.Error("failed to encode notification", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "encode_failed"})
		return
	}
	fanout := h.realtime.Broadcast(created.Recipients, push.EventNotificationNew, payload)
	h.logger.Info("notification pushed",
		zap.String("notification_id", created.Notification.ID),
		zap.Int("recipients", len(created.Recipients)),
		zap.Int("streams", fanout.Delivered),
		zap.Int("dropped", fanout.Dropped))

	c.JSON(http.StatusCreated, created.Notification)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := bearerToken(c.GetHeader("Authorization"))
	if token == "" && c.FullPath() == "/notifications/stream" {
		token = strings.TrimSpace(c.Query(accessTokenQueryParam))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.Subject)
	c.Set(tokenExpiryContextKey, claims.ExpiresAt)
	c.Next()
}

func (h *httpHandler) respondFeedError(c *gin.Context, err error) {
	if feed.IsInvalidInput(err) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.logger.Error("feed request failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "feed_unavailable"})
}

func toListResponse(page feed.Page) notifications.ListResponse {
	items := page.Notifications
	if items == nil {
		items = []notifications.Notification{}
	}
	return notifications.ListResponse{
		Notifications: items,
		Page:          page.Page,
		Size:          page.Size,
		Total:         page.Total,
	}
}

func bearerToken(header string) string {
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func queryInt(c *gin.Context, key string) int {
	value, err := strconv.Atoi(strings.TrimSpace(c.Query(key)))
	if err != nil {
		return 0
	}
	return value
}
