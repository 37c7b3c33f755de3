package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"agentstream/internal/core/domain"
	"agentstream/internal/infrastructure/monitoring"
)

// SessionController is the part of the agent session exposed over HTTP.
type SessionController interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Reconnect(ctx context.Context) error
	Chat(ctx context.Context, text string) (*domain.ChatResponse, error)
	Speak(ctx context.Context, req domain.SpeakRequest) (*domain.SpeakResult, error)
	Interrupt(ctx context.Context, kind domain.InterruptType) error

	TransportKind() domain.TransportKind
	ConnectionState() domain.ConnectionState
	StreamSession() (domain.StreamSession, bool)
	Messages() []domain.AssembledMessage
	Connectivity() domain.ConnectivityState
	InMaintenance() bool
	VideoID() string
}

type SessionHandler struct {
	session   SessionController
	health    *monitoring.HealthChecker
	startTime time.Time
}

func NewSessionHandler(session SessionController, health *monitoring.HealthChecker) *SessionHandler {
	return &SessionHandler{
		session:   session,
		health:    health,
		startTime: time.Now(),
	}
}

func (h *SessionHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/healthz", h.Health)

	api := router.Group("/api/v1/session")
	{
		api.GET("", h.Status)
		api.GET("/messages", h.ListMessages)
		api.POST("/connect", h.Connect)
		api.POST("/disconnect", h.Disconnect)
		api.POST("/reconnect", h.Reconnect)
		api.POST("/chat", h.Chat)
		api.POST("/speak", h.Speak)
		api.POST("/interrupt", h.Interrupt)
	}
}

func (h *SessionHandler) Health(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if !status.Healthy() {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": status.Status,
		"checks": status.Checks,
		"uptime": time.Since(h.startTime).String(),
	})
}

func (h *SessionHandler) Status(c *gin.Context) {
	body := gin.H{
		"transport":    h.session.TransportKind(),
		"connection":   h.session.ConnectionState(),
		"connectivity": h.session.Connectivity(),
		"maintenance":  h.session.InMaintenance(),
	}
	if videoID := h.session.VideoID(); videoID != "" {
		body["video_id"] = videoID
	}
	if stream, ok := h.session.StreamSession(); ok {
		body["stream"] = gin.H{
			"stream_id":           stream.StreamID,
			"session_id":          stream.SessionID,
			"interrupt_available": stream.InterruptAvailable,
			"fluent":              stream.Fluent,
			"created_at":          stream.CreatedAt,
		}
	}
	c.JSON(http.StatusOK, body)
}

type messageView struct {
	ID          string    `json:"id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	Interrupted bool      `json:"interrupted,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (h *SessionHandler) ListMessages(c *gin.Context) {
	messages := h.session.Messages()
	out := make([]messageView, 0, len(messages))
	for _, m := range messages {
		out = append(out, messageView{
			ID:          m.ID,
			Role:        string(m.Role),
			Content:     m.Content,
			Interrupted: m.Interrupted,
			CreatedAt:   m.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}

func (h *SessionHandler) Connect(c *gin.Context) {
	if err := h.session.Connect(c.Request.Context()); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"connection": h.session.ConnectionState()})
}

func (h *SessionHandler) Disconnect(c *gin.Context) {
	if err := h.session.Disconnect(c.Request.Context()); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) Reconnect(c *gin.Context) {
	if err := h.session.Reconnect(c.Request.Context()); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"connection": h.session.ConnectionState()})
}

func (h *SessionHandler) Chat(c *gin.Context) {
	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := h.session.Chat(c.Request.Context(), req.Content)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat_id": resp.ChatID, "result": resp.Result})
}

func (h *SessionHandler) Speak(c *gin.Context) {
	var req domain.SpeakRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.session.Speak(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

func (h *SessionHandler) Interrupt(c *gin.Context) {
	var req struct {
		Type domain.InterruptType `json:"type"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.Type == "" {
		req.Type = domain.InterruptClick
	}

	if err := h.session.Interrupt(c.Request.Context(), req.Type); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}
