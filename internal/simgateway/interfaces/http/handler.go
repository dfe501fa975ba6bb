// Package http 网关的 HTTP 接口：会话与模拟器控制、WebSocket/SSE 推送、探针与统计
package http

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/wyfcoding/simgateway/internal/simgateway/application"
	"github.com/wyfcoding/simgateway/internal/simgateway/domain"
	"github.com/wyfcoding/simgateway/pkg/logger"
)

// ReadinessCheck 就绪探针依赖检查
type ReadinessCheck func(ctx context.Context) error

// Handler HTTP 处理器
type Handler struct {
	svc      *application.Service
	stream   StreamConfig
	checks   map[string]ReadinessCheck
	upgrader websocket.Upgrader
	draining atomic.Bool
}

// NewHandler 创建处理器
func NewHandler(svc *application.Service, stream StreamConfig, checks map[string]ReadinessCheck) *Handler {
	return &Handler{
		svc:    svc,
		stream: stream.withDefaults(),
		checks: checks,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// SetDraining 下线期间就绪探针返回 503
func (h *Handler) SetDraining(v bool) {
	h.draining.Store(v)
}

// errorStatus 稳定错误码到 HTTP 状态
func errorStatus(code string) int {
	switch code {
	case domain.CodeInvalidToken:
		return http.StatusUnauthorized
	case domain.CodeForbidden:
		return http.StatusForbidden
	case domain.CodeInvalidSession, domain.CodeSimulatorNotFound:
		return http.StatusNotFound
	case domain.CodeNoActiveSimulator, domain.CodeBindingActive, domain.CodeBindingTerminal, domain.CodeConflict:
		return http.StatusConflict
	case domain.CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	case domain.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	code := domain.ErrorCode(err)
	status := errorStatus(code)
	if status >= http.StatusInternalServerError {
		logger.Error(c.Request.Context(), "Request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

// bearer 从 Authorization 头或 token 查询参数读取令牌，浏览器的 EventSource 只能用后者
func bearer(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return c.Query("token")
}

// CreateSession POST /api/v1/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	sess, created, err := h.svc.CreateSession(c.Request.Context(), bearer(c))
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, sess)
}

// GetSession GET /api/v1/sessions/:id
func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.svc.GetSession(c.Request.Context(), c.Param("id"), bearer(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// EndSession DELETE /api/v1/sessions/:id
func (h *Handler) EndSession(c *gin.Context) {
	if err := h.svc.EndSession(c.Request.Context(), c.Param("id"), bearer(c)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ended"})
}

// StartSimulator POST /api/v1/sessions/:id/simulator
func (h *Handler) StartSimulator(c *gin.Context) {
	simID, endpoint, err := h.svc.StartSimulator(c.Request.Context(), c.Param("id"), bearer(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"simulator_id": simID, "endpoint": endpoint})
}

// StopSimulator DELETE /api/v1/sessions/:id/simulator?force=true
func (h *Handler) StopSimulator(c *gin.Context) {
	force, _ := strconv.ParseBool(c.Query("force"))
	if err := h.svc.StopSimulator(c.Request.Context(), c.Param("id"), bearer(c), force); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

// SimulatorStatus GET /api/v1/sessions/:id/simulator
func (h *Handler) SimulatorStatus(c *gin.Context) {
	b, health, err := h.svc.SimulatorStatus(c.Request.Context(), c.Param("id"), bearer(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"simulator": b, "health": health})
}

func subscription(c *gin.Context, kind domain.TransportKind) application.Subscription {
	sub := application.Subscription{
		ClientID:  c.Query("client_id"),
		SessionID: c.Param("id"),
		Transport: kind,
	}
	if raw := c.Query("symbols"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				sub.Symbols = append(sub.Symbols, strings.ToUpper(s))
			}
		}
	}
	return sub
}

// StreamWS GET /api/v1/sessions/:id/stream/ws
func (h *Handler) StreamWS(c *gin.Context) {
	ctx := context.WithoutCancel(c.Request.Context())
	token := bearer(c)
	sub := subscription(c, domain.TransportWebSocket)
	if err := h.svc.Preflight(ctx, sub.SessionID, token); err != nil {
		writeError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn(ctx, "WebSocket upgrade failed", "session_id", sub.SessionID, "error", err)
		return
	}
	t := newWSTransport(conn, h.stream)
	go t.writePump(func() { h.svc.KeepAlive(ctx, sub.SessionID, domain.TransportWebSocket) })

	sub, err = h.svc.Attach(ctx, sub, token, t)
	if err != nil {
		t.fail(domain.ErrorCode(err), err.Error())
		return
	}
	defer h.svc.Detach(sub.SessionID, sub.ClientID, t)

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(h.stream.PongWait))
	conn.SetPongHandler(func(string) error {
		h.svc.KeepAlive(ctx, sub.SessionID, domain.TransportWebSocket)
		return conn.SetReadDeadline(time.Now().Add(h.stream.PongWait))
	})
	for {
		// 客户端帧只用于保活
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug(ctx, "WebSocket closed", "session_id", sub.SessionID, "client_id", sub.ClientID, "error", err)
			}
			t.abort()
			return
		}
		h.svc.KeepAlive(ctx, sub.SessionID, domain.TransportWebSocket)
		_ = conn.SetReadDeadline(time.Now().Add(h.stream.PongWait))
	}
}

// StreamSSE GET /api/v1/sessions/:id/stream/sse
func (h *Handler) StreamSSE(c *gin.Context) {
	reqCtx := c.Request.Context()
	ctx := context.WithoutCancel(reqCtx)
	token := bearer(c)
	sub := subscription(c, domain.TransportSSE)
	if err := h.svc.Preflight(ctx, sub.SessionID, token); err != nil {
		writeError(c, err)
		return
	}

	t := newSSETransport(h.stream)
	sub, err := h.svc.Attach(ctx, sub, token, t)
	if err != nil {
		writeError(c, err)
		return
	}
	defer func() {
		h.svc.Detach(sub.SessionID, sub.ClientID, t)
		t.abort()
	}()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Header("X-Client-ID", sub.ClientID)

	ticker := time.NewTicker(h.stream.PingInterval)
	defer ticker.Stop()

	c.Stream(func(_ io.Writer) bool {
		select {
		case data := <-t.out:
			c.SSEvent("update", string(data))
			return true
		case <-ticker.C:
			h.svc.KeepAlive(ctx, sub.SessionID, domain.TransportSSE)
			c.SSEvent("ping", strconv.FormatInt(time.Now().UnixMilli(), 10))
			return true
		case <-t.Done():
			pending, final := t.drain()
			for _, data := range pending {
				c.SSEvent("update", string(data))
			}
			if final != nil {
				c.SSEvent("terminal", string(final))
			}
			return false
		case <-reqCtx.Done():
			return false
		}
	})
}

// Live GET /health/live
func (h *Handler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "UP"})
}

// Ready GET /health/ready
func (h *Handler) Ready(c *gin.Context) {
	if h.draining.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "DRAINING"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "UP"
	}
	state := "READY"
	if status != http.StatusOK {
		state = "NOT_READY"
	}
	c.JSON(status, gin.H{"status": state, "checks": results})
}

// Stats GET /api/v1/stats
func (h *Handler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Stats())
}
