package httpadapter

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/PabloGalante/herdbot/internal/app/conversation"
	"github.com/PabloGalante/herdbot/internal/domain"
	"github.com/PabloGalante/herdbot/internal/observability"
)

type Options struct {
	// Gatherer backs /metrics. Nil leaves the route out.
	Gatherer prometheus.Gatherer
	// RateLimit caps requests per second across all clients; zero disables it.
	RateLimit float64
	Burst     int
	// Debug allows GET .../history?debug=1 to return the plain-text dump.
	Debug bool
}

type Server struct {
	svc   *conversation.Service
	debug bool
}

func NewServer(svc *conversation.Service, opts Options) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{svc: svc, debug: opts.Debug}

	r := gin.New()
	r.Use(gin.Recovery(), withRequestID(), withLogging(), withCORS())
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		r.Use(withRateLimit(rate.NewLimiter(rate.Limit(opts.RateLimit), burst)))
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	conv := r.Group("/conversations/:client")
	conv.POST("/messages", s.handleSendMessage)
	conv.GET("/history", s.handleGetHistory)
	conv.DELETE("", s.handleReset)

	return r
}

// ─────────────────────────────────────────────
// DTOs (request/response)
// ─────────────────────────────────────────────

type sendMessageRequest struct {
	Text string `json:"text"`
}

type sendMessageResponse struct {
	UserMessage      domain.Message `json:"user_message"`
	AssistantMessage domain.Message `json:"assistant_message"`
	Source           string         `json:"source"`
	SessionID        string         `json:"session_id,omitempty"`
}

type fragmentEvent struct {
	Text string `json:"text"`
}

type historyResponse struct {
	ClientID  string           `json:"client_id"`
	SessionID string           `json:"session_id,omitempty"`
	Messages  []domain.Message `json:"messages"`
}

// ─────────────────────────────────────────────
// Concrete handlers
// ─────────────────────────────────────────────

func (s *Server) handleSendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		badRequest(c, "text is required")
		return
	}

	in := conversation.SendMessageInput{ClientID: c.Param("client"), Text: req.Text}
	// A disconnecting client must not abort the turn half-way.
	turnCtx := context.WithoutCancel(c.Request.Context())

	if c.Query("stream") == "false" {
		out, err := s.svc.SendMessage(turnCtx, in, nil)
		if err != nil {
			serviceError(c, err)
			return
		}
		c.JSON(http.StatusOK, toSendMessageResponse(out))
		return
	}

	setSSEHeaders(c)
	clientGone := c.Request.Context().Done()
	out, err := s.svc.SendMessage(turnCtx, in, func(fragment string) error {
		select {
		case <-clientGone:
			return c.Request.Context().Err()
		default:
		}
		c.SSEvent("fragment", fragmentEvent{Text: fragment})
		c.Writer.Flush()
		return nil
	})
	if err != nil {
		observability.LoggerFromContext(c.Request.Context()).Error("turn failed", zap.Error(err))
		c.SSEvent("error", gin.H{"error": publicError(err)})
		c.Writer.Flush()
		return
	}
	c.SSEvent("done", toSendMessageResponse(out))
	c.Writer.Flush()
}

func (s *Server) handleGetHistory(c *gin.Context) {
	tl, err := s.svc.GetHistory(c.Request.Context(), c.Param("client"))
	if err != nil {
		serviceError(c, err)
		return
	}

	if s.debug && c.Query("debug") == "1" {
		var sb strings.Builder
		if err := tl.Dump(&sb); err != nil {
			serviceError(c, err)
			return
		}
		c.String(http.StatusOK, sb.String())
		return
	}

	msgs := tl.Messages
	if msgs == nil {
		msgs = []domain.Message{}
	}
	c.JSON(http.StatusOK, historyResponse{
		ClientID:  tl.ClientID,
		SessionID: tl.SessionID,
		Messages:  msgs,
	})
}

func (s *Server) handleReset(c *gin.Context) {
	if err := s.svc.Reset(c.Request.Context(), c.Param("client")); err != nil {
		serviceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ─────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────

func toSendMessageResponse(out *conversation.SendMessageOutput) sendMessageResponse {
	return sendMessageResponse{
		UserMessage:      out.UserMessage,
		AssistantMessage: out.AssistantMessage,
		Source:           string(out.Source),
		SessionID:        out.SessionID,
	}
}

// sseContentType matches what c.SSEvent writes, so the header is the same
// whether or not an event was rendered.
const sseContentType = "text/event-stream;charset=utf-8"

func setSSEHeaders(c *gin.Context) {
	c.Header("Content-Type", sseContentType)
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}

func serviceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrEmptyMessage), errors.Is(err, domain.ErrInvalidClient):
		badRequest(c, publicError(err))
	default:
		observability.LoggerFromContext(c.Request.Context()).Error("request failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": publicError(err)})
	}
}

func publicError(err error) string {
	switch {
	case errors.Is(err, domain.ErrEmptyMessage):
		return "text is required"
	case errors.Is(err, domain.ErrInvalidClient):
		return "invalid client id"
	default:
		return "internal server error"
	}
}
