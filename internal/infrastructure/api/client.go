// Package api is the HTTP client of the streaming control plane.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"agentstream/internal/core/domain"
	"agentstream/internal/core/ports"
	"agentstream/pkg/auth"
	"agentstream/pkg/circuitbreaker"
	apperrors "agentstream/pkg/errors"
	"agentstream/pkg/tracing"
)

const defaultTimeout = 30 * time.Second

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRateLimit paces outgoing requests.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps > 0 {
			if burst <= 0 {
				burst = 1
			}
			c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithCircuitBreaker guards every request with cb. Configure cb with
// IsServerFailure so that client errors do not open it.
func WithCircuitBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

// IsServerFailure reports whether err means the control plane itself is
// unhealthy: a transport error or a 5xx reply.
func IsServerFailure(err error) bool {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return appErr.HTTPStatus >= http.StatusInternalServerError
	}
	return err != nil
}

// Client implements ports.ControlPlane over REST.
type Client struct {
	baseURL string
	auth    string
	http    *http.Client
	limiter *rate.Limiter
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger
	now     func() time.Time
}

var _ ports.ControlPlane = (*Client)(nil)

// NewClient builds a client. authorization is sent verbatim in the
// Authorization header, e.g. "Basic <key>" or "Bearer <jwt>".
func NewClient(baseURL, authorization string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		auth:    authorization,
		http:    &http.Client{Timeout: defaultTimeout},
		logger:  zap.NewNop().Sugar(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type errorBody struct {
	Kind        string `json:"kind"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	ctx, span := tracing.TraceHTTPRequest(ctx, method, path)
	defer span.End()

	if c.auth != "" {
		if err := auth.CheckExpiry(c.auth, c.now()); err != nil {
			tracing.RecordError(ctx, err)
			return apperrors.WrapError(err, apperrors.ErrCodeUnauthorized, "client key rejected", http.StatusUnauthorized)
		}
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	var data []byte
	if in != nil {
		var err error
		if data, err = json.Marshal(in); err != nil {
			return fmt.Errorf("marshal %s %s: %w", method, path, err)
		}
	}

	if c.breaker == nil {
		return c.send(ctx, method, path, data, out)
	}
	err := c.breaker.Execute(ctx, func() error {
		return c.send(ctx, method, path, data, out)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		tracing.RecordError(ctx, err)
		return apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "control plane unavailable", http.StatusServiceUnavailable)
	}
	return err
}

func (c *Client) send(ctx context.Context, method, path string, data []byte, out any) error {
	var body io.Reader
	if data != nil {
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.auth != "" {
		req.Header.Set("Authorization", c.auth)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	tracing.AddSpanAttributes(ctx, attribute.Int("http.status_code", resp.StatusCode))
	c.logger.Debugw("Control plane request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		description := eb.Description
		if description == "" {
			description = eb.Message
		}
		if description == "" && len(raw) > 0 && eb.Kind == "" {
			description = strings.TrimSpace(string(raw))
		}
		appErr := apperrors.FromResponse(resp.StatusCode, eb.Kind, description)
		appErr.WithContext("path", path)
		tracing.RecordError(ctx, appErr)
		return appErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func streamsPath(agentID domain.AgentID) string {
	return "/agents/" + url.PathEscape(string(agentID)) + "/streams"
}

func streamPath(agentID domain.AgentID, streamID domain.StreamID) string {
	return streamsPath(agentID) + "/" + url.PathEscape(string(streamID))
}

func (c *Client) CreateStream(ctx context.Context, params domain.StreamParams) (*ports.CreateStreamResponse, error) {
	var out ports.CreateStreamResponse
	if err := c.do(ctx, http.MethodPost, streamsPath(params.AgentID), params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) StartConnection(ctx context.Context, agentID domain.AgentID, streamID domain.StreamID, answer string, sessionID domain.SessionID) error {
	body := map[string]any{
		"answer":     ports.SessionDescription{Type: "answer", SDP: answer},
		"session_id": sessionID,
	}
	return c.do(ctx, http.MethodPost, streamPath(agentID, streamID)+"/sdp", body, nil)
}

// AddICECandidate trickles one candidate. A nil candidate sends only the
// session id, which the server reads as end-of-candidates.
func (c *Client) AddICECandidate(ctx context.Context, agentID domain.AgentID, streamID domain.StreamID, candidate *ports.ICECandidate, sessionID domain.SessionID) error {
	body := map[string]any{"session_id": sessionID}
	if candidate != nil {
		body["candidate"] = candidate.Candidate
		if candidate.SDPMid != nil {
			body["sdpMid"] = *candidate.SDPMid
		}
		if candidate.SDPMLineIndex != nil {
			body["sdpMLineIndex"] = *candidate.SDPMLineIndex
		}
	}
	return c.do(ctx, http.MethodPost, streamPath(agentID, streamID)+"/ice", body, nil)
}

func (c *Client) SendStreamRequest(ctx context.Context, agentID domain.AgentID, streamID domain.StreamID, sessionID domain.SessionID, req domain.SpeakRequest) (*domain.SpeakResult, error) {
	body := map[string]any{
		"script":     req.Script,
		"session_id": sessionID,
	}
	if len(req.Metadata) > 0 {
		body["metadata"] = req.Metadata
	}
	if len(req.Config) > 0 {
		body["config"] = req.Config
	}

	var out domain.SpeakResult
	if err := c.do(ctx, http.MethodPost, streamPath(agentID, streamID), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CloseStream(ctx context.Context, agentID domain.AgentID, streamID domain.StreamID, sessionID domain.SessionID) error {
	return c.do(ctx, http.MethodDelete, streamPath(agentID, streamID), map[string]any{"session_id": sessionID}, nil)
}

func (c *Client) NewChat(ctx context.Context, agentID domain.AgentID, persist bool) (*domain.Chat, error) {
	var out domain.Chat
	path := "/agents/" + url.PathEscape(string(agentID)) + "/chat"
	if err := c.do(ctx, http.MethodPost, path, map[string]any{"persist": persist}, &out); err != nil {
		return nil, err
	}
	if out.AgentID == "" {
		out.AgentID = agentID
	}
	return &out, nil
}

func (c *Client) SendChatMessage(ctx context.Context, agentID domain.AgentID, chatID domain.ChatID, req domain.ChatMessageRequest) (*domain.ChatResponse, error) {
	var out domain.ChatResponse
	path := "/agents/" + url.PathEscape(string(agentID)) + "/chat/" + url.PathEscape(string(chatID))
	if err := c.do(ctx, http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
