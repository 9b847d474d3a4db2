package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"dialogbot/internal/domain"
	"dialogbot/internal/metrics"
)

const (
	maxBodySize    = 1 << 20 // 1MB
	requestTimeout = 30 * time.Second
	signatureHdr   = "X-Signature-256"
)

// Web serves a synchronous JSON chat API. Each POST publishes one request
// and waits for the finished turn.
type Web struct {
	host        string
	port        int
	path        string
	secret      string
	metricsPath string
	timeout     time.Duration

	bus    domain.MessageBus
	logger *slog.Logger
	server *http.Server

	// pending turns keyed by request ID
	pending   map[string]chan domain.OutboundMessage
	pendingMu sync.Mutex
}

type WebConfig struct {
	Host        string
	Port        int
	Path        string // chat endpoint (default: /api/chat)
	Secret      string // HMAC secret; empty disables signature checks
	MetricsPath string // empty disables the metrics endpoint
	Timeout     time.Duration
	Logger      *slog.Logger
}

// ChatRequest is the JSON body of a chat call. Intent, priority and entities
// are optional upstream analysis results.
type ChatRequest struct {
	UserID         string         `json:"user_id"`
	Text           string         `json:"text"`
	ChannelDetail  string         `json:"channel_detail,omitempty"`
	GroupID        string         `json:"group_id,omitempty"`
	Token          string         `json:"token,omitempty"`
	Intent         string         `json:"intent,omitempty"`
	IntentPriority int            `json:"intent_priority,omitempty"`
	Entities       map[string]any `json:"entities,omitempty"`
}

// ChatResponse is returned for every completed turn.
type ChatResponse struct {
	RequestID   string                  `json:"request_id"`
	Messages    []*domain.Message       `json:"messages"`
	Performance *domain.PerformanceInfo `json:"performance,omitempty"`
}

func NewWeb(cfg WebConfig) *Web {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.Path == "" {
		cfg.Path = "/api/chat"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = requestTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Web{
		host:        cfg.Host,
		port:        cfg.Port,
		path:        cfg.Path,
		secret:      cfg.Secret,
		metricsPath: cfg.MetricsPath,
		timeout:     cfg.Timeout,
		logger:      cfg.Logger,
		pending:     make(map[string]chan domain.OutboundMessage),
	}
}

func (w *Web) Name() string { return "web" }

// SetBus attaches the bus without starting the HTTP server.
func (w *Web) SetBus(bus domain.MessageBus) {
	w.bus = bus
	bus.OnOutbound(w.Name(), w.deliver)
}

// Handler returns the HTTP routes of the channel.
func (w *Web) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+w.path, w.handleChat)
	mux.HandleFunc("GET /status", w.handleStatus)
	if w.metricsPath != "" {
		mux.Handle("GET "+w.metricsPath, metrics.Collector.Handler())
	}
	return mux
}

// Start serves the API until ctx is cancelled.
func (w *Web) Start(ctx context.Context, bus domain.MessageBus) error {
	w.SetBus(bus)

	addr := fmt.Sprintf("%s:%d", w.host, w.port)
	w.server = &http.Server{
		Addr:              addr,
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	w.logger.Info("web api started", "addr", "http://"+addr+w.path, "signed", w.secret != "")

	errCh := make(chan error, 1)
	go func() {
		if err := w.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		w.logger.Info("web api shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return w.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("web server: %w", err)
	}
}

func (w *Web) Stop() error {
	if w.server == nil {
		return nil
	}
	return w.server.Close()
}

func (w *Web) deliver(msg domain.OutboundMessage) {
	if msg.Request == nil {
		return
	}
	w.pendingMu.Lock()
	ch, ok := w.pending[msg.Request.ID]
	w.pendingMu.Unlock()
	if !ok {
		w.logger.Debug("web reply without waiting caller", "request_id", msg.Request.ID)
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

func (w *Web) handleChat(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if w.secret != "" {
		sig := r.Header.Get(signatureHdr)
		if sig == "" {
			http.Error(rw, "Missing signature", http.StatusUnauthorized)
			return
		}
		if !verifyHMAC(body, w.secret, sig) {
			http.Error(rw, "Invalid signature", http.StatusForbidden)
			return
		}
	}

	var req ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(rw, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		http.Error(rw, "user_id is required", http.StatusBadRequest)
		return
	}
	if req.Text == "" && req.Intent == "" {
		http.Error(rw, "text or intent is required", http.StatusBadRequest)
		return
	}
	if w.bus == nil {
		http.Error(rw, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	msg := newRequest(w.Name(), req.ChannelDetail, req.UserID, req.Text, req)
	msg.Token = req.Token
	msg.Intent = req.Intent
	if req.IntentPriority > 0 {
		msg.IntentPriority = domain.Priority(req.IntentPriority)
	}
	for k, v := range req.Entities {
		msg.Entities[k] = v
	}
	if req.GroupID != "" {
		msg.Group = &domain.Group{ID: req.GroupID}
	}

	ch := make(chan domain.OutboundMessage, 1)
	w.pendingMu.Lock()
	w.pending[msg.ID] = ch
	w.pendingMu.Unlock()
	defer func() {
		w.pendingMu.Lock()
		delete(w.pending, msg.ID)
		w.pendingMu.Unlock()
	}()

	w.logger.Debug("web request", "request_id", msg.ID, "user_id", req.UserID, "text_len", len(req.Text))
	w.bus.Publish(msg)

	timer := time.NewTimer(w.timeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		resp := ChatResponse{RequestID: msg.ID, Messages: []*domain.Message{}}
		if out.Response != nil {
			resp.Messages = out.Response.Messages
			resp.Performance = out.Response.Performance
		}
		writeJSON(rw, http.StatusOK, resp)
	case <-timer.C:
		w.logger.Warn("web request timed out", "request_id", msg.ID)
		http.Error(rw, "Gateway Timeout", http.StatusGatewayTimeout)
	case <-r.Context().Done():
	}
}

func (w *Web) handleStatus(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(metrics.Collector.Uptime().Seconds()),
		"turns_total":    metrics.TurnsTotal.Value(),
	})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

// verifyHMAC verifies the HMAC-SHA256 signature of the body.
func verifyHMAC(body []byte, secret, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
