package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dialogbot/internal/domain"
	"dialogbot/internal/metrics"
)

// WSConfig configures the WebSocket channel.
type WSConfig struct {
	Host   string
	Port   int
	Path   string // WebSocket endpoint path (default: /ws)
	Logger *slog.Logger
}

// WebSocketChannel keeps one conversation per connected user. Clients are
// keyed by user ID; replies go to every connection of that user.
type WebSocketChannel struct {
	host   string
	port   int
	path   string
	bus    domain.MessageBus
	logger *slog.Logger
	server *http.Server

	mu      sync.RWMutex
	clients map[string]*wsClient
}

type wsClient struct {
	conn   *websocket.Conn
	userID string
	mu     sync.Mutex
}

// WSMessage is the JSON protocol for WebSocket communication.
type WSMessage struct {
	Type      string            `json:"type"` // "message" | "reply" | "status" | "error"
	Text      string            `json:"text,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	Detail    string            `json:"channel_detail,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	Messages  []*domain.Message `json:"messages,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func NewWebSocketChannel(cfg WSConfig) *WebSocketChannel {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.Port == 0 {
		cfg.Port = 8081
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WebSocketChannel{
		host:    cfg.Host,
		port:    cfg.Port,
		path:    cfg.Path,
		logger:  cfg.Logger,
		clients: make(map[string]*wsClient),
	}
}

func (ws *WebSocketChannel) Name() string { return "websocket" }

// SetBus attaches the bus without starting the HTTP server.
func (ws *WebSocketChannel) SetBus(bus domain.MessageBus) {
	ws.bus = bus
	bus.OnOutbound(ws.Name(), func(msg domain.OutboundMessage) {
		out := WSMessage{Type: "reply", UserID: msg.ChatID, Messages: []*domain.Message{}}
		if msg.Request != nil {
			out.RequestID = msg.Request.ID
			out.UserID = msg.Request.ChannelUserID
		}
		if msg.Response != nil {
			out.Messages = msg.Response.Messages
		}
		ws.sendToUser(out.UserID, out)
	})
}

func (ws *WebSocketChannel) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(ws.path, ws.handleUpgrade)
	return mux
}

// Start serves WebSocket upgrades until ctx is cancelled.
func (ws *WebSocketChannel) Start(ctx context.Context, bus domain.MessageBus) error {
	ws.SetBus(bus)

	ws.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", ws.host, ws.port),
		Handler:           ws.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ws.logger.Info("websocket server starting", "addr", ws.server.Addr, "path", ws.path)

	errCh := make(chan error, 1)
	go func() {
		if err := ws.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		ws.closeAllClients()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return ws.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (ws *WebSocketChannel) Stop() error {
	ws.closeAllClients()
	if ws.server == nil {
		return nil
	}
	return ws.server.Close()
}

func (ws *WebSocketChannel) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	client := &wsClient{conn: conn, userID: userID}
	clientID := fmt.Sprintf("%s-%p", userID, conn)
	ws.mu.Lock()
	ws.clients[clientID] = client
	ws.mu.Unlock()
	metrics.ActiveConnections.Inc()

	ws.logger.Info("websocket client connected", "client_id", clientID)
	client.send(WSMessage{Type: "status", Text: "connected", UserID: userID})

	defer func() {
		ws.mu.Lock()
		delete(ws.clients, clientID)
		ws.mu.Unlock()
		metrics.ActiveConnections.Dec()
		conn.Close()
		ws.logger.Info("websocket client disconnected", "client_id", clientID)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.logger.Error("websocket read error", "err", err)
			}
			return
		}

		var in WSMessage
		if err := json.Unmarshal(data, &in); err != nil {
			client.send(WSMessage{Type: "error", Text: "invalid message"})
			continue
		}
		if in.Type != "message" || in.Text == "" {
			continue
		}
		ws.bus.Publish(newRequest(ws.Name(), in.Detail, userID, in.Text, in))
	}
}

func (ws *WebSocketChannel) sendToUser(userID string, msg WSMessage) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()

	for _, client := range ws.clients {
		if client.userID == userID {
			client.send(msg)
		}
	}
}

func (c *wsClient) send(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteMessage(websocket.TextMessage, data)
}

func (ws *WebSocketChannel) closeAllClients() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for id, client := range ws.clients {
		client.conn.Close()
		delete(ws.clients, id)
	}
}
