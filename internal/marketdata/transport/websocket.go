package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Aidin1998/marketbus/internal/marketdata/collector"
	"github.com/Aidin1998/marketbus/internal/marketdata/record"
)

const (
	defaultWriteWait  = 10 * time.Second
	defaultPongWait   = 60 * time.Second
	defaultPingPeriod = 30 * time.Second
	maxMessageSize    = 512
)

// WebSocketHandler serves one collector agent per connection. The query
// selects the subscription:
//
//	record    schema name (required)
//	symbol    comma separated symbols (required)
//	from      subscription start time, default 0
//	conflate  deliver only the latest event per symbol
//	legacy    strip protocol flags
type WebSocketHandler struct {
	collector *collector.Collector
	codec     Codec
	logger    *zap.Logger
	upgrader  websocket.Upgrader

	BatchSize  int
	PingPeriod time.Duration
	WriteWait  time.Duration
}

func NewWebSocketHandler(c *collector.Collector, logger *zap.Logger) *WebSocketHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketHandler{
		collector: c,
		codec:     NewJSONCodec(c.Scheme()),
		logger:    logger.Named("ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		BatchSize:  256,
		PingPeriod: defaultPingPeriod,
		WriteWait:  defaultWriteWait,
	}
}

type wsRequest struct {
	subs     []collector.Subscription
	conflate bool
	legacy   bool
}

func (h *WebSocketHandler) parse(r *http.Request) (wsRequest, error) {
	q := r.URL.Query()
	var req wsRequest
	schema, ok := h.collector.Scheme().Lookup(q.Get("record"))
	if !ok {
		return req, fmt.Errorf("%w: %q", ErrUnknownRecord, q.Get("record"))
	}
	from := int64(0)
	if s := q.Get("from"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return req, fmt.Errorf("invalid from %q", s)
		}
		from = v
	}
	for _, sym := range strings.Split(q.Get("symbol"), ",") {
		sym = strings.TrimSpace(sym)
		if sym == "" {
			continue
		}
		req.subs = append(req.subs, collector.Subscription{Schema: schema, Symbol: sym, FromTime: from})
	}
	if len(req.subs) == 0 {
		return req, errors.New("no symbol given")
	}
	req.conflate, _ = strconv.ParseBool(q.Get("conflate"))
	req.legacy, _ = strconv.ParseBool(q.Get("legacy"))
	return req, nil
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, err := h.parse(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	opts := []collector.AgentOption{
		collector.WithAgentName(r.RemoteAddr),
		collector.WithSnapshotSupport(!req.legacy),
	}
	if req.conflate {
		opts = append(opts, collector.WithConflation())
	}
	agent, err := h.collector.NewAgent(opts...)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if err := agent.SetSubscription(req.subs); err != nil {
		agent.Close()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		agent.Close()
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	h.logger.Info("Client connected", zap.String("agent", agent.ID().String()), zap.Int("subscriptions", len(req.subs)))

	ctx, cancel := context.WithCancel(r.Context())
	go h.readPump(conn, cancel)
	go h.pingLoop(ctx, conn)
	h.writePump(ctx, conn, agent)
	cancel()
	agent.Close()
	_ = conn.Close()
	h.logger.Info("Client disconnected", zap.String("agent", agent.ID().String()))
}

// readPump discards client frames; any read error ends the connection.
func (h *WebSocketHandler) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(defaultPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(defaultPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WebSocketHandler) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(h.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.WriteWait)); err != nil {
				return
			}
		}
	}
}

func (h *WebSocketHandler) writePump(ctx context.Context, conn *websocket.Conn, agent *collector.Agent) {
	buf := record.NewBuffer(h.BatchSize)
	for {
		buf.Reset()
		if _, err := agent.RetrieveBlocking(ctx, buf); err != nil {
			return
		}
		if buf.Len() == 0 {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "no subscriptions"),
				time.Now().Add(h.WriteWait))
			return
		}
		payload, err := h.codec.Encode(buf.Events())
		if err != nil {
			h.logger.Error("Failed to encode batch", zap.Error(err))
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(h.WriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}
