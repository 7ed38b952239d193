// websocket_client.go: WebSocket client SDK for the collector stream with auto-reconnect
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Aidin1998/marketbus/internal/marketdata/record"
	"github.com/Aidin1998/marketbus/internal/marketdata/transport"
)

// ErrClosed is returned by Next after Close.
var ErrClosed = errors.New("client closed")

// WSClient reads event batches from a /ws endpoint and redials after a
// dropped connection. Every new connection replays the subscription from its
// floor, so a consumer sees a fresh snapshot after a reconnect.
type WSClient struct {
	url               string
	codec             transport.Codec
	reconnectInterval time.Duration
	logger            *zap.Logger
	dialer            *websocket.Dialer

	connMu sync.Mutex
	conn   *websocket.Conn

	recvCh chan []record.Event
	quitCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewWSClient creates a new WSClient connecting to the given URL
func NewWSClient(rawURL string, codec transport.Codec, reconnectInterval time.Duration, logger *zap.Logger) *WSClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &WSClient{
		url:               rawURL,
		codec:             codec,
		reconnectInterval: reconnectInterval,
		logger:            logger.Named("ws-client"),
		dialer:            websocket.DefaultDialer,
		recvCh:            make(chan []record.Event, 64),
		quitCh:            make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// run manages connection and reconnection
func (c *WSClient) run() {
	defer c.wg.Done()
	for {
		conn, _, err := c.dialer.Dial(c.url, nil)
		if err != nil {
			c.logger.Warn("Dial failed", zap.String("url", c.url), zap.Error(err), zap.Duration("retry", c.reconnectInterval))
			if !c.sleep() {
				return
			}
			continue
		}
		c.connMu.Lock()
		select {
		case <-c.quitCh:
			c.connMu.Unlock()
			conn.Close()
			return
		default:
		}
		c.conn = conn
		c.connMu.Unlock()

		c.readLoop(conn)

		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		conn.Close()
		if !c.sleep() {
			return
		}
	}
}

func (c *WSClient) readLoop(conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.logger.Debug("Connection lost", zap.Error(err))
			}
			return
		}
		events, err := c.codec.Decode(payload)
		if err != nil {
			c.logger.Warn("Dropping undecodable batch", zap.Error(err))
			continue
		}
		select {
		case c.recvCh <- events:
		case <-c.quitCh:
			return
		}
	}
}

func (c *WSClient) sleep() bool {
	t := time.NewTimer(c.reconnectInterval)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.quitCh:
		return false
	}
}

// Next returns the next batch, blocking until one arrives, ctx ends or the
// client is closed.
func (c *WSClient) Next(ctx context.Context) ([]record.Event, error) {
	select {
	case <-c.quitCh:
		return nil, ErrClosed
	default:
	}
	select {
	case events := <-c.recvCh:
		return events, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.quitCh:
		return nil, ErrClosed
	}
}

// Close shuts down the client
func (c *WSClient) Close() {
	c.once.Do(func() {
		close(c.quitCh)
		c.connMu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.connMu.Unlock()
	})
	c.wg.Wait()
}
