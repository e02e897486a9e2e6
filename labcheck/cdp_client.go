package labcheck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

type cdpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type cdpResponse struct {
	ID        int64           `json:"id"`
	Result    json.RawMessage `json:"result"`
	Error     *cdpError       `json:"error"`
	SessionID string          `json:"sessionId"`
}

type cdpEvent struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	SessionID string          `json:"sessionId"`
}

type eventHandler func(event cdpEvent)

// cdpConn is a JSON-RPC connection to a DevTools websocket endpoint. Replies
// are matched to commands by id; everything without an id is an event.
type cdpConn struct {
	url      string
	headers  http.Header
	conn     *websocket.Conn
	pending  map[int64]chan cdpResponse
	handlers map[string][]eventHandler
	mu       sync.Mutex
	writeMu  sync.Mutex
	nextID   int64
	closed   chan struct{}
}

func newCDPConn(url string, headers http.Header) *cdpConn {
	return &cdpConn{
		url:      url,
		headers:  headers,
		pending:  make(map[int64]chan cdpResponse),
		handlers: make(map[string][]eventHandler),
		closed:   make(chan struct{}),
	}
}

func (c *cdpConn) start(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, c.headers)
	if err != nil {
		return err
	}
	c.conn = conn
	go c.readLoop()
	return nil
}

func (c *cdpConn) stop() error {
	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return nil
	default:
		close(c.closed)
	}
	c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *cdpConn) register(method string, handler eventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = append(c.handlers[method], handler)
}

// send issues a protocol command and blocks for its reply. The result is
// handed back raw; callers pick fields out of it with gjson.
func (c *cdpConn) send(ctx context.Context, method string, params map[string]any, sessionID string) (gjson.Result, error) {
	if c.conn == nil {
		return gjson.Result{}, errors.New("cdp connection not started")
	}
	id := atomic.AddInt64(&c.nextID, 1)
	payload := map[string]any{
		"id":     id,
		"method": method,
	}
	if params != nil {
		payload["params"] = params
	}
	if sessionID != "" {
		payload["sessionId"] = sessionID
	}
	message, err := json.Marshal(payload)
	if err != nil {
		return gjson.Result{}, err
	}
	respCh := make(chan cdpResponse, 1)
	c.mu.Lock()
	c.pending[id] = respCh
	c.mu.Unlock()

	c.writeMu.Lock()
	writeErr := c.conn.WriteMessage(websocket.TextMessage, message)
	c.writeMu.Unlock()
	if writeErr != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return gjson.Result{}, writeErr
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return gjson.Result{}, fmt.Errorf("%s: %s", method, resp.Error.Message)
		}
		if len(resp.Result) == 0 {
			return gjson.Result{}, nil
		}
		return gjson.ParseBytes(resp.Result), nil
	case <-ctx.Done():
		return gjson.Result{}, ctx.Err()
	case <-c.closed:
		return gjson.Result{}, errors.New("cdp connection closed")
	}
}

func (c *cdpConn) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			_ = c.stop()
			return
		}
		if gjson.GetBytes(data, "id").Exists() {
			var resp cdpResponse
			if err := json.Unmarshal(data, &resp); err != nil {
				continue
			}
			c.mu.Lock()
			ch := c.pending[resp.ID]
			delete(c.pending, resp.ID)
			c.mu.Unlock()
			if ch != nil {
				ch <- resp
			}
			continue
		}

		var event cdpEvent
		if err := json.Unmarshal(data, &event); err != nil {
			continue
		}
		if event.Method == "" {
			continue
		}
		c.mu.Lock()
		handlers := append([]eventHandler{}, c.handlers[event.Method]...)
		c.mu.Unlock()
		for _, handler := range handlers {
			h := handler
			go h(event)
		}
	}
}
