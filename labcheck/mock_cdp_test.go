package labcheck

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// mockHandler computes the result payload for one protocol method. Returning
// a cdpFault makes the server answer with a protocol error instead.
type mockHandler func(params gjson.Result) any

type cdpFault struct {
	code    int
	message string
}

// mockCDP is an httptest-backed DevTools endpoint with scriptable replies,
// so driver behavior is testable without a browser.
type mockCDP struct {
	server *httptest.Server
	wsURL  string

	mu            sync.Mutex
	writeMu       sync.Mutex
	conn          *websocket.Conn
	handlers      map[string]mockHandler
	calls         []string
	versionHeader http.Header
	upgradeHeader http.Header
}

func newMockCDP(t *testing.T) *mockCDP {
	t.Helper()
	ms := &mockCDP{handlers: make(map[string]mockHandler)}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		ms.mu.Lock()
		ms.versionHeader = r.Header.Clone()
		ms.mu.Unlock()
		payload := map[string]string{"webSocketDebuggerUrl": ms.wsURL}
		_ = json.NewEncoder(w).Encode(payload)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ms.mu.Lock()
		ms.upgradeHeader = r.Header.Clone()
		ms.conn = conn
		ms.mu.Unlock()
		go ms.handleConn(conn)
	})
	ms.server = httptest.NewServer(mux)
	ms.wsURL = "ws" + ms.server.URL[len("http"):] + "/ws"
	t.Cleanup(ms.server.Close)
	return ms
}

func (ms *mockCDP) handle(method string, h mockHandler) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.handlers[method] = h
}

func (ms *mockCDP) handleConn(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg := gjson.ParseBytes(data)
		method := msg.Get("method").String()
		if method != "" {
			ms.mu.Lock()
			ms.calls = append(ms.calls, method)
			ms.mu.Unlock()
		}
		id := msg.Get("id")
		if !id.Exists() {
			continue
		}

		ms.mu.Lock()
		handler := ms.handlers[method]
		ms.mu.Unlock()

		var result any
		if handler != nil {
			result = handler(msg.Get("params"))
		} else {
			result = defaultResult(method)
		}
		if fault, ok := result.(cdpFault); ok {
			ms.writeJSON(conn, map[string]any{
				"id":    id.Int(),
				"error": map[string]any{"code": fault.code, "message": fault.message},
			})
			continue
		}
		if result == nil {
			result = map[string]any{}
		}
		ms.writeJSON(conn, map[string]any{"id": id.Int(), "result": result})
	}
}

func (ms *mockCDP) writeJSON(conn *websocket.Conn, payload map[string]any) {
	ms.writeMu.Lock()
	defer ms.writeMu.Unlock()
	_ = conn.WriteJSON(payload)
}

// emit pushes a protocol event frame to the connected client.
func (ms *mockCDP) emit(method, sessionID string) {
	ms.mu.Lock()
	conn := ms.conn
	ms.mu.Unlock()
	if conn == nil {
		return
	}
	ms.writeJSON(conn, map[string]any{
		"method":    method,
		"sessionId": sessionID,
		"params":    map[string]any{},
	})
}

func (ms *mockCDP) requestHeader(name string) (version, upgrade string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.versionHeader != nil {
		version = ms.versionHeader.Get(name)
	}
	if ms.upgradeHeader != nil {
		upgrade = ms.upgradeHeader.Get(name)
	}
	return version, upgrade
}

func defaultResult(method string) any {
	switch method {
	case "Target.getTargets":
		return map[string]any{
			"targetInfos": []map[string]any{
				{"targetId": "page-1", "type": "page", "url": "about:blank", "title": ""},
			},
		}
	case "Target.createTarget":
		return map[string]any{"targetId": "page-1"}
	case "Target.attachToTarget":
		return map[string]any{"sessionId": "session-1"}
	default:
		return map[string]any{}
	}
}

func (ms *mockCDP) calledMethods() []string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	out := make([]string, len(ms.calls))
	copy(out, ms.calls)
	return out
}

func (ms *mockCDP) callCount(method string) int {
	count := 0
	for _, call := range ms.calledMethods() {
		if call == method {
			count++
		}
	}
	return count
}

// evalValue wraps a scripted value in Runtime.evaluate's result shape.
func evalValue(v any) map[string]any {
	return map[string]any{"result": map[string]any{"value": v}}
}

// scriptEvaluate replies to Runtime.evaluate from a fixed expression table.
func scriptEvaluate(values map[string]any) mockHandler {
	return func(params gjson.Result) any {
		expr := params.Get("expression").String()
		if v, ok := values[expr]; ok {
			return evalValue(v)
		}
		return evalValue("")
	}
}

// scriptElement wires up the DOM method set so CSS, XPath and bounded-wait
// lookups all resolve to a single element with the given attribute pairs.
func scriptElement(ms *mockCDP, nodeID, backendID int64, attrs []string) {
	ms.handle("DOM.getDocument", func(gjson.Result) any {
		return map[string]any{"root": map[string]any{"nodeId": 1}}
	})
	ms.handle("DOM.querySelector", func(gjson.Result) any {
		return map[string]any{"nodeId": nodeID}
	})
	ms.handle("DOM.querySelectorAll", func(gjson.Result) any {
		return map[string]any{"nodeIds": []int64{nodeID}}
	})
	ms.handle("DOM.performSearch", func(gjson.Result) any {
		return map[string]any{"searchId": "search-1", "resultCount": 1}
	})
	ms.handle("DOM.getSearchResults", func(gjson.Result) any {
		return map[string]any{"nodeIds": []int64{nodeID}}
	})
	ms.handle("DOM.describeNode", func(gjson.Result) any {
		return map[string]any{"node": map[string]any{"backendNodeId": backendID}}
	})
	ms.handle("DOM.pushNodesByBackendIdsToFrontend", func(gjson.Result) any {
		return map[string]any{"nodeIds": []int64{nodeID}}
	})
	ms.handle("DOM.getAttributes", func(gjson.Result) any {
		return map[string]any{"attributes": attrs}
	})
}

func newTestSession(t *testing.T, ms *mockCDP) *Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	s := NewSession(ms.server.URL)
	require.NoError(t, s.Connect(ctx))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
