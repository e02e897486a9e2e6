// Package labcheck is a thin consumer of the Chrome DevTools protocol with
// just enough surface for UI checks: session lifecycle, navigation, element
// lookup with bounded waits, clicks, and screenshots.
package labcheck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Session owns one connection to a running browser and the page it drives.
// A session must be released exactly once with Close, on every exit path.
type Session struct {
	cdpURL  string
	headers map[string]string
	log     *logrus.Logger

	conn      *cdpConn
	page      *Page
	closeOnce sync.Once
	closeErr  error
}

// NewSession prepares a session against a DevTools endpoint. cdpURL may be
// the HTTP endpoint (http://host:port) or a websocket URL.
func NewSession(cdpURL string) *Session {
	return &Session{
		cdpURL: cdpURL,
		log:    logrus.StandardLogger(),
	}
}

// SetLogger replaces the session logger. Must be called before Connect.
func (s *Session) SetLogger(log *logrus.Logger) {
	if log != nil {
		s.log = log
	}
}

// SetHeaders sets extra headers for the DevTools HTTP and websocket requests.
func (s *Session) SetHeaders(headers map[string]string) {
	s.headers = headers
}

// Connect dials the browser and attaches to its first open page, creating a
// blank one when none is open.
func (s *Session) Connect(ctx context.Context) error {
	if s.cdpURL == "" {
		return errors.New("cdp url required")
	}
	wsURL, err := s.resolveWebSocketURL(ctx, s.cdpURL)
	if err != nil {
		return err
	}
	headers := http.Header{}
	for key, value := range s.headers {
		headers.Set(key, value)
	}
	s.conn = newCDPConn(wsURL, headers)
	if err := s.conn.start(ctx); err != nil {
		return err
	}

	targetID, err := s.firstPageTarget(ctx)
	if err != nil {
		return err
	}
	attach, err := s.conn.send(ctx, "Target.attachToTarget", map[string]any{
		"targetId": targetID,
		"flatten":  true,
	}, "")
	if err != nil {
		return err
	}
	sessionID := attach.Get("sessionId").String()
	if sessionID == "" {
		return errors.New("attach returned no session id")
	}
	page := &Page{
		session:   s,
		targetID:  targetID,
		sessionID: sessionID,
		loadFired: make(chan struct{}, 1),
	}
	// Subscribe before enabling the Page domain so no load event is missed.
	s.conn.register("Page.loadEventFired", page.handleLoadEvent)
	if _, err := s.conn.send(ctx, "Page.enable", nil, sessionID); err != nil {
		return err
	}

	s.page = page
	s.log.WithFields(logrus.Fields{"target": targetID, "session": sessionID}).Debug("session attached")
	return nil
}

func (s *Session) firstPageTarget(ctx context.Context) (string, error) {
	targets, err := s.conn.send(ctx, "Target.getTargets", nil, "")
	if err != nil {
		return "", err
	}
	for _, info := range targets.Get("targetInfos").Array() {
		if info.Get("type").String() == "page" {
			return info.Get("targetId").String(), nil
		}
	}
	created, err := s.conn.send(ctx, "Target.createTarget", map[string]any{"url": "about:blank"}, "")
	if err != nil {
		return "", err
	}
	targetID := created.Get("targetId").String()
	if targetID == "" {
		return "", errors.New("failed to create page target")
	}
	return targetID, nil
}

func (s *Session) resolveWebSocketURL(ctx context.Context, cdpURL string) (string, error) {
	if strings.HasPrefix(cdpURL, "ws") {
		return cdpURL, nil
	}
	parsed, err := url.Parse(cdpURL)
	if err != nil {
		return "", err
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	if !strings.HasSuffix(parsed.Path, "/json/version") {
		parsed.Path = path.Join(parsed.Path, "/json/version")
	}
	client := &http.Client{Timeout: 5 * time.Second}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return "", err
	}
	for key, value := range s.headers {
		request.Header.Set(key, value)
	}
	resp, err := client.Do(request)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var payload struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", err
	}
	if payload.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("webSocketDebuggerUrl missing from response")
	}
	return payload.WebSocketDebuggerURL, nil
}

// Page returns the attached page, nil before Connect.
func (s *Session) Page() *Page {
	return s.page
}

// Close releases the websocket connection. Repeated calls return the result
// of the first.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.conn != nil {
			s.closeErr = s.conn.stop()
		}
		s.log.Debug("session closed")
	})
	return s.closeErr
}
