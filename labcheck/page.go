package labcheck

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const pollInterval = 200 * time.Millisecond

// Page drives the single page a session is attached to.
type Page struct {
	session   *Session
	targetID  string
	sessionID string

	// loadFired receives a signal when the browser reports the page's load
	// event. Buffered so the event handler never blocks the read loop.
	loadFired chan struct{}
}

// handleLoadEvent records Page.loadEventFired notifications for this page's
// session; events for other sessions are ignored.
func (p *Page) handleLoadEvent(event cdpEvent) {
	if event.SessionID != p.sessionID {
		return
	}
	select {
	case p.loadFired <- struct{}{}:
	default:
	}
}

func (p *Page) send(ctx context.Context, method string, params map[string]any) (gjson.Result, error) {
	return p.session.conn.send(ctx, method, params, p.sessionID)
}

// Navigate loads url and waits for the document to become ready.
func (p *Page) Navigate(ctx context.Context, url string) error {
	p.session.log.WithField("url", url).Debug("navigating")
	// Drop any load signal left over from a previous navigation.
	select {
	case <-p.loadFired:
	default:
	}
	result, err := p.send(ctx, "Page.navigate", map[string]any{"url": url})
	if err != nil {
		return err
	}
	if errText := result.Get("errorText").String(); errText != "" {
		return fmt.Errorf("navigation to %s failed: %s", url, errText)
	}
	return p.WaitForReady(ctx, 10*time.Second)
}

// Evaluate runs a JavaScript expression in the page and returns its value.
func (p *Page) Evaluate(ctx context.Context, expression string) (gjson.Result, error) {
	result, err := p.send(ctx, "Runtime.evaluate", map[string]any{
		"expression":    expression,
		"returnByValue": true,
		"awaitPromise":  true,
	})
	if err != nil {
		return gjson.Result{}, err
	}
	if details := result.Get("exceptionDetails"); details.Exists() {
		return gjson.Result{}, fmt.Errorf("evaluate failed: %s", details.Get("text").String())
	}
	return result.Get("result.value"), nil
}

// Title returns the current document title.
func (p *Page) Title(ctx context.Context) (string, error) {
	value, err := p.Evaluate(ctx, "document.title")
	return value.String(), err
}

// CurrentURL returns the page's current location.
func (p *Page) CurrentURL(ctx context.Context) (string, error) {
	value, err := p.Evaluate(ctx, "window.location.href")
	return value.String(), err
}

// WaitForReady waits for the page's load event, polling document.readyState
// as well so a page that finished loading before we attached still counts.
func (p *Page) WaitForReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.loadFired:
			return nil
		case <-deadline.C:
			return fmt.Errorf("document not ready: %w", ErrWaitTimeout)
		case <-ticker.C:
			state, err := p.Evaluate(ctx, "document.readyState")
			if err != nil {
				continue
			}
			if s := state.String(); s == "complete" || s == "interactive" {
				return nil
			}
		}
	}
}

func (p *Page) documentNodeID(ctx context.Context) (int64, error) {
	result, err := p.send(ctx, "DOM.getDocument", map[string]any{"depth": 1})
	if err != nil {
		return 0, err
	}
	nodeID := result.Get("root.nodeId").Int()
	if nodeID == 0 {
		return 0, fmt.Errorf("document root missing")
	}
	return nodeID, nil
}

func (p *Page) elementForNodeID(ctx context.Context, nodeID int64) (*Element, error) {
	desc, err := p.send(ctx, "DOM.describeNode", map[string]any{"nodeId": nodeID})
	if err != nil {
		return nil, err
	}
	backendID := desc.Get("node.backendNodeId").Int()
	if backendID == 0 {
		return nil, fmt.Errorf("node %d: backendNodeId missing", nodeID)
	}
	return &Element{page: p, backendNodeID: backendID}, nil
}

// Query finds the first element matching a CSS selector.
func (p *Page) Query(ctx context.Context, selector string) (*Element, error) {
	root, err := p.documentNodeID(ctx)
	if err != nil {
		return nil, err
	}
	result, err := p.send(ctx, "DOM.querySelector", map[string]any{
		"nodeId":   root,
		"selector": selector,
	})
	if err != nil {
		return nil, err
	}
	nodeID := result.Get("nodeId").Int()
	if nodeID == 0 {
		return nil, fmt.Errorf("%q: %w", selector, ErrElementNotFound)
	}
	return p.elementForNodeID(ctx, nodeID)
}

// QueryAll finds every element matching a CSS selector.
func (p *Page) QueryAll(ctx context.Context, selector string) ([]*Element, error) {
	root, err := p.documentNodeID(ctx)
	if err != nil {
		return nil, err
	}
	result, err := p.send(ctx, "DOM.querySelectorAll", map[string]any{
		"nodeId":   root,
		"selector": selector,
	})
	if err != nil {
		return nil, err
	}
	var elements []*Element
	for _, id := range result.Get("nodeIds").Array() {
		el, err := p.elementForNodeID(ctx, id.Int())
		if err != nil {
			continue
		}
		elements = append(elements, el)
	}
	return elements, nil
}

// QueryXPath finds the first element matching an XPath expression.
func (p *Page) QueryXPath(ctx context.Context, expression string) (*Element, error) {
	// performSearch needs the DOM agent primed with the document.
	if _, err := p.documentNodeID(ctx); err != nil {
		return nil, err
	}
	search, err := p.send(ctx, "DOM.performSearch", map[string]any{"query": expression})
	if err != nil {
		return nil, err
	}
	searchID := search.Get("searchId").String()
	count := search.Get("resultCount").Int()
	if searchID != "" {
		defer func() {
			_, _ = p.send(ctx, "DOM.discardSearchResults", map[string]any{"searchId": searchID})
		}()
	}
	if count == 0 {
		return nil, fmt.Errorf("%q: %w", expression, ErrElementNotFound)
	}
	results, err := p.send(ctx, "DOM.getSearchResults", map[string]any{
		"searchId":  searchID,
		"fromIndex": 0,
		"toIndex":   1,
	})
	if err != nil {
		return nil, err
	}
	nodeIDs := results.Get("nodeIds").Array()
	if len(nodeIDs) == 0 {
		return nil, fmt.Errorf("%q: %w", expression, ErrElementNotFound)
	}
	return p.elementForNodeID(ctx, nodeIDs[0].Int())
}

// WaitForSelector polls for a CSS selector match within timeout. Only the
// not-found condition keeps the poll going; protocol faults surface at once.
func (p *Page) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) (*Element, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("waiting for %q: %w", selector, ErrWaitTimeout)
		case <-ticker.C:
			el, err := p.Query(ctx, selector)
			if err == nil {
				return el, nil
			}
			if !isNotFound(err) {
				return nil, err
			}
		}
	}
}

// WaitForURLContains polls the current URL until it contains fragment.
func (p *Page) WaitForURLContains(ctx context.Context, fragment string, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("url does not contain %q: %w", fragment, ErrWaitTimeout)
		case <-ticker.C:
			current, err := p.CurrentURL(ctx)
			if err != nil {
				// Evaluate can fail transiently mid-navigation.
				continue
			}
			if strings.Contains(current, fragment) {
				return nil
			}
		}
	}
}

// CaptureScreenshot returns the rendered page as PNG bytes.
func (p *Page) CaptureScreenshot(ctx context.Context) ([]byte, error) {
	result, err := p.send(ctx, "Page.captureScreenshot", map[string]any{
		"format":                "png",
		"captureBeyondViewport": false,
	})
	if err != nil {
		return nil, err
	}
	data := result.Get("data").String()
	if data == "" {
		return nil, fmt.Errorf("screenshot data missing")
	}
	return base64.StdEncoding.DecodeString(data)
}
