package labcheck

import (
	"context"
	"fmt"
	"math"
)

// Element is a handle to a DOM node, stable across node tree rebuilds.
type Element struct {
	page          *Page
	backendNodeID int64
}

func (e *Element) nodeID(ctx context.Context) (int64, error) {
	result, err := e.page.send(ctx, "DOM.pushNodesByBackendIdsToFrontend", map[string]any{
		"backendNodeIds": []int64{e.backendNodeID},
	})
	if err != nil {
		return 0, err
	}
	ids := result.Get("nodeIds").Array()
	if len(ids) == 0 {
		return 0, fmt.Errorf("node %d: %w", e.backendNodeID, ErrElementNotFound)
	}
	return ids[0].Int(), nil
}

func (e *Element) objectID(ctx context.Context) (string, error) {
	nodeID, err := e.nodeID(ctx)
	if err != nil {
		return "", err
	}
	result, err := e.page.send(ctx, "DOM.resolveNode", map[string]any{"nodeId": nodeID})
	if err != nil {
		return "", err
	}
	objID := result.Get("object.objectId").String()
	if objID == "" {
		// A node without a remote object cannot be scripted against.
		return "", fmt.Errorf("node %d has no remote object: %w", e.backendNodeID, ErrNotInteractable)
	}
	return objID, nil
}

// Attribute returns the value of a named attribute, empty when unset.
func (e *Element) Attribute(ctx context.Context, name string) (string, error) {
	nodeID, err := e.nodeID(ctx)
	if err != nil {
		return "", err
	}
	result, err := e.page.send(ctx, "DOM.getAttributes", map[string]any{"nodeId": nodeID})
	if err != nil {
		return "", err
	}
	attrs := result.Get("attributes").Array()
	for i := 0; i+1 < len(attrs); i += 2 {
		if attrs[i].String() == name {
			return attrs[i+1].String(), nil
		}
	}
	return "", nil
}

// center returns the viewport-clamped midpoint of the element's first content
// quad. ErrNotInteractable means the element has no visible geometry.
func (e *Element) center(ctx context.Context) (float64, float64, error) {
	layout, err := e.page.send(ctx, "Page.getLayoutMetrics", nil)
	if err != nil {
		return 0, 0, err
	}
	viewportWidth := layout.Get("layoutViewport.clientWidth").Float()
	viewportHeight := layout.Get("layoutViewport.clientHeight").Float()

	result, err := e.page.send(ctx, "DOM.getContentQuads", map[string]any{
		"backendNodeId": e.backendNodeID,
	})
	if err != nil {
		return 0, 0, err
	}
	quads := result.Get("quads").Array()
	if len(quads) == 0 {
		return 0, 0, fmt.Errorf("node %d: %w", e.backendNodeID, ErrNotInteractable)
	}
	quad := quads[0].Array()
	if len(quad) < 8 {
		return 0, 0, fmt.Errorf("node %d: %w", e.backendNodeID, ErrNotInteractable)
	}
	var sumX, sumY float64
	for i := 0; i < 8; i += 2 {
		sumX += quad[i].Float()
		sumY += quad[i+1].Float()
	}
	x := math.Max(0, math.Min(viewportWidth-1, sumX/4))
	y := math.Max(0, math.Min(viewportHeight-1, sumY/4))
	return x, y, nil
}

// Click dispatches a mouse click at the element's center. Elements without
// visible geometry fall back to a synthetic JavaScript click.
func (e *Element) Click(ctx context.Context) error {
	x, y, err := e.center(ctx)
	if err != nil {
		if isNotInteractable(err) {
			return e.jsClick(ctx)
		}
		return err
	}
	_, err = e.page.send(ctx, "Input.dispatchMouseEvent", map[string]any{
		"type": "mousePressed", "x": x, "y": y, "button": "left", "clickCount": 1,
	})
	if err != nil {
		return err
	}
	_, err = e.page.send(ctx, "Input.dispatchMouseEvent", map[string]any{
		"type": "mouseReleased", "x": x, "y": y, "button": "left", "clickCount": 1,
	})
	return err
}

func (e *Element) jsClick(ctx context.Context) error {
	objID, err := e.objectID(ctx)
	if err != nil {
		return fmt.Errorf("js click: %w", err)
	}
	_, err = e.page.send(ctx, "Runtime.callFunctionOn", map[string]any{
		"functionDeclaration": "function() { this.click(); }",
		"objectId":            objID,
	})
	return err
}
