package labcheck

import (
	"context"
	"errors"
	"time"
)

// ConsentOutcome reports how a best-effort consent dismissal ended.
type ConsentOutcome int

const (
	// ConsentDismissed means the dismiss control was found and clicked.
	ConsentDismissed ConsentOutcome = iota
	// ConsentNotPresent means no usable dismiss control appeared in time.
	ConsentNotPresent
)

func (o ConsentOutcome) String() string {
	switch o {
	case ConsentDismissed:
		return "dismissed"
	case ConsentNotPresent:
		return "not present"
	default:
		return "unknown"
	}
}

// DismissConsent tries to click a cookie-consent dismiss control within
// timeout. A control that never appears or cannot be interacted with is a
// recovered outcome, not an error; session and protocol faults still
// propagate so they are not masked by the banner handling.
func DismissConsent(ctx context.Context, p *Page, selector string, timeout time.Duration) (ConsentOutcome, error) {
	el, err := p.WaitForSelector(ctx, selector, timeout)
	if err != nil {
		if errors.Is(err, ErrWaitTimeout) || isNotFound(err) {
			return ConsentNotPresent, nil
		}
		return ConsentNotPresent, err
	}
	if err := el.Click(ctx); err != nil {
		if isNotInteractable(err) || isNotFound(err) {
			return ConsentNotPresent, nil
		}
		return ConsentNotPresent, err
	}
	p.session.log.WithField("selector", selector).Debug("consent banner dismissed")
	return ConsentDismissed, nil
}
