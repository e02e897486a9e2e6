package labcheck

import "errors"

var (
	// ErrElementNotFound is returned when a selector or XPath query matches
	// nothing in the current document.
	ErrElementNotFound = errors.New("element not found")

	// ErrNotInteractable is returned when an element exists but has no
	// visible geometry to click on.
	ErrNotInteractable = errors.New("element not interactable")

	// ErrWaitTimeout is returned when a bounded wait expires before its
	// condition holds.
	ErrWaitTimeout = errors.New("wait timed out")
)

func isNotFound(err error) bool {
	return errors.Is(err, ErrElementNotFound)
}

func isNotInteractable(err error) bool {
	return errors.Is(err, ErrNotInteractable)
}
