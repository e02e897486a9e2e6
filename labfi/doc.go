// Package labfi holds browser-driven UI checks for the public LAB.fi site:
// page title, meta description, cookie-consent-aware navigation, and a
// timestamped front-page snapshot for manual audit.
//
// The checks drive a real browser against the live site, so they are gated
// behind LABFI_E2E=1. By default each check launches its own Chrome; set
// LABFI_CDP_URL to attach to an already running instance instead.
package labfi

import "time"

const (
	// TargetURL is the fixed page under test.
	TargetURL = "https://lab.fi/en"

	// WantTitle must appear in the page title.
	WantTitle = "LAB University of Applied Sciences | LAB.fi"

	// WantMetaDescription is the exact content of the description meta tag.
	WantMetaDescription = "LAB is a higher education institution focusing on innovation, business and industry. It operates in Lahti and Lappeenranta and also provides education online."

	// ConsentRejectSelector is the site's reject-all control. There is no
	// standard naming for these; the id comes from the page source.
	ConsentRejectSelector = "#ppms_cm_reject-all"

	// NewsLinkSelector finds the News and Stories link by its Drupal node.
	NewsLinkSelector = `a[data-drupal-link-system-path="node/5"]`

	// NewsPathFragment must appear in the URL after the navigation.
	NewsPathFragment = "/news-and-stories"

	consentWait = 5 * time.Second
	navWait     = 10 * time.Second
)
