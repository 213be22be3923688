package browser

import (
	"time"

	"github.com/playwright-community/playwright-go"
)

const (
	// DefaultMaxSessions is the session permit count when none is
	// configured.
	DefaultMaxSessions = 10

	// DefaultTimeout is the default per-operation timeout in
	// milliseconds.
	DefaultTimeout = 5000

	// NavigationTimeout bounds logins and page loads (ms).
	NavigationTimeout = 8000

	// ClickAttempts is how many times a retried click is attempted
	// before giving up.
	ClickAttempts = 3

	// ClickBackoff is the pause between click attempts.
	ClickBackoff = 500 * time.Millisecond

	// DialogWait bounds how long a click waits for a portal dialog to
	// appear before concluding none was raised.
	DialogWait = 1500 * time.Millisecond
)

// Session is an exclusively-owned, single-use browser context checked
// out from the Runtime for the duration of one job.
type Session struct {
	// Context is the isolated browser context
	Context playwright.BrowserContext

	// Page is the session's single page
	Page playwright.Page

	// CreatedAt is the timestamp when the session was opened
	CreatedAt time.Time

	dialogs chan string
}

// NavigateOptions configures page navigation behavior.
type NavigateOptions struct {
	// WaitUntil specifies when to consider navigation successful.
	// Valid values: "load", "domcontentloaded", "networkidle"
	WaitUntil string

	// Timeout in milliseconds (0 means NavigationTimeout)
	Timeout float64
}
