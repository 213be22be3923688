package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"
)

// ErrElementNotFound is returned when neither the primary selector nor
// the text fallback resolves to an element on the page.
var ErrElementNotFound = errors.New("element not found")

// Navigate navigates the session's page to the specified URL.
func (s *Session) Navigate(url string, opts NavigateOptions) error {
	playwrightOpts := playwright.PageGotoOptions{}

	if opts.WaitUntil != "" {
		waitUntil := playwright.WaitUntilState(opts.WaitUntil)
		playwrightOpts.WaitUntil = &waitUntil
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = NavigationTimeout
	}
	playwrightOpts.Timeout = playwright.Float(timeout)

	if _, err := s.Page.Goto(url, playwrightOpts); err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

// Fill fills an input element with the specified value.
func (s *Session) Fill(selector, value string) error {
	if err := s.Page.Fill(selector, value); err != nil {
		return fmt.Errorf("fill failed: %w", err)
	}
	return nil
}

// WaitVisible waits until the element matching selector is visible.
func (s *Session) WaitVisible(selector string, timeout time.Duration) error {
	_, err := s.Page.WaitForSelector(selector, playwright.PageWaitForSelectorOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	})
	if err != nil {
		return fmt.Errorf("wait failed: %w", err)
	}
	return nil
}

// IsVisible reports whether selector currently matches a visible
// element, without waiting.
func (s *Session) IsVisible(selector string) bool {
	visible, err := s.Page.Locator(selector).First().IsVisible()
	return err == nil && visible
}

// InnerText returns the inner text of the first element matching
// selector. Missing elements yield an empty string, not an error.
func (s *Session) InnerText(selector string) (string, error) {
	loc := s.Page.Locator(selector)
	count, err := loc.Count()
	if err != nil {
		return "", fmt.Errorf("selector query failed: %w", err)
	}
	if count == 0 {
		return "", nil
	}
	text, err := loc.First().InnerText()
	if err != nil {
		return "", fmt.Errorf("text extraction failed: %w", err)
	}
	return text, nil
}

// Count returns how many elements match selector.
func (s *Session) Count(selector string) (int, error) {
	n, err := s.Page.Locator(selector).Count()
	if err != nil {
		return 0, fmt.Errorf("selector query failed: %w", err)
	}
	return n, nil
}

// AllInnerTexts returns the inner text of every element matching
// selector.
func (s *Session) AllInnerTexts(selector string) ([]string, error) {
	texts, err := s.Page.Locator(selector).AllInnerTexts()
	if err != nil {
		return nil, fmt.Errorf("selector query failed: %w", err)
	}
	return texts, nil
}

// resolveClickable resolves the primary CSS selector, falling back to a
// substring text lookup when the selector matches nothing. The fallback
// covers portal revisions that rename element ids but keep button
// labels.
func (s *Session) resolveClickable(selector, fallbackText string) (playwright.Locator, error) {
	loc := s.Page.Locator(selector)
	if n, err := loc.Count(); err == nil && n > 0 {
		return loc.First(), nil
	}

	if fallbackText != "" {
		loc = s.Page.GetByText(fallbackText, playwright.PageGetByTextOptions{
			Exact: playwright.Bool(false),
		})
		if n, err := loc.Count(); err == nil && n > 0 {
			return loc.First(), nil
		}
	}

	return nil, fmt.Errorf("%w: %q (fallback %q)", ErrElementNotFound, selector, fallbackText)
}

// ClickWithRetry waits for visibility, scrolls into view, and clicks,
// retrying up to ClickAttempts times with backoff. fallbackText is an
// optional secondary resolution strategy by button label.
func (s *Session) ClickWithRetry(selector, fallbackText string) error {
	var lastErr error
	for attempt := 0; attempt < ClickAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(ClickBackoff * time.Duration(attempt))
		}

		loc, err := s.resolveClickable(selector, fallbackText)
		if err != nil {
			lastErr = err
			continue
		}

		if err := loc.WaitFor(playwright.LocatorWaitForOptions{
			State:   playwright.WaitForSelectorStateVisible,
			Timeout: playwright.Float(2000),
		}); err != nil {
			lastErr = fmt.Errorf("element not visible: %w", err)
			continue
		}

		if err := loc.ScrollIntoViewIfNeeded(); err != nil {
			lastErr = fmt.Errorf("scroll failed: %w", err)
			continue
		}

		if err := loc.Click(playwright.LocatorClickOptions{
			Timeout: playwright.Float(2000),
		}); err != nil {
			lastErr = fmt.Errorf("click failed: %w", err)
			continue
		}

		return nil
	}
	return lastErr
}

// ArmDialogCapture subscribes to page dialogs. Dialogs auto-dismiss, so
// the handler captures the message synchronously, accepts the dialog,
// and buffers the text for NextDialog. Safe to call once per session.
func (s *Session) ArmDialogCapture() {
	if s.dialogs != nil {
		return
	}
	s.dialogs = make(chan string, 4)
	s.Page.OnDialog(func(dialog playwright.Dialog) {
		msg := dialog.Message()
		_ = dialog.Accept()
		select {
		case s.dialogs <- msg:
		default:
			// Buffer full: drop rather than block the event loop.
		}
	})
}

// NextDialog waits up to timeout for a captured dialog message. The
// second return value reports whether a dialog appeared.
func (s *Session) NextDialog(timeout time.Duration) (string, bool) {
	if s.dialogs == nil {
		return "", false
	}
	select {
	case msg := <-s.dialogs:
		return msg, true
	case <-time.After(timeout):
		return "", false
	}
}

// WaitSettled waits for the page's in-flight network activity to go
// idle, bounded by the navigation timeout.
func (s *Session) WaitSettled() error {
	err := s.Page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateNetworkidle,
		Timeout: playwright.Float(NavigationTimeout),
	})
	if err != nil {
		return fmt.Errorf("page did not settle: %w", err)
	}
	return nil
}

// StorageState serializes the context's cookies and storage.
func (s *Session) StorageState() (*playwright.StorageState, error) {
	state, err := s.Context.StorageState()
	if err != nil {
		return nil, fmt.Errorf("failed to read storage state: %w", err)
	}
	return state, nil
}

// URL returns the page's current URL.
func (s *Session) URL() string {
	return s.Page.URL()
}

// closedMarkers are the error fragments Playwright emits when the
// browser process itself has gone away mid-operation.
var closedMarkers = []string{
	"has been closed",
	"Target closed",
	"browser closed",
	"connection closed",
}

// IsClosed reports whether err indicates the browser process died.
// This is the fatal condition that requires a runtime restart.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range closedMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsTimeout reports whether err is a wait or navigation deadline
// expiring, as opposed to an infrastructure failure. Playwright
// timeout errors carry a "Timeout ...ms exceeded" message.
func IsTimeout(err error) bool {
	if err == nil || IsClosed(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}
