package portal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hanuri/parkpass/pkg/browser"
)

// ErrInstrumentUnavailable is returned by Apply when the instrument
// control is absent from the vehicle detail view.
var ErrInstrumentUnavailable = errors.New("discount instrument not available")

// feeChangeWait bounds how long an application waits for the displayed
// fee to update after a click.
const feeChangeWait = 5 * time.Second

// Page is the set of portal interactions the discount algorithms need.
// The production implementation drives a Playwright session; tests
// substitute a fake.
type Page interface {
	// EnsureAuthenticated lands the page on the vehicle search view,
	// performing the scripted login inline if the portal redirected to
	// the login page.
	EnsureAuthenticated(ctx context.Context) error

	// Search queries the vehicle registry and returns the matched
	// vehicle identifiers.
	Search(ctx context.Context, vehicleID string) ([]string, error)

	// Open navigates to the matched vehicle's detail view.
	Open(ctx context.Context, vehicleID string) error

	// Fee reads the currently displayed fee.
	Fee(ctx context.Context) (int, error)

	// AppliedCount counts the "already applied" markers on the detail
	// view.
	AppliedCount(ctx context.Context) (int, error)

	// Apply clicks the instrument and returns the text of any dialog
	// the portal raised, or empty when none appeared.
	Apply(ctx context.Context, inst Instrument) (string, error)

	// WaitFeeChange waits up to timeout for the displayed fee to
	// differ from prev and returns the latest reading. An unchanged
	// fee is not an error.
	WaitFeeChange(ctx context.Context, prev int, timeout time.Duration) (int, error)

	// LineItems returns the labels of discount line items already
	// recorded in the results table.
	LineItems(ctx context.Context) ([]string, error)
}

// Credentials describes the target portal and the scripted login.
type Credentials struct {
	BaseURL  string
	LoginURL string
	Username string
	Password string
}

// searchURL is the authenticated entry point for vehicle lookups.
func (c Credentials) searchURL() string {
	return c.BaseURL + "/parking/discount"
}

// sessionPage drives the live portal through one browser session.
type sessionPage struct {
	sess  *browser.Session
	creds Credentials
}

// NewPage wraps a checked-out browser session as a portal Page.
func NewPage(sess *browser.Session, creds Credentials) Page {
	sess.ArmDialogCapture()
	return &sessionPage{sess: sess, creds: creds}
}

func (p *sessionPage) EnsureAuthenticated(ctx context.Context) error {
	if err := p.sess.Navigate(p.creds.searchURL(), browser.NavigateOptions{WaitUntil: "networkidle"}); err != nil {
		return err
	}

	// Expired sessions land back on the login form.
	if p.sess.IsVisible(selLoginForm) {
		if err := performLogin(p.sess, p.creds); err != nil {
			return err
		}
		if err := p.sess.Navigate(p.creds.searchURL(), browser.NavigateOptions{WaitUntil: "networkidle"}); err != nil {
			return err
		}
	}
	return nil
}

func (p *sessionPage) Search(ctx context.Context, vehicleID string) ([]string, error) {
	if err := p.sess.Fill(selSearchInput, vehicleID); err != nil {
		return nil, err
	}
	if err := p.sess.ClickWithRetry(selSearchSubmit, "Search"); err != nil {
		return nil, err
	}

	// The result table renders asynchronously; a wait that runs out
	// means zero matches. Any other failure (a dead browser included)
	// must surface as an error, not an empty result.
	if err := p.sess.WaitVisible(selSearchRow, 2*time.Second); err != nil {
		if browser.IsTimeout(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("search results did not load: %w", err)
	}

	plates, err := p.sess.AllInnerTexts(selSearchPlate)
	if err != nil {
		return nil, err
	}

	matches := make([]string, 0, len(plates))
	for _, plate := range plates {
		plate = strings.TrimSpace(plate)
		if plate != "" {
			matches = append(matches, plate)
		}
	}
	return matches, nil
}

func (p *sessionPage) Open(ctx context.Context, vehicleID string) error {
	selector := fmt.Sprintf("%s[data-car-no=%q]", selSearchRow, vehicleID)
	if err := p.sess.ClickWithRetry(selector, vehicleID); err != nil {
		return fmt.Errorf("failed to open vehicle %s: %w", vehicleID, err)
	}
	return p.sess.WaitVisible(selFeeAmount, feeChangeWait)
}

func (p *sessionPage) Fee(ctx context.Context) (int, error) {
	text, err := p.sess.InnerText(selFeeAmount)
	if err != nil {
		return 0, err
	}
	return ParseFee(text), nil
}

func (p *sessionPage) AppliedCount(ctx context.Context) (int, error) {
	return p.sess.Count(selAppliedMarker)
}

func (p *sessionPage) Apply(ctx context.Context, inst Instrument) (string, error) {
	err := p.sess.ClickWithRetry(inst.Selector, inst.Label)
	if err != nil {
		if errors.Is(err, browser.ErrElementNotFound) {
			return "", fmt.Errorf("%w: %s", ErrInstrumentUnavailable, inst.Label)
		}
		return "", err
	}

	// Dialogs auto-dismiss; the session captured any message
	// synchronously in the click handler.
	dialog, _ := p.sess.NextDialog(browser.DialogWait)
	return dialog, nil
}

func (p *sessionPage) WaitFeeChange(ctx context.Context, prev int, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for {
		fee, err := p.Fee(ctx)
		if err != nil {
			return prev, err
		}
		if fee != prev {
			return fee, nil
		}
		if time.Now().After(deadline) {
			return prev, nil
		}
		select {
		case <-ctx.Done():
			return prev, ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

func (p *sessionPage) LineItems(ctx context.Context) ([]string, error) {
	labels, err := p.sess.AllInnerTexts(selLineItemName)
	if err != nil {
		return nil, err
	}
	items := make([]string, 0, len(labels))
	for _, label := range labels {
		label = strings.TrimSpace(label)
		if label != "" {
			items = append(items, label)
		}
	}
	return items, nil
}

// isNotEligible reports whether a dialog message is the portal's
// "cannot be applied again" refusal.
func isNotEligible(dialog string) bool {
	return strings.Contains(strings.ToLower(dialog), notEligiblePhrase)
}
