package portal

import "fmt"

// The portal has no API; these selectors describe its fixed UI
// contract. They are versioned by a third party and break when the
// portal is redesigned.
const (
	selLoginForm   = "form#loginForm"
	selLoginUser   = "input[name='userId']"
	selLoginPass   = "input[name='userPw']"
	selLoginSubmit = "button#loginBtn"

	selSearchInput  = "input#carNoKeyword"
	selSearchSubmit = "button#carNoSearchBtn"
	selSearchRow    = "table#carSearchList tbody tr"
	selSearchPlate  = "table#carSearchList tbody tr td.car-no"

	selFeeAmount = "span#currentFee"

	// Rows in the applied-discount table marking instruments already
	// consumed for this vehicle.
	selAppliedMarker = "table#discountList tbody tr.applied"
	selLineItemName  = "table#discountList tbody tr td.discount-name"
)

// notEligiblePhrase is the dialog text the portal raises when an
// instrument cannot be applied to this vehicle again.
const notEligiblePhrase = "cannot be applied"

// Instrument is a discrete discount credential clickable on the
// vehicle detail view.
type Instrument struct {
	// Label is the button text, used as the fallback resolution
	// strategy when the CSS selector no longer matches.
	Label string

	// Selector is the primary CSS selector for the control.
	Selector string

	// Value is the coupon denomination; zero for non-coupon
	// instruments.
	Value int
}

// The primary resident discount comes in a weekday and a weekend
// variant; the portal only enables the one matching the current day.
var (
	WeekdayDiscount = Instrument{
		Label:    "Resident discount (weekday)",
		Selector: "button#dcResidentWeekday",
	}
	WeekendDiscount = Instrument{
		Label:    "Resident discount (weekend)",
		Selector: "button#dcResidentWeekend",
	}
	VisitorTicket = Instrument{
		Label:    "Visitor ticket",
		Selector: "button#dcVisitorTicket",
	}
)

// Coupon returns the fixed-value coupon instrument for a denomination.
func Coupon(value int) Instrument {
	return Instrument{
		Label:    fmt.Sprintf("%d coupon", value),
		Selector: fmt.Sprintf("button#dcCoupon%d", value),
		Value:    value,
	}
}
