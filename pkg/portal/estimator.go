package portal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hanuri/parkpass/pkg/logging"
)

const (
	// maxVisitorTickets is the per-vehicle visitor ticket allowance.
	maxVisitorTickets = 2

	// regimeSwitchMinutes is the elapsed-time threshold at which the
	// estimate stops trusting accumulated discount minutes and reads
	// the displayed fee instead. Near the start of a stay nominal
	// discount minutes track reality; once several fee tiers have been
	// crossed the displayed fee is the more reliable signal.
	regimeSwitchMinutes = 240
)

// Billing is the portal's fee model.
type Billing struct {
	// FeePerHalfHour is the fee charged per started 30 minutes.
	FeePerHalfHour int

	// VisitorTicketMinutes is the minute equivalent of one visitor
	// ticket.
	VisitorTicketMinutes int

	// ResidentDiscountMinutes is the minute equivalent of one resident
	// discount line item found in the results table.
	ResidentDiscountMinutes int

	// CouponValues are the available coupon denominations.
	CouponValues []int
}

// Estimate is the outcome of a free-time estimation. It feeds a
// best-effort UI hint, so failures degrade to zero minutes instead of
// propagating.
type Estimate struct {
	Success         bool   `json:"success"`
	MinutesUntilPay int    `json:"minutes_until_pay"`
	Message         string `json:"message"`
}

// Estimator greedily applies visitor tickets and fixed-value coupons,
// then estimates how many free minutes remain for a parked vehicle.
type Estimator struct {
	billing Billing
	log     *logging.Logger

	// now is injectable for regime-switch tests.
	now func() time.Time
}

// NewEstimator creates an estimator for the given fee model.
func NewEstimator(billing Billing) *Estimator {
	log, _ := logging.NewLogger("estimator")
	return &Estimator{
		billing: billing,
		log:     log,
		now:     time.Now,
	}
}

// Estimate applies available instruments and computes the remaining
// free minutes for a vehicle that entered at entryTime.
func (e *Estimator) Estimate(ctx context.Context, pg Page, vehicleID string, entryTime time.Time) (est Estimate) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorf("panic estimating free time for %s: %v", vehicleID, r)
			est = Estimate{Success: false, MinutesUntilPay: 0, Message: fmt.Sprintf("panic: %v", r)}
		}
	}()

	fail := func(err error) Estimate {
		e.log.Warnf("estimate failed for %s: %v", vehicleID, err)
		return Estimate{Success: false, MinutesUntilPay: 0, Message: err.Error()}
	}

	if err := pg.EnsureAuthenticated(ctx); err != nil {
		return fail(err)
	}

	matches, err := pg.Search(ctx, vehicleID)
	if err != nil {
		return fail(err)
	}
	if len(matches) != 1 {
		return fail(fmt.Errorf("expected exactly one match for %s, got %d", vehicleID, len(matches)))
	}
	if err := pg.Open(ctx, matches[0]); err != nil {
		return fail(err)
	}

	fee, err := pg.Fee(ctx)
	if err != nil {
		return fail(err)
	}

	discountMinutes := 0

	// Visitor tickets first: apply while an application still produces
	// an observed fee change.
	for i := 0; i < maxVisitorTickets && fee > 0; i++ {
		newFee, applied, err := e.applyOnce(ctx, pg, VisitorTicket, fee)
		if err != nil {
			return fail(err)
		}
		if !applied {
			break
		}
		fee = newFee
		discountMinutes += e.billing.VisitorTicketMinutes
	}

	// Then coupons, largest denomination first. A coupon is applied
	// only while its covered time slots do not exceed the remaining
	// fee's slot count, so the fee is never over-discounted.
	for _, value := range e.descendingCoupons() {
		couponSlots := value / e.billing.FeePerHalfHour
		if couponSlots == 0 {
			continue
		}
		for fee > 0 {
			remainingSlots := (fee + e.billing.FeePerHalfHour - 1) / e.billing.FeePerHalfHour
			if couponSlots > remainingSlots {
				break
			}
			newFee, applied, err := e.applyOnce(ctx, pg, Coupon(value), fee)
			if err != nil {
				return fail(err)
			}
			if !applied {
				break
			}
			fee = newFee
			discountMinutes += couponSlots * 30
		}
	}

	// Discounts recorded before this run also count toward the total.
	items, err := pg.LineItems(ctx)
	if err != nil {
		return fail(err)
	}
	for _, label := range items {
		discountMinutes += e.lineItemMinutes(label)
	}

	elapsed := int(e.now().Sub(entryTime).Minutes())
	minutes := e.minutesUntilPay(elapsed, discountMinutes, fee)

	e.log.Infof("vehicle %s: elapsed=%dm discount=%dm fee=%d -> %dm free",
		vehicleID, elapsed, discountMinutes, fee, minutes)

	return Estimate{
		Success:         true,
		MinutesUntilPay: minutes,
		Message:         fmt.Sprintf("about %d minutes of free parking remain", minutes),
	}
}

// applyOnce clicks an instrument and reports whether the fee moved.
// An unavailable instrument or a not-eligible dialog is a normal stop
// condition, not an error.
func (e *Estimator) applyOnce(ctx context.Context, pg Page, inst Instrument, fee int) (int, bool, error) {
	dialog, err := pg.Apply(ctx, inst)
	if errors.Is(err, ErrInstrumentUnavailable) {
		return fee, false, nil
	}
	if err != nil {
		return fee, false, err
	}
	if dialog != "" && isNotEligible(dialog) {
		return fee, false, nil
	}

	newFee, err := pg.WaitFeeChange(ctx, fee, feeChangeWait)
	if err != nil {
		return fee, false, err
	}
	if newFee == fee {
		return fee, false, nil
	}
	return newFee, true, nil
}

func (e *Estimator) descendingCoupons() []int {
	values := make([]int, len(e.billing.CouponValues))
	copy(values, e.billing.CouponValues)
	sort.Sort(sort.Reverse(sort.IntSlice(values)))
	return values
}

// lineItemMinutes maps a recorded discount label to its known minute
// equivalent. Unknown labels contribute nothing.
func (e *Estimator) lineItemMinutes(label string) int {
	lower := strings.ToLower(label)
	switch {
	case strings.Contains(lower, strings.ToLower(WeekdayDiscount.Label)),
		strings.Contains(lower, strings.ToLower(WeekendDiscount.Label)):
		return e.billing.ResidentDiscountMinutes
	case strings.Contains(lower, strings.ToLower(VisitorTicket.Label)):
		return e.billing.VisitorTicketMinutes
	}
	for _, value := range e.billing.CouponValues {
		if strings.Contains(lower, strings.ToLower(Coupon(value).Label)) {
			return value / e.billing.FeePerHalfHour * 30
		}
	}
	return 0
}

// minutesUntilPay combines the two estimate models, picking by
// elapsed-time regime.
func (e *Estimator) minutesUntilPay(elapsed, discountMinutes, fee int) int {
	if elapsed < regimeSwitchMinutes {
		// Model A: discount-time-based.
		return maxInt(0, discountMinutes-elapsed)
	}

	// Model B: fee-based.
	baseFee := (elapsed + 29) / 30 * e.billing.FeePerHalfHour
	totalDiscount := maxInt(0, baseFee-fee)
	coveredMinutes := totalDiscount * 30 / e.billing.FeePerHalfHour
	return maxInt(0, coveredMinutes-elapsed)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
