package portal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hanuri/parkpass/pkg/logging"
)

// maxApplications is the per-vehicle allowance for the resident
// discount: instruments are single-unit, at most two units per vehicle.
const maxApplications = 2

// Applier executes the multi-step UI sequence that looks up a vehicle,
// reads its fee, and applies resident discount instruments, verifying
// each step by observing the displayed fee change.
type Applier struct {
	log *logging.Logger

	// now is injectable for day-of-week instrument selection in tests.
	now func() time.Time
}

// NewApplier creates a discount applier.
func NewApplier() *Applier {
	log, _ := logging.NewLogger("applier")
	return &Applier{
		log: log,
		now: time.Now,
	}
}

// instrumentFor selects the weekday or weekend variant of the resident
// discount for the given moment.
func (a *Applier) instrumentFor(t time.Time) Instrument {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return WeekendDiscount
	default:
		return WeekdayDiscount
	}
}

// Apply runs the full discount sequence for one vehicle. All failures
// are converted into a Result; nothing escapes to the caller.
func (a *Applier) Apply(ctx context.Context, pg Page, vehicleID string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Code: CodeError, Message: fmt.Sprintf("panic applying discount: %v", r)}
			a.log.Errorf("panic applying discount for %s: %v", vehicleID, r)
		}
	}()

	if err := pg.EnsureAuthenticated(ctx); err != nil {
		return errorResult(err)
	}

	matches, err := pg.Search(ctx, vehicleID)
	if err != nil {
		return errorResult(err)
	}
	switch {
	case len(matches) == 0:
		return Result{
			Code:    CodeNotFound,
			Message: fmt.Sprintf("no vehicle matching %s", vehicleID),
		}
	case len(matches) > 1:
		// Never auto-pick: a human has to disambiguate.
		return Result{
			Code:    CodeAmbiguousVehicle,
			Message: fmt.Sprintf("%d vehicles match %s: %s", len(matches), vehicleID, strings.Join(matches, ", ")),
			Matches: matches,
		}
	}

	if err := pg.Open(ctx, matches[0]); err != nil {
		return errorResult(err)
	}

	feeBefore, err := pg.Fee(ctx)
	if err != nil {
		return errorResult(err)
	}
	if feeBefore <= 0 {
		return Result{
			Code:      CodeNoFeeDue,
			Message:   "no fee due",
			FeeBefore: feeBefore,
			FeeAfter:  feeBefore,
		}
	}

	applied, err := pg.AppliedCount(ctx)
	if err != nil {
		return errorResult(err)
	}
	if applied >= maxApplications {
		return Result{
			Code:      CodeAlreadyApplied,
			Message:   fmt.Sprintf("discount already applied %d times", applied),
			FeeBefore: feeBefore,
			FeeAfter:  feeBefore,
		}
	}

	inst := a.instrumentFor(a.now())
	fee := feeBefore
	units := 0

	for applied < maxApplications && fee > 0 {
		dialog, err := pg.Apply(ctx, inst)
		if errors.Is(err, ErrInstrumentUnavailable) {
			if units == 0 {
				return Result{
					Code:      CodeNoInstrumentAvailable,
					Message:   err.Error(),
					FeeBefore: feeBefore,
					FeeAfter:  fee,
				}
			}
			break
		}
		if err != nil {
			return errorResult(err)
		}

		if dialog != "" && isNotEligible(dialog) {
			if units == 0 {
				return Result{
					Code:      CodeAlreadyApplied,
					Message:   dialog,
					FeeBefore: feeBefore,
					FeeAfter:  fee,
				}
			}
			break
		}

		newFee, err := pg.WaitFeeChange(ctx, fee, feeChangeWait)
		if err != nil {
			return errorResult(err)
		}
		if newFee == fee {
			// Click acknowledged but the fee never moved; the portal
			// did not register the instrument.
			if units == 0 {
				return errorResult(fmt.Errorf("fee unchanged after applying %s", inst.Label))
			}
			break
		}

		fee = newFee
		units++
		applied++

		// A second unit is only attempted when no second marker has
		// appeared in the meantime.
		if fee > 0 && applied < maxApplications {
			n, err := pg.AppliedCount(ctx)
			if err != nil {
				return errorResult(err)
			}
			if n >= maxApplications {
				break
			}
		}
	}

	a.log.Infof("vehicle %s: fee %d -> %d (%d units)", vehicleID, feeBefore, fee, units)

	if fee <= 0 {
		return Result{
			Code:      CodeSuccess,
			Message:   fmt.Sprintf("fee %d -> %d", feeBefore, fee),
			FeeBefore: feeBefore,
			FeeAfter:  fee,
		}
	}
	return Result{
		Code:      CodeSuccessFeeRemaining,
		Message:   fmt.Sprintf("fee %d -> %d, %d remaining after %d applications", feeBefore, fee, fee, units),
		FeeBefore: feeBefore,
		FeeAfter:  fee,
	}
}
