package portal

import (
	"context"
	"time"
)

// fakePage is an in-memory Page for exercising the discount algorithms
// without a browser.
type fakePage struct {
	matches     []string
	fee         int
	markerCount int
	lineItems   []string

	// unavailable lists instrument labels whose control is absent.
	unavailable map[string]bool

	// dialogs are returned by successive Apply calls, in order.
	dialogs []string

	// pendingFees are consumed by WaitFeeChange after each effective
	// Apply; an empty queue leaves the fee unchanged.
	pendingFees []int

	applyCalls []Instrument
	openCalls  []string
	searchErr  error
	feeErr     error
	applyErr   error
}

func (f *fakePage) EnsureAuthenticated(ctx context.Context) error { return nil }

func (f *fakePage) Search(ctx context.Context, vehicleID string) ([]string, error) {
	return f.matches, f.searchErr
}

func (f *fakePage) Open(ctx context.Context, vehicleID string) error {
	f.openCalls = append(f.openCalls, vehicleID)
	return nil
}

func (f *fakePage) Fee(ctx context.Context) (int, error) {
	return f.fee, f.feeErr
}

func (f *fakePage) AppliedCount(ctx context.Context) (int, error) {
	return f.markerCount, nil
}

func (f *fakePage) Apply(ctx context.Context, inst Instrument) (string, error) {
	if f.unavailable[inst.Label] {
		return "", ErrInstrumentUnavailable
	}
	if f.applyErr != nil {
		return "", f.applyErr
	}
	f.applyCalls = append(f.applyCalls, inst)

	var dialog string
	if len(f.dialogs) > 0 {
		dialog = f.dialogs[0]
		f.dialogs = f.dialogs[1:]
	}
	return dialog, nil
}

func (f *fakePage) WaitFeeChange(ctx context.Context, prev int, timeout time.Duration) (int, error) {
	if len(f.pendingFees) == 0 {
		return prev, nil
	}
	f.fee = f.pendingFees[0]
	f.pendingFees = f.pendingFees[1:]
	// Each effective application also records a marker on the portal.
	f.markerCount++
	return f.fee, nil
}

func (f *fakePage) LineItems(ctx context.Context) ([]string, error) {
	return f.lineItems, nil
}
