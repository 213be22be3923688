package scheduler

import (
	"time"

	"github.com/google/uuid"

	"github.com/hanuri/parkpass/pkg/portal"
)

// Kind selects which algorithm a job runs.
type Kind int

const (
	// ApplyDiscount runs the full discount-application sequence.
	ApplyDiscount Kind = iota

	// CheckFeeOnly runs the free-time estimation sequence.
	CheckFeeOnly
)

func (k Kind) String() string {
	switch k {
	case ApplyDiscount:
		return "apply_discount"
	case CheckFeeOnly:
		return "check_fee"
	default:
		return "unknown"
	}
}

// Job priorities. Lower value dequeues first; ties break by insertion
// order.
const (
	// PriorityHigh is for interactive, API-triggered requests.
	PriorityHigh = 0

	// PriorityMedium is for user-initiated "I'm leaving" events.
	PriorityMedium = 50

	// PriorityLow is for the scheduled batch sweep.
	PriorityLow = 100
)

// Job is one unit of browser work. Immutable once enqueued; consumed
// exactly once by the worker; resolved exactly once through its result
// channel.
type Job struct {
	ID         uuid.UUID
	VehicleID  string
	ContactRef string
	Kind       Kind
	Priority   int

	// EntryTime is the vehicle's known entry timestamp, used by
	// CheckFeeOnly jobs.
	EntryTime time.Time

	EnqueuedAt time.Time

	// seq is the FIFO tiebreaker for equal priorities.
	seq uint64

	// result is buffered with capacity one so resolution never blocks.
	result chan portal.Result
}

// Result returns the channel the job's outcome is delivered on. It
// yields exactly one value.
func (j *Job) Result() <-chan portal.Result {
	return j.result
}
