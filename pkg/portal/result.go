package portal

import "fmt"

// Code classifies the outcome of one discount job.
//
// The integer values are a wire contract: downstream consumers of the
// result events deserialize them as plain ints, so the mapping below
// must not be reordered.
type Code int

const (
	// CodeSuccess means the fee was fully cleared.
	CodeSuccess Code = 0

	// CodeSuccessFeeRemaining means instruments were applied but a fee
	// remains after exhausting the per-vehicle allowance.
	CodeSuccessFeeRemaining Code = 1

	// CodeNotFound means the vehicle search returned no matches.
	CodeNotFound Code = 2

	// CodeAlreadyApplied means the vehicle already carries the maximum
	// discount applications, or the portal reported it as not eligible.
	CodeAlreadyApplied Code = 3

	// CodeAmbiguousVehicle means the search matched more than one
	// vehicle; the result carries the matched identifiers for human
	// disambiguation.
	CodeAmbiguousVehicle Code = 4

	// CodeNoFeeDue means the vehicle has no outstanding fee.
	CodeNoFeeDue Code = 5

	// CodeNoInstrumentAvailable means no discount instrument control
	// could be found on the vehicle's detail view.
	CodeNoInstrumentAvailable Code = 6

	// CodeError is an unexpected or infrastructure failure.
	CodeError Code = 7
)

// String implements fmt.Stringer for log output.
func (c Code) String() string {
	switch c {
	case CodeSuccess:
		return "success"
	case CodeSuccessFeeRemaining:
		return "success_fee_remaining"
	case CodeNotFound:
		return "not_found"
	case CodeAlreadyApplied:
		return "already_applied"
	case CodeAmbiguousVehicle:
		return "ambiguous_vehicle"
	case CodeNoFeeDue:
		return "no_fee_due"
	case CodeNoInstrumentAvailable:
		return "no_instrument_available"
	case CodeError:
		return "error"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// Result is the outcome of one discount job. Produced once, never
// mutated afterwards.
type Result struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`

	// FeeBefore and FeeAfter bracket the applied instruments. Both are
	// zero when the job never reached the vehicle detail view.
	FeeBefore int `json:"fee_before,omitempty"`
	FeeAfter  int `json:"fee_after,omitempty"`

	// Matches carries the full matched-identifier list for
	// CodeAmbiguousVehicle results.
	Matches []string `json:"matches,omitempty"`

	// Err is the underlying failure for CodeError results. Not part of
	// the wire contract; used by the scheduler to detect browser death.
	Err error `json:"-"`
}

// IsSuccess reports whether the job achieved at least a partial
// discount application.
func (r Result) IsSuccess() bool {
	return r.Code == CodeSuccess || r.Code == CodeSuccessFeeRemaining
}

func errorResult(err error) Result {
	return Result{
		Code:    CodeError,
		Message: err.Error(),
		Err:     err,
	}
}
