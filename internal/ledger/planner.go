package ledger

import (
	"time"

	"fee-ledger/pkg/money"
)

// PlanRequest describes the schedule to generate for a fee total.
type PlanRequest struct {
	Total          money.Money
	Count          int
	Cadence        Cadence
	StartReference time.Time
}

func (r PlanRequest) validate() error {
	if !r.Cadence.Valid() {
		return newError(ErrInvalidPlan, "cadence", 0, "unknown cadence %q", r.Cadence)
	}
	if r.Total <= 0 {
		return newError(ErrInvalidPlan, "total_amount", 0, "total must be greater than zero, got %s", r.Total)
	}
	if limit := r.Cadence.MaxInstallments(); r.Count < 1 || r.Count > limit {
		return newError(ErrInvalidPlan, "installment_count", 0, "%s plans allow 1 to %d installments, got %d", r.Cadence, limit, r.Count)
	}
	if r.StartReference.IsZero() {
		return newError(ErrInvalidPlan, "start_reference_date", 0, "start reference date is required")
	}
	return nil
}

// Plan splits the total into Count installments whose amounts add up to the
// total exactly and differ from each other by at most one cent.
func Plan(req PlanRequest) ([]Installment, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	return schedule(req, Distribute(req.Total, req.Count)), nil
}

// PlanWithBreakdown builds the schedule from operator-entered amounts instead
// of the even split. The breakdown must cover the total exactly.
func PlanWithBreakdown(req PlanRequest, breakdown []money.Money) ([]Installment, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if len(breakdown) != req.Count {
		return nil, newError(ErrInvalidPlan, "breakdown", 0, "expected %d amounts, got %d", req.Count, len(breakdown))
	}
	if err := ValidateBreakdown(breakdown, req.Total); err != nil {
		return nil, err
	}
	return schedule(req, breakdown), nil
}

// Distribute splits total into n parts. The first total%n parts carry one
// extra cent. A non-positive n yields no parts.
func Distribute(total money.Money, n int) []money.Money {
	if n <= 0 {
		return []money.Money{}
	}
	base := total / money.Money(n)
	remainder := int(total - base*money.Money(n))

	parts := make([]money.Money, n)
	for i := range parts {
		parts[i] = base
		if i < remainder {
			parts[i]++
		}
	}
	return parts
}

// ValidateBreakdown checks that every installment amount is positive and the
// amounts sum to total.
func ValidateBreakdown(breakdown []money.Money, total money.Money) error {
	if len(breakdown) == 0 {
		return newError(ErrInvalidPlan, "breakdown", 0, "breakdown is empty")
	}
	var sum money.Money
	for i, amount := range breakdown {
		if amount <= 0 {
			return newError(ErrInvalidPlan, "breakdown", i+1, "installment amount must be greater than zero, got %s", amount)
		}
		sum += amount
	}
	if sum != total {
		return newError(ErrInvalidPlan, "breakdown", 0, "installments sum to %s, expected %s", sum, total)
	}
	return nil
}

func schedule(req PlanRequest, amounts []money.Money) []Installment {
	out := make([]Installment, len(amounts))
	for i, amount := range amounts {
		seq := i + 1
		out[i] = NewInstallment(seq, req.Cadence.DueDate(req.StartReference, seq), amount)
	}
	return out
}
