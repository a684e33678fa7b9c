package ledger

import (
	"time"

	"fee-ledger/pkg/money"
)

// Status is derived from an installment's amounts and never stored.
type Status string

const (
	StatusUnpaid        Status = "unpaid"
	StatusPartiallyPaid Status = "partially_paid"
	StatusPaid          Status = "paid"
)

// AppliedConcession records one discount granted against an installment.
type AppliedConcession struct {
	ConcessionID string      `json:"concession_id"`
	Amount       money.Money `json:"applied_amount"`
}

// Installment is one scheduled slice of a fee plan.
//
// SequenceNo, DueDate and Original are fixed when the planner creates it; the
// other amounts only change through Reconcile. At all times
//
//	Paid + Discounted + Remaining + CarryForward == Original
type Installment struct {
	SequenceNo   int                 `json:"sequence_no"`
	DueDate      time.Time           `json:"due_date"`
	Original     money.Money         `json:"original_amount"`
	Discounted   money.Money         `json:"discounted_amount"`
	Paid         money.Money         `json:"paid_amount"`
	Remaining    money.Money         `json:"remaining_amount"`
	CarryForward money.Money         `json:"carry_forward_amount"`
	Concessions  []AppliedConcession `json:"applied_concessions"`
}

// NewInstallment builds an untouched installment. Pre-applied concessions
// reduce the remaining amount straight away.
func NewInstallment(seq int, due time.Time, original money.Money, preApplied ...AppliedConcession) Installment {
	inst := Installment{
		SequenceNo: seq,
		DueDate:    due,
		Original:   original,
	}
	for _, c := range preApplied {
		inst.Discounted += c.Amount
		inst.Concessions = append(inst.Concessions, c)
	}
	inst.Remaining = original - inst.Discounted
	return inst
}

// IsPaid reports whether nothing is outstanding and something was actually paid.
func (i Installment) IsPaid() bool {
	return i.Remaining == 0 && i.Paid > 0
}

// HasCarryForward reports a deferred balance, independent of the paid state.
func (i Installment) HasCarryForward() bool {
	return i.CarryForward > 0
}

func (i Installment) Status() Status {
	switch {
	case i.IsPaid():
		return StatusPaid
	case i.Paid > 0:
		return StatusPartiallyPaid
	default:
		return StatusUnpaid
	}
}

// Balanced checks the conservation invariant.
func (i Installment) Balanced() bool {
	return i.Paid+i.Discounted+i.Remaining+i.CarryForward == i.Original
}

// clone copies the installment, including its concession list, so that the
// reconciler never writes into the caller's snapshot.
func (i Installment) clone() Installment {
	out := i
	if i.Concessions != nil {
		out.Concessions = make([]AppliedConcession, len(i.Concessions))
		copy(out.Concessions, i.Concessions)
	}
	return out
}
