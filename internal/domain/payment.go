package domain

import (
	"time"

	"fee-ledger/internal/ledger"
	"fee-ledger/pkg/money"
)

// Payment is one recorded payment event against a plan.
type Payment struct {
	ID          string             `json:"id"`
	PlanID      string             `json:"plan_id"`
	Mode        ledger.PaymentMode `json:"mode"`
	Method      string             `json:"method"`
	PaymentDate *time.Time         `json:"payment_date"`
	Reference   string             `json:"reference"`
	Remarks     string             `json:"remarks"`

	TotalPaid                money.Money `json:"total_paid"`
	TotalDiscount            money.Money `json:"total_discount"`
	TotalCarryForwardApplied money.Money `json:"total_carry_forward_applied"`
	TotalCarriedForward      money.Money `json:"total_carried_forward"`

	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`

	Lines []PaymentLine `json:"lines,omitempty"`
}

type PaymentLine struct {
	InstallmentID       string      `json:"installment_id"`
	SequenceNo          int         `json:"sequence_no"`
	Paid                money.Money `json:"paid"`
	Discount            money.Money `json:"discount"`
	CarriedForward      money.Money `json:"carried_forward"`
	CarryForwardApplied money.Money `json:"carry_forward_applied"`
	Adjusted            bool        `json:"adjusted"`
}

// NewPayment turns a settlement into the payment row and its lines.
// installmentIDs maps sequence numbers to stored installment ids.
func NewPayment(id, planID, createdBy string, mode ledger.PaymentMode, res ledger.SettlementResult, installmentIDs map[int]string, now time.Time) Payment {
	p := Payment{
		ID:                       id,
		PlanID:                   planID,
		Mode:                     mode,
		Method:                   res.Metadata.Method,
		Reference:                res.Metadata.Reference,
		Remarks:                  res.Metadata.Remarks,
		TotalPaid:                res.TotalPaid,
		TotalDiscount:            res.TotalDiscountApplied,
		TotalCarryForwardApplied: res.TotalCarryForwardApplied,
		TotalCarriedForward:      res.TotalCarriedForward,
		CreatedBy:                createdBy,
		CreatedAt:                now,
	}
	if !res.Metadata.Date.IsZero() {
		d := res.Metadata.Date
		p.PaymentDate = &d
	}
	for _, line := range res.Lines {
		seq := line.Installment.SequenceNo
		p.Lines = append(p.Lines, PaymentLine{
			InstallmentID:       installmentIDs[seq],
			SequenceNo:          seq,
			Paid:                line.Paid,
			Discount:            line.Discount,
			CarriedForward:      line.CarriedForward,
			CarryForwardApplied: line.CarryForwardApplied,
			Adjusted:            line.Adjusted,
		})
	}
	return p
}
