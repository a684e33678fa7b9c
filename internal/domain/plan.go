package domain

import (
	"time"

	"fee-ledger/internal/ledger"
	"fee-ledger/pkg/money"
)

// FeePlan is a student's fee total split into installments.
type FeePlan struct {
	ID             string         `json:"id"`
	StudentID      string         `json:"student_id"`
	FeeTypeID      string         `json:"fee_type_id"`
	Title          string         `json:"title"`
	Cadence        ledger.Cadence `json:"cadence"`
	Total          money.Money    `json:"total_amount"`
	StartReference time.Time      `json:"start_reference_date"`
	CreatedBy      string         `json:"created_by"`
	CreatedAt      time.Time      `json:"created_at"`

	Installments []InstallmentRecord `json:"installments,omitempty"`
}

// InstallmentRecord is a stored installment. Version guards concurrent
// payment writes.
type InstallmentRecord struct {
	ID     string `json:"id"`
	PlanID string `json:"plan_id"`
	ledger.Installment
	Status    ledger.Status `json:"status"`
	Version   int           `json:"version"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Snapshots strips persistence fields for the reconciler.
func Snapshots(records []InstallmentRecord) []ledger.Installment {
	out := make([]ledger.Installment, len(records))
	for i, r := range records {
		out[i] = r.Installment
	}
	return out
}

// OverdueInstallment is an unpaid installment past its due date.
type OverdueInstallment struct {
	PlanID     string      `json:"plan_id"`
	StudentID  string      `json:"student_id"`
	CreatedBy  string      `json:"created_by"`
	SequenceNo int         `json:"sequence_no"`
	DueDate    time.Time   `json:"due_date"`
	Remaining  money.Money `json:"remaining_amount"`
}
