package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"fee-ledger/internal/domain"
	"fee-ledger/internal/ledger"
	"fee-ledger/pkg/database/postgres"
)

type PaymentsFilter struct {
	PlanID    *string
	CreatedBy *string
	From      *time.Time
	To        *time.Time
}

type PaymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// SaveSettlement writes the updated installments, the payment and its lines
// in one transaction. Each installment update is conditional on the version
// it was read at; a concurrent writer turns the whole save into
// ErrVersionConflict.
func (r *PaymentRepository) SaveSettlement(ctx context.Context, payment domain.Payment, installments []domain.InstallmentRecord) error {
	return postgres.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		for _, inst := range installments {
			concessions, err := json.Marshal(nonNilConcessions(inst.Concessions))
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx,
				`UPDATE fee_installments
				 SET discounted_cents = $1, paid_cents = $2, remaining_cents = $3, carry_forward_cents = $4,
				     concessions = $5, version = version + 1, updated_at = $6
				 WHERE id = $7 AND version = $8`,
				inst.Discounted, inst.Paid, inst.Remaining, inst.CarryForward,
				concessions, payment.CreatedAt, inst.ID, inst.Version,
			)
			if err != nil {
				return fmt.Errorf("update installment %d: %w", inst.SequenceNo, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("installment %d: %w", inst.SequenceNo, ErrVersionConflict)
			}
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO fee_payments (id, plan_id, mode, method, payment_date, reference, remarks,
			     total_paid_cents, total_discount_cents, total_carry_forward_applied_cents, total_carried_forward_cents,
			     created_by, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			payment.ID, payment.PlanID, string(payment.Mode), payment.Method, payment.PaymentDate,
			payment.Reference, payment.Remarks, payment.TotalPaid, payment.TotalDiscount,
			payment.TotalCarryForwardApplied, payment.TotalCarriedForward, payment.CreatedBy, payment.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert payment: %w", err)
		}

		for _, line := range payment.Lines {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO fee_payment_lines (payment_id, installment_id, sequence_no, paid_cents, discount_cents,
				     carried_forward_cents, carry_forward_applied_cents, adjusted)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				payment.ID, line.InstallmentID, line.SequenceNo, line.Paid, line.Discount,
				line.CarriedForward, line.CarryForwardApplied, line.Adjusted,
			)
			if err != nil {
				return fmt.Errorf("insert payment line %d: %w", line.SequenceNo, err)
			}
		}
		return nil
	})
}

// List returns payments with their lines, newest first.
func (r *PaymentRepository) List(ctx context.Context, f PaymentsFilter) ([]domain.Payment, error) {
	base := `SELECT id, plan_id, mode, method, payment_date, reference, remarks, total_paid_cents, total_discount_cents,
	             total_carry_forward_applied_cents, total_carried_forward_cents, created_by, created_at
	         FROM fee_payments`

	where := []string{"1=1"}
	args := []any{}
	i := 1

	if f.PlanID != nil && *f.PlanID != "" {
		where = append(where, fmt.Sprintf("plan_id = $%d", i))
		args = append(args, *f.PlanID)
		i++
	}
	if f.CreatedBy != nil && *f.CreatedBy != "" {
		where = append(where, fmt.Sprintf("created_by = $%d", i))
		args = append(args, *f.CreatedBy)
		i++
	}
	if f.From != nil {
		where = append(where, fmt.Sprintf("created_at >= $%d", i))
		args = append(args, *f.From)
		i++
	}
	if f.To != nil {
		where = append(where, fmt.Sprintf("created_at <= $%d", i))
		args = append(args, *f.To)
		i++
	}

	query := base + " WHERE " + strings.Join(where, " AND ") + " ORDER BY created_at DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Payment
	index := map[string]int{}
	for rows.Next() {
		var p domain.Payment
		var mode string
		var paymentDate sql.NullTime
		if err := rows.Scan(
			&p.ID,
			&p.PlanID,
			&mode,
			&p.Method,
			&paymentDate,
			&p.Reference,
			&p.Remarks,
			&p.TotalPaid,
			&p.TotalDiscount,
			&p.TotalCarryForwardApplied,
			&p.TotalCarriedForward,
			&p.CreatedBy,
			&p.CreatedAt,
		); err != nil {
			return nil, err
		}
		p.Mode = ledger.PaymentMode(mode)
		if paymentDate.Valid {
			p.PaymentDate = &paymentDate.Time
		}
		index[p.ID] = len(out)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	ids := make([]string, 0, len(out))
	for _, p := range out {
		ids = append(ids, p.ID)
	}
	lineRows, err := r.db.QueryContext(ctx,
		`SELECT payment_id, installment_id, sequence_no, paid_cents, discount_cents, carried_forward_cents,
		     carry_forward_applied_cents, adjusted
		 FROM fee_payment_lines WHERE payment_id = ANY($1) ORDER BY sequence_no`, ids)
	if err != nil {
		return nil, err
	}
	defer lineRows.Close()

	for lineRows.Next() {
		var paymentID string
		var line domain.PaymentLine
		if err := lineRows.Scan(
			&paymentID,
			&line.InstallmentID,
			&line.SequenceNo,
			&line.Paid,
			&line.Discount,
			&line.CarriedForward,
			&line.CarryForwardApplied,
			&line.Adjusted,
		); err != nil {
			return nil, err
		}
		if idx, ok := index[paymentID]; ok {
			out[idx].Lines = append(out[idx].Lines, line)
		}
	}
	return out, lineRows.Err()
}
