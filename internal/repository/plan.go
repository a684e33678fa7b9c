package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fee-ledger/internal/domain"
	"fee-ledger/internal/ledger"
	"fee-ledger/pkg/database/postgres"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrVersionConflict = errors.New("installment was modified concurrently")
)

type PlansFilter struct {
	StudentID *string
	FeeTypeID *string
	Limit     int
	Offset    int
}

type PlanRepository struct {
	db *sql.DB
}

func NewPlanRepository(db *sql.DB) *PlanRepository {
	return &PlanRepository{db: db}
}

const installmentColumns = `id, plan_id, sequence_no, due_date, original_cents, discounted_cents, paid_cents, remaining_cents, carry_forward_cents, concessions, version, updated_at`

// Create stores the plan and all of its installments in one transaction.
func (r *PlanRepository) Create(ctx context.Context, plan domain.FeePlan, installments []domain.InstallmentRecord) error {
	return postgres.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO fee_plans (id, student_id, fee_type_id, title, cadence, total_cents, start_reference, created_by, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			plan.ID, plan.StudentID, plan.FeeTypeID, plan.Title, string(plan.Cadence), plan.Total,
			plan.StartReference, plan.CreatedBy, plan.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert plan: %w", err)
		}

		for _, inst := range installments {
			concessions, err := json.Marshal(nonNilConcessions(inst.Concessions))
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO fee_installments (id, plan_id, sequence_no, due_date, original_cents, discounted_cents, paid_cents, remaining_cents, carry_forward_cents, concessions, version, updated_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
				inst.ID, plan.ID, inst.SequenceNo, inst.DueDate, inst.Original, inst.Discounted,
				inst.Paid, inst.Remaining, inst.CarryForward, concessions, inst.Version, inst.UpdatedAt,
			)
			if err != nil {
				return fmt.Errorf("insert installment %d: %w", inst.SequenceNo, err)
			}
		}
		return nil
	})
}

func (r *PlanRepository) Get(ctx context.Context, id string) (domain.FeePlan, error) {
	var p domain.FeePlan
	var cadence string
	err := r.db.QueryRowContext(ctx,
		`SELECT id, student_id, fee_type_id, title, cadence, total_cents, start_reference, created_by, created_at
		 FROM fee_plans WHERE id = $1`, id,
	).Scan(&p.ID, &p.StudentID, &p.FeeTypeID, &p.Title, &cadence, &p.Total, &p.StartReference, &p.CreatedBy, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.FeePlan{}, ErrNotFound
	}
	if err != nil {
		return domain.FeePlan{}, err
	}
	p.Cadence = ledger.Cadence(cadence)
	return p, nil
}

// Installments returns the plan's installments ordered by sequence number.
func (r *PlanRepository) Installments(ctx context.Context, planID string) ([]domain.InstallmentRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+installmentColumns+` FROM fee_installments WHERE plan_id = $1 ORDER BY sequence_no`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.InstallmentRecord
	for rows.Next() {
		rec, err := scanInstallment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *PlanRepository) ListPlans(ctx context.Context, f PlansFilter) ([]domain.FeePlan, error) {
	base := `SELECT id, student_id, fee_type_id, title, cadence, total_cents, start_reference, created_by, created_at FROM fee_plans`

	where := []string{"1=1"}
	args := []any{}
	i := 1

	if f.StudentID != nil && *f.StudentID != "" {
		where = append(where, fmt.Sprintf("student_id = $%d", i))
		args = append(args, *f.StudentID)
		i++
	}
	if f.FeeTypeID != nil && *f.FeeTypeID != "" {
		where = append(where, fmt.Sprintf("fee_type_id = $%d", i))
		args = append(args, *f.FeeTypeID)
		i++
	}

	query := base + " WHERE " + strings.Join(where, " AND ") + " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", i, i+1)
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.FeePlan
	for rows.Next() {
		var p domain.FeePlan
		var cadence string
		if err := rows.Scan(&p.ID, &p.StudentID, &p.FeeTypeID, &p.Title, &cadence, &p.Total, &p.StartReference, &p.CreatedBy, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Cadence = ledger.Cadence(cadence)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Overdue lists installments due before asOf that still have something
// outstanding.
func (r *PlanRepository) Overdue(ctx context.Context, asOf time.Time) ([]domain.OverdueInstallment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT p.id, p.student_id, p.created_by, i.sequence_no, i.due_date, i.remaining_cents
		 FROM fee_installments i JOIN fee_plans p ON p.id = i.plan_id
		 WHERE i.remaining_cents > 0 AND i.due_date < $1
		 ORDER BY i.due_date, p.id, i.sequence_no`, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.OverdueInstallment
	for rows.Next() {
		var o domain.OverdueInstallment
		if err := rows.Scan(&o.PlanID, &o.StudentID, &o.CreatedBy, &o.SequenceNo, &o.DueDate, &o.Remaining); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstallment(row rowScanner) (domain.InstallmentRecord, error) {
	var rec domain.InstallmentRecord
	var concessions []byte
	if err := row.Scan(
		&rec.ID,
		&rec.PlanID,
		&rec.SequenceNo,
		&rec.DueDate,
		&rec.Original,
		&rec.Discounted,
		&rec.Paid,
		&rec.Remaining,
		&rec.CarryForward,
		&concessions,
		&rec.Version,
		&rec.UpdatedAt,
	); err != nil {
		return rec, err
	}
	if len(concessions) > 0 {
		if err := json.Unmarshal(concessions, &rec.Concessions); err != nil {
			return rec, fmt.Errorf("decode concessions of installment %s: %w", rec.ID, err)
		}
	}
	if len(rec.Concessions) == 0 {
		rec.Concessions = nil
	}
	rec.Status = rec.Installment.Status()
	return rec, nil
}

func nonNilConcessions(c []ledger.AppliedConcession) []ledger.AppliedConcession {
	if c == nil {
		return []ledger.AppliedConcession{}
	}
	return c
}
