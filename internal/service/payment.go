package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fee-ledger/internal/clients"
	"fee-ledger/internal/domain"
	"fee-ledger/internal/ledger"
	"fee-ledger/internal/repository"
	"fee-ledger/pkg/money"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type PaymentRepository interface {
	SaveSettlement(ctx context.Context, payment domain.Payment, installments []domain.InstallmentRecord) error
	List(ctx context.Context, f repository.PaymentsFilter) ([]domain.Payment, error)
}

type Locker interface {
	WithLock(ctx context.Context, key string, fn func() error) error
}

type PaymentNotifier interface {
	NotifyPaymentRecorded(ctx context.Context, operator string, p domain.Payment) error
}

type RecordPaymentInput struct {
	PlanID  string
	Request ledger.PaymentRequest
	// ConcessionBalance, when set, caps the discounts this payment may use.
	ConcessionBalance *money.Money
	Operator          string
}

type RecordPaymentResult struct {
	Payment      domain.Payment             `json:"payment"`
	Settlement   ledger.SettlementResult    `json:"settlement"`
	Installments []domain.InstallmentRecord `json:"installments"`
}

type PaymentService struct {
	plans      *PlanService
	repo       PaymentRepository
	locker     Locker
	reconciler *ledger.Reconciler
	ws         PaymentNotifier
	strict     bool
	log        logrus.FieldLogger
	now        func() time.Time
}

type PaymentServiceConfig struct {
	// Strict rejects over-payable amounts for every request instead of
	// clamping them.
	Strict          bool
	RepairImbalance bool
}

func NewPaymentService(plans *PlanService, repo PaymentRepository, locker Locker, ws PaymentNotifier, cfg PaymentServiceConfig, log logrus.FieldLogger) *PaymentService {
	opts := []ledger.Option{ledger.WithLogger(log)}
	if cfg.RepairImbalance {
		opts = append(opts, ledger.WithImbalanceRepair())
	}
	return &PaymentService{
		plans:      plans,
		repo:       repo,
		locker:     locker,
		reconciler: ledger.NewReconciler(opts...),
		ws:         ws,
		strict:     cfg.Strict,
		log:        log,
		now:        time.Now,
	}
}

// RecordPayment settles a payment against a plan. Payments on the same plan
// are serialised through the plan lock; the installments are re-read inside
// it so every payment reconciles against the latest state.
func (s *PaymentService) RecordPayment(ctx context.Context, in RecordPaymentInput) (RecordPaymentResult, error) {
	var out RecordPaymentResult
	err := s.locker.WithLock(ctx, clients.PlanLockKey(in.PlanID), func() error {
		var err error
		out, err = s.recordLocked(ctx, in)
		return err
	})
	if err != nil {
		return RecordPaymentResult{}, err
	}

	if out.Payment.ID != "" {
		s.plans.Invalidate(ctx, in.PlanID)
		if s.ws != nil {
			if err := s.ws.NotifyPaymentRecorded(ctx, in.Operator, out.Payment); err != nil {
				s.log.WithError(err).WithField("payment_id", out.Payment.ID).Warn("payment notification failed")
			}
		}
	}
	return out, nil
}

func (s *PaymentService) recordLocked(ctx context.Context, in RecordPaymentInput) (RecordPaymentResult, error) {
	plan, err := s.plans.load(ctx, in.PlanID)
	if err != nil {
		return RecordPaymentResult{}, err
	}

	req := in.Request
	req.Strict = req.Strict || s.strict

	if in.ConcessionBalance != nil {
		if requested := ledger.ConcessionTotal(req); requested > *in.ConcessionBalance {
			return RecordPaymentResult{}, fmt.Errorf("%w: requested %s, available %s",
				ErrConcessionBalanceExceeded, requested, *in.ConcessionBalance)
		}
	}

	settlement, err := s.reconciler.Reconcile(domain.Snapshots(plan.Installments), req)
	if err != nil {
		return RecordPaymentResult{}, err
	}

	now := s.now().UTC()
	bySeq := make(map[int]int, len(plan.Installments))
	ids := make(map[int]string, len(plan.Installments))
	for i, rec := range plan.Installments {
		bySeq[rec.SequenceNo] = i
		ids[rec.SequenceNo] = rec.ID
	}

	changed := make([]domain.InstallmentRecord, 0, len(settlement.Lines))
	for _, line := range settlement.Lines {
		rec := plan.Installments[bySeq[line.Installment.SequenceNo]]
		rec.Installment = line.Installment
		rec.Status = line.Installment.Status()
		rec.UpdatedAt = now
		changed = append(changed, rec)
	}

	result := RecordPaymentResult{Settlement: settlement}
	if !moved(settlement) {
		// Nothing to book: re-querying a settled installment returns its state
		// unchanged and leaves no payment behind.
		result.Installments = changed
		s.log.WithField("plan_id", plan.ID).Info("payment settled nothing, no record stored")
		return result, nil
	}

	payment := domain.NewPayment(uuid.NewString(), plan.ID, in.Operator, req.Mode, settlement, ids, now)
	if err := s.repo.SaveSettlement(ctx, payment, changed); err != nil {
		return RecordPaymentResult{}, fmt.Errorf("store settlement: %w", err)
	}
	for i := range changed {
		changed[i].Version++
	}

	result.Payment = payment
	result.Installments = changed

	s.log.WithFields(logrus.Fields{
		"plan_id":               plan.ID,
		"student_id":            plan.StudentID,
		"payment_id":            payment.ID,
		"mode":                  req.Mode,
		"paid":                  settlement.TotalPaid.String(),
		"discount":              settlement.TotalDiscountApplied.String(),
		"carry_forward_applied": settlement.TotalCarryForwardApplied.String(),
		"carried_forward":       settlement.TotalCarriedForward.String(),
	}).Info("payment recorded")

	return result, nil
}

func moved(res ledger.SettlementResult) bool {
	if res.TotalPaid != 0 || res.TotalDiscountApplied != 0 || res.TotalCarryForwardApplied != 0 || res.TotalCarriedForward != 0 {
		return true
	}
	for _, line := range res.Lines {
		if line.Adjusted {
			return true
		}
	}
	return false
}

func (s *PaymentService) ListPayments(ctx context.Context, planID string) ([]domain.Payment, error) {
	if _, err := s.plans.repo.Get(ctx, planID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrPlanNotFound
		}
		return nil, err
	}
	return s.repo.List(ctx, repository.PaymentsFilter{PlanID: &planID})
}
