package service

import (
	"context"
	"encoding/json"
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

var (
	ErrPlanNotFound              = errors.New("fee plan not found")
	ErrConcessionBalanceExceeded = errors.New("requested discounts exceed the available concession balance")
	ErrInvalidInput              = errors.New("invalid input")
)

type PlanRepository interface {
	Create(ctx context.Context, plan domain.FeePlan, installments []domain.InstallmentRecord) error
	Get(ctx context.Context, id string) (domain.FeePlan, error)
	Installments(ctx context.Context, planID string) ([]domain.InstallmentRecord, error)
	ListPlans(ctx context.Context, f repository.PlansFilter) ([]domain.FeePlan, error)
	Overdue(ctx context.Context, asOf time.Time) ([]domain.OverdueInstallment, error)
}

// Cache is the subset of the Redis client the services need.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Incr(ctx context.Context, key string) (int64, error)
}

// PlanInput holds what the planner needs. A non-empty Breakdown replaces the
// even split with operator-entered amounts.
type PlanInput struct {
	Total          money.Money
	Count          int
	Cadence        ledger.Cadence
	StartReference time.Time
	Breakdown      []money.Money
}

type CreatePlanInput struct {
	PlanInput
	StudentID string
	FeeTypeID string
	Title     string
	CreatedBy string
}

type PlanService struct {
	repo     PlanRepository
	cache    Cache
	cacheTTL time.Duration
	log      logrus.FieldLogger
	now      func() time.Time
}

func NewPlanService(repo PlanRepository, cache Cache, cacheTTL time.Duration, log logrus.FieldLogger) *PlanService {
	return &PlanService{
		repo:     repo,
		cache:    cache,
		cacheTTL: cacheTTL,
		log:      log,
		now:      time.Now,
	}
}

// Cached plans live under a per-plan generation. Invalidate bumps the
// generation, so a reader that loaded the plan before a payment was saved
// can only write its copy under a key nobody reads any more.
func planCacheKey(id, gen string) string {
	return "plan:" + id + ":" + gen
}

func planGenerationKey(id string) string {
	return "plan_gen:" + id
}

func (s *PlanService) cacheGeneration(ctx context.Context, id string) (string, bool) {
	gen, err := s.cache.Get(ctx, planGenerationKey(id))
	if errors.Is(err, clients.ErrCacheMiss) {
		return "0", true
	}
	if err != nil {
		s.log.WithError(err).WithField("plan_id", id).Warn("plan cache read failed")
		return "", false
	}
	return gen, true
}

// Preview runs the planner without storing anything.
func (s *PlanService) Preview(in PlanInput) ([]ledger.Installment, error) {
	req := ledger.PlanRequest{
		Total:          in.Total,
		Count:          in.Count,
		Cadence:        in.Cadence,
		StartReference: in.StartReference,
	}
	if len(in.Breakdown) > 0 {
		return ledger.PlanWithBreakdown(req, in.Breakdown)
	}
	return ledger.Plan(req)
}

func (s *PlanService) CreatePlan(ctx context.Context, in CreatePlanInput) (domain.FeePlan, error) {
	if in.StudentID == "" {
		return domain.FeePlan{}, fmt.Errorf("%w: student_id is required", ErrInvalidInput)
	}
	if in.FeeTypeID == "" {
		return domain.FeePlan{}, fmt.Errorf("%w: fee_type_id is required", ErrInvalidInput)
	}

	installments, err := s.Preview(in.PlanInput)
	if err != nil {
		return domain.FeePlan{}, err
	}

	now := s.now().UTC()
	plan := domain.FeePlan{
		ID:             uuid.NewString(),
		StudentID:      in.StudentID,
		FeeTypeID:      in.FeeTypeID,
		Title:          in.Title,
		Cadence:        in.Cadence,
		Total:          in.Total,
		StartReference: in.StartReference,
		CreatedBy:      in.CreatedBy,
		CreatedAt:      now,
	}

	records := make([]domain.InstallmentRecord, len(installments))
	for i, inst := range installments {
		records[i] = domain.InstallmentRecord{
			ID:          uuid.NewString(),
			PlanID:      plan.ID,
			Installment: inst,
			Status:      inst.Status(),
			Version:     1,
			UpdatedAt:   now,
		}
	}

	if err := s.repo.Create(ctx, plan, records); err != nil {
		return domain.FeePlan{}, fmt.Errorf("store plan: %w", err)
	}
	plan.Installments = records

	s.log.WithFields(logrus.Fields{
		"plan_id":      plan.ID,
		"student_id":   plan.StudentID,
		"cadence":      plan.Cadence,
		"total":        plan.Total.String(),
		"installments": len(records),
	}).Info("fee plan created")

	return plan, nil
}

// GetPlan returns the plan with its installments, served from the cache when
// possible. Payments invalidate the cached copy.
func (s *PlanService) GetPlan(ctx context.Context, id string) (domain.FeePlan, error) {
	var key string
	if s.cache != nil {
		if gen, ok := s.cacheGeneration(ctx, id); ok {
			key = planCacheKey(id, gen)
		}
	}

	if key != "" {
		if raw, err := s.cache.Get(ctx, key); err == nil {
			var plan domain.FeePlan
			if err := json.Unmarshal([]byte(raw), &plan); err == nil {
				return plan, nil
			}
			s.log.WithField("plan_id", id).Warn("discarding unreadable cached plan")
		} else if !errors.Is(err, clients.ErrCacheMiss) {
			s.log.WithError(err).WithField("plan_id", id).Warn("plan cache read failed")
		}
	}

	plan, err := s.load(ctx, id)
	if err != nil {
		return domain.FeePlan{}, err
	}

	if key != "" {
		if data, err := json.Marshal(plan); err == nil {
			if err := s.cache.Set(ctx, key, string(data), s.cacheTTL); err != nil {
				s.log.WithError(err).WithField("plan_id", id).Warn("plan cache write failed")
			}
		}
	}
	return plan, nil
}

func (s *PlanService) load(ctx context.Context, id string) (domain.FeePlan, error) {
	plan, err := s.repo.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return domain.FeePlan{}, ErrPlanNotFound
	}
	if err != nil {
		return domain.FeePlan{}, err
	}
	plan.Installments, err = s.repo.Installments(ctx, id)
	if err != nil {
		return domain.FeePlan{}, err
	}
	return plan, nil
}

// Invalidate retires every cached copy of a plan by moving it to a new
// generation.
func (s *PlanService) Invalidate(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	if _, err := s.cache.Incr(ctx, planGenerationKey(id)); err != nil {
		s.log.WithError(err).WithField("plan_id", id).Warn("plan cache invalidation failed")
	}
}

func (s *PlanService) ListPlans(ctx context.Context, f repository.PlansFilter) ([]domain.FeePlan, error) {
	return s.repo.ListPlans(ctx, f)
}
