package service

import (
	"context"
	"fmt"
	"time"

	"fee-ledger/pkg/money"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

type OverdueNotifier interface {
	NotifyOverdue(ctx context.Context, operator string, planID string, sequenceNo int, remaining money.Money) error
}

// OverdueSweeper periodically reports installments that are past due and
// still have an amount outstanding. It never changes installment amounts.
type OverdueSweeper struct {
	plans PlanRepository
	ws    OverdueNotifier
	log   logrus.FieldLogger
	now   func() time.Time
	cron  *cron.Cron
}

func NewOverdueSweeper(plans PlanRepository, ws OverdueNotifier, log logrus.FieldLogger) *OverdueSweeper {
	return &OverdueSweeper{
		plans: plans,
		ws:    ws,
		log:   log,
		now:   time.Now,
	}
}

// Start schedules Sweep on the given cron spec (standard five-field syntax or
// descriptors such as "@hourly").
func (s *OverdueSweeper) Start(ctx context.Context, spec string) error {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.log.WithError(err).Error("overdue sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule overdue sweep %q: %w", spec, err)
	}
	s.cron = c
	c.Start()
	return nil
}

// Stop waits for a running sweep to finish.
func (s *OverdueSweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// Sweep logs every overdue installment and notifies the operator who
// created its plan. It returns how many installments were overdue.
func (s *OverdueSweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	overdue, err := s.plans.Overdue(ctx, today)
	if err != nil {
		return 0, err
	}

	var total money.Money
	for _, o := range overdue {
		total += o.Remaining
		s.log.WithFields(logrus.Fields{
			"plan_id":     o.PlanID,
			"student_id":  o.StudentID,
			"sequence_no": o.SequenceNo,
			"due_date":    o.DueDate.Format("2006-01-02"),
			"remaining":   o.Remaining.String(),
		}).Info("installment overdue")
		if s.ws != nil {
			if err := s.ws.NotifyOverdue(ctx, o.CreatedBy, o.PlanID, o.SequenceNo, o.Remaining); err != nil {
				s.log.WithError(err).WithField("plan_id", o.PlanID).Warn("overdue notification failed")
			}
		}
	}

	s.log.WithFields(logrus.Fields{
		"count":     len(overdue),
		"remaining": total.String(),
	}).Info("overdue sweep finished")

	return len(overdue), nil
}
