package service

import (
	"context"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"fee-ledger/internal/clients"
	"fee-ledger/internal/domain"
	"fee-ledger/internal/repository"
	"fee-ledger/pkg/money"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type memoryPlans struct {
	mu           sync.Mutex
	plans        map[string]domain.FeePlan
	installments map[string][]domain.InstallmentRecord
	gets         int
	overdue      []domain.OverdueInstallment
	err          error

	// afterInstallments runs once, after Installments has copied its result
	afterInstallments func()
}

func newMemoryPlans() *memoryPlans {
	return &memoryPlans{
		plans:        map[string]domain.FeePlan{},
		installments: map[string][]domain.InstallmentRecord{},
	}
}

func (m *memoryPlans) Create(_ context.Context, plan domain.FeePlan, installments []domain.InstallmentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	plan.Installments = nil
	m.plans[plan.ID] = plan
	m.installments[plan.ID] = append([]domain.InstallmentRecord(nil), installments...)
	return nil
}

func (m *memoryPlans) Get(_ context.Context, id string) (domain.FeePlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	p, ok := m.plans[id]
	if !ok {
		return domain.FeePlan{}, repository.ErrNotFound
	}
	return p, nil
}

func (m *memoryPlans) Installments(_ context.Context, planID string) ([]domain.InstallmentRecord, error) {
	m.mu.Lock()
	out := append([]domain.InstallmentRecord(nil), m.installments[planID]...)
	hook := m.afterInstallments
	m.afterInstallments = nil
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
	return out, nil
}

func (m *memoryPlans) ListPlans(_ context.Context, f repository.PlansFilter) ([]domain.FeePlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.FeePlan
	for _, p := range m.plans {
		if f.StudentID != nil && p.StudentID != *f.StudentID {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryPlans) Overdue(_ context.Context, asOf time.Time) ([]domain.OverdueInstallment, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []domain.OverdueInstallment
	for _, o := range m.overdue {
		if o.DueDate.Before(asOf) {
			out = append(out, o)
		}
	}
	return out, nil
}

// memoryPayments shares the plan store so saved settlements update the
// installments the way the SQL repository does.
type memoryPayments struct {
	plans    *memoryPlans
	payments []domain.Payment
	listErr  error
	saveErr  error
}

func (m *memoryPayments) SaveSettlement(_ context.Context, payment domain.Payment, installments []domain.InstallmentRecord) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.plans.mu.Lock()
	defer m.plans.mu.Unlock()

	stored := m.plans.installments[payment.PlanID]
	for _, inst := range installments {
		for i := range stored {
			if stored[i].ID != inst.ID {
				continue
			}
			if stored[i].Version != inst.Version {
				return repository.ErrVersionConflict
			}
			inst.Version++
			stored[i] = inst
		}
	}
	m.payments = append(m.payments, payment)
	return nil
}

func (m *memoryPayments) List(_ context.Context, f repository.PaymentsFilter) ([]domain.Payment, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []domain.Payment
	for _, p := range m.payments {
		if f.PlanID != nil && p.PlanID != *f.PlanID {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

type recordingLocker struct {
	keys []string
}

func (l *recordingLocker) WithLock(_ context.Context, key string, fn func() error) error {
	l.keys = append(l.keys, key)
	return fn()
}

type recordingNotifier struct {
	mu       sync.Mutex
	payments []domain.Payment
	overdue  []string
	progress []float64
	complete []string
	failed   []string
}

func (n *recordingNotifier) NotifyPaymentRecorded(_ context.Context, _ string, p domain.Payment) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payments = append(n.payments, p)
	return nil
}

func (n *recordingNotifier) NotifyOverdue(_ context.Context, operator, planID string, _ int, _ money.Money) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.overdue = append(n.overdue, operator+"/"+planID)
	return nil
}

func (n *recordingNotifier) NotifyExportProgress(_ context.Context, _, _ string, progress float64, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.progress = append(n.progress, progress)
	return nil
}

func (n *recordingNotifier) NotifyExportComplete(_ context.Context, _, _, url, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.complete = append(n.complete, url)
	return nil
}

func (n *recordingNotifier) NotifyExportFailed(_ context.Context, _, _, msg string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, msg)
	return nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestRedis(t *testing.T) (*clients.RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return clients.WrapRedis(rdb, "test:"), mr
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
