package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"fee-ledger/internal/clients"
	"fee-ledger/internal/domain"
	"fee-ledger/internal/repository"
	"fee-ledger/pkg/money"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"
)

const (
	exportSetKey    = "export_ids"
	exportTTL       = 20 * time.Minute
	exportKeyPrefix = "exports:"
)

var ErrExportNotFound = errors.New("export not found")

// ExportCache stores export statuses: one key per export plus a set of ids.
type ExportCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	SAdd(ctx context.Context, key string, members ...any) error
	SRem(ctx context.Context, key string, members ...any) error
	SMembers(ctx context.Context, key string) ([]string, error)
}

type ExportNotifier interface {
	NotifyExportProgress(ctx context.Context, operator, exportID string, progress float64, stage string) error
	NotifyExportComplete(ctx context.Context, operator, exportID, url, filename string) error
	NotifyExportFailed(ctx context.Context, operator, exportID, errMsg string) error
}

type installmentColumn struct {
	Header string
	Money  bool
	Value  func(r domain.InstallmentRecord) any
}

var installmentColumns = []installmentColumn{
	{Header: "No.", Value: func(r domain.InstallmentRecord) any { return r.SequenceNo }},
	{Header: "Due date", Value: func(r domain.InstallmentRecord) any { return r.DueDate.Format("2006-01-02") }},
	{Header: "Original", Money: true, Value: func(r domain.InstallmentRecord) any { return r.Original.Float64() }},
	{Header: "Discounted", Money: true, Value: func(r domain.InstallmentRecord) any { return r.Discounted.Float64() }},
	{Header: "Paid", Money: true, Value: func(r domain.InstallmentRecord) any { return r.Paid.Float64() }},
	{Header: "Remaining", Money: true, Value: func(r domain.InstallmentRecord) any { return r.Remaining.Float64() }},
	{Header: "Carry forward", Money: true, Value: func(r domain.InstallmentRecord) any { return r.CarryForward.Float64() }},
	{Header: "Status", Value: func(r domain.InstallmentRecord) any { return string(r.Installment.Status()) }},
	{Header: "Concessions", Value: func(r domain.InstallmentRecord) any {
		parts := make([]string, 0, len(r.Concessions))
		for _, c := range r.Concessions {
			parts = append(parts, fmt.Sprintf("%s: %s", c.ConcessionID, c.Amount))
		}
		return strings.Join(parts, "; ")
	}},
}

type paymentColumn struct {
	Header string
	Money  bool
	Value  func(p domain.Payment) any
}

var paymentColumns = []paymentColumn{
	{Header: "Recorded at", Value: func(p domain.Payment) any { return p.CreatedAt.Format("2006-01-02 15:04") }},
	{Header: "Payment date", Value: func(p domain.Payment) any {
		if p.PaymentDate == nil {
			return ""
		}
		return p.PaymentDate.Format("2006-01-02")
	}},
	{Header: "Payment ID", Value: func(p domain.Payment) any { return p.ID }},
	{Header: "Mode", Value: func(p domain.Payment) any { return string(p.Mode) }},
	{Header: "Method", Value: func(p domain.Payment) any { return p.Method }},
	{Header: "Reference", Value: func(p domain.Payment) any { return p.Reference }},
	{Header: "Paid", Money: true, Value: func(p domain.Payment) any { return p.TotalPaid.Float64() }},
	{Header: "Discount", Money: true, Value: func(p domain.Payment) any { return p.TotalDiscount.Float64() }},
	{Header: "Carry forward settled", Money: true, Value: func(p domain.Payment) any { return p.TotalCarryForwardApplied.Float64() }},
	{Header: "Carried forward", Money: true, Value: func(p domain.Payment) any { return p.TotalCarriedForward.Float64() }},
	{Header: "Recorded by", Value: func(p domain.Payment) any { return p.CreatedBy }},
}

// ExportView is an export status as shown to operators.
type ExportView struct {
	Key        string    `json:"key"`
	Type       string    `json:"type"`
	PlanID     string    `json:"plan_id"`
	Progress   float64   `json:"progress"`
	FileURL    *string   `json:"file_url"`
	Error      *string   `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	CreatedAgo string    `json:"created_ago"`
}

type StatementService struct {
	plans    *PlanService
	payments PaymentRepository
	redis    ExportCache
	store    clients.StatementStore
	ws       ExportNotifier
	log      logrus.FieldLogger
	now      func() time.Time
	spawn    func(func())
}

func NewStatementService(plans *PlanService, payments PaymentRepository, redis ExportCache, store clients.StatementStore, ws ExportNotifier, log logrus.FieldLogger) *StatementService {
	return &StatementService{
		plans:    plans,
		payments: payments,
		redis:    redis,
		store:    store,
		ws:       ws,
		log:      log,
		now:      time.Now,
		spawn:    func(fn func()) { go fn() },
	}
}

func (s *StatementService) saveExportStatus(ctx context.Context, st *domain.ExportStatus) error {
	if s.redis == nil {
		return nil
	}
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, st.Key, string(data), exportTTL); err != nil {
		return err
	}
	return s.redis.SAdd(ctx, exportSetKey, st.Key)
}

func (s *StatementService) progress(ctx context.Context, st *domain.ExportStatus, p float64, stage string) {
	st.Progress = p
	if err := s.saveExportStatus(ctx, st); err != nil {
		s.log.WithError(err).WithField("export_id", st.Key).Warn("save export status failed")
	}
	if s.ws != nil {
		_ = s.ws.NotifyExportProgress(ctx, st.UserID, st.Key, p, stage)
	}
}

func (s *StatementService) fail(ctx context.Context, st *domain.ExportStatus, err error) {
	msg := err.Error()
	s.log.WithError(err).WithFields(logrus.Fields{"export_id": st.Key, "plan_id": st.PlanID}).Error("statement export failed")
	st.Error = &msg
	st.Progress = 100
	_ = s.saveExportStatus(ctx, st)
	if s.ws != nil {
		_ = s.ws.NotifyExportFailed(ctx, st.UserID, st.Key, msg)
	}
}

// StartStatementExport queues an xlsx statement of the plan and returns the
// export id. Progress is reported through the export status and websocket.
func (s *StatementService) StartStatementExport(ctx context.Context, planID, operator string) (string, error) {
	if _, err := s.plans.repo.Get(ctx, planID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", ErrPlanNotFound
		}
		return "", err
	}

	status := &domain.ExportStatus{
		Key:     exportKeyPrefix + uuid.NewString(),
		Type:    "fee_statement",
		UserID:  operator,
		PlanID:  planID,
		Created: s.now().UTC(),
	}
	if err := s.saveExportStatus(ctx, status); err != nil {
		return "", fmt.Errorf("save export status: %w", err)
	}

	s.spawn(func() { s.runStatementExport(context.Background(), status) })

	return status.Key, nil
}

func (s *StatementService) runStatementExport(ctx context.Context, status *domain.ExportStatus) {
	plan, err := s.plans.load(ctx, status.PlanID)
	if err != nil {
		s.fail(ctx, status, fmt.Errorf("load plan: %w", err))
		return
	}
	s.progress(ctx, status, 20, "loading")

	payments, err := s.payments.List(ctx, repository.PaymentsFilter{PlanID: &plan.ID})
	if err != nil {
		s.fail(ctx, status, fmt.Errorf("load payments: %w", err))
		return
	}
	s.progress(ctx, status, 40, "generating")

	data, err := buildStatement(plan, payments)
	if err != nil {
		s.fail(ctx, status, fmt.Errorf("build statement: %w", err))
		return
	}
	s.progress(ctx, status, 80, "uploading")

	fileName := fmt.Sprintf("statement_%s_%s.xlsx", plan.StudentID, s.now().Format("20060102_150405"))
	saved, err := s.store.Save(ctx, fileName, data)
	if err != nil {
		s.fail(ctx, status, fmt.Errorf("save statement: %w", err))
		return
	}
	url, err := s.store.URL(ctx, saved)
	if err != nil {
		s.fail(ctx, status, fmt.Errorf("statement url: %w", err))
		return
	}

	status.FileURL = &url
	s.progress(ctx, status, 100, "ready")
	if s.ws != nil {
		_ = s.ws.NotifyExportComplete(ctx, status.UserID, status.Key, url, fileName)
	}

	s.log.WithFields(logrus.Fields{
		"export_id": status.Key,
		"plan_id":   plan.ID,
		"file":      saved,
	}).Info("statement export ready")
}

func buildStatement(plan domain.FeePlan, payments []domain.Payment) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	_ = f.SetDocProps(&excelize.DocProperties{Creator: plan.CreatedBy, Title: "Fee statement " + plan.ID})

	moneyStyle, err := f.NewStyle(&excelize.Style{NumFmt: 4})
	if err != nil {
		return nil, err
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, err
	}

	summary := "Summary"
	f.SetSheetName(f.GetSheetName(0), summary)

	var paid, discounted, remaining, carried money.Money
	for _, inst := range plan.Installments {
		paid += inst.Paid
		discounted += inst.Discounted
		remaining += inst.Remaining
		carried += inst.CarryForward
	}
	rows := [][2]any{
		{"Plan", plan.ID},
		{"Title", plan.Title},
		{"Student", plan.StudentID},
		{"Fee type", plan.FeeTypeID},
		{"Cadence", string(plan.Cadence)},
		{"Total", plan.Total.Format("")},
		{"Paid", paid.Format("")},
		{"Discounted", discounted.Format("")},
		{"Remaining", remaining.Format("")},
		{"Carry forward", carried.Format("")},
		{"Payments", len(payments)},
	}
	for i, row := range rows {
		_ = f.SetCellValue(summary, fmt.Sprintf("A%d", i+1), row[0])
		_ = f.SetCellValue(summary, fmt.Sprintf("B%d", i+1), row[1])
	}
	_ = f.SetColWidth(summary, "A", "A", 16)
	_ = f.SetColWidth(summary, "B", "B", 40)

	sheet := "Installments"
	if _, err := f.NewSheet(sheet); err != nil {
		return nil, err
	}
	for i, col := range installmentColumns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, col.Header)
		if col.Money {
			name, _ := excelize.ColumnNumberToName(i + 1)
			_ = f.SetColStyle(sheet, name, moneyStyle)
		}
	}
	_ = f.SetRowStyle(sheet, 1, 1, bold)
	for r, inst := range plan.Installments {
		for c, col := range installmentColumns {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
			_ = f.SetCellValue(sheet, cell, col.Value(inst))
		}
	}

	sheet = "Payments"
	if _, err := f.NewSheet(sheet); err != nil {
		return nil, err
	}
	for i, col := range paymentColumns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, col.Header)
		if col.Money {
			name, _ := excelize.ColumnNumberToName(i + 1)
			_ = f.SetColStyle(sheet, name, moneyStyle)
		}
	}
	_ = f.SetRowStyle(sheet, 1, 1, bold)
	for r, p := range payments {
		for c, col := range paymentColumns {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
			_ = f.SetCellValue(sheet, cell, col.Value(p))
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *StatementService) view(st domain.ExportStatus) ExportView {
	return ExportView{
		Key:        st.Key,
		Type:       st.Type,
		PlanID:     st.PlanID,
		Progress:   st.Progress,
		FileURL:    st.FileURL,
		Error:      st.Error,
		CreatedAt:  st.Created,
		CreatedAgo: humanize.RelTime(st.Created, s.now(), "ago", "from now"),
	}
}

// GetExports lists the operator's exports, newest first. Expired entries are
// pruned from the id set.
func (s *StatementService) GetExports(ctx context.Context, operator string) ([]ExportView, error) {
	if s.redis == nil {
		return nil, errors.New("redis client not configured")
	}

	keys, err := s.redis.SMembers(ctx, exportSetKey)
	if err != nil {
		return nil, fmt.Errorf("failed to get export keys: %w", err)
	}

	var statuses []domain.ExportStatus
	for _, key := range keys {
		data, err := s.redis.Get(ctx, key)
		if errors.Is(err, clients.ErrCacheMiss) {
			_ = s.redis.SRem(ctx, exportSetKey, key)
			continue
		}
		if err != nil {
			continue
		}

		var status domain.ExportStatus
		if err := json.Unmarshal([]byte(data), &status); err != nil {
			continue
		}
		if status.UserID == operator {
			statuses = append(statuses, status)
		}
	}

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Created.After(statuses[j].Created)
	})

	out := make([]ExportView, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, s.view(st))
	}
	return out, nil
}

func (s *StatementService) GetExport(ctx context.Context, exportID, operator string) (ExportView, error) {
	if s.redis == nil {
		return ExportView{}, errors.New("redis client not configured")
	}

	data, err := s.redis.Get(ctx, exportID)
	if err != nil {
		return ExportView{}, ErrExportNotFound
	}

	var status domain.ExportStatus
	if err := json.Unmarshal([]byte(data), &status); err != nil {
		return ExportView{}, fmt.Errorf("failed to parse export status: %w", err)
	}
	if status.UserID != operator {
		return ExportView{}, ErrExportNotFound
	}
	return s.view(status), nil
}
