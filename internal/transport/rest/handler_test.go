package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fee-ledger/internal/clients"
	"fee-ledger/internal/domain"
	"fee-ledger/internal/ledger"
	"fee-ledger/internal/repository"
	"fee-ledger/internal/service"
	"fee-ledger/internal/transport/auth"
	"fee-ledger/pkg/money"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePlans struct {
	created []service.CreatePlanInput
	filter  repository.PlansFilter
	err     error
}

func (f *fakePlans) Preview(in service.PlanInput) ([]ledger.Installment, error) {
	if len(in.Breakdown) > 0 {
		return ledger.PlanWithBreakdown(ledger.PlanRequest{Total: in.Total, Count: in.Count, Cadence: in.Cadence, StartReference: in.StartReference}, in.Breakdown)
	}
	return ledger.Plan(ledger.PlanRequest{Total: in.Total, Count: in.Count, Cadence: in.Cadence, StartReference: in.StartReference})
}

func (f *fakePlans) CreatePlan(_ context.Context, in service.CreatePlanInput) (domain.FeePlan, error) {
	if f.err != nil {
		return domain.FeePlan{}, f.err
	}
	f.created = append(f.created, in)
	return domain.FeePlan{ID: "plan-1", StudentID: in.StudentID, CreatedBy: in.CreatedBy, Total: in.Total}, nil
}

func (f *fakePlans) GetPlan(_ context.Context, id string) (domain.FeePlan, error) {
	if id != "plan-1" {
		return domain.FeePlan{}, service.ErrPlanNotFound
	}
	return domain.FeePlan{ID: id, StudentID: "stu-1"}, nil
}

func (f *fakePlans) ListPlans(_ context.Context, filter repository.PlansFilter) ([]domain.FeePlan, error) {
	f.filter = filter
	return []domain.FeePlan{{ID: "plan-1"}}, nil
}

type fakePayments struct {
	last   service.RecordPaymentInput
	result service.RecordPaymentResult
	err    error
}

func (f *fakePayments) RecordPayment(_ context.Context, in service.RecordPaymentInput) (service.RecordPaymentResult, error) {
	f.last = in
	return f.result, f.err
}

func (f *fakePayments) ListPayments(_ context.Context, planID string) ([]domain.Payment, error) {
	if planID != "plan-1" {
		return nil, service.ErrPlanNotFound
	}
	return []domain.Payment{{ID: "pay-1", PlanID: planID}}, nil
}

type fakeStatements struct {
	requestedID string
}

func (f *fakeStatements) StartStatementExport(_ context.Context, planID, operator string) (string, error) {
	if planID != "plan-1" {
		return "", service.ErrPlanNotFound
	}
	return "exports:abc", nil
}

func (f *fakeStatements) GetExports(_ context.Context, operator string) ([]service.ExportView, error) {
	return []service.ExportView{{Key: "exports:abc", PlanID: "plan-1"}}, nil
}

func (f *fakeStatements) GetExport(_ context.Context, exportID, operator string) (service.ExportView, error) {
	f.requestedID = exportID
	if operator != "bursar" {
		return service.ExportView{}, service.ErrExportNotFound
	}
	return service.ExportView{Key: exportID}, nil
}

type testServer struct {
	plans      *fakePlans
	payments   *fakePayments
	statements *fakeStatements
	handler    http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	s := &testServer{
		plans:      &fakePlans{},
		payments:   &fakePayments{},
		statements: &fakeStatements{},
	}
	h := NewHandler(s.plans, s.payments, s.statements, log)
	s.handler = h.InitRouterWithAuth(auth.TokenMiddleware(map[string]string{"tok": "bursar", "tok2": "clerk"}, log))
	return s
}

func (s *testServer) do(t *testing.T, method, target, body string) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Authorization", "Bearer tok")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	var resp APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec, resp
}

func TestPreviewPlan(t *testing.T) {
	s := newTestServer(t)

	rec, resp := s.do(t, http.MethodPost, "/plans/preview",
		`{"total": 1000, "installments": 3, "cadence": "monthly", "start_date": "2024-04-10"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", resp.Status)

	data := resp.Data.(map[string]any)
	installments := data["installments"].([]any)
	require.Len(t, installments, 3)
	first := installments[0].(map[string]any)
	assert.Equal(t, 333.34, first["original_amount"])
	assert.Equal(t, "2024-05-10T00:00:00Z", first["due_date"])
}

func TestPreviewPlanValidation(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"empty body", "", http.StatusBadRequest},
		{"bad json", "{", http.StatusBadRequest},
		{"unknown field", `{"total": 10, "installments": 1, "cadence": "yearly", "start_date": "2024-01-01", "foo": 1}`, http.StatusBadRequest},
		{"zero total", `{"total": 0, "installments": 1, "cadence": "yearly", "start_date": "2024-01-01"}`, http.StatusBadRequest},
		{"bad cadence", `{"total": 10, "installments": 1, "cadence": "weekly", "start_date": "2024-01-01"}`, http.StatusBadRequest},
		{"bad date", `{"total": 10, "installments": 1, "cadence": "yearly", "start_date": "01/01/2024"}`, http.StatusBadRequest},
		{"too many installments", `{"total": 10, "installments": 5, "cadence": "quarterly", "start_date": "2024-01-01"}`, http.StatusUnprocessableEntity},
		{"breakdown mismatch", `{"total": 10, "installments": 2, "cadence": "monthly", "start_date": "2024-01-01", "breakdown": [5, 4]}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := s.do(t, http.MethodPost, "/plans/preview", tt.body)
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, "error", resp.Status)
		})
	}
}

func TestCreatePlan(t *testing.T) {
	s := newTestServer(t)

	rec, resp := s.do(t, http.MethodPost, "/plans",
		`{"total": "1200.50", "installments": 2, "cadence": "half-yearly", "start_date": "2024-04-10", "student_id": "stu-1", "fee_type_id": "tuition", "title": "Annual"}`)
	require.Equal(t, http.StatusCreated, rec.Code, resp.Message)

	require.Len(t, s.plans.created, 1)
	in := s.plans.created[0]
	assert.Equal(t, "bursar", in.CreatedBy)
	assert.Equal(t, money.MustParse("1200.50"), in.Total)
	assert.Equal(t, ledger.CadenceHalfYearly, in.Cadence)

	rec, _ = s.do(t, http.MethodPost, "/plans",
		`{"total": 10, "installments": 1, "cadence": "yearly", "start_date": "2024-01-01", "fee_type_id": "tuition"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetAndListPlans(t *testing.T) {
	s := newTestServer(t)

	rec, _ := s.do(t, http.MethodGet, "/plans/plan-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, resp := s.do(t, http.MethodGet, "/plans/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 404, resp.ErrorCode)

	rec, _ = s.do(t, http.MethodGet, "/plans?student_id=stu-1&limit=5", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, s.plans.filter.StudentID)
	assert.Equal(t, "stu-1", *s.plans.filter.StudentID)
	assert.Equal(t, 5, s.plans.filter.Limit)

	rec, _ = s.do(t, http.MethodGet, "/plans?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecordPayment(t *testing.T) {
	s := newTestServer(t)
	s.payments.result = service.RecordPaymentResult{Payment: domain.Payment{ID: "pay-1"}}

	rec, resp := s.do(t, http.MethodPost, "/plans/plan-1/payments", `{
		"mode": "partial",
		"targets": [1, 2],
		"amounts": {"1": 100, "2": "50.25"},
		"discounts": {"1": {"concession_id": "sibling", "amount": 10}},
		"use_carry_forward": true,
		"carry_forward": {"2": 20},
		"concession_balance": 15,
		"method": "cash",
		"payment_date": "2024-05-02",
		"reference": "R-7"
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, resp.Message)

	in := s.payments.last
	assert.Equal(t, "plan-1", in.PlanID)
	assert.Equal(t, "bursar", in.Operator)
	assert.Equal(t, ledger.ModePartial, in.Request.Mode)
	assert.Equal(t, []int{1, 2}, in.Request.Targets)
	assert.Equal(t, money.MustParse("50.25"), in.Request.Amounts[2])
	assert.Equal(t, ledger.Discount{ConcessionID: "sibling", Amount: money.MustParse("10")}, in.Request.Discounts[1])
	assert.True(t, in.Request.UseCarryForward)
	assert.Equal(t, money.MustParse("20"), in.Request.CarryForward[2])
	require.NotNil(t, in.ConcessionBalance)
	assert.Equal(t, money.MustParse("15"), *in.ConcessionBalance)
	assert.Equal(t, time.Date(2024, time.May, 2, 0, 0, 0, 0, time.UTC), in.Request.Metadata.Date)

	s.payments.result = service.RecordPaymentResult{}
	rec, resp = s.do(t, http.MethodPost, "/plans/plan-1/payments", `{"mode": "full", "targets": [1]}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nothing to settle", resp.Message)
}

func TestRecordPaymentErrors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		err  error
		code int
	}{
		{"plan missing", service.ErrPlanNotFound, http.StatusNotFound},
		{"empty target", &ledger.Error{Kind: ledger.ErrEmptyTarget, Field: "target_installments"}, http.StatusUnprocessableEntity},
		{"over payable", &ledger.Error{Kind: ledger.ErrExceedsPayableAmount, SequenceNo: 2}, http.StatusUnprocessableEntity},
		{"ambiguous carry forward", &ledger.Error{Kind: ledger.ErrAmbiguousCarryForward}, http.StatusUnprocessableEntity},
		{"unbalanced", &ledger.Error{Kind: ledger.ErrReconciliationInvariant, SequenceNo: 1}, http.StatusInternalServerError},
		{"concession balance", fmt.Errorf("%w: requested 10", service.ErrConcessionBalanceExceeded), http.StatusUnprocessableEntity},
		{"version conflict", fmt.Errorf("store settlement: %w", repository.ErrVersionConflict), http.StatusConflict},
		{"lock busy", clients.ErrLockNotAcquired, http.StatusConflict},
		{"unexpected", fmt.Errorf("connection refused"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s.payments.err = tt.err
			rec, resp := s.do(t, http.MethodPost, "/plans/plan-1/payments", `{"mode": "full", "targets": [1]}`)
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, "error", resp.Status)
		})
	}

	t.Run("ledger error carries its installment", func(t *testing.T) {
		s.payments.err = &ledger.Error{Kind: ledger.ErrExceedsPayableAmount, Field: "per_installment_amount", SequenceNo: 2}
		_, resp := s.do(t, http.MethodPost, "/plans/plan-1/payments", `{"mode": "full", "targets": [2]}`)
		detail := resp.Data.(map[string]any)
		assert.Equal(t, "per_installment_amount", detail["field"])
		assert.Equal(t, float64(2), detail["sequence_no"])
	})

	t.Run("invalid mode", func(t *testing.T) {
		rec, _ := s.do(t, http.MethodPost, "/plans/plan-1/payments", `{"mode": "sometimes", "targets": [1]}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestListPayments(t *testing.T) {
	s := newTestServer(t)

	rec, resp := s.do(t, http.MethodGet, "/plans/plan-1/payments", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, resp.Data.([]any), 1)

	rec, _ = s.do(t, http.MethodGet, "/plans/other/payments", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatementExports(t *testing.T) {
	s := newTestServer(t)

	rec, resp := s.do(t, http.MethodPost, "/plans/plan-1/statements", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "abc", resp.Data.(map[string]any)["export_id"])

	rec, _ = s.do(t, http.MethodPost, "/plans/nope/statements", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, resp = s.do(t, http.MethodGet, "/exports", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, resp.Data.([]any), 1)

	rec, _ = s.do(t, http.MethodGet, "/exports/abc", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "exports:abc", s.statements.requestedID)
}

func TestUnauthenticated(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/plans/plan-1", nil)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
