package rest

import (
	"context"
	"net/http"
	"time"

	"fee-ledger/internal/domain"
	"fee-ledger/internal/ledger"
	"fee-ledger/internal/repository"
	"fee-ledger/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

type PlanService interface {
	Preview(in service.PlanInput) ([]ledger.Installment, error)
	CreatePlan(ctx context.Context, in service.CreatePlanInput) (domain.FeePlan, error)
	GetPlan(ctx context.Context, id string) (domain.FeePlan, error)
	ListPlans(ctx context.Context, f repository.PlansFilter) ([]domain.FeePlan, error)
}

type PaymentService interface {
	RecordPayment(ctx context.Context, in service.RecordPaymentInput) (service.RecordPaymentResult, error)
	ListPayments(ctx context.Context, planID string) ([]domain.Payment, error)
}

type StatementService interface {
	StartStatementExport(ctx context.Context, planID, operator string) (string, error)
	GetExports(ctx context.Context, operator string) ([]service.ExportView, error)
	GetExport(ctx context.Context, exportID, operator string) (service.ExportView, error)
}

type Handler struct {
	plans      PlanService
	payments   PaymentService
	statements StatementService
	log        logrus.FieldLogger
}

func NewHandler(plans PlanService, payments PaymentService, statements StatementService, log logrus.FieldLogger) *Handler {
	return &Handler{
		plans:      plans,
		payments:   payments,
		statements: statements,
		log:        log,
	}
}

func (h *Handler) InitRouter() *chi.Mux {
	return h.InitRouterWithAuth(nil)
}

func (h *Handler) InitRouterWithAuth(authMiddleware func(http.Handler) http.Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		requestLogger(h.log),
		middleware.Recoverer,
		middleware.Timeout(60*time.Second),
	)

	if authMiddleware != nil {
		r.Use(authMiddleware)
	}

	r.Route("/plans", func(r chi.Router) {
		r.Get("/", h.listPlans)
		r.Post("/", h.createPlan)
		r.Post("/preview", h.previewPlan)
		r.Route("/{plan_id}", func(r chi.Router) {
			r.Get("/", h.getPlan)
			r.Get("/payments", h.listPayments)
			r.Post("/payments", h.recordPayment)
			r.Post("/statements", h.startStatement)
		})
	})

	r.Route("/exports", func(r chi.Router) {
		r.Get("/", h.listExports)
		r.Get("/{export_id}", h.getExport)
	})

	return r
}

// requestLogger writes one structured line per request.
func requestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.WithFields(logrus.Fields{
				"request_id": middleware.GetReqID(r.Context()),
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"bytes":      ww.BytesWritten(),
				"duration":   time.Since(start).String(),
			}).Info("http request")
		})
	}
}
