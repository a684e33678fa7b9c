package rest

import (
	"net/http"
	"strconv"

	"fee-ledger/internal/repository"
	"fee-ledger/internal/transport/auth"

	"github.com/go-chi/chi/v5"
)

func (h *Handler) previewPlan(w http.ResponseWriter, r *http.Request) {
	_, in, err := ValidatePlanRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	installments, err := h.plans.Preview(in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	Success(w, "", map[string]any{
		"total":        in.Total,
		"cadence":      in.Cadence,
		"installments": installments,
	})
}

func (h *Handler) createPlan(w http.ResponseWriter, r *http.Request) {
	operator, err := auth.GetOperator(r.Context())
	if err != nil {
		ErrorUnauthorized(w, "Unauthorized")
		return
	}

	in, err := ValidateCreatePlanRequest(r, operator)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	plan, err := h.plans.CreatePlan(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	SuccessCreated(w, "fee plan created", plan)
}

func (h *Handler) getPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := h.plans.GetPlan(r.Context(), chi.URLParam(r, "plan_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	Success(w, "", plan)
}

func (h *Handler) listPlans(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f repository.PlansFilter
	if v := q.Get("student_id"); v != "" {
		f.StudentID = &v
	}
	if v := q.Get("fee_type_id"); v != "" {
		f.FeeTypeID = &v
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			ErrorBadRequest(w, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			ErrorBadRequest(w, "offset must be a non-negative integer")
			return
		}
		f.Offset = n
	}

	plans, err := h.plans.ListPlans(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	Success(w, "", plans)
}
