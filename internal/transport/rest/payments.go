package rest

import (
	"net/http"

	"fee-ledger/internal/transport/auth"

	"github.com/go-chi/chi/v5"
)

func (h *Handler) recordPayment(w http.ResponseWriter, r *http.Request) {
	operator, err := auth.GetOperator(r.Context())
	if err != nil {
		ErrorUnauthorized(w, "Unauthorized")
		return
	}

	in, err := ValidatePaymentRequest(r, chi.URLParam(r, "plan_id"), operator)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.payments.RecordPayment(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if res.Payment.ID == "" {
		Success(w, "nothing to settle", res)
		return
	}
	SuccessCreated(w, "payment recorded", res)
}

func (h *Handler) listPayments(w http.ResponseWriter, r *http.Request) {
	payments, err := h.payments.ListPayments(r.Context(), chi.URLParam(r, "plan_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	Success(w, "", payments)
}
