package rest

import (
	"net/http"
	"strings"

	"fee-ledger/internal/transport/auth"

	"github.com/go-chi/chi/v5"
)

const exportKeyPrefix = "exports:"

func (h *Handler) startStatement(w http.ResponseWriter, r *http.Request) {
	operator, err := auth.GetOperator(r.Context())
	if err != nil {
		ErrorUnauthorized(w, "Unauthorized")
		return
	}

	exportID, err := h.statements.StartStatementExport(r.Context(), chi.URLParam(r, "plan_id"), operator)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	SuccessAccepted(w, "statement export queued", map[string]any{
		"export_id": strings.TrimPrefix(exportID, exportKeyPrefix),
	})
}

func (h *Handler) listExports(w http.ResponseWriter, r *http.Request) {
	operator, err := auth.GetOperator(r.Context())
	if err != nil {
		ErrorUnauthorized(w, "Unauthorized")
		return
	}

	exports, err := h.statements.GetExports(r.Context(), operator)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	Success(w, "", exports)
}

func (h *Handler) getExport(w http.ResponseWriter, r *http.Request) {
	operator, err := auth.GetOperator(r.Context())
	if err != nil {
		ErrorUnauthorized(w, "Unauthorized")
		return
	}

	exportIDParam := chi.URLParam(r, "export_id")
	if exportIDParam == "" {
		ErrorBadRequest(w, "export_id is required")
		return
	}
	exportID := exportIDParam
	if !strings.HasPrefix(exportID, exportKeyPrefix) {
		exportID = exportKeyPrefix + exportID
	}

	export, err := h.statements.GetExport(r.Context(), exportID, operator)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	Success(w, "", export)
}
