package rest

import (
	"errors"
	"net/http"

	"fee-ledger/internal/clients"
	"fee-ledger/internal/ledger"
	"fee-ledger/internal/repository"
	"fee-ledger/internal/service"

	"github.com/sirupsen/logrus"
)

type errorDetail struct {
	Field      string `json:"field,omitempty"`
	SequenceNo int    `json:"sequence_no,omitempty"`
}

// writeError maps service and ledger failures onto the response envelope.
// Anything unrecognised is logged and reported as a 500.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		ErrorWithData(w, verr.Message, errorDetail{Field: verr.Field}, 400, http.StatusBadRequest)
		return
	}

	var lerr *ledger.Error
	if errors.As(err, &lerr) {
		detail := errorDetail{Field: lerr.Field, SequenceNo: lerr.SequenceNo}
		switch {
		case errors.Is(err, ledger.ErrReconciliationInvariant):
			h.log.WithError(err).WithField("path", r.URL.Path).Error("installment snapshot out of balance")
			ErrorWithData(w, "installment amounts do not balance", detail, 500, http.StatusInternalServerError)
		default:
			ErrorWithData(w, lerr.Error(), detail, 422, http.StatusUnprocessableEntity)
		}
		return
	}

	switch {
	case errors.Is(err, service.ErrPlanNotFound), errors.Is(err, service.ErrExportNotFound):
		ErrorNotFound(w, err.Error())
	case errors.Is(err, service.ErrInvalidInput):
		ErrorBadRequest(w, err.Error())
	case errors.Is(err, service.ErrConcessionBalanceExceeded):
		Error(w, err.Error(), 422, http.StatusUnprocessableEntity)
	case errors.Is(err, repository.ErrVersionConflict):
		ErrorConflict(w, "installments changed while the payment was processed, retry")
	case errors.Is(err, clients.ErrLockNotAcquired):
		ErrorConflict(w, "another payment on this plan is in progress, retry")
	default:
		h.log.WithError(err).WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("request failed")
		ErrorInternal(w, "internal error")
	}
}
