package rest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"fee-ledger/internal/ledger"
	"fee-ledger/internal/service"
	"fee-ledger/pkg/money"
)

const dateLayout = "2006-01-02"

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

type PlanRequest struct {
	Total        money.Money   `json:"total"`
	Installments int           `json:"installments"`
	Cadence      string        `json:"cadence"`
	StartDate    string        `json:"start_date"`
	Breakdown    []money.Money `json:"breakdown,omitempty"`

	StudentID string `json:"student_id"`
	FeeTypeID string `json:"fee_type_id"`
	Title     string `json:"title"`
}

func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return &ValidationError{Field: "body", Message: "request body is required"}
		}
		return &ValidationError{Field: "body", Message: "invalid JSON: " + err.Error()}
	}
	return nil
}

func parseDate(field, v string) (time.Time, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(v))
	if err != nil {
		return time.Time{}, &ValidationError{Field: field, Message: field + " must be YYYY-MM-DD"}
	}
	return t, nil
}

// ValidatePlanRequest decodes the body shared by preview and create.
func ValidatePlanRequest(r *http.Request) (*PlanRequest, service.PlanInput, error) {
	var req PlanRequest
	if err := decode(r, &req); err != nil {
		return nil, service.PlanInput{}, err
	}

	if req.Total <= 0 {
		return nil, service.PlanInput{}, &ValidationError{Field: "total", Message: "total must be greater than zero"}
	}
	if req.Installments < 1 {
		return nil, service.PlanInput{}, &ValidationError{Field: "installments", Message: "installments must be at least 1"}
	}
	cadence, err := ledger.ParseCadence(req.Cadence)
	if err != nil {
		return nil, service.PlanInput{}, &ValidationError{Field: "cadence", Message: err.Error()}
	}
	start, err := parseDate("start_date", req.StartDate)
	if err != nil {
		return nil, service.PlanInput{}, err
	}

	return &req, service.PlanInput{
		Total:          req.Total,
		Count:          req.Installments,
		Cadence:        cadence,
		StartReference: start,
		Breakdown:      req.Breakdown,
	}, nil
}

func ValidateCreatePlanRequest(r *http.Request, operator string) (service.CreatePlanInput, error) {
	req, in, err := ValidatePlanRequest(r)
	if err != nil {
		return service.CreatePlanInput{}, err
	}
	if strings.TrimSpace(req.StudentID) == "" {
		return service.CreatePlanInput{}, &ValidationError{Field: "student_id", Message: "student_id is required"}
	}
	if strings.TrimSpace(req.FeeTypeID) == "" {
		return service.CreatePlanInput{}, &ValidationError{Field: "fee_type_id", Message: "fee_type_id is required"}
	}
	return service.CreatePlanInput{
		PlanInput: in,
		StudentID: req.StudentID,
		FeeTypeID: req.FeeTypeID,
		Title:     req.Title,
		CreatedBy: operator,
	}, nil
}

type DiscountRequest struct {
	ConcessionID string      `json:"concession_id"`
	Amount       money.Money `json:"amount"`
}

// PaymentRequest is the body of POST /plans/{plan_id}/payments. Per-installment
// maps are keyed by sequence number.
type PaymentRequest struct {
	Mode              string                  `json:"mode"`
	Targets           []int                   `json:"targets"`
	Amounts           map[int]money.Money     `json:"amounts,omitempty"`
	Discounts         map[int]DiscountRequest `json:"discounts,omitempty"`
	UseCarryForward   bool                    `json:"use_carry_forward"`
	CarryForward      map[int]money.Money     `json:"carry_forward,omitempty"`
	Strict            bool                    `json:"strict"`
	ConcessionBalance *money.Money            `json:"concession_balance,omitempty"`

	Method      string `json:"method"`
	PaymentDate string `json:"payment_date"`
	Reference   string `json:"reference"`
	Remarks     string `json:"remarks"`
}

func ValidatePaymentRequest(r *http.Request, planID, operator string) (service.RecordPaymentInput, error) {
	var req PaymentRequest
	if err := decode(r, &req); err != nil {
		return service.RecordPaymentInput{}, err
	}

	mode := ledger.PaymentMode(strings.TrimSpace(req.Mode))
	if !mode.Valid() {
		return service.RecordPaymentInput{}, &ValidationError{Field: "mode", Message: "mode must be full, partial or carry_forward_only"}
	}

	var paidOn time.Time
	if req.PaymentDate != "" {
		d, err := parseDate("payment_date", req.PaymentDate)
		if err != nil {
			return service.RecordPaymentInput{}, err
		}
		paidOn = d
	}

	var discounts map[int]ledger.Discount
	if len(req.Discounts) > 0 {
		discounts = make(map[int]ledger.Discount, len(req.Discounts))
		for seq, d := range req.Discounts {
			discounts[seq] = ledger.Discount{ConcessionID: d.ConcessionID, Amount: d.Amount}
		}
	}

	return service.RecordPaymentInput{
		PlanID: planID,
		Request: ledger.PaymentRequest{
			Targets:         req.Targets,
			Mode:            mode,
			Amounts:         req.Amounts,
			Discounts:       discounts,
			UseCarryForward: req.UseCarryForward,
			CarryForward:    req.CarryForward,
			Strict:          req.Strict,
			Metadata: ledger.PaymentMetadata{
				Method:    req.Method,
				Date:      paidOn,
				Reference: req.Reference,
				Remarks:   req.Remarks,
			},
		},
		ConcessionBalance: req.ConcessionBalance,
		Operator:          operator,
	}, nil
}
