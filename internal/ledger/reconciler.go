package ledger

import (
	"io"
	"time"

	"fee-ledger/pkg/money"

	"github.com/sirupsen/logrus"
)

// PaymentMode selects how a payment settles its target installments.
type PaymentMode string

const (
	ModeFull             PaymentMode = "full"
	ModePartial          PaymentMode = "partial"
	ModeCarryForwardOnly PaymentMode = "carry_forward_only"
)

func (m PaymentMode) Valid() bool {
	switch m {
	case ModeFull, ModePartial, ModeCarryForwardOnly:
		return true
	}
	return false
}

// Discount is a concession applied while paying an installment.
type Discount struct {
	ConcessionID string
	Amount       money.Money
}

// PaymentMetadata is carried through to the settlement untouched.
type PaymentMetadata struct {
	Method    string    `json:"method"`
	Date      time.Time `json:"date"`
	Reference string    `json:"reference"`
	Remarks   string    `json:"remarks"`
}

// PaymentRequest is one payment event against installments of a single plan.
// Installments are addressed by sequence number.
type PaymentRequest struct {
	Targets []int
	Mode    PaymentMode

	// Amounts is required for every target of a partial payment. For a
	// carry-forward settlement it limits the amount taken out of the deferred
	// balance; without it the whole balance is settled.
	Amounts map[int]money.Money

	Discounts map[int]Discount

	// UseCarryForward lets a partial payment defer CarryForward[seq] of what
	// is left outstanding. Nothing is ever deferred implicitly.
	UseCarryForward bool
	CarryForward    map[int]money.Money

	// Strict rejects over-payable amounts instead of clamping them.
	Strict bool

	Metadata PaymentMetadata
}

// ConcessionTotal is the sum of discounts the request asks for. Callers check
// it against the available concession balance before reconciling.
func ConcessionTotal(req PaymentRequest) money.Money {
	var total money.Money
	for _, seq := range req.Targets {
		if d, ok := req.Discounts[seq]; ok && d.Amount > 0 {
			total += d.Amount
		}
	}
	return total
}

// SettlementLine is the outcome for one targeted installment: the updated
// snapshot plus what this payment moved.
type SettlementLine struct {
	Installment         Installment `json:"installment"`
	Paid                money.Money `json:"paid"`
	Discount            money.Money `json:"discount"`
	CarriedForward      money.Money `json:"carried_forward"`
	CarryForwardApplied money.Money `json:"carry_forward_applied"`
	Adjusted            bool        `json:"adjusted"`
}

// SettlementResult is the batch produced by Reconcile.
type SettlementResult struct {
	Lines                    []SettlementLine `json:"lines"`
	TotalPaid                money.Money      `json:"total_paid"`
	TotalDiscountApplied     money.Money      `json:"total_discount_applied"`
	TotalCarryForwardApplied money.Money      `json:"total_carry_forward_applied"`
	TotalCarriedForward      money.Money      `json:"total_carried_forward"`
	Metadata                 PaymentMetadata  `json:"metadata"`
}

// Installment returns the updated snapshot for a sequence number.
func (r SettlementResult) Installment(seq int) (Installment, bool) {
	for _, line := range r.Lines {
		if line.Installment.SequenceNo == seq {
			return line.Installment, true
		}
	}
	return Installment{}, false
}

// Reconciler applies payment requests to installment snapshots.
// It holds no state between calls and is safe for concurrent use.
type Reconciler struct {
	log    logrus.FieldLogger
	repair bool
}

type Option func(*Reconciler)

func WithLogger(l logrus.FieldLogger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.log = l
		}
	}
}

// WithImbalanceRepair accepts snapshots that do not balance (legacy rows):
// the remaining amount is recomputed, the line is flagged Adjusted and a
// warning is logged. Without it such snapshots fail with
// ErrReconciliationInvariant.
func WithImbalanceRepair() Option {
	return func(r *Reconciler) {
		r.repair = true
	}
}

func NewReconciler(opts ...Option) *Reconciler {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	r := &Reconciler{log: discard}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var strictReconciler = NewReconciler()

// Reconcile settles req against installments in strict mode.
func Reconcile(installments []Installment, req PaymentRequest) (SettlementResult, error) {
	return strictReconciler.Reconcile(installments, req)
}

// Reconcile settles every target or none: any error discards the whole batch.
// The given installments are never modified.
func (r *Reconciler) Reconcile(installments []Installment, req PaymentRequest) (SettlementResult, error) {
	if len(req.Targets) == 0 {
		return SettlementResult{}, newError(ErrEmptyTarget, "target_installments", 0, "at least one installment is required")
	}
	if !req.Mode.Valid() {
		return SettlementResult{}, newError(ErrInvalidPaymentRequest, "payment_mode", 0, "unknown payment mode %q", req.Mode)
	}

	bySeq := make(map[int]Installment, len(installments))
	for _, inst := range installments {
		if _, dup := bySeq[inst.SequenceNo]; dup {
			return SettlementResult{}, newError(ErrInvalidPaymentRequest, "installments", inst.SequenceNo, "sequence number appears twice")
		}
		bySeq[inst.SequenceNo] = inst
	}

	seen := make(map[int]struct{}, len(req.Targets))
	hasCarryForward := false
	for _, seq := range req.Targets {
		inst, ok := bySeq[seq]
		if !ok {
			return SettlementResult{}, newError(ErrInvalidPaymentRequest, "target_installments", seq, "unknown installment")
		}
		if _, dup := seen[seq]; dup {
			return SettlementResult{}, newError(ErrInvalidPaymentRequest, "target_installments", seq, "installment targeted twice")
		}
		seen[seq] = struct{}{}
		if inst.CarryForward > 0 {
			hasCarryForward = true
		}
		if err := rejectNegative(req, seq); err != nil {
			return SettlementResult{}, err
		}
	}
	if req.Mode == ModeCarryForwardOnly && !hasCarryForward {
		return SettlementResult{}, newError(ErrAmbiguousCarryForward, "target_installments", 0, "carry-forward-only payment")
	}

	result := SettlementResult{Metadata: req.Metadata}
	for _, seq := range req.Targets {
		line, err := r.settle(bySeq[seq].clone(), req)
		if err != nil {
			return SettlementResult{}, err
		}
		result.Lines = append(result.Lines, line)
		result.TotalPaid += line.Paid
		result.TotalDiscountApplied += line.Discount
		result.TotalCarryForwardApplied += line.CarryForwardApplied
		result.TotalCarriedForward += line.CarriedForward
	}
	return result, nil
}

// rejectNegative fails on any negative amount requested for seq, whether or
// not the settlement branch ends up reading it.
func rejectNegative(req PaymentRequest, seq int) error {
	if a, ok := req.Amounts[seq]; ok && a < 0 {
		return newError(ErrExceedsPayableAmount, "per_installment_amount", seq, "amount %s is negative", a)
	}
	if d, ok := req.Discounts[seq]; ok && d.Amount < 0 {
		return newError(ErrExceedsPayableAmount, "additional_discount", seq, "amount %s is negative", d.Amount)
	}
	if cf, ok := req.CarryForward[seq]; ok && cf < 0 {
		return newError(ErrExceedsPayableAmount, "carry_forward_amount", seq, "amount %s is negative", cf)
	}
	return nil
}

func (r *Reconciler) settle(inst Installment, req PaymentRequest) (SettlementLine, error) {
	seq := inst.SequenceNo
	var line SettlementLine

	if inst.Paid < 0 || inst.Discounted < 0 || inst.Remaining < 0 || inst.CarryForward < 0 {
		return line, newError(ErrReconciliationInvariant, "installment", seq, "negative amount in snapshot")
	}
	if !inst.Balanced() {
		repaired := inst.Original - inst.Paid - inst.Discounted - inst.CarryForward
		if !r.repair || repaired < 0 {
			return line, newError(ErrReconciliationInvariant, "installment", seq,
				"paid %s + discounted %s + remaining %s + carry forward %s != original %s",
				inst.Paid, inst.Discounted, inst.Remaining, inst.CarryForward, inst.Original)
		}
		r.log.WithFields(logrus.Fields{
			"sequence_no": seq,
			"remaining":   inst.Remaining.String(),
			"repaired":    repaired.String(),
		}).Warn("installment snapshot out of balance, remaining amount recomputed")
		inst.Remaining = repaired
		line.Adjusted = true
	}

	var err error
	switch {
	case req.Mode == ModeCarryForwardOnly || (inst.IsPaid() && inst.HasCarryForward()):
		err = settleCarryForward(&inst, &line, req)
	case req.Mode == ModeFull:
		err = settleFull(&inst, &line, req)
	default:
		err = settlePartial(&inst, &line, req)
	}
	if err != nil {
		return SettlementLine{}, err
	}

	if !inst.Balanced() {
		return SettlementLine{}, newError(ErrReconciliationInvariant, "installment", seq,
			"settlement left paid %s + discounted %s + remaining %s + carry forward %s != original %s",
			inst.Paid, inst.Discounted, inst.Remaining, inst.CarryForward, inst.Original)
	}
	line.Installment = inst
	return line, nil
}

// settleCarryForward takes a previously deferred balance out of carry-forward.
// The transaction books no payment, discount or remaining amount; the settled
// part joins the cumulative paid amount so the installment still balances.
func settleCarryForward(inst *Installment, line *SettlementLine, req PaymentRequest) error {
	if inst.CarryForward == 0 {
		return nil
	}
	applied, err := clampAmount(req.Amounts, inst.SequenceNo, inst.CarryForward, inst.CarryForward, req.Strict, "per_installment_amount")
	if err != nil {
		return err
	}
	inst.CarryForward -= applied
	inst.Paid += applied
	line.CarryForwardApplied = applied
	return nil
}

func settleFull(inst *Installment, line *SettlementLine, req PaymentRequest) error {
	payable := inst.Remaining
	if err := applyDiscount(inst, line, req, payable); err != nil {
		return err
	}
	paid := payable - line.Discount
	inst.Paid += paid
	inst.Remaining = 0
	line.Paid = paid
	return nil
}

func settlePartial(inst *Installment, line *SettlementLine, req PaymentRequest) error {
	seq := inst.SequenceNo
	if _, ok := req.Amounts[seq]; !ok {
		return newError(ErrInvalidPaymentRequest, "per_installment_amount", seq, "partial payment needs an amount")
	}

	payable := inst.Remaining
	if err := applyDiscount(inst, line, req, payable); err != nil {
		return err
	}
	capacity := payable - line.Discount

	paid, err := clampAmount(req.Amounts, seq, 0, capacity, req.Strict, "per_installment_amount")
	if err != nil {
		return err
	}
	inst.Paid += paid
	inst.Remaining = capacity - paid
	line.Paid = paid

	if !req.UseCarryForward {
		return nil
	}
	deferred, err := clampAmount(req.CarryForward, seq, 0, inst.Remaining, req.Strict, "carry_forward_amount")
	if err != nil {
		return err
	}
	inst.Remaining -= deferred
	inst.CarryForward += deferred
	line.CarriedForward = deferred
	return nil
}

func applyDiscount(inst *Installment, line *SettlementLine, req PaymentRequest, payable money.Money) error {
	seq := inst.SequenceNo
	d, ok := req.Discounts[seq]
	if !ok {
		return nil
	}
	amount, err := clampAmount(map[int]money.Money{seq: d.Amount}, seq, 0, payable, req.Strict, "additional_discount")
	if err != nil {
		return err
	}
	if amount == 0 {
		return nil
	}
	inst.Discounted += amount
	inst.Concessions = append(inst.Concessions, AppliedConcession{ConcessionID: d.ConcessionID, Amount: amount})
	line.Discount = amount
	return nil
}

// clampAmount reads amounts[seq] (def when absent), rejects negatives and
// caps the value at limit, or rejects it in strict mode.
func clampAmount(amounts map[int]money.Money, seq int, def, limit money.Money, strict bool, field string) (money.Money, error) {
	amount, ok := amounts[seq]
	if !ok {
		return def, nil
	}
	if amount < 0 {
		return 0, newError(ErrExceedsPayableAmount, field, seq, "amount %s is negative", amount)
	}
	if amount > limit {
		if strict {
			return 0, newError(ErrExceedsPayableAmount, field, seq, "amount %s exceeds payable %s", amount, limit)
		}
		return limit, nil
	}
	return amount, nil
}
