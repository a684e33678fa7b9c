package ledger

import (
	"fmt"
	"time"
)

// Cadence is how often installments of a plan fall due.
type Cadence string

const (
	CadenceMonthly    Cadence = "monthly"
	CadenceQuarterly  Cadence = "quarterly"
	CadenceHalfYearly Cadence = "half_yearly"
	CadenceYearly     Cadence = "yearly"
	CadenceOneTime    Cadence = "one_time"
)

var cadences = map[Cadence]struct {
	maxInstallments int
	periodMonths    int
}{
	CadenceMonthly:    {maxInstallments: 12, periodMonths: 1},
	CadenceQuarterly:  {maxInstallments: 4, periodMonths: 3},
	CadenceHalfYearly: {maxInstallments: 2, periodMonths: 6},
	CadenceYearly:     {maxInstallments: 1, periodMonths: 12},
	CadenceOneTime:    {maxInstallments: 1, periodMonths: 0},
}

// ParseCadence accepts the canonical names plus a few spellings used by fee forms.
func ParseCadence(s string) (Cadence, error) {
	switch s {
	case "monthly", "Monthly":
		return CadenceMonthly, nil
	case "quarterly", "Quarterly":
		return CadenceQuarterly, nil
	case "half_yearly", "half-yearly", "halfyearly", "HalfYearly", "Half Yearly":
		return CadenceHalfYearly, nil
	case "yearly", "annual", "Yearly":
		return CadenceYearly, nil
	case "one_time", "onetime", "OneTime", "One Time", "once":
		return CadenceOneTime, nil
	}
	return "", fmt.Errorf("unknown cadence %q", s)
}

func (c Cadence) Valid() bool {
	_, ok := cadences[c]
	return ok
}

// MaxInstallments is the largest installment count the cadence allows in one plan.
func (c Cadence) MaxInstallments() int {
	return cadences[c].maxInstallments
}

// FirstDueDate aligns the reference date to the cadence: one month later for
// monthly plans, the next quarter / half-year / year boundary otherwise. A
// one-time plan is due on the reference date itself.
func (c Cadence) FirstDueDate(ref time.Time) time.Time {
	ref = civilDate(ref)
	switch c {
	case CadenceMonthly:
		return addMonths(ref, 1)
	case CadenceQuarterly:
		return nextBoundary(ref, 3)
	case CadenceHalfYearly:
		return nextBoundary(ref, 6)
	case CadenceYearly:
		return nextBoundary(ref, 12)
	default:
		return ref
	}
}

// DueDate of the installment with the given 1-based sequence number.
func (c Cadence) DueDate(ref time.Time, seq int) time.Time {
	first := c.FirstDueDate(ref)
	return addMonths(first, (seq-1)*cadences[c].periodMonths)
}

// nextBoundary returns the first day of the next block of `months` months,
// counted from January.
func nextBoundary(ref time.Time, months int) time.Time {
	idx := (int(ref.Month()) - 1) / months
	start := time.Date(ref.Year(), time.Month(idx*months+1), 1, 0, 0, 0, 0, time.UTC)
	return start.AddDate(0, months, 0)
}

// addMonths moves by whole months, clamping the day to the end of a shorter month.
func addMonths(t time.Time, months int) time.Time {
	if months == 0 {
		return t
	}
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, months, 0)
	lastDay := first.AddDate(0, 1, -1).Day()
	day := t.Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, time.UTC)
}

func civilDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
