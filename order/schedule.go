/*
schedule.go - Payment schedule generation

PURPOSE:
  Pure function from an order total to an ordered list of installments.
  This is where the money invariant is established: the installment amounts
  MUST sum exactly to the order total, for any total and any percentage
  split. Every installment except the last is the rounded percentage of the
  total; the last absorbs whatever rounding remainder is left.

UNIFIED MODEL:
  Immediate full payment is not a separate code path. A single-entry config
  (100% on day 0) degenerates into a one-installment schedule equal to the
  total. The processor and state machine treat it like any other schedule.

EXAMPLE:
  total 999.99, split 20/30/30/20 over days [0, 30, 60, 90]
  -> [200.00, 300.00, 300.00, 199.99]

SEE ALSO:
  - types.go:  Installment, Money
  - engine.go: schedule generation at checkout
*/
package order

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// SCHEDULE CONFIGURATION
// =============================================================================

// ScheduleStep is one (percentage, day-offset) pair of a schedule config.
type ScheduleStep struct {
	Percent   decimal.Decimal `json:"percent"`
	DayOffset int             `json:"day_offset"`
}

// ScheduleConfig is the ordered list of steps an order total is split into.
type ScheduleConfig []ScheduleStep

// DefaultScheduleConfig is the standard four-way split.
func DefaultScheduleConfig() ScheduleConfig {
	return ScheduleConfig{
		{Percent: decimal.NewFromInt(20), DayOffset: 0},
		{Percent: decimal.NewFromInt(30), DayOffset: 30},
		{Percent: decimal.NewFromInt(30), DayOffset: 60},
		{Percent: decimal.NewFromInt(20), DayOffset: 90},
	}
}

// FullPaymentConfig is the degenerate single-installment schedule used for
// immediate, non-split payment.
func FullPaymentConfig() ScheduleConfig {
	return ScheduleConfig{{Percent: decimal.NewFromInt(100), DayOffset: 0}}
}

// Validate checks the config is usable: at least one step, every percentage
// positive, and percentages summing to exactly 100.
func (cfg ScheduleConfig) Validate() error {
	if len(cfg) == 0 {
		return ErrInvalidScheduleConfig
	}
	sum := decimal.Zero
	for _, step := range cfg {
		if !step.Percent.IsPositive() || step.DayOffset < 0 {
			return ErrInvalidScheduleConfig
		}
		sum = sum.Add(step.Percent)
	}
	if !sum.Equal(decimal.NewFromInt(100)) {
		return ErrInvalidScheduleConfig
	}
	return nil
}

// =============================================================================
// GENERATOR
// =============================================================================

// BuildSchedule splits a positive total into installments following cfg.
// Due dates are reference + day offset. The last installment absorbs the
// rounding remainder so the amounts sum exactly to total.
func BuildSchedule(total Money, cfg ScheduleConfig, reference time.Time) ([]Installment, error) {
	if !total.IsPositive() {
		return nil, ErrInvalidScheduleConfig
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	installments := make([]Installment, len(cfg))
	allocated := Money{Value: decimal.Zero, Currency: total.Currency}

	for i, step := range cfg {
		amount := total.Percentage(step.Percent)
		if i == len(cfg)-1 {
			amount = total.Sub(allocated)
		}
		allocated = allocated.Add(amount)

		installments[i] = Installment{
			ID:      InstallmentID(uuid.NewString()),
			Amount:  amount,
			DueDate: reference.AddDate(0, 0, step.DayOffset),
			State:   InstallmentPending,
		}
	}

	return installments, nil
}

// VerifySchedule checks the sum invariant on an existing order. Called before
// committing any schedule mutation; failure is an invariant violation and the
// surrounding unit of work must roll back.
func VerifySchedule(o *Order) error {
	if len(o.Schedule) == 0 {
		return nil
	}
	if !o.ScheduleTotal().Equal(o.Total) {
		return ErrScheduleSumMismatch
	}
	return nil
}
