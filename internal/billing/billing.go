// Package billing holds the time and money arithmetic for session windows.
//
// All durations are rounded up to whole minutes. A session that ran for one
// millisecond is billed one minute; there is no proration below a minute.
package billing

import (
	"fmt"
	"math"
	"time"

	"warnet/backend/internal/domain"
	"warnet/backend/internal/store"
)

const minuteMS = int64(time.Minute / time.Millisecond)

// floatSlack absorbs binary float error in rate products such as 100*(1-0.9)
// so they do not ceil up an extra unit.
const floatSlack = 1e-9

// BilledMillis returns the chargeable time of a session as of at. An open
// pause interval counts as paused time.
func BilledMillis(s domain.Session, at time.Time) int64 {
	if s.StartedAt == nil {
		return 0
	}
	elapsed := at.Sub(*s.StartedAt).Milliseconds()
	paused := s.AccumulatedPausedMS
	if s.Status == domain.SessionPaused && s.PausedAt != nil {
		paused += PausedMillis(*s.PausedAt, at)
	}
	billed := elapsed - paused
	if billed < 0 {
		return 0
	}
	return billed
}

// PausedMillis is the length of a pause interval, never negative.
func PausedMillis(pausedAt time.Time, at time.Time) int64 {
	ms := at.Sub(pausedAt).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}

func BilledMinutes(billedMS int64) int64 {
	if billedMS <= 0 {
		return 0
	}
	return (billedMS + minuteMS - 1) / minuteMS
}

// ValidateCustomer rejects discount data the billing step cannot apply.
func ValidateCustomer(c *domain.Customer) error {
	if c == nil || !c.Member {
		return nil
	}
	if math.IsNaN(c.DiscountRate) || c.DiscountRate < 0 || c.DiscountRate > 1 {
		return fmt.Errorf("%w: discount rate %v out of range", store.ErrValidation, c.DiscountRate)
	}
	if c.BalanceCents < 0 {
		return fmt.Errorf("%w: negative prepaid balance", store.ErrValidation)
	}
	return nil
}

// Discounted applies rate to raw, rounding up.
func Discounted(rawCents int64, rate float64) int64 {
	v := math.Ceil(float64(rawCents)*(1-rate) - floatSlack)
	if v < 0 {
		return 0
	}
	return int64(v)
}

// Compute bills a session as of at. Member customers get their discount and
// have the prepaid balance applied first; everyone else owes the raw cost.
func Compute(s domain.Session, customer *domain.Customer, at time.Time) (domain.Charge, error) {
	if err := ValidateCustomer(customer); err != nil {
		return domain.Charge{}, err
	}

	billedMS := BilledMillis(s, at)
	minutes := BilledMinutes(billedMS)
	raw := minutes * s.PricePerMinuteCents

	charge := domain.Charge{
		BilledMS:        billedMS,
		BilledMinutes:   minutes,
		RawCostCents:    raw,
		DiscountedCents: raw,
		PayableCents:    raw,
	}
	if customer == nil || !customer.Member {
		return charge, nil
	}

	discounted := Discounted(raw, customer.DiscountRate)
	debited := min(customer.BalanceCents, discounted)
	charge.DiscountedCents = discounted
	charge.DebitedCents = debited
	charge.PayableCents = discounted - debited
	return charge, nil
}
