// Package billing computes elapsed billable time and cost for a session run.
// Nothing here touches storage; the lifecycle manager and the status query
// both call it so they always agree on the numbers.
package billing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"deskmeter/internal/model"
)

// CurrencyPlaces is the precision every computed cost is rounded to.
const CurrencyPlaces = 2

// Stats is the billable result of one run segment.
type Stats struct {
	RunningMinutes int64           `json:"running_minutes"`
	Cost           decimal.Decimal `json:"cost"`
}

// RunningMinutes returns floor((end - start) / 1m), never negative.
func RunningMinutes(start, end time.Time) int64 {
	seconds := int64(end.Sub(start) / time.Second)
	if seconds <= 0 {
		return 0
	}
	return seconds / 60
}

// Cost multiplies minutes by the unit price and rounds half away from zero once.
func Cost(minutes int64, pricePerMinute decimal.Decimal) decimal.Decimal {
	if minutes <= 0 {
		return decimal.Zero
	}
	return pricePerMinute.Mul(decimal.NewFromInt(minutes)).Round(CurrencyPlaces)
}

// Compute returns the stats for a segment that began at start and ended at end.
func Compute(start, end time.Time, pricePerMinute decimal.Decimal) Stats {
	minutes := RunningMinutes(start, end)
	return Stats{RunningMinutes: minutes, Cost: Cost(minutes, pricePerMinute)}
}

// SessionStats computes the current run segment of s without mutating it.
// A running session is measured up to now, a stopped one up to StoppedAt.
func SessionStats(s *model.Session, now time.Time) Stats {
	if s.StartedAt == nil {
		return Stats{Cost: decimal.Zero}
	}
	end := now
	if s.Status != model.StatusRunning && s.Status != model.StatusStopping && s.StoppedAt != nil {
		end = *s.StoppedAt
	}
	return Compute(*s.StartedAt, end, s.PricePerMinute)
}

// Unbilled returns the part of a segment the charge scheduler has not billed yet.
func Unbilled(segment Stats, billedMinutes int64, pricePerMinute decimal.Decimal) Stats {
	minutes := segment.RunningMinutes - billedMinutes
	if minutes < 0 {
		minutes = 0
	}
	return Stats{RunningMinutes: minutes, Cost: Cost(minutes, pricePerMinute)}
}

// RemainingMinutes is how many whole minutes balance can still pay for.
func RemainingMinutes(balance, pricePerMinute decimal.Decimal) int64 {
	if !pricePerMinute.IsPositive() || !balance.IsPositive() {
		return 0
	}
	return balance.Div(pricePerMinute).Floor().IntPart()
}

// FormatRemaining renders minutes as "2h 5m", or "5m" under an hour.
func FormatRemaining(minutes int64) string {
	if minutes < 0 {
		minutes = 0
	}
	if h := minutes / 60; h > 0 {
		return fmt.Sprintf("%dh %dm", h, minutes%60)
	}
	return fmt.Sprintf("%dm", minutes)
}

// TruncateMinute returns the minute boundary t falls in, in UTC.
func TruncateMinute(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}
