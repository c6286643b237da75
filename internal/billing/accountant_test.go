package billing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"deskmeter/internal/model"
)

func TestRunningMinutes(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)

	tests := []struct {
		name string
		end  time.Time
		want int64
	}{
		{"same instant", start, 0},
		{"59 seconds", start.Add(59 * time.Second), 0},
		{"exactly one minute", start.Add(time.Minute), 1},
		{"floors partial minutes", start.Add(3*time.Minute + 59*time.Second), 3},
		{"clock skew clamps to zero", start.Add(-5 * time.Minute), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RunningMinutes(start, tt.end))
		})
	}
}

func TestCost_RoundsHalfAwayFromZero(t *testing.T) {
	price := decimal.RequireFromString("0.125")

	assert.Equal(t, "0.38", Cost(3, price).StringFixed(2))
	assert.Equal(t, "0.25", Cost(2, price).StringFixed(2))
	assert.True(t, Cost(0, price).IsZero())
	assert.True(t, Cost(-2, price).IsZero())
}

func TestCost_RoundedOnceNotPerMinute(t *testing.T) {
	price := decimal.RequireFromString("0.005")

	// Rounding each minute would give 10 * 0.01 = 0.10.
	assert.Equal(t, "0.05", Cost(10, price).StringFixed(2))
}

func TestSessionStats_IsIdempotentAndPure(t *testing.T) {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := &model.Session{
		Status:         model.StatusRunning,
		StartedAt:      &started,
		PricePerMinute: decimal.RequireFromString("0.5"),
		TotalCost:      decimal.RequireFromString("4.00"),
	}
	now := started.Add(7*time.Minute + 10*time.Second)

	first := SessionStats(s, now)
	second := SessionStats(s, now)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(7), first.RunningMinutes)
	assert.Equal(t, "3.50", first.Cost.StringFixed(2))
	assert.Equal(t, "4.00", s.TotalCost.StringFixed(2))
}

func TestSessionStats_StoppedUsesStoppedAt(t *testing.T) {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	stopped := started.Add(4 * time.Minute)
	s := &model.Session{
		Status:         model.StatusStopped,
		StartedAt:      &started,
		StoppedAt:      &stopped,
		PricePerMinute: decimal.RequireFromString("1"),
	}

	stats := SessionStats(s, stopped.Add(time.Hour))
	assert.Equal(t, int64(4), stats.RunningMinutes)
}

func TestSessionStats_NeverStarted(t *testing.T) {
	s := &model.Session{Status: model.StatusStopped, PricePerMinute: decimal.RequireFromString("1")}
	stats := SessionStats(s, time.Now())
	assert.Zero(t, stats.RunningMinutes)
	assert.True(t, stats.Cost.IsZero())
}

func TestUnbilled(t *testing.T) {
	price := decimal.RequireFromString("0.5")

	got := Unbilled(Stats{RunningMinutes: 5}, 3, price)
	assert.Equal(t, int64(2), got.RunningMinutes)
	assert.Equal(t, "1.00", got.Cost.StringFixed(2))

	// Ticks bill ahead of the floor, so billed can exceed elapsed.
	got = Unbilled(Stats{RunningMinutes: 2}, 3, price)
	assert.Zero(t, got.RunningMinutes)
	assert.True(t, got.Cost.IsZero())
}

func TestRemainingMinutes(t *testing.T) {
	assert.Equal(t, int64(5), RemainingMinutes(decimal.RequireFromString("2.75"), decimal.RequireFromString("0.5")))
	assert.Zero(t, RemainingMinutes(decimal.RequireFromString("2.75"), decimal.Zero))
	assert.Zero(t, RemainingMinutes(decimal.Zero, decimal.RequireFromString("0.5")))
}

func TestFormatRemaining(t *testing.T) {
	assert.Equal(t, "0m", FormatRemaining(0))
	assert.Equal(t, "59m", FormatRemaining(59))
	assert.Equal(t, "1h 0m", FormatRemaining(60))
	assert.Equal(t, "2h 5m", FormatRemaining(125))
	assert.Equal(t, "0m", FormatRemaining(-3))
}

func TestTruncateMinute(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)
	in := time.Date(2026, 3, 1, 18, 4, 59, 999, loc)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 4, 0, 0, time.UTC), TruncateMinute(in))
}
