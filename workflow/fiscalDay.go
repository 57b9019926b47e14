package workflow

import (
	"context"
	"time"

	"github.com/caisseflow/pos_backend/models"
)

// FiscalDayRange computes the fiscal-day window containing ref for a day
// starting at startHour. A fiscal day spans [D@H:00:00, (D+1)@H:00:00); an
// instant whose hour is before H belongs to the day that started the previous
// calendar day. The returned end is start + 24h - 1s (inclusive boundary).
func FiscalDayRange(ref time.Time, startHour int) (time.Time, time.Time) {
	if startHour < 0 || startHour > 23 {
		startHour = models.DefaultFiscalDayStartHour
	}
	start := time.Date(ref.Year(), ref.Month(), ref.Day(), startHour, 0, 0, 0, ref.Location())
	if ref.Hour() < startHour {
		start = start.AddDate(0, 0, -1)
	}
	end := start.Add(24*time.Hour - time.Second)
	return start, end
}

// CurrentFiscalDay resolves the window for ref using the business's
// configured start hour.
func CurrentFiscalDay(ctx context.Context, ref time.Time) (time.Time, time.Time, error) {
	startHour, err := models.GetFiscalDayStartHour(ctx)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	start, end := FiscalDayRange(ref, startHour)
	return start, end, nil
}
