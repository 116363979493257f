package marketplace

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// EarningsPeriod selects a summary window.
type EarningsPeriod string

const (
	PeriodToday EarningsPeriod = "today"
	PeriodWeek  EarningsPeriod = "week"
	PeriodMonth EarningsPeriod = "month"
	PeriodAll   EarningsPeriod = "all"
)

// ParseEarningsPeriod validates a summary period, defaulting to all-time.
func ParseEarningsPeriod(raw string) (EarningsPeriod, error) {
	if raw == "" {
		return PeriodAll, nil
	}
	period := EarningsPeriod(raw)
	switch period {
	case PeriodToday, PeriodWeek, PeriodMonth, PeriodAll:
		return period, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEarningsPeriod, raw)
}

// ChartPeriod selects a chart granularity and window.
type ChartPeriod string

const (
	ChartWeek  ChartPeriod = "week"
	ChartMonth ChartPeriod = "month"
	ChartYear  ChartPeriod = "year"
)

// ParseChartPeriod validates a chart period, defaulting to a month of days.
func ParseChartPeriod(raw string) (ChartPeriod, error) {
	if raw == "" {
		return ChartMonth, nil
	}
	period := ChartPeriod(raw)
	switch period {
	case ChartWeek, ChartMonth, ChartYear:
		return period, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEarningsPeriod, raw)
}

// EarningsSummary reports a user's settled earnings for a window and the
// change versus the immediately preceding equal-length window.
type EarningsSummary struct {
	Period           EarningsPeriod
	CurrentCents     int64
	PreviousCents    int64
	ChangePercent    float64
	TransactionCount int
}

// ChartPoint is one earnings bucket.
type ChartPoint struct {
	Key              string
	AmountCents      int64
	TransactionCount int
}

// GetEarningsSummary sums the principal's settled incoming payments over the
// requested window.
func (service *Service) GetEarningsSummary(ctx context.Context, principal Principal, period EarningsPeriod) (EarningsSummary, error) {
	now := service.nowFunc().UTC()
	currentStart, previousStart := summaryWindows(period, now)

	transactions, err := service.store.ListSettledTransactions(ctx, principal.UserID().String(), previousStart, now)
	if err != nil {
		return EarningsSummary{}, err
	}

	summary := EarningsSummary{Period: period}
	for _, transaction := range transactions {
		at := effectiveTime(transaction)
		net := transaction.AmountCents.Int64() - transaction.PlatformFeeCents.Int64()
		if !at.Before(currentStart) {
			summary.CurrentCents += net
			summary.TransactionCount++
			continue
		}
		if period != PeriodAll && !at.Before(previousStart) {
			summary.PreviousCents += net
		}
	}
	summary.ChangePercent = changePercent(summary.PreviousCents, summary.CurrentCents)
	return summary, nil
}

// GetChartData buckets the principal's settled incoming payments by day
// (week, month) or by month (year), ascending by bucket key.
func (service *Service) GetChartData(ctx context.Context, principal Principal, period ChartPeriod) ([]ChartPoint, error) {
	now := service.nowFunc().UTC()
	var start time.Time
	keyLayout := dailyKeyLayout
	switch period {
	case ChartWeek:
		start = now.AddDate(0, 0, -7)
	case ChartMonth:
		start = now.AddDate(0, 0, -30)
	case ChartYear:
		start = now.AddDate(-1, 0, 0)
		keyLayout = monthlyKeyLayout
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidEarningsPeriod, period)
	}

	transactions, err := service.store.ListSettledTransactions(ctx, principal.UserID().String(), start, now)
	if err != nil {
		return nil, err
	}

	buckets := map[string]*ChartPoint{}
	for _, transaction := range transactions {
		key := effectiveTime(transaction).UTC().Format(keyLayout)
		point, ok := buckets[key]
		if !ok {
			point = &ChartPoint{Key: key}
			buckets[key] = point
		}
		point.AmountCents += transaction.AmountCents.Int64() - transaction.PlatformFeeCents.Int64()
		point.TransactionCount++
	}

	points := make([]ChartPoint, 0, len(buckets))
	for _, point := range buckets {
		points = append(points, *point)
	}
	sort.Slice(points, func(left, right int) bool { return points[left].Key < points[right].Key })
	return points, nil
}

const (
	dailyKeyLayout   = "2006-01-02"
	monthlyKeyLayout = "2006-01"
)

// summaryWindows returns the start of the current window and the start of the
// preceding equal-length window.
func summaryWindows(period EarningsPeriod, now time.Time) (time.Time, time.Time) {
	switch period {
	case PeriodToday:
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, -1)
	case PeriodWeek:
		start := now.AddDate(0, 0, -7)
		return start, now.AddDate(0, 0, -14)
	case PeriodMonth:
		start := now.AddDate(0, 0, -30)
		return start, now.AddDate(0, 0, -60)
	default:
		return time.Time{}, time.Time{}
	}
}

// changePercent follows the reporting convention: no previous activity means
// +100% when anything was earned now and 0% otherwise.
func changePercent(previous int64, current int64) float64 {
	if previous == 0 {
		if current > 0 {
			return 100
		}
		return 0
	}
	return float64(current-previous) / float64(previous) * 100
}

func effectiveTime(transaction LedgerTransaction) time.Time {
	if !transaction.ProcessedAt.IsZero() {
		return transaction.ProcessedAt
	}
	return transaction.CreatedAt
}
