package report

import (
	"fmt"
	"math"
	"time"

	"run-reporter/core/models"
)

// Counters are the raw tallies a collector keeps while a run is in flight
type Counters struct {
	Requests   int
	Succeeded  int
	Missed     int
	Duplicates int
	Status429  int
	Status403  int
	Elapsed    time.Duration
}

// HealthScore starts at 100 and subtracts penalties for duplicates,
// timestamp anomalies and a total mismatch. Runs scoring under 70 are flagged.
func HealthScore(duplicateRate float64, timestampAnomalies int, totalMismatch bool) (int, bool) {
	score := 100
	score -= int(math.Min(math.Max(duplicateRate, 0), 1) * 40)
	score -= min(timestampAnomalies*5, 20)
	if totalMismatch {
		score -= 30
	}
	score = max(score, 0)
	return score, score < 70
}

// TierOutcome grades the collected volume against the target and minimum
func TierOutcome(total, target, minimum int) (string, string) {
	if total >= target {
		return "A", "target_met"
	}
	if total >= minimum {
		return "B", "minimum_met"
	}
	return "C", "below_minimum"
}

// SummaryMetrics renders the post-run summary cards
func SummaryMetrics(c Counters) []models.Metric {
	return []models.Metric{
		percentMetric("Success Rate", c.Succeeded, c.Requests),
		percentMetric("Miss Rate", c.Missed, c.Requests),
		percentMetric("Dup Rate", c.Duplicates, c.Requests),
		countMetric("429 Count", c.Status429),
		countMetric("403 Count", c.Status403),
		{Label: "Duration", Value: FormatDuration(c.Elapsed)},
	}
}

// FormatDuration renders a duration as HH:MM:SS
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}

func percentMetric(label string, part, whole int) models.Metric {
	pct := 0.0
	if whole > 0 {
		pct = math.Round(float64(part) / float64(whole) * 100)
	}
	return models.Metric{Label: label, Value: fmt.Sprintf("%.0f%%", pct), Numeric: &pct}
}

func countMetric(label string, n int) models.Metric {
	v := float64(n)
	return models.Metric{Label: label, Value: fmt.Sprintf("%d", n), Numeric: &v}
}
