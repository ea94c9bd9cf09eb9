package report

import (
	"testing"
	"time"
)

func TestHealthScore(t *testing.T) {
	tests := []struct {
		name      string
		dupRate   float64
		anomalies int
		mismatch  bool
		score     int
		flagged   bool
	}{
		{"clean", 0, 0, false, 100, false},
		{"dup only", 0.25, 0, false, 90, false},
		{"dup clamped", 3, 0, false, 60, true},
		{"negative dup", -1, 0, false, 100, false},
		{"anomalies capped", 0, 10, false, 80, false},
		{"mismatch", 0, 0, true, 70, false},
		{"everything", 1, 4, true, 10, true},
		{"floor", 1, 100, true, 10, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, flagged := HealthScore(tt.dupRate, tt.anomalies, tt.mismatch)
			if score != tt.score || flagged != tt.flagged {
				t.Errorf("HealthScore() = (%d, %v), want (%d, %v)", score, flagged, tt.score, tt.flagged)
			}
		})
	}
}

func TestTierOutcome(t *testing.T) {
	tests := []struct {
		total        int
		tier, reason string
	}{
		{50000, "A", "target_met"},
		{30000, "B", "minimum_met"},
		{29999, "C", "below_minimum"},
	}
	for _, tt := range tests {
		tier, reason := TierOutcome(tt.total, 50000, 30000)
		if tier != tt.tier || reason != tt.reason {
			t.Errorf("TierOutcome(%d) = (%s, %s), want (%s, %s)", tt.total, tier, reason, tt.tier, tt.reason)
		}
	}
}

func TestSummaryMetrics(t *testing.T) {
	metrics := SummaryMetrics(Counters{
		Requests:   100,
		Succeeded:  92,
		Missed:     5,
		Duplicates: 3,
		Status429:  12,
		Status403:  2,
		Elapsed:    34*time.Minute + 11*time.Second,
	})

	want := map[string]string{
		"Success Rate": "92%",
		"Miss Rate":    "5%",
		"Dup Rate":     "3%",
		"429 Count":    "12",
		"403 Count":    "2",
		"Duration":     "00:34:11",
	}
	if len(metrics) != len(want) {
		t.Fatalf("len(metrics) = %d, want %d", len(metrics), len(want))
	}
	for _, m := range metrics {
		if want[m.Label] != m.Value {
			t.Errorf("%s = %q, want %q", m.Label, m.Value, want[m.Label])
		}
	}
	if metrics[0].Numeric == nil || *metrics[0].Numeric != 92 {
		t.Errorf("Success Rate numeric = %v", metrics[0].Numeric)
	}
}

func TestSummaryMetrics_NoRequests(t *testing.T) {
	metrics := SummaryMetrics(Counters{})
	if metrics[0].Value != "0%" {
		t.Errorf("Success Rate = %q, want 0%%", metrics[0].Value)
	}
}

func TestFormatDuration(t *testing.T) {
	if got := FormatDuration(2*time.Hour + 3*time.Second); got != "02:00:03" {
		t.Errorf("FormatDuration() = %q", got)
	}
	if got := FormatDuration(-time.Second); got != "00:00:00" {
		t.Errorf("FormatDuration(negative) = %q", got)
	}
}
