package replay

import (
	"strings"
	"testing"
)

func summaryWith(total, low, high, critical int, errorRate float64) Summary {
	return Summary{
		RunID:      "run-1",
		EventCount: total,
		BySeverity: map[string]int{
			SeverityLow:      low,
			SeverityMedium:   total - low - high - critical,
			SeverityHigh:     high,
			SeverityCritical: critical,
		},
		ErrorRate: errorRate,
	}
}

func TestEvaluateCanary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		summary     Summary
		budget      Budget
		wantVerdict string
		wantReason  string
	}{
		{
			"no drift passes",
			summaryWith(100, 100, 0, 0, 0),
			DefaultBudget(),
			VerdictPass, "",
		},
		{
			"empty run passes",
			summaryWith(0, 0, 0, 0, 0),
			DefaultBudget(),
			VerdictPass, "",
		},
		{
			"one critical fails",
			summaryWith(100, 99, 0, 1, 0),
			DefaultBudget(),
			VerdictFail, "critical drift",
		},
		{
			"high within budget passes",
			summaryWith(1000, 998, 2, 0, 0),
			DefaultBudget(),
			VerdictPass, "",
		},
		{
			"high over budget fails",
			summaryWith(1000, 997, 3, 0, 0),
			DefaultBudget(),
			VerdictFail, "high drift",
		},
		{
			// Zero decision drift, but the candidate's executions are failing.
			"error rate over budget fails",
			summaryWith(100, 100, 0, 0, 0.03),
			DefaultBudget(),
			VerdictFail, "error rate",
		},
		{
			"error rate within budget passes",
			summaryWith(100, 100, 0, 0, 0.01),
			DefaultBudget(),
			VerdictPass, "",
		},
		{
			"relaxed budget tolerates criticals",
			summaryWith(100, 99, 0, 1, 0),
			Budget{MaxCritical: 5, MaxHigh: 10, MaxErrorRate: 0.5},
			VerdictPass, "",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			result := EvaluateCanary(tt.summary, tt.budget)
			if result.Verdict != tt.wantVerdict {
				t.Fatalf("verdict = %s (%s), want %s", result.Verdict, result.Reason, tt.wantVerdict)
			}
			if tt.wantReason != "" && !strings.Contains(result.Reason, tt.wantReason) {
				t.Errorf("reason = %q, want containing %q", result.Reason, tt.wantReason)
			}
		})
	}
}

func TestEvaluateCanaryCarriesErrorRate(t *testing.T) {
	t.Parallel()

	result := EvaluateCanary(summaryWith(200, 150, 0, 0, 0.25), Budget{MaxCritical: 100, MaxHigh: 100, MaxErrorRate: 1})
	if result.ErrorRate != 0.25 {
		t.Errorf("error rate = %v, want 0.25", result.ErrorRate)
	}
}

func TestDefaultBudget(t *testing.T) {
	t.Parallel()
	b := DefaultBudget()
	if b.MaxCritical != 0 || b.MaxHigh != 2 || b.MaxErrorRate != 0.02 {
		t.Errorf("default budget = %+v", b)
	}
}
