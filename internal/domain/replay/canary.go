package replay

import "fmt"

// Canary budget defaults.
const (
	DefaultMaxCritical  = 0
	DefaultMaxHigh      = 2
	DefaultMaxErrorRate = 0.02
)

// Budget caps the acceptable drift for a candidate promotion.
type Budget struct {
	MaxCritical  int     `json:"max_critical"`
	MaxHigh      int     `json:"max_high"`
	MaxErrorRate float64 `json:"max_error_rate"`
}

// DefaultBudget returns the standard promotion budget.
func DefaultBudget() Budget {
	return Budget{
		MaxCritical:  DefaultMaxCritical,
		MaxHigh:      DefaultMaxHigh,
		MaxErrorRate: DefaultMaxErrorRate,
	}
}

// CanaryResult is the gate decision for one replay run.
type CanaryResult struct {
	Verdict       string  `json:"verdict"` // pass | fail
	CriticalDrift int     `json:"critical_drift"`
	HighDrift     int     `json:"high_drift"`
	ErrorRate     float64 `json:"error_rate"`
	Reason        string  `json:"reason,omitempty"`
}

// EvaluateCanary applies the budget to a run summary. Critical and high
// counts come from decision drift; the error rate is the replayed scope's
// observed execution failure share, recorded on the run. A candidate with
// zero drift still fails when its executions are failing.
func EvaluateCanary(summary Summary, budget Budget) CanaryResult {
	result := CanaryResult{
		Verdict:       VerdictPass,
		CriticalDrift: summary.BySeverity[SeverityCritical],
		HighDrift:     summary.BySeverity[SeverityHigh],
		ErrorRate:     summary.ErrorRate,
	}

	switch {
	case result.CriticalDrift > budget.MaxCritical:
		result.Verdict = VerdictFail
		result.Reason = fmt.Sprintf("critical drift %d exceeds budget %d", result.CriticalDrift, budget.MaxCritical)
	case result.HighDrift > budget.MaxHigh:
		result.Verdict = VerdictFail
		result.Reason = fmt.Sprintf("high drift %d exceeds budget %d", result.HighDrift, budget.MaxHigh)
	case result.ErrorRate > budget.MaxErrorRate:
		result.Verdict = VerdictFail
		result.Reason = fmt.Sprintf("error rate %.4f exceeds budget %.4f", result.ErrorRate, budget.MaxErrorRate)
	}
	return result
}
