package replay

import (
	"context"
	"fmt"

	"github.com/agentgate-io/agentgate/internal/domain/policy"
)

// Counterexample is one concrete violation of a containment invariant.
type Counterexample struct {
	Invariant string `json:"invariant"`
	ToolName  string `json:"tool_name"`
	Approval  bool   `json:"approval_present"`
	Baseline  string `json:"baseline_action"`
	Candidate string `json:"candidate_action"`
	Detail    string `json:"detail"`
}

// ProofResult reports the invariant check outcome.
type ProofResult struct {
	Holds           bool             `json:"holds"`
	Checked         int              `json:"checked"`
	Counterexamples []Counterexample `json:"counterexamples,omitempty"`
}

// Invariant names.
const (
	InvariantNoWriteEscalation   = "no_write_privilege_escalation"
	InvariantUnknownToolsDenied  = "unknown_tools_remain_denied"
	InvariantWritesNeedApproval  = "write_tools_require_approval"
)

// unknownProbe is a synthetic tool name that must never appear in a bundle.
const unknownProbe = "invariant.probe.unknown-tool"

// ProveInvariants checks the candidate bundle against the baseline without
// touching the trace store: it enumerates the union of both bundles' write
// and known tools across approval states and verifies the three containment
// invariants, returning explicit counterexamples.
func ProveInvariants(ctx context.Context, baseline, candidate policy.Bundle) ProofResult {
	baseEval := policy.NewLocalEvaluator(baseline, proverToken, nil)
	candEval := policy.NewLocalEvaluator(candidate, proverToken, nil)

	result := ProofResult{Holds: true}

	evaluate := func(eval *policy.LocalEvaluator, tool string, approved bool) policy.Decision {
		input := policy.EvaluationInput{ToolName: tool, SessionID: "invariant-probe", HasApprovalToken: approved}
		if approved {
			input.ApprovalToken = proverToken
		}
		return eval.Evaluate(ctx, input)
	}

	// 1. No write-privilege escalation across the union of write tools.
	for _, tool := range union(baseline.WriteTools, candidate.WriteTools) {
		for _, approved := range []bool{false, true} {
			result.Checked++
			bd := evaluate(baseEval, tool, approved)
			cd := evaluate(candEval, tool, approved)
			if cd.Action == policy.ActionAllow &&
				(bd.Action == policy.ActionDeny || bd.Action == policy.ActionRequireApproval) {
				result.Holds = false
				result.Counterexamples = append(result.Counterexamples, Counterexample{
					Invariant: InvariantNoWriteEscalation,
					ToolName:  tool,
					Approval:  approved,
					Baseline:  string(bd.Action),
					Candidate: string(cd.Action),
					Detail:    fmt.Sprintf("candidate allows %s where baseline returned %s", tool, bd.Action),
				})
			}
		}
	}

	// 2. Unknown tools remain denied under both evaluators.
	for _, approved := range []bool{false, true} {
		result.Checked++
		bd := evaluate(baseEval, unknownProbe, approved)
		cd := evaluate(candEval, unknownProbe, approved)
		for name, d := range map[string]policy.Decision{"baseline": bd, "candidate": cd} {
			if d.Action != policy.ActionDeny {
				result.Holds = false
				result.Counterexamples = append(result.Counterexamples, Counterexample{
					Invariant: InvariantUnknownToolsDenied,
					ToolName:  unknownProbe,
					Approval:  approved,
					Baseline:  string(bd.Action),
					Candidate: string(cd.Action),
					Detail:    fmt.Sprintf("%s evaluator returned %s for an unknown tool", name, d.Action),
				})
			}
		}
	}

	// 3. Candidate write tools must not allow without approval.
	for _, tool := range candidate.WriteTools {
		result.Checked++
		cd := evaluate(candEval, tool, false)
		if cd.Action == policy.ActionAllow {
			result.Holds = false
			result.Counterexamples = append(result.Counterexamples, Counterexample{
				Invariant: InvariantWritesNeedApproval,
				ToolName:  tool,
				Candidate: string(cd.Action),
				Detail:    fmt.Sprintf("candidate allows write tool %s with no approval token", tool),
			})
		}
	}

	return result
}

const proverToken = "prover:approval"

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, item := range list {
			if _, ok := seen[item]; ok {
				continue
			}
			seen[item] = struct{}{}
			out = append(out, item)
		}
	}
	return out
}
