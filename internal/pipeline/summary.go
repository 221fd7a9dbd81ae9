package pipeline

import (
	"fmt"
	"strings"
)

// summarize renders a one-line, user-facing explanation of a run.
func summarize(r *AnalyzeResponse) string {
	var parts []string
	if r.Intent != nil {
		if r.Intent.Fallback {
			parts = append(parts, fmt.Sprintf("no registered intent matched, using %s", r.Intent.Intent.Name))
		} else {
			parts = append(parts, fmt.Sprintf("intent %s (confidence %.2f)", r.Intent.Intent.Name, r.Intent.Confidence))
		}
	}

	switch {
	case r.TaskGraph == nil || r.TaskGraph.Empty():
		if r.Outcome == OutcomeNoCapability {
			parts = append(parts, "no registered capability can serve this request")
		}
	default:
		steps := make([]string, len(r.TaskGraph.Nodes))
		for i, n := range r.TaskGraph.Nodes {
			steps[i] = n.CapabilityName + "@" + n.AgentID
		}
		parts = append(parts, fmt.Sprintf("planned %d step(s): %s", len(steps), strings.Join(steps, " -> ")))
	}

	if d := r.PolicyDecision; d != nil {
		s := fmt.Sprintf("policy %s, risk %s", d.Verdict(), d.RiskLevel)
		if len(d.Reasons) > 0 {
			s += " (" + strings.Join(d.Reasons, "; ") + ")"
		}
		parts = append(parts, s)
	}

	switch r.Outcome {
	case OutcomeDispatched:
		if e := r.Execution; e != nil {
			parts = append(parts, fmt.Sprintf("dispatched, %d of %d step(s) succeeded", len(e.Results)-e.Failed(), len(e.Results)))
		}
	case OutcomePlanned:
		parts = append(parts, "ready to execute")
	case OutcomeTimeout:
		parts = append(parts, "request deadline exceeded")
	}
	return strings.Join(parts, "; ")
}
