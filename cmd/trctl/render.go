package main

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/taskrouter/internal/dispatch"
	httpserver "github.com/fyrsmithlabs/taskrouter/internal/http"
	"github.com/fyrsmithlabs/taskrouter/internal/pipeline"
	"github.com/fyrsmithlabs/taskrouter/internal/planner"
	"github.com/fyrsmithlabs/taskrouter/internal/policy"
)

var (
	labelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Width(11)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	goodStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	warnStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	badStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
)

func line(b *strings.Builder, label, value string) {
	fmt.Fprintf(b, "%s %s\n", labelStyle.Render(label), value)
}

func outcomeBadge(o pipeline.Outcome) string {
	text := strings.ToUpper(strings.ReplaceAll(string(o), "_", " "))
	switch o {
	case pipeline.OutcomeDispatched, pipeline.OutcomePlanned:
		return goodStyle.Render(text)
	case pipeline.OutcomeNeedsConfirmation, pipeline.OutcomeNoCapability:
		return warnStyle.Render(text)
	}
	return badStyle.Render(text)
}

func verdictText(d *policy.Decision) string {
	if d == nil {
		return dimStyle.Render("not evaluated")
	}
	v := d.Verdict()
	text := fmt.Sprintf("%s (risk %s)", v, d.RiskLevel)
	switch v {
	case "allow":
		text = goodStyle.Render(text)
	case "confirm":
		text = warnStyle.Render(text)
	default:
		text = badStyle.Render(text)
	}
	if len(d.Reasons) > 0 {
		text += dimStyle.Render(" " + strings.Join(d.Reasons, "; "))
	}
	return text
}

func graphLines(g *planner.TaskGraph) []string {
	if g == nil || g.Empty() {
		return nil
	}
	out := make([]string, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		s := fmt.Sprintf("%s  %s@%s", n.ID, n.CapabilityName, n.AgentID)
		if len(n.DependsOn) > 0 {
			s += dimStyle.Render(" after " + strings.Join(n.DependsOn, ", "))
		}
		out = append(out, s)
	}
	return out
}

func orNone(items []string) string {
	if len(items) == 0 {
		return dimStyle.Render("none")
	}
	return strings.Join(items, ", ")
}

func renderAnalyze(r *pipeline.AnalyzeResponse) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s\n\n", outcomeBadge(r.Outcome), dimStyle.Render(fmt.Sprintf("task %s  registry v%d", r.TaskID, r.RegistryVersion)))

	if r.Intent != nil {
		in := fmt.Sprintf("%s (%.2f)", r.Intent.Intent.Name, r.Intent.Confidence)
		if r.Intent.Fallback {
			in += dimStyle.Render(" fallback")
		}
		line(&b, "Intent", in)
	}
	u := r.SemanticUnit
	line(&b, "Semantic", fmt.Sprintf("%s, certainty %.2f", u.Modality, u.Certainty))
	line(&b, "Topics", orNone(u.Topics))
	line(&b, "Actions", orNone(u.ActionSignals))

	if nodes := graphLines(r.TaskGraph); len(nodes) > 0 {
		line(&b, "Plan", nodes[0])
		for _, n := range nodes[1:] {
			line(&b, "", n)
		}
	} else {
		line(&b, "Plan", dimStyle.Render("no graph"))
	}
	line(&b, "Policy", verdictText(r.PolicyDecision))

	if r.Execution != nil {
		line(&b, "Execution", executionText(r.Execution.Results, r.Execution.LatencyMS))
	}
	if r.DecisionSummary != "" {
		fmt.Fprintf(&b, "\n%s\n", r.DecisionSummary)
	}
	return b.String()
}

func executionText(results []dispatch.NodeResult, latencyMS int64) string {
	ok := 0
	for _, res := range results {
		if res.Status == dispatch.StatusSucceeded {
			ok++
		}
	}
	return fmt.Sprintf("%d of %d nodes succeeded in %dms", ok, len(results), latencyMS)
}

func renderExecute(r *pipeline.ExecuteResponse) string {
	var b strings.Builder

	status := string(r.Status)
	switch r.Status {
	case pipeline.ExecutionSuccess:
		status = goodStyle.Render(strings.ToUpper(status))
	case pipeline.ExecutionPartial:
		status = warnStyle.Render(strings.ToUpper(status))
	default:
		status = badStyle.Render(strings.ToUpper(status))
	}
	fmt.Fprintf(&b, "%s  %s\n\n", status, dimStyle.Render("execution "+r.ExecutionID))

	if r.PolicyDecision != nil {
		line(&b, "Policy", verdictText(r.PolicyDecision))
	}
	if r.Reason != "" {
		line(&b, "Reason", r.Reason)
	}
	for _, res := range r.Results {
		text := fmt.Sprintf("%s  %s@%s %s %dms", res.NodeID, res.CapabilityName, res.AgentID, res.Status, res.LatencyMS)
		if res.Error != "" {
			text += " " + badStyle.Render(res.Error)
		}
		line(&b, "Node", text)
	}
	return b.String()
}

func renderHealth(h *httpserver.HealthResponse, server string) string {
	var b strings.Builder
	status := goodStyle.Render(strings.ToUpper(h.Status))
	if h.Status != "ok" {
		status = badStyle.Render(strings.ToUpper(h.Status))
	}
	fmt.Fprintf(&b, "%s  %s\n\n", status, dimStyle.Render(server))
	line(&b, "Registry", fmt.Sprintf("v%d", h.RegistryVersion))
	for _, name := range slices.Sorted(maps.Keys(h.Services)) {
		line(&b, name, h.Services[name])
	}
	for _, name := range slices.Sorted(maps.Keys(h.Namespaces)) {
		count := fmt.Sprintf("%d chunks", h.Namespaces[name])
		if h.Namespaces[name] < 0 {
			count = dimStyle.Render("unknown")
		}
		line(&b, name, count)
	}
	return b.String()
}
