package ai

import (
	"context"
	"fmt"
)

// DeepReasoningAnalyzer runs only for escalated units. It receives the
// first-line output plus the execution plan and reasons about the root
// cause in depth.
type DeepReasoningAnalyzer struct {
	supervisor *Supervisor
}

// NewDeepReasoningAnalyzer creates the deep-reasoning analyzer variant
func NewDeepReasoningAnalyzer(s *Supervisor) *DeepReasoningAnalyzer {
	return &DeepReasoningAnalyzer{supervisor: s}
}

func (a *DeepReasoningAnalyzer) Kind() Kind {
	return KindDeepReasoning
}

func (a *DeepReasoningAnalyzer) Analyze(ctx context.Context, req *Request) (string, error) {
	prompt := a.buildPrompt(req)
	return a.supervisor.complete(ctx, "deep_reasoning_analysis", a.supervisor.model, prompt)
}

func (a *DeepReasoningAnalyzer) buildPrompt(req *Request) string {
	return fmt.Sprintf(`You are a senior database performance engineer performing a deep root-cause analysis of a slow query that crossed escalation thresholds.

Database: %s
Query template:
%s

Aggregate statistics across %d observed executions:
- Average duration: %.3fs (max %.3fs)
- Average lock wait: %.3fs (max %.3fs)
- Average rows returned: %.1f
- Average rows examined: %.1f

First-line triage:
%s

%sAnalyze systematically, in markdown:

1. ROOT CAUSE
   Walk through the execution plan step by step. Identify the access
   types, join order, and any full scans or filesorts, and tie them to
   the observed statistics.

2. LOCK BEHAVIOR
   If lock wait is significant, explain what the query is most likely
   contending on.

3. IMPACT
   Estimate how the cost scales with table growth.

RULES:
- Reason only from the plan, statistics, and triage provided. If the
  execution plan is missing, state that the plan was unavailable and
  limit yourself to the statistics; do not fabricate plan steps.
- Under 500 words. No preamble.`,
		req.Database, req.Template,
		req.Stats.ExecCount,
		req.Stats.AvgDurationSecs, req.Stats.MaxDurationSecs,
		req.Stats.AvgLockTimeSecs, req.Stats.MaxLockTimeSecs,
		req.Stats.AvgRowsSent, req.Stats.AvgRowsExamined,
		req.PriorOutput,
		optionalSection("Execution plan", req.Plan))
}
