package ai

import (
	"context"
	"fmt"
)

// RemediationAnalyzer is the final escalation stage. It turns the
// deep-reasoning output into concrete remediation: DDL, rewritten SQL,
// or configuration changes.
type RemediationAnalyzer struct {
	supervisor *Supervisor
}

// NewRemediationAnalyzer creates the remediation-code analyzer variant
func NewRemediationAnalyzer(s *Supervisor) *RemediationAnalyzer {
	return &RemediationAnalyzer{supervisor: s}
}

func (a *RemediationAnalyzer) Kind() Kind {
	return KindRemediation
}

func (a *RemediationAnalyzer) Analyze(ctx context.Context, req *Request) (string, error) {
	prompt := a.buildPrompt(req)
	return a.supervisor.complete(ctx, "remediation_analysis", a.supervisor.model, prompt)
}

func (a *RemediationAnalyzer) buildPrompt(req *Request) string {
	return fmt.Sprintf(`You are a database performance engineer writing the remediation for a diagnosed slow query.

Database: %s
Query template:
%s

Root-cause analysis:
%s

Produce remediation in markdown:

1. RECOMMENDED FIX
   The single highest-impact change. If it is an index, give the exact
   CREATE INDEX statement. If it is a rewrite, give the rewritten SQL
   using the template's placeholders.

2. ALTERNATIVES
   Up to two other options with trade-offs.

3. VERIFICATION
   How to confirm the fix worked (the EXPLAIN change to look for, the
   expected duration range).

RULES:
- Every statement must follow from the root-cause analysis above; do
  not introduce new claims about the schema.
- All SQL in fenced code blocks.
- Under 400 words. No preamble.`,
		req.Database, req.Template, req.PriorOutput)
}
