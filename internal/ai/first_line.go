package ai

import (
	"context"
	"fmt"
)

// FirstLineAnalyzer runs on every unit. It produces a quick triage of
// the slow query from its statistics, template, and whatever schema and
// table-statistics lookups succeeded.
type FirstLineAnalyzer struct {
	supervisor *Supervisor
}

// NewFirstLineAnalyzer creates the first-line analyzer variant
func NewFirstLineAnalyzer(s *Supervisor) *FirstLineAnalyzer {
	return &FirstLineAnalyzer{supervisor: s}
}

func (a *FirstLineAnalyzer) Kind() Kind {
	return KindFirstLine
}

func (a *FirstLineAnalyzer) Analyze(ctx context.Context, req *Request) (string, error) {
	prompt := a.buildPrompt(req)
	return a.supervisor.complete(ctx, "first_line_analysis", a.supervisor.simpleModel, prompt)
}

func (a *FirstLineAnalyzer) buildPrompt(req *Request) string {
	return fmt.Sprintf(`You are a database performance engineer triaging a slow query.

Database: %s
Query template:
%s

Representative sample:
%s

Aggregate statistics across %d observed executions:
- Average duration: %.3fs (max %.3fs)
- Average lock wait: %.3fs (max %.3fs)
- Average rows returned: %.1f
- Average rows examined: %.1f

%s%sWrite a concise first-line triage in markdown:

1. What the query does and which tables it touches
2. The most likely cause of its slowness given the statistics
3. Whether the rows-examined to rows-returned ratio suggests a missing or unused index

RULES:
- Base every statement on the data above. If a section of input is missing, say so; never invent schema details or statistics.
- Keep it under 300 words. No preamble.`,
		req.Database, req.Template, req.SampleQuery,
		req.Stats.ExecCount,
		req.Stats.AvgDurationSecs, req.Stats.MaxDurationSecs,
		req.Stats.AvgLockTimeSecs, req.Stats.MaxLockTimeSecs,
		req.Stats.AvgRowsSent, req.Stats.AvgRowsExamined,
		optionalSection("Table schema", req.Schema),
		optionalSection("Table statistics", req.TableStats))
}

// optionalSection formats a labelled input block, or returns empty when
// the lookup produced nothing.
func optionalSection(label, content string) string {
	if content == "" {
		return ""
	}
	return fmt.Sprintf("%s:\n%s\n\n", label, content)
}
