// Package ai holds the analyzer collaborators: thin wrappers around the
// Anthropic API that turn a unit's statistics and diagnostic data into
// free-text analysis. Three variants exist (first-line, deep-reasoning,
// remediation-code), each owning its own prompt template. Callers
// depend only on the Analyzer interface, never on a variant.
package ai

import (
	"context"
	"time"

	"github.com/sqwatch/sqwatch/internal/types"
)

// Kind identifies an analyzer variant
type Kind string

const (
	KindFirstLine     Kind = "first_line"
	KindDeepReasoning Kind = "deep_reasoning"
	KindRemediation   Kind = "remediation_code"
)

// Request is the structured prompt payload handed to an analyzer.
// The statistics are a frozen snapshot: every stage of one analysis run
// sees the same numbers even if new samples arrive concurrently.
type Request struct {
	Fingerprint string
	Database    string
	Template    string
	SampleQuery string
	Stats       types.QueryStats

	// TriggeredAt is when the run was requested; StartedAt is when the
	// stage pipeline began. Frozen with the statistics.
	TriggeredAt time.Time
	StartedAt   time.Time

	// Diagnostic-tool outputs gathered by the orchestrator. Empty when
	// the corresponding lookup failed or was not performed; analyzers
	// must not invent content for missing sections.
	Schema     string
	TableStats string
	Plan       string

	// PriorOutput carries the previous stage's text for the
	// deep-reasoning and remediation stages.
	PriorOutput string
}

// Analyzer is the capability the orchestrator depends on. Analyze is a
// blocking request/response call; it respects ctx for timeout and
// cancellation and returns markdown text.
type Analyzer interface {
	Kind() Kind
	Analyze(ctx context.Context, req *Request) (string, error)
}
