// Package tools exposes the diagnostic lookups the orchestrator runs
// against the monitored database during analysis. Every call returns
// either a text payload for the analyzer prompts or a ToolError
// carrying a failure category. The circuit breaker wraps each call by
// tool name.
package tools

import "context"

// Tool names used as circuit-breaker keys
const (
	ToolTableSchema      = "table_schema"
	ToolExecutionPlan    = "execution_plan"
	ToolTableStatistics  = "table_statistics"
	ToolIndexSelectivity = "index_selectivity"
	ToolLockWaits        = "lock_waits"
	ToolCompare          = "sql_performance_compare"
)

// Provider is the diagnostic-tool collaborator interface. All payloads
// are plain text suitable for inclusion in analyzer prompts.
type Provider interface {
	// TableSchema returns the DDL for a table
	TableSchema(ctx context.Context, database, table string) (string, error)
	// ExecutionPlan returns the JSON execution plan for a query
	ExecutionPlan(ctx context.Context, database, query string) (string, error)
	// TableStatistics returns row counts and size figures for a table
	TableStatistics(ctx context.Context, database, table string) (string, error)
	// IndexSelectivity returns per-index cardinality relative to table size
	IndexSelectivity(ctx context.Context, database, table string) (string, error)
	// LockWaits returns currently observed lock-wait chains
	LockWaits(ctx context.Context, database string) (string, error)
	// ComparePerformance profiles two statements and reports their timings
	ComparePerformance(ctx context.Context, database, queryA, queryB string) (string, error)
}
