package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/sqwatch/sqwatch/internal/types"
)

// Statement types EXPLAIN supports. Anything else is refused before
// touching the server.
var explainableStatements = map[string]bool{
	"SELECT": true,
	"INSERT": true,
	"UPDATE": true,
	"DELETE": true,
	"WITH":   true,
}

const toolQueryTimeout = 10 * time.Second

// MySQLProvider implements Provider against the monitored MySQL
// instance. It holds its own connection pool, separate from the
// ingestion poller's.
type MySQLProvider struct {
	db  *sqlx.DB
	log *logrus.Logger
}

// NewMySQLProvider wraps an existing connection pool.
func NewMySQLProvider(db *sqlx.DB, log *logrus.Logger) *MySQLProvider {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &MySQLProvider{db: db, log: log}
}

// OpenMySQLProvider dials the monitored instance with the given DSN.
func OpenMySQLProvider(dsn string, log *logrus.Logger) (*MySQLProvider, error) {
	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql connection: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)
	return NewMySQLProvider(db, log), nil
}

func (p *MySQLProvider) Close() error {
	return p.db.Close()
}

func (p *MySQLProvider) TableSchema(ctx context.Context, database, table string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, toolQueryTimeout)
	defer cancel()

	var name, ddl string
	query := fmt.Sprintf("SHOW CREATE TABLE `%s`.`%s`", escapeIdent(database), escapeIdent(table))
	if err := p.db.QueryRowxContext(ctx, query).Scan(&name, &ddl); err != nil {
		return "", classify(ToolTableSchema, err)
	}
	return ddl, nil
}

func (p *MySQLProvider) ExecutionPlan(ctx context.Context, database, query string) (string, error) {
	trimmed := strings.TrimSpace(query)
	upper := strings.ToUpper(trimmed)

	supported := false
	for stmt := range explainableStatements {
		if strings.HasPrefix(upper, stmt) {
			supported = true
			break
		}
	}
	if !supported {
		return "", &ToolError{
			Tool:     ToolExecutionPlan,
			Category: types.CategoryPermanent,
			Err:      fmt.Errorf("unsupported statement type for EXPLAIN: %q", firstWord(trimmed)),
		}
	}
	// Normalized templates carry "?" placeholders the server cannot plan
	if strings.Contains(trimmed, "?") {
		return "", &ToolError{
			Tool:     ToolExecutionPlan,
			Category: types.CategoryPermanent,
			Err:      fmt.Errorf("query contains unbound placeholders"),
		}
	}

	ctx, cancel := context.WithTimeout(ctx, toolQueryTimeout)
	defer cancel()

	// USE only changes the default schema of one connection, so both
	// statements must run on the same one; through the pool they could
	// land on different connections under concurrent workers.
	conn, err := p.db.Connx(ctx)
	if err != nil {
		return "", classify(ToolExecutionPlan, err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "USE `"+escapeIdent(database)+"`"); err != nil {
		return "", classify(ToolExecutionPlan, err)
	}

	var plan string
	if err := conn.QueryRowxContext(ctx, "EXPLAIN FORMAT=JSON "+trimmed).Scan(&plan); err != nil {
		return "", classify(ToolExecutionPlan, err)
	}
	return plan, nil
}

func (p *MySQLProvider) TableStatistics(ctx context.Context, database, table string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, toolQueryTimeout)
	defer cancel()

	var (
		rows       int64
		dataBytes  int64
		indexBytes int64
		engine     string
	)
	err := p.db.QueryRowxContext(ctx, `
		SELECT TABLE_ROWS, DATA_LENGTH, INDEX_LENGTH, ENGINE
		FROM information_schema.TABLES
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?`,
		database, table).Scan(&rows, &dataBytes, &indexBytes, &engine)
	if err != nil {
		return "", classify(ToolTableStatistics, err)
	}

	return fmt.Sprintf(
		"table: %s.%s\nengine: %s\nestimated rows: %d\ndata size: %s\nindex size: %s",
		database, table, engine, rows, humanBytes(dataBytes), humanBytes(indexBytes)), nil
}

func (p *MySQLProvider) IndexSelectivity(ctx context.Context, database, table string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, toolQueryTimeout)
	defer cancel()

	rows, err := p.db.QueryxContext(ctx, `
		SELECT INDEX_NAME, COLUMN_NAME, SEQ_IN_INDEX, CARDINALITY, NON_UNIQUE
		FROM information_schema.STATISTICS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		ORDER BY INDEX_NAME, SEQ_IN_INDEX`,
		database, table)
	if err != nil {
		return "", classify(ToolIndexSelectivity, err)
	}
	defer rows.Close()

	var b strings.Builder
	fmt.Fprintf(&b, "indexes on %s.%s:\n", database, table)
	count := 0
	for rows.Next() {
		var (
			indexName   string
			columnName  string
			seq         int
			cardinality int64
			nonUnique   int
		)
		if err := rows.Scan(&indexName, &columnName, &seq, &cardinality, &nonUnique); err != nil {
			return "", classify(ToolIndexSelectivity, err)
		}
		uniq := "unique"
		if nonUnique == 1 {
			uniq = "non-unique"
		}
		fmt.Fprintf(&b, "- %s (%s) column %d: %s, cardinality %d\n",
			indexName, uniq, seq, columnName, cardinality)
		count++
	}
	if err := rows.Err(); err != nil {
		return "", classify(ToolIndexSelectivity, err)
	}
	if count == 0 {
		return fmt.Sprintf("no indexes found on %s.%s", database, table), nil
	}
	return b.String(), nil
}

func (p *MySQLProvider) LockWaits(ctx context.Context, database string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, toolQueryTimeout)
	defer cancel()

	lockWaitsQuery := "SELECT waiting_pid, waiting_query, " +
		"blocking_pid, blocking_query, wait_age_secs, locked_table " +
		"FROM sys.innodb_lock_waits " +
		"WHERE locked_table LIKE CONCAT('`', ?, '`.%')"
	rows, err := p.db.QueryxContext(ctx, lockWaitsQuery, database)
	if err != nil {
		return "", classify(ToolLockWaits, err)
	}
	defer rows.Close()

	var b strings.Builder
	count := 0
	for rows.Next() {
		var (
			waitingPID    int64
			waitingQuery  string
			blockingPID   int64
			blockingQuery string
			waitAge       float64
			lockedTable   string
		)
		if err := rows.Scan(&waitingPID, &waitingQuery, &blockingPID, &blockingQuery, &waitAge, &lockedTable); err != nil {
			return "", classify(ToolLockWaits, err)
		}
		fmt.Fprintf(&b, "waiter %d on %s (%.1fs): %s\n  blocked by %d: %s\n",
			waitingPID, lockedTable, waitAge, waitingQuery, blockingPID, blockingQuery)
		count++
	}
	if err := rows.Err(); err != nil {
		return "", classify(ToolLockWaits, err)
	}
	if count == 0 {
		return "no lock waits currently observed", nil
	}
	return b.String(), nil
}

func (p *MySQLProvider) ComparePerformance(ctx context.Context, database, queryA, queryB string) (string, error) {
	planA, err := p.ExecutionPlan(ctx, database, queryA)
	if err != nil {
		return "", err
	}
	planB, err := p.ExecutionPlan(ctx, database, queryB)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("plan for original query:\n%s\n\nplan for candidate query:\n%s", planA, planB), nil
}

func escapeIdent(s string) string {
	return strings.ReplaceAll(s, "`", "``")
}

func firstWord(s string) string {
	if i := strings.IndexAny(s, " \t\n"); i > 0 {
		return s[:i]
	}
	return s
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
