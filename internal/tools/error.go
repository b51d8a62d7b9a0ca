package tools

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/sqwatch/sqwatch/internal/types"
)

// ToolError is the structured failure returned by every provider call.
// The category drives the orchestrator's abort/retry policy and the
// message is surfaced verbatim in the unit report. Findings are never
// fabricated to paper over a failed lookup.
type ToolError struct {
	Tool             string
	Category         types.ErrorCategory
	SuggestedRetries int
	Err              error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s failed (%s): %v", e.Tool, e.Category, e.Err)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// AsToolError extracts a ToolError from an error chain.
func AsToolError(err error) (*ToolError, bool) {
	var te *ToolError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// MySQL error numbers that matter for classification
const (
	errAccessDenied   = 1044
	errBadCredentials = 1045
	errUnknownDB      = 1049
	errSyntax         = 1064
	errNoSuchTable    = 1146
	errLockWaitTmout  = 1205
	errDeadlock       = 1213
	errTooManyConns   = 1040
)

// classify wraps a raw driver error into a ToolError with the category
// the orchestrator should act on.
func classify(tool string, err error) error {
	if err == nil {
		return nil
	}

	category := types.CategoryTransient
	retries := 2

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case errAccessDenied, errBadCredentials, errUnknownDB:
			category = types.CategoryBlocking
			retries = 0
		case errSyntax, errNoSuchTable:
			category = types.CategoryPermanent
			retries = 0
		case errLockWaitTmout, errDeadlock, errTooManyConns:
			category = types.CategoryTransient
			retries = 3
		default:
			category = types.CategoryPermanent
			retries = 0
		}
	} else {
		var netErr net.Error
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			category = types.CategoryTransient
			retries = 2
		case errors.As(err, &netErr) && netErr.Timeout():
			category = types.CategoryTransient
			retries = 2
		case strings.Contains(err.Error(), "connection refused"),
			strings.Contains(err.Error(), "no such host"):
			// Monitored system unreachable: an environment problem,
			// not a flaky call
			category = types.CategoryBlocking
			retries = 0
		}
	}

	return &ToolError{
		Tool:             tool,
		Category:         category,
		SuggestedRetries: retries,
		Err:              err,
	}
}
