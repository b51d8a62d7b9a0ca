package orchestrator

import (
	"regexp"
	"strings"
)

// tableRefPattern finds the first table reference in a normalized query
// template. Good enough for the diagnostic lookups; queries whose
// primary table cannot be extracted simply skip the schema tools.
var tableRefPattern = regexp.MustCompile("(?i)\\b(?:from|join|into|update)\\s+`?([a-zA-Z0-9_$.]+)`?")

// primaryTable extracts the first referenced table from a query
// template. A db-qualified name has its prefix stripped; the unit's
// database field supplies the schema.
func primaryTable(template string) string {
	m := tableRefPattern.FindStringSubmatch(template)
	if m == nil {
		return ""
	}
	name := m[1]
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	// Subqueries put a paren where the table name goes
	if name == "" || strings.HasPrefix(name, "(") {
		return ""
	}
	return name
}
