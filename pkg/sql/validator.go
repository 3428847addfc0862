// Package sql provides SQL safety utilities for the analytics pipeline.
package sql

import (
	"errors"
	"regexp"
	"strings"
)

var (
	// ErrMultipleStatements indicates the statement contains more than one SQL statement.
	ErrMultipleStatements = errors.New("multiple SQL statements not allowed; only single statements are permitted")

	// ErrUnsafeIdentifier indicates an identifier that is not registry-sanitized.
	ErrUnsafeIdentifier = errors.New("identifier is not a sanitized SQL identifier")
)

// identifierPattern matches the identifiers the registry sanitizer produces:
// lowercase ASCII, digits, and underscores, not starting with a digit.
var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// IsSafeIdentifier reports whether name matches the registry sanitizer's output
// grammar. Compiled statements only ever contain identifiers drawn from the
// registry, so a failure here indicates a pipeline bug, not bad user input.
func IsSafeIdentifier(name string) bool {
	return name != "" && identifierPattern.MatchString(name)
}

// EnsureSingleStatement verifies a compiled statement holds exactly one SQL
// statement: no semicolons outside string literals. The compiler never emits
// multi-statement text, so this is a final invariant gate before execution.
func EnsureSingleStatement(stmt string) error {
	stmt = strings.TrimSpace(stmt)
	stmt = strings.TrimSuffix(stmt, ";")
	if hasSemicolonOutsideStrings(stmt) {
		return ErrMultipleStatements
	}
	return nil
}

// hasSemicolonOutsideStrings returns true if the SQL contains any semicolon
// outside of string literals.
func hasSemicolonOutsideStrings(sqlQuery string) bool {
	const (
		stateNormal = iota
		stateSingleQuote
		stateDoubleQuote
	)

	state := stateNormal
	prevChar := rune(0)

	for _, char := range sqlQuery {
		switch state {
		case stateNormal:
			switch char {
			case ';':
				return true
			case '\'':
				state = stateSingleQuote
			case '"':
				state = stateDoubleQuote
			}
		case stateSingleQuote:
			// Handle both backslash escape (\') and SQL standard escape ('')
			if char == '\'' && prevChar != '\\' {
				state = stateNormal
			}
		case stateDoubleQuote:
			if char == '"' && prevChar != '\\' {
				state = stateNormal
			}
		}
		prevChar = char
	}

	return false
}
