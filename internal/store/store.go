// Package store holds what the relational backends share: the embedded schema
// and the error contract. The backends live in the postgres and sqlite subpackages.
package store

import (
	"embed"
	"errors"
	"fmt"
	"strings"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// ErrStoreUnavailable marks connection and query failures. Uniqueness conflicts
// never produce it because every write absorbs them with ON CONFLICT.
var ErrStoreUnavailable = errors.New("store unavailable")

// Unavailable wraps err so that both errors.Is(err, ErrStoreUnavailable) and
// the driver's own error chain keep working.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

// Schema returns the DDL script for the named driver ("postgres" or "sqlite").
func Schema(driver string) (string, error) {
	b, err := schemaFS.ReadFile("schema/" + driver + ".sql")
	if err != nil {
		return "", fmt.Errorf("no schema for driver %q: %w", driver, err)
	}
	return string(b), nil
}

// Statements splits a DDL script into individual statements. The schema files
// contain no semicolons inside literals or function bodies, so a plain split on
// statement terminators is sufficient.
func Statements(script string) []string {
	var out []string
	for _, part := range strings.Split(script, ";") {
		var lines []string
		for _, line := range strings.Split(part, "\n") {
			if trimmed := strings.TrimSpace(line); trimmed == "" || strings.HasPrefix(trimmed, "--") {
				continue
			}
			lines = append(lines, line)
		}
		if stmt := strings.TrimSpace(strings.Join(lines, "\n")); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
