package kbstore

import (
	"strings"

	"github.com/jackc/pgx/v5"
)

// EscapeIdentifier quotes a table name for safe interpolation into SQL that
// cannot otherwise be parameterized (FROM/table targets). It accepts either
// a bare name or a "schema.table" pair, quoting each part independently so a
// caller cannot smuggle a second identifier in through the schema segment.
func EscapeIdentifier(name string) (string, error) {
	if name == "" {
		return "", errEmptyIdentifier
	}
	if i := strings.IndexByte(name, '.'); i >= 0 {
		schema, table := name[:i], name[i+1:]
		if schema == "" || table == "" {
			return "", errEmptyIdentifier
		}
		return pgx.Identifier{schema}.Sanitize() + "." + pgx.Identifier{table}.Sanitize(), nil
	}
	return pgx.Identifier{name}.Sanitize(), nil
}

var errEmptyIdentifier = &identifierError{"table identifier must not be empty"}

type identifierError struct{ msg string }

func (e *identifierError) Error() string { return e.msg }
