package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// maxChainDepth bounds how much of a wrapped chain ends up in one log line.
const maxChainDepth = 12

// ErrorDump is the log-friendly view of an error chain.
type ErrorDump struct {
	TopMessage  string `json:"top_message"`
	RootMessage string `json:"root_message,omitempty"`
	Code        Code   `json:"code,omitempty"`
	Retryable   bool   `json:"retryable,omitempty"`
	Timeout     bool   `json:"timeout,omitempty"`
	Canceled    bool   `json:"canceled,omitempty"`

	Chain []string `json:"chain,omitempty"`

	// Driver is "postgres" or "sqlite" when the chain carries a database error.
	Driver       string `json:"driver,omitempty"`
	PGCode       string `json:"pg_code,omitempty"`
	PGConstraint string `json:"pg_constraint,omitempty"`
	PGTable      string `json:"pg_table,omitempty"`
	PGDetail     string `json:"pg_detail,omitempty"`
	PGMessage    string `json:"pg_message,omitempty"`
}

// Dump flattens an error chain into loggable fields, including driver details
// for postgres errors raised through pgx or lib/pq and sqlite constraint failures.
func Dump(err error) ErrorDump {
	if err == nil {
		return ErrorDump{}
	}

	d := ErrorDump{
		TopMessage: err.Error(),
		Timeout:    errors.Is(err, context.DeadlineExceeded),
		Canceled:   errors.Is(err, context.Canceled),
	}

	if te := As(err); te != nil {
		d.Code = te.Code()
		d.Retryable = MetadataFor(te.Code()).Retryable
	}

	for e := err; e != nil; e = errors.Unwrap(e) {
		if len(d.Chain) == maxChainDepth {
			d.Chain = append(d.Chain, "...")
			break
		}
		d.Chain = append(d.Chain, fmt.Sprintf("%T: %v", e, e))
		d.RootMessage = e.Error()
	}

	var pgxErr *pgconn.PgError
	var pqErr *pq.Error
	switch {
	case errors.As(err, &pgxErr):
		d.Driver = "postgres"
		d.PGCode = pgxErr.Code
		d.PGConstraint = pgxErr.ConstraintName
		d.PGTable = pgxErr.TableName
		d.PGDetail = pgxErr.Detail
		d.PGMessage = pgxErr.Message
	case errors.As(err, &pqErr):
		d.Driver = "postgres"
		d.PGCode = string(pqErr.Code)
		d.PGConstraint = pqErr.Constraint
		d.PGTable = pqErr.Table
		d.PGDetail = pqErr.Detail
		d.PGMessage = pqErr.Message
	case strings.Contains(d.RootMessage, "constraint failed"), strings.Contains(d.RootMessage, "database is locked"):
		d.Driver = "sqlite"
	}

	return d
}
