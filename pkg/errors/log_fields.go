package errors

import (
	stdErrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// constraintViolations names the schema constraints a request can trip.
var constraintViolations = map[string]string{
	"chk_user_credits_balance_non_negative": "credit balance would go negative",
	"ux_credits_ledger_user_request":        "ledger request id reused",
	"ux_generation_jobs_job_id":             "vendor job recorded twice",
	"ux_generation_jobs_user_request":       "generation request id reused",
	"chk_generation_jobs_fps":               "fps out of range",
	"chk_generation_jobs_duration":          "duration out of range",
	"ux_media_assets_job_id":                "generation persisted twice",
	"ux_outbox_dlq_event_id":                "outbox event dead-lettered twice",
}

// LogFields flattens err for structured request logs. Postgres errors from
// either driver contribute pg_* fields, and a known constraint adds a
// readable violation.
func LogFields(err error) map[string]any {
	if err == nil {
		return map[string]any{}
	}
	fields := map[string]any{"error": err.Error()}
	if typed := As(err); typed != nil {
		fields["error_code"] = typed.Code()
	}

	var chain []string
	for e := err; e != nil; e = stdErrors.Unwrap(e) {
		chain = append(chain, fmt.Sprintf("%T: %v", e, e))
	}
	fields["error_chain"] = chain

	pg, ok := postgresDetail(err)
	if !ok {
		return fields
	}
	for key, value := range map[string]string{
		"pg_code":       pg.code,
		"pg_constraint": pg.constraint,
		"pg_table":      pg.table,
		"pg_column":     pg.column,
		"pg_detail":     pg.detail,
		"pg_message":    pg.message,
	} {
		if value != "" {
			fields[key] = value
		}
	}
	if violation, known := constraintViolations[pg.constraint]; known {
		fields["violation"] = violation
	}
	return fields
}

type pgDetail struct {
	code       string
	constraint string
	table      string
	column     string
	detail     string
	message    string
}

func postgresDetail(err error) (pgDetail, bool) {
	var pgxErr *pgconn.PgError
	if stdErrors.As(err, &pgxErr) {
		return pgDetail{
			code:       pgxErr.Code,
			constraint: pgxErr.ConstraintName,
			table:      pgxErr.TableName,
			column:     pgxErr.ColumnName,
			detail:     pgxErr.Detail,
			message:    pgxErr.Message,
		}, true
	}
	var pqErr *pq.Error
	if stdErrors.As(err, &pqErr) {
		return pgDetail{
			code:       string(pqErr.Code),
			constraint: pqErr.Constraint,
			table:      pqErr.Table,
			column:     pqErr.Column,
			detail:     pqErr.Detail,
			message:    pqErr.Message,
		}, true
	}
	return pgDetail{}, false
}
