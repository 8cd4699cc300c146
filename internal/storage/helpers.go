package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}

func rollbackWithError(rb interface{ Rollback() error }, err *error) {
	if cErr := rb.Rollback(); cErr != nil && !errors.Is(cErr, sql.ErrTxDone) && *err == nil {
		*err = cErr
	}
}

// rebind rewrites "?" placeholders to "$n" for PostgreSQL.
func rebind(driver Driver, query string) string {
	if driver != DriverPostgres {
		return query
	}

	var (
		b strings.Builder
		n int
	)

	b.Grow(len(query) + 8)

	for i := 0; i < len(query); i++ {
		if query[i] != '?' {
			b.WriteByte(query[i])
			continue
		}

		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}

	return b.String()
}

// samplesInsertSQL builds a multi-row insert for n samples.
func samplesInsertSQL(n int) string {
	var b strings.Builder

	b.WriteString(insertSamplesSQL)

	row := "(" + strings.TrimSuffix(strings.Repeat("?, ", sampleColumns), ", ") + ")"
	for i := range n {
		if i > 0 {
			b.WriteString(",\n       ")
		}
		b.WriteString(row)
	}

	b.WriteString(insertSamplesConflictSQL)

	return b.String()
}

func toNullJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}

	p, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}

	return sql.NullString{String: string(p), Valid: true}, nil
}

func fromNullJSON[T any](s sql.NullString) (*T, error) {
	if !s.Valid || s.String == "" || s.String == "null" {
		return nil, nil
	}

	var v T
	if err := json.Unmarshal([]byte(s.String), &v); err != nil {
		return nil, err
	}

	return &v, nil
}
