package storage

import (
	_ "embed"
)

var (
	//go:embed schema_sqlite.sql
	sqliteSchemaSQL string

	//go:embed schema_postgres.sql
	postgresSchemaSQL string
)

// Queries use "?" placeholders and are rebound per driver.
const (
	insertSessionSQL = `
INSERT INTO sessions (id,
                      manufacturer,
                      model,
                      serial,
                      firmware,
                      descriptor,
                      channels,
                      started_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	finishSessionSQL = `
UPDATE sessions
SET stopped_at   = ?,
    capacity_mah = ?,
    capacity     = ?
WHERE id = ?`

	selectSessionSQL = `
SELECT id,
       manufacturer,
       model,
       serial,
       firmware,
       descriptor,
       channels,
       started_at,
       stopped_at,
       capacity
FROM sessions
WHERE id = ?`

	selectSessionsSQL = `
SELECT id,
       manufacturer,
       model,
       serial,
       firmware,
       descriptor,
       channels,
       started_at,
       stopped_at,
       capacity
FROM sessions
ORDER BY started_at`

	insertSamplesSQL = `
INSERT INTO samples (session_id,
                     sequence,
                     timestamp,
                     channel,
                     role,
                     value,
                     raw,
                     fault)
VALUES `

	insertSamplesConflictSQL = `
ON CONFLICT (session_id, sequence, channel) DO NOTHING`

	sampleColumns = 8
)
