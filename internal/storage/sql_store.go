package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/roman-kulish/lr-logger/internal/calibration"
	"github.com/roman-kulish/lr-logger/internal/controller"
	"github.com/roman-kulish/lr-logger/internal/device"
)

// DefaultMaxBatchSize is the number of samples written per transaction.
const DefaultMaxBatchSize = 500

var ErrSessionNotFound = errors.New("session not found")

// Driver is a database/sql driver name understood by SQLStore.
type Driver string

const (
	DriverSqlite   Driver = "sqlite3"
	DriverPostgres Driver = "postgres"
)

func (d Driver) Validate() error {
	switch d {
	case DriverSqlite, DriverPostgres:
		return nil
	default:
		return fmt.Errorf("unsupported storage driver %q", string(d))
	}
}

func (d Driver) schema() string {
	if d == DriverPostgres {
		return postgresSchemaSQL
	}

	return sqliteSchemaSQL
}

type Option func(*SQLStore)

// WithMaxBatchSize limits the number of samples per insert transaction.
func WithMaxBatchSize(n int) Option {
	return func(s *SQLStore) {
		if n > 0 {
			s.maxBatchSize = n
		}
	}
}

// SQLStore is a Store backed by SQLite or PostgreSQL.
type SQLStore struct {
	driver       Driver
	dsn          string
	maxBatchSize int

	db     *sql.DB
	dbOnce sync.Once
	dbErr  error

	closeOnce sync.Once
	closeErr  error
}

var _ Store = (*SQLStore)(nil)

// NewSqliteStore creates a store over the SQLite database at dbPath.
// The database is opened in WAL mode and the schema is initialized on first use.
func NewSqliteStore(dbPath string, opts ...Option) *SQLStore {
	return newSQLStore(DriverSqlite, fmt.Sprintf("file:%s?%s", dbPath, "_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"), opts)
}

// NewPostgresStore creates a store over the PostgreSQL database at dsn.
// The schema is initialized on first use.
func NewPostgresStore(dsn string, opts ...Option) *SQLStore {
	return newSQLStore(DriverPostgres, dsn, opts)
}

// NewStore wraps an already open database. The schema is not initialized,
// call InitSchema when needed.
func NewStore(db *sql.DB, driver Driver, opts ...Option) *SQLStore {
	s := newSQLStore(driver, "", opts)
	s.dbOnce.Do(func() { s.db = db })

	return s
}

func newSQLStore(driver Driver, dsn string, opts []Option) *SQLStore {
	s := &SQLStore{
		driver:       driver,
		dsn:          dsn,
		maxBatchSize: DefaultMaxBatchSize,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *SQLStore) getDB(ctx context.Context) (*sql.DB, error) {
	s.dbOnce.Do(func() {
		db, err := sql.Open(string(s.driver), s.dsn)
		if err != nil {
			s.dbErr = fmt.Errorf("opening connection: %w", err)
			return
		}

		if s.driver == DriverSqlite {
			// single writer
			db.SetMaxOpenConns(1)
		}

		if err = initSchema(ctx, db, s.driver); err != nil {
			_ = db.Close()
			s.dbErr = fmt.Errorf("initializing schema: %w", err)
			return
		}

		s.db = db
	})

	return s.db, s.dbErr
}

func initSchema(ctx context.Context, db *sql.DB, driver Driver) error {
	_, err := db.ExecContext(ctx, driver.schema())
	return err
}

// InitSchema creates the tables if they do not exist.
func (s *SQLStore) InitSchema(ctx context.Context) error {
	db, err := s.getDB(ctx)
	if err != nil {
		return fmt.Errorf("getting connection: %w", err)
	}

	if err = initSchema(ctx, db, s.driver); err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}

	return nil
}

func (s *SQLStore) CreateSession(ctx context.Context, session *controller.AcquisitionSession) (err error) {
	if session == nil || session.ID == "" {
		return errors.New("session id is required")
	}

	descriptor, err := toNullJSON(session.Descriptor)
	if err != nil {
		return fmt.Errorf("marshaling descriptor: %w", err)
	}

	channels := session.Channels
	if channels == nil {
		channels = []device.ChannelSpec{}
	}

	p, err := json.Marshal(channels)
	if err != nil {
		return fmt.Errorf("marshaling channels: %w", err)
	}

	db, err := s.getDB(ctx)
	if err != nil {
		return fmt.Errorf("getting connection: %w", err)
	}

	stmt, err := db.PrepareContext(ctx, rebind(s.driver, insertSessionSQL))
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	d := session.Descriptor
	if _, err = stmt.ExecContext(ctx,
		session.ID,
		d.Manufacturer,
		d.Model,
		d.Serial,
		d.Firmware,
		descriptor,
		string(p),
		session.StartedAt.UTC(),
	); err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}

	return nil
}

func (s *SQLStore) StoreSamples(ctx context.Context, sessionID string, samples []calibration.CalibratedSample) error {
	if len(samples) == 0 {
		return nil
	}

	db, err := s.getDB(ctx)
	if err != nil {
		return fmt.Errorf("getting connection: %w", err)
	}

	for chunk := range slices.Chunk(samples, s.maxBatchSize) {
		if err = s.insertSamples(ctx, db, sessionID, chunk); err != nil {
			return err
		}
	}

	return nil
}

func (s *SQLStore) insertSamples(ctx context.Context, db *sql.DB, sessionID string, samples []calibration.CalibratedSample) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollbackWithError(tx, &err)

	args := make([]any, 0, len(samples)*sampleColumns)
	for _, sample := range samples {
		args = append(args,
			sessionID,
			int64(sample.Sequence),
			sample.Timestamp,
			sample.Channel.String(),
			sample.Role,
			sample.Value,
			sample.Raw,
			sample.Fault,
		)
	}

	if _, err = tx.ExecContext(ctx, rebind(s.driver, samplesInsertSQL(len(samples))), args...); err != nil {
		return fmt.Errorf("inserting samples: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

func (s *SQLStore) FinishSession(ctx context.Context, sessionID string, stoppedAt time.Time, capacity *calibration.CapacityTest) (err error) {
	var (
		capacityMAh  sql.NullFloat64
		capacityData sql.NullString
	)

	if capacity != nil {
		capacityMAh = sql.NullFloat64{Float64: capacity.CapacityMAh, Valid: true}
		if capacityData, err = toNullJSON(capacity); err != nil {
			return fmt.Errorf("marshaling capacity: %w", err)
		}
	}

	db, err := s.getDB(ctx)
	if err != nil {
		return fmt.Errorf("getting connection: %w", err)
	}

	stmt, err := db.PrepareContext(ctx, rebind(s.driver, finishSessionSQL))
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	result, err := stmt.ExecContext(ctx, stoppedAt.UTC(), capacityMAh, capacityData, sessionID)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting affected rows: %w", err)
	}

	if n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	return nil
}

func (s *SQLStore) Session(ctx context.Context, id string) (session *Session, err error) {
	db, err := s.getDB(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting connection: %w", err)
	}

	stmt, err := db.PrepareContext(ctx, rebind(s.driver, selectSessionSQL))
	if err != nil {
		return nil, fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	session, err = scanSession(stmt.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	return session, err
}

func (s *SQLStore) Sessions(ctx context.Context) (sessions []*Session, err error) {
	db, err := s.getDB(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting connection: %w", err)
	}

	rows, err := db.QueryContext(ctx, selectSessionsSQL)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var session *Session
		if session, err = scanSession(rows); err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}

	return sessions, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var (
		session    Session
		descriptor sql.NullString
		channels   string
		stoppedAt  sql.NullTime
		capacity   sql.NullString
	)

	if err := row.Scan(
		&session.ID,
		&session.Manufacturer,
		&session.Model,
		&session.Serial,
		&session.Firmware,
		&descriptor,
		&channels,
		&session.StartedAt,
		&stoppedAt,
		&capacity,
	); err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	var err error

	if session.Descriptor, err = fromNullJSON[device.DeviceDescriptor](descriptor); err != nil {
		return nil, fmt.Errorf("unmarshaling descriptor: %w", err)
	}

	if err = json.Unmarshal([]byte(channels), &session.Channels); err != nil {
		return nil, fmt.Errorf("unmarshaling channels: %w", err)
	}

	if session.Capacity, err = fromNullJSON[calibration.CapacityTest](capacity); err != nil {
		return nil, fmt.Errorf("unmarshaling capacity: %w", err)
	}

	if stoppedAt.Valid {
		session.StoppedAt = &stoppedAt.Time
	}

	return &session, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	s.closeOnce.Do(func() {
		// prevent a late lazy open
		s.dbOnce.Do(func() { s.dbErr = errors.New("store is closed") })

		if s.db != nil {
			s.closeErr = s.db.Close()
			s.db = nil
		}
	})

	return s.closeErr
}
