package implementation

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtmodels "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Models"
	interfaces "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Repository/Interfaces"
)

// Dialect selects placeholder style and DDL for the SQL store
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const readingColumns = `id, scale_id, location, item_type, weight_kg, item_count, item_weight, "timestamp", status, received_at`

// SQLReadingRepository stores readings in the scale_readings table
type SQLReadingRepository struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time

	// mu serializes writers; lastReceived keeps received_at non-decreasing
	mu           sync.Mutex
	lastReceived int64
}

var _ interfaces.ReadingRepository = (*SQLReadingRepository)(nil)

func NewSQLReadingRepository(db *sql.DB, dialect Dialect) *SQLReadingRepository {
	return &SQLReadingRepository{db: db, dialect: dialect, now: time.Now}
}

// CreateSchema creates the scale_readings table and its index if they don't exist
func (r *SQLReadingRepository) CreateSchema(ctx context.Context) error {
	idColumn := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	realType := "REAL"
	intType := "INTEGER"
	if r.dialect == DialectPostgres {
		idColumn = "id BIGSERIAL PRIMARY KEY"
		realType = "DOUBLE PRECISION"
		intType = "BIGINT"
	}

	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS scale_readings (
			%s,
			scale_id    TEXT NOT NULL,
			location    TEXT NOT NULL,
			item_type   TEXT NOT NULL,
			weight_kg   %s NOT NULL,
			item_count  %s NOT NULL,
			item_weight %s NOT NULL,
			"timestamp" %s NOT NULL,
			status      TEXT NOT NULL,
			received_at %s NOT NULL
		)`, idColumn, realType, intType, realType, intType, intType)

	createIndex := `CREATE INDEX IF NOT EXISTS idx_scale_readings_scale_ts ON scale_readings (scale_id, "timestamp" DESC)`

	for _, query := range []string{createTable, createIndex} {
		if _, err := r.db.ExecContext(ctx, query); err != nil {
			return &mqtmodels.StorageError{Op: "create schema", Err: err}
		}
	}

	// Resume the received_at floor across restarts
	var last sql.NullInt64
	if err := r.db.QueryRowContext(ctx, `SELECT MAX(received_at) FROM scale_readings`).Scan(&last); err != nil {
		return &mqtmodels.StorageError{Op: "create schema", Err: err}
	}
	r.mu.Lock()
	r.lastReceived = last.Int64
	r.mu.Unlock()
	return nil
}

// nextReceivedAt must be called with mu held
func (r *SQLReadingRepository) nextReceivedAt() int64 {
	ms := r.now().UnixMilli()
	if ms < r.lastReceived {
		ms = r.lastReceived
	}
	return ms
}

func (r *SQLReadingRepository) insertQuery() string {
	return r.rebind(`
		INSERT INTO scale_readings (scale_id, location, item_type, weight_kg, item_count, item_weight, "timestamp", status, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertOne(ctx context.Context, q rowQuerier, query string, reading *mqtmodels.Reading, receivedAt int64) error {
	status := reading.Status.Normalize()
	err := q.QueryRowContext(ctx, query,
		reading.ScaleID,
		reading.Location,
		reading.ItemType,
		reading.WeightKg,
		reading.ItemCount,
		reading.ItemWeight,
		reading.Timestamp,
		string(status),
		receivedAt,
	).Scan(&reading.ID)
	if err != nil {
		return err
	}
	reading.Status = status
	reading.ReceivedAt = time.UnixMilli(receivedAt).UTC()
	return nil
}

func (r *SQLReadingRepository) InsertReading(ctx context.Context, reading mqtmodels.Reading) (mqtmodels.Reading, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	receivedAt := r.nextReceivedAt()
	if err := insertOne(ctx, r.db, r.insertQuery(), &reading, receivedAt); err != nil {
		return mqtmodels.Reading{}, &mqtmodels.StorageError{Op: "insert reading", Err: err}
	}
	r.lastReceived = receivedAt
	return reading, nil
}

func (r *SQLReadingRepository) InsertReadings(ctx context.Context, readings []mqtmodels.Reading) ([]mqtmodels.Reading, error) {
	if len(readings) == 0 {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	txn, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &mqtmodels.StorageError{Op: "begin batch", Err: err}
	}
	defer txn.Rollback()

	stmt, err := txn.PrepareContext(ctx, r.insertQuery())
	if err != nil {
		return nil, &mqtmodels.StorageError{Op: "prepare batch", Err: err}
	}
	defer stmt.Close()

	stored := make([]mqtmodels.Reading, len(readings))
	copy(stored, readings)

	receivedAt := r.nextReceivedAt()
	for i := range stored {
		if err := insertOne(ctx, stmtQuerier{stmt}, "", &stored[i], receivedAt); err != nil {
			return nil, &mqtmodels.StorageError{Op: "insert batch", Err: fmt.Errorf("reading %d (%s): %w", i, stored[i].ScaleID, err)}
		}
	}

	if err := txn.Commit(); err != nil {
		return nil, &mqtmodels.StorageError{Op: "commit batch", Err: err}
	}
	r.lastReceived = receivedAt
	return stored, nil
}

// stmtQuerier adapts a prepared statement to rowQuerier; the query argument is ignored
type stmtQuerier struct{ stmt *sql.Stmt }

func (s stmtQuerier) QueryRowContext(ctx context.Context, _ string, args ...any) *sql.Row {
	return s.stmt.QueryRowContext(ctx, args...)
}

func (r *SQLReadingRepository) ListDistinctScales(ctx context.Context) ([]mqtmodels.ScaleRef, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT scale_id, location FROM scale_readings ORDER BY scale_id, location`)
	if err != nil {
		return nil, &mqtmodels.StorageError{Op: "list scales", Err: err}
	}
	defer rows.Close()

	scales := make([]mqtmodels.ScaleRef, 0)
	for rows.Next() {
		var s mqtmodels.ScaleRef
		if err := rows.Scan(&s.ScaleID, &s.Location); err != nil {
			return nil, &mqtmodels.StorageError{Op: "list scales", Err: err}
		}
		scales = append(scales, s)
	}
	if err := rows.Err(); err != nil {
		return nil, &mqtmodels.StorageError{Op: "list scales", Err: err}
	}
	return scales, nil
}

func (r *SQLReadingRepository) ListReadings(ctx context.Context, scaleID string, limit int) ([]mqtmodels.Reading, error) {
	query := r.rebind(`
		SELECT ` + readingColumns + `
		FROM scale_readings
		WHERE scale_id = ?
		ORDER BY "timestamp" DESC, id DESC
		LIMIT ?`)

	rows, err := r.db.QueryContext(ctx, query, scaleID, interfaces.NormalizeLimit(limit))
	if err != nil {
		return nil, &mqtmodels.StorageError{Op: "list readings", Err: err}
	}
	defer rows.Close()

	readings, err := scanReadings(rows)
	if err != nil {
		return nil, &mqtmodels.StorageError{Op: "list readings", Err: err}
	}
	return readings, nil
}

func (r *SQLReadingRepository) LatestPerScale(ctx context.Context) ([]mqtmodels.Reading, error) {
	query := `
		SELECT ` + readingColumns + `
		FROM scale_readings r
		WHERE r.id = (
			SELECT r2.id FROM scale_readings r2
			WHERE r2.scale_id = r.scale_id
			ORDER BY r2."timestamp" DESC, r2.id DESC
			LIMIT 1
		)
		ORDER BY r.scale_id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, &mqtmodels.StorageError{Op: "latest per scale", Err: err}
	}
	defer rows.Close()

	readings, err := scanReadings(rows)
	if err != nil {
		return nil, &mqtmodels.StorageError{Op: "latest per scale", Err: err}
	}
	return readings, nil
}

func (r *SQLReadingRepository) Ping(ctx context.Context) error {
	var one int
	if err := r.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return &mqtmodels.StorageError{Op: "ping", Err: err}
	}
	return nil
}

// Close waits for an in-flight write to finish before closing the pool
func (r *SQLReadingRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.db.Close()
}

func scanReadings(rows *sql.Rows) ([]mqtmodels.Reading, error) {
	readings := make([]mqtmodels.Reading, 0)
	for rows.Next() {
		var (
			reading    mqtmodels.Reading
			status     string
			receivedAt int64
		)
		if err := rows.Scan(
			&reading.ID,
			&reading.ScaleID,
			&reading.Location,
			&reading.ItemType,
			&reading.WeightKg,
			&reading.ItemCount,
			&reading.ItemWeight,
			&reading.Timestamp,
			&status,
			&receivedAt,
		); err != nil {
			return nil, err
		}
		reading.Status = mqtmodels.ReadingStatus(status)
		reading.ReceivedAt = time.UnixMilli(receivedAt).UTC()
		readings = append(readings, reading)
	}
	return readings, rows.Err()
}

// rebind rewrites ? placeholders to $n for postgres
func (r *SQLReadingRepository) rebind(query string) string {
	if r.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}
