package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/onnwee/hookpulse/internal/activity"
	"github.com/onnwee/hookpulse/internal/aggregate"
	"github.com/onnwee/hookpulse/internal/anomaly"
	"github.com/onnwee/hookpulse/internal/event"
	"github.com/onnwee/hookpulse/internal/scoring"
	"github.com/onnwee/hookpulse/internal/stats"
	"github.com/onnwee/hookpulse/internal/tracing"
)

// Dialect selects the SQL flavour spoken by SQLStore.
type Dialect string

// Supported dialects.
const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// DefaultDBFile is the SQLite file name under the metrics root.
const DefaultDBFile = "events.db"

// readPageSize bounds each keyset page fetched by the event iterators.
const readPageSize = 500

// SQLStore persists to SQLite or PostgreSQL through database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
	upserts *stats.BucketWrites
}

// OpenSQLite opens (creating if needed) the SQLite database at path with WAL
// journaling and a 5 second busy timeout on every pooled connection.
func OpenSQLite(path string, logger *slog.Logger) (*SQLStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create metrics root %s: %w", dir, err)
		}
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	return NewSQLStore(db, DialectSQLite, logger), nil
}

// OpenPostgres opens a PostgreSQL connection pool.
func OpenPostgres(dsn string, logger *slog.Logger) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewSQLStore(db, DialectPostgres, logger), nil
}

// NewSQLStore wraps an existing pool.
func NewSQLStore(db *sql.DB, dialect Dialect, logger *slog.Logger) *SQLStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLStore{db: db, dialect: dialect, logger: logger, upserts: stats.NewBucketWrites()}
}

// DB returns the underlying pool for health checks.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Dialect returns the configured dialect.
func (s *SQLStore) Dialect() Dialect { return s.dialect }

// BucketWrites exposes bucket write counters.
func (s *SQLStore) BucketWrites() *stats.BucketWrites { return s.upserts }

// Migrate creates the schema if it does not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema(s.dialect) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func schema(d Dialect) []string {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if d == DialectPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS events (
			seq ` + serial + `,
			id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			tool_name TEXT NOT NULL,
			hook_trigger TEXT NOT NULL,
			started_at BIGINT NOT NULL,
			duration_ms BIGINT NOT NULL,
			success INTEGER NOT NULL,
			incomplete INTEGER NOT NULL DEFAULT 0,
			sequence BIGINT NOT NULL DEFAULT 0,
			metadata TEXT,
			stored_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session_started ON events (session_id, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_user_started ON events (user_id, started_at)`,
		`CREATE TABLE IF NOT EXISTS buckets (
			subject_kind TEXT NOT NULL,
			subject TEXT NOT NULL,
			category TEXT NOT NULL,
			width_ns BIGINT NOT NULL,
			bucket_start BIGINT NOT NULL,
			revision INTEGER NOT NULL,
			bucket_end BIGINT NOT NULL,
			event_count BIGINT NOT NULL,
			success_count BIGINT NOT NULL,
			total_duration_ms BIGINT NOT NULL,
			version BIGINT NOT NULL,
			closed_at BIGINT NOT NULL,
			PRIMARY KEY (subject_kind, subject, category, width_ns, bucket_start, revision)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_buckets_start ON buckets (bucket_start, subject, category)`,
		`CREATE TABLE IF NOT EXISTS scores (
			subject_id TEXT NOT NULL,
			window_start BIGINT NOT NULL,
			window_end BIGINT NOT NULL,
			score DOUBLE PRECISION NOT NULL,
			trend TEXT NOT NULL,
			insufficient_data INTEGER NOT NULL,
			stale INTEGER NOT NULL,
			computed_at BIGINT NOT NULL,
			PRIMARY KEY (subject_id, window_start, window_end)
		)`,
		`CREATE TABLE IF NOT EXISTS anomalies (
			id TEXT PRIMARY KEY,
			subject_kind TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			metric TEXT NOT NULL,
			observed_value DOUBLE PRECISION NOT NULL,
			expected_low DOUBLE PRECISION NOT NULL,
			expected_high DOUBLE PRECISION NOT NULL,
			mean DOUBLE PRECISION NOT NULL,
			stddev DOUBLE PRECISION NOT NULL,
			sigmas DOUBLE PRECISION NOT NULL,
			detected_at BIGINT NOT NULL,
			sample_at BIGINT NOT NULL,
			severity TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_subject ON anomalies (subject_id, detected_at)`,
		`CREATE TABLE IF NOT EXISTS activities (
			seq ` + serial + `,
			id TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			subject_name TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			tool_name TEXT NOT NULL DEFAULT '',
			ts BIGINT NOT NULL,
			description TEXT NOT NULL,
			metadata TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activities_ts ON activities (ts)`,
	}
}

// rebind rewrites '?' placeholders to '$n' for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) span(ctx context.Context, table string, op tracing.DBOperation) (context.Context, func(error)) {
	return tracing.StartDBSpan(ctx, string(s.dialect), table, op)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func encodeMetadata(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeMetadata(ns sql.NullString) (map[string]any, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Append inserts the event; a conflicting id returns the stored Ack.
func (s *SQLStore) Append(ctx context.Context, e *event.Event) (ack Ack, err error) {
	ctx, endSpan := s.span(ctx, "events", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	meta, err := encodeMetadata(e.Metadata)
	if err != nil {
		return Ack{}, writeErr("encode metadata", err)
	}
	storedAt := time.Now().UTC()
	query := s.rebind(`
		INSERT INTO events (id, session_id, user_id, tool_name, hook_trigger, started_at,
			duration_ms, success, incomplete, sequence, metadata, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
		RETURNING seq`)

	var seq int64
	err = s.db.QueryRowContext(ctx, query,
		e.ID, e.SessionID, e.UserID, e.ToolName, string(e.Trigger), e.StartedAt.UnixNano(),
		e.DurationMs, boolInt(e.Success), boolInt(e.Incomplete), e.Sequence, meta, storedAt.UnixNano(),
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		var storedNanos int64
		lookup := s.rebind(`SELECT seq, stored_at FROM events WHERE id = ?`)
		if err = s.db.QueryRowContext(ctx, lookup, e.ID).Scan(&seq, &storedNanos); err != nil {
			return Ack{}, writeErr("lookup duplicate event", err)
		}
		return Ack{EventID: e.ID, Seq: seq, StoredAt: fromNanos(storedNanos), Duplicate: true}, nil
	}
	if err != nil {
		return Ack{}, writeErr("append event", err)
	}
	return Ack{EventID: e.ID, Seq: seq, StoredAt: storedAt}, nil
}

const eventColumns = `seq, id, session_id, user_id, tool_name, hook_trigger, started_at,
	duration_ms, success, incomplete, sequence, metadata`

func scanEvent(rows *sql.Rows) (*event.Event, int64, error) {
	var (
		e                   event.Event
		seq, started        int64
		trigger             string
		success, incomplete int
		meta                sql.NullString
	)
	if err := rows.Scan(&seq, &e.ID, &e.SessionID, &e.UserID, &e.ToolName, &trigger, &started,
		&e.DurationMs, &success, &incomplete, &e.Sequence, &meta); err != nil {
		return nil, 0, err
	}
	e.Trigger = event.Trigger(trigger)
	e.StartedAt = fromNanos(started)
	e.Success = success != 0
	e.Incomplete = incomplete != 0
	m, err := decodeMetadata(meta)
	if err != nil {
		return nil, 0, fmt.Errorf("decode metadata for %s: %w", e.ID, err)
	}
	e.Metadata = m
	return &e, seq, nil
}

// ReadRange pages through matching events with a (started_at, seq) keyset.
func (s *SQLStore) ReadRange(ctx context.Context, subjectID string, from, to time.Time) iter.Seq2[*event.Event, error] {
	return func(yield func(*event.Event, error) bool) {
		lastStarted, lastSeq := int64(-1)<<62, int64(0)
		for {
			where := []string{"started_at >= ?", "started_at < ?", "(started_at > ? OR (started_at = ? AND seq > ?))"}
			args := []any{from.UnixNano(), to.UnixNano(), lastStarted, lastStarted, lastSeq}
			if subjectID != "" {
				where = append(where, "(session_id = ? OR user_id = ?)")
				args = append(args, subjectID, subjectID)
			}
			args = append(args, readPageSize)
			query := s.rebind(`SELECT ` + eventColumns + ` FROM events WHERE ` +
				strings.Join(where, " AND ") + ` ORDER BY started_at, seq LIMIT ?`)

			page, err := s.fetchEvents(ctx, query, args)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, pe := range page {
				if !yield(pe.event, nil) {
					return
				}
			}
			if len(page) < readPageSize {
				return
			}
			last := page[len(page)-1]
			lastStarted, lastSeq = last.event.StartedAt.UnixNano(), last.seq
		}
	}
}

// ReadAll pages through the log in append order.
func (s *SQLStore) ReadAll(ctx context.Context, since time.Time) iter.Seq2[*event.Event, error] {
	return func(yield func(*event.Event, error) bool) {
		var lastSeq int64
		for {
			query := s.rebind(`SELECT ` + eventColumns + ` FROM events
				WHERE started_at >= ? AND seq > ? ORDER BY seq LIMIT ?`)
			page, err := s.fetchEvents(ctx, query, []any{nanos(since), lastSeq, readPageSize})
			if err != nil {
				yield(nil, err)
				return
			}
			for _, pe := range page {
				if !yield(pe.event, nil) {
					return
				}
			}
			if len(page) < readPageSize {
				return
			}
			lastSeq = page[len(page)-1].seq
		}
	}
}

type pagedEvent struct {
	event *event.Event
	seq   int64
}

func (s *SQLStore) fetchEvents(ctx context.Context, query string, args []any) (page []pagedEvent, err error) {
	ctx, endSpan := s.span(ctx, "events", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		e, seq, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		page = append(page, pagedEvent{event: e, seq: seq})
	}
	return page, rows.Err()
}

// UpsertBucket inserts or updates a bucket revision when the incoming version is newer.
func (s *SQLStore) UpsertBucket(ctx context.Context, b aggregate.Bucket) (applied bool, err error) {
	ctx, endSpan := s.span(ctx, "buckets", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	keyArgs := []any{string(b.SubjectKind), b.Subject, b.Category, int64(b.Width), b.BucketStart.UnixNano(), b.Revision}

	var existing int64
	probe := s.rebind(`SELECT version FROM buckets WHERE subject_kind = ? AND subject = ?
		AND category = ? AND width_ns = ? AND bucket_start = ? AND revision = ?`)
	probeErr := s.db.QueryRowContext(ctx, probe, keyArgs...).Scan(&existing)
	existed := probeErr == nil
	if probeErr != nil && !errors.Is(probeErr, sql.ErrNoRows) {
		return false, writeErr("probe bucket", probeErr)
	}

	query := s.rebind(`
		INSERT INTO buckets (subject_kind, subject, category, width_ns, bucket_start, revision,
			bucket_end, event_count, success_count, total_duration_ms, version, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (subject_kind, subject, category, width_ns, bucket_start, revision) DO UPDATE SET
			bucket_end = excluded.bucket_end,
			event_count = excluded.event_count,
			success_count = excluded.success_count,
			total_duration_ms = excluded.total_duration_ms,
			version = excluded.version,
			closed_at = excluded.closed_at
		WHERE buckets.version < excluded.version`)
	args := append(keyArgs, b.BucketEnd.UnixNano(), b.EventCount, b.SuccessCount,
		b.TotalDurationMs, b.Version, nanos(b.ClosedAt))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, writeErr("upsert bucket", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, writeErr("upsert bucket", err)
	}
	if n == 0 {
		s.upserts.RecordStale()
		return false, ErrStaleWrite
	}
	if existed {
		s.upserts.RecordRevision()
	} else {
		s.upserts.RecordInsert()
	}
	return true, nil
}

// ListBuckets filters buckets and orders them for cursor pagination.
func (s *SQLStore) ListBuckets(ctx context.Context, q aggregate.Query) (out []aggregate.Bucket, err error) {
	ctx, endSpan := s.span(ctx, "buckets", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	var (
		where []string
		args  []any
	)
	if q.SubjectKind != "" {
		where = append(where, "b.subject_kind = ?")
		args = append(args, string(q.SubjectKind))
	}
	if q.Subject != "" {
		where = append(where, "b.subject = ?")
		args = append(args, q.Subject)
	}
	if q.Category != "" {
		where = append(where, "b.category = ?")
		args = append(args, q.Category)
	}
	if q.Width != 0 {
		where = append(where, "b.width_ns = ?")
		args = append(args, int64(q.Width))
	}
	if !q.From.IsZero() {
		where = append(where, "b.bucket_start >= ?")
		args = append(args, q.From.UnixNano())
	}
	if !q.To.IsZero() {
		where = append(where, "b.bucket_start < ?")
		args = append(args, q.To.UnixNano())
	}
	if q.After != nil {
		c := q.After
		where = append(where, `(b.bucket_start > ? OR (b.bucket_start = ? AND (b.subject > ? OR (b.subject = ? AND
			(b.category > ? OR (b.category = ? AND (b.subject_kind > ? OR (b.subject_kind = ? AND
			(b.width_ns > ? OR (b.width_ns = ? AND b.revision > ?))))))))))`)
		start, kind, width := c.BucketStart.UnixNano(), string(c.SubjectKind), int64(c.Width)
		args = append(args, start, start, c.Subject, c.Subject, c.Category, c.Category, kind, kind, width, width, c.Revision)
	}
	if !q.AllRevisions {
		where = append(where, `b.revision = (SELECT MAX(m.revision) FROM buckets m
			WHERE m.subject_kind = b.subject_kind AND m.subject = b.subject AND m.category = b.category
			AND m.width_ns = b.width_ns AND m.bucket_start = b.bucket_start)`)
	}

	query := `SELECT b.subject_kind, b.subject, b.category, b.width_ns, b.bucket_start, b.revision,
		b.bucket_end, b.event_count, b.success_count, b.total_duration_ms, b.version, b.closed_at
		FROM buckets b`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY b.bucket_start, b.subject, b.category, b.subject_kind, b.width_ns, b.revision"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			b                           aggregate.Bucket
			kind                        string
			width, start, end, closedAt int64
		)
		if err := rows.Scan(&kind, &b.Subject, &b.Category, &width, &start, &b.Revision,
			&end, &b.EventCount, &b.SuccessCount, &b.TotalDurationMs, &b.Version, &closedAt); err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		b.SubjectKind = aggregate.SubjectKind(kind)
		b.Width = time.Duration(width)
		b.BucketStart = fromNanos(start)
		b.BucketEnd = fromNanos(end)
		b.ClosedAt = fromNanos(closedAt)
		out = append(out, b)
	}
	return out, rows.Err()
}

// SaveScore upserts the score for its subject and window.
func (s *SQLStore) SaveScore(ctx context.Context, sc scoring.ProductivityScore) (err error) {
	ctx, endSpan := s.span(ctx, "scores", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	query := s.rebind(`
		INSERT INTO scores (subject_id, window_start, window_end, score, trend, insufficient_data, stale, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (subject_id, window_start, window_end) DO UPDATE SET
			score = excluded.score,
			trend = excluded.trend,
			insufficient_data = excluded.insufficient_data,
			stale = excluded.stale,
			computed_at = excluded.computed_at`)
	_, err = s.db.ExecContext(ctx, query, sc.SubjectID, sc.WindowStart.UnixNano(), sc.WindowEnd.UnixNano(),
		sc.Score, string(sc.Trend), boolInt(sc.InsufficientData), boolInt(sc.Stale), nanos(sc.ComputedAt))
	if err != nil {
		return writeErr("save score", err)
	}
	return nil
}

const scoreColumns = `subject_id, window_start, window_end, score, trend, insufficient_data, stale, computed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScore(r rowScanner) (scoring.ProductivityScore, error) {
	var (
		sc                   scoring.ProductivityScore
		start, end, computed int64
		trend                string
		insufficient, stale  int
	)
	if err := r.Scan(&sc.SubjectID, &start, &end, &sc.Score, &trend, &insufficient, &stale, &computed); err != nil {
		return sc, err
	}
	sc.WindowStart = fromNanos(start)
	sc.WindowEnd = fromNanos(end)
	sc.Trend = scoring.Trend(trend)
	sc.InsufficientData = insufficient != 0
	sc.Stale = stale != 0
	sc.ComputedAt = fromNanos(computed)
	return sc, nil
}

// LatestScore returns the score with the latest window end for a subject.
func (s *SQLStore) LatestScore(ctx context.Context, subjectID string) (_ *scoring.ProductivityScore, err error) {
	ctx, endSpan := s.span(ctx, "scores", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := s.rebind(`SELECT ` + scoreColumns + ` FROM scores WHERE subject_id = ?
		ORDER BY window_end DESC, computed_at DESC LIMIT 1`)
	sc, err := scanScore(s.db.QueryRowContext(ctx, query, subjectID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest score: %w", err)
	}
	return &sc, nil
}

// ListScores returns scores whose window starts in [from, to).
func (s *SQLStore) ListScores(ctx context.Context, subjectID string, from, to time.Time) (out []scoring.ProductivityScore, err error) {
	ctx, endSpan := s.span(ctx, "scores", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := s.rebind(`SELECT ` + scoreColumns + ` FROM scores
		WHERE subject_id = ? AND window_start >= ? AND window_start < ? ORDER BY window_start`)
	rows, err := s.db.QueryContext(ctx, query, subjectID, from.UnixNano(), to.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("list scores: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		sc, err := scanScore(rows)
		if err != nil {
			return nil, fmt.Errorf("scan score: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// SaveAnomaly upserts an anomaly by id.
func (s *SQLStore) SaveAnomaly(ctx context.Context, a anomaly.Anomaly) (err error) {
	ctx, endSpan := s.span(ctx, "anomalies", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	query := s.rebind(`
		INSERT INTO anomalies (id, subject_kind, subject_id, metric, observed_value, expected_low, expected_high,
			mean, stddev, sigmas, detected_at, sample_at, severity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			observed_value = excluded.observed_value,
			expected_low = excluded.expected_low,
			expected_high = excluded.expected_high,
			mean = excluded.mean,
			stddev = excluded.stddev,
			sigmas = excluded.sigmas,
			detected_at = excluded.detected_at,
			severity = excluded.severity`)
	_, err = s.db.ExecContext(ctx, query, a.ID, string(a.SubjectKind), a.SubjectID, a.Metric, a.ObservedValue,
		a.ExpectedRange.Low, a.ExpectedRange.High, a.Mean, a.StdDev, a.Sigmas,
		nanos(a.DetectedAt), nanos(a.SampleAt), string(a.Severity))
	if err != nil {
		return writeErr("save anomaly", err)
	}
	return nil
}

// ListAnomalies returns anomalies newest first.
func (s *SQLStore) ListAnomalies(ctx context.Context, q AnomalyQuery) (out []anomaly.Anomaly, err error) {
	ctx, endSpan := s.span(ctx, "anomalies", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	var (
		where []string
		args  []any
	)
	if q.SubjectID != "" {
		where = append(where, "subject_id = ?")
		args = append(args, q.SubjectID)
	}
	if !q.Since.IsZero() {
		where = append(where, "detected_at >= ?")
		args = append(args, q.Since.UnixNano())
	}
	query := `SELECT id, subject_kind, subject_id, metric, observed_value, expected_low, expected_high,
		mean, stddev, sigmas, detected_at, sample_at, severity FROM anomalies`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY detected_at DESC, id"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list anomalies: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			a                  anomaly.Anomaly
			detected, sampleAt int64
			kind, severity     string
		)
		if err := rows.Scan(&a.ID, &kind, &a.SubjectID, &a.Metric, &a.ObservedValue, &a.ExpectedRange.Low,
			&a.ExpectedRange.High, &a.Mean, &a.StdDev, &a.Sigmas, &detected, &sampleAt, &severity); err != nil {
			return nil, fmt.Errorf("scan anomaly: %w", err)
		}
		a.DetectedAt = fromNanos(detected)
		a.SampleAt = fromNanos(sampleAt)
		a.SubjectKind = aggregate.SubjectKind(kind)
		a.Severity = anomaly.Severity(severity)
		out = append(out, a)
	}
	return out, rows.Err()
}

// AppendActivity records an activity update; re-appending the same id is ignored.
func (s *SQLStore) AppendActivity(ctx context.Context, u activity.Update) (err error) {
	ctx, endSpan := s.span(ctx, "activities", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	meta, err := encodeMetadata(u.Metadata)
	if err != nil {
		return writeErr("encode activity metadata", err)
	}
	query := s.rebind(`
		INSERT INTO activities (id, type, subject_id, subject_name, session_id, user_id, tool_name, ts, description, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`)
	_, err = s.db.ExecContext(ctx, query, u.ID, string(u.Type), u.SubjectID, u.SubjectName,
		u.Meta("session_id"), u.Meta("user_id"), u.Meta("tool_name"), u.Timestamp.UnixNano(), u.Description, meta)
	if err != nil {
		return writeErr("append activity", err)
	}
	return nil
}

// RecentActivities pages the activity log newest first with a total count.
func (s *SQLStore) RecentActivities(ctx context.Context, q activity.Query) (out []activity.Update, total int, err error) {
	ctx, endSpan := s.span(ctx, "activities", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	var (
		where []string
		args  []any
	)
	if q.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(q.Type))
	}
	if q.SubjectID != "" {
		where = append(where, "(subject_id = ? OR session_id = ? OR user_id = ?)")
		args = append(args, q.SubjectID, q.SubjectID, q.SubjectID)
	}
	if !q.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, q.Since.UnixNano())
	}
	filter := ""
	if len(where) > 0 {
		filter = " WHERE " + strings.Join(where, " AND ")
	}

	if err = s.db.QueryRowContext(ctx, s.rebind("SELECT COUNT(*) FROM activities"+filter), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count activities: %w", err)
	}

	query := `SELECT id, type, subject_id, subject_name, ts, description, metadata FROM activities` +
		filter + ` ORDER BY ts DESC, seq DESC LIMIT ? OFFSET ?`
	limit := q.Limit
	if limit <= 0 {
		limit = total
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), append(args, limit, q.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("recent activities: %w", err)
	}
	defer rows.Close()
	out = []activity.Update{}
	for rows.Next() {
		var (
			u    activity.Update
			typ  string
			ts   int64
			meta sql.NullString
		)
		if err := rows.Scan(&u.ID, &typ, &u.SubjectID, &u.SubjectName, &ts, &u.Description, &meta); err != nil {
			return nil, 0, fmt.Errorf("scan activity: %w", err)
		}
		u.Type = activity.Type(typ)
		u.Timestamp = fromNanos(ts)
		if u.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, 0, fmt.Errorf("decode activity metadata: %w", err)
		}
		out = append(out, u)
	}
	return out, total, rows.Err()
}

// Ping checks database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
