// Package history archives finished sessions, their progress events and
// their reports in Postgres.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mohammad-safakhou/researcher/internal/progress"
	"github.com/mohammad-safakhou/researcher/internal/research"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var historyTracer = otel.Tracer("researcher/internal/history")

// ErrNotFound is returned when a session or report is not archived.
var ErrNotFound = errors.New("history: not found")

// DefaultListLimit caps ListSessions when no limit is given.
const DefaultListLimit = 50

type Store struct {
	DB *sql.DB
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return historyTracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// SaveSession upserts a session together with its sub-questions.
func (s *Store) SaveSession(ctx context.Context, sess research.Session, subs []research.SubQuestion) (err error) {
	ctx, span := startSpan(ctx, "history.SaveSession", attribute.String("session_id", sess.ID))
	defer func() { endSpan(span, err) }()

	if subs == nil {
		subs = []research.SubQuestion{}
	}
	raw, err := json.Marshal(subs)
	if err != nil {
		return err
	}
	usage, err := json.Marshal(sess.Usage)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO sessions (id, query, report_type, tone, query_domains, source_urls, status, error, subquestions, created_at, updated_at, finished_at, usage)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (id) DO UPDATE SET
  status = EXCLUDED.status,
  error = EXCLUDED.error,
  subquestions = EXCLUDED.subquestions,
  updated_at = EXCLUDED.updated_at,
  finished_at = EXCLUDED.finished_at,
  usage = EXCLUDED.usage;
`, sess.ID, sess.Query, string(sess.ReportType), string(sess.Tone), pq.Array(sess.QueryDomains), pq.Array(sess.SourceURLs),
		string(sess.Status), sess.Error, raw, sess.CreatedAt, sess.UpdatedAt, nullTime(sess.FinishedAt), usage)
	return err
}

// AppendEvent stores one progress event. Replays of an already stored
// sequence number are ignored.
func (s *Store) AppendEvent(ctx context.Context, ev progress.Event) error {
	var payload []byte
	if len(ev.Payload) > 0 {
		payload = []byte(ev.Payload)
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO session_events (session_id, seq, event_id, kind, payload, occurred_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (session_id, seq) DO NOTHING;
`, ev.SessionID, int64(ev.Seq), ev.ID, string(ev.Kind), payload, ev.Time)
	return err
}

// Consume makes the store a progress.Sink.
func (s *Store) Consume(ctx context.Context, ev progress.Event) error {
	return s.AppendEvent(ctx, ev)
}

// Events returns archived events of a session with Seq > afterSeq.
func (s *Store) Events(ctx context.Context, sessionID string, afterSeq uint64) ([]progress.Event, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT event_id, seq, kind, payload, occurred_at
FROM session_events
WHERE session_id=$1 AND seq>$2
ORDER BY seq
`, sessionID, int64(afterSeq))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []progress.Event
	for rows.Next() {
		var (
			ev      progress.Event
			seq     int64
			kind    string
			payload []byte
		)
		if err := rows.Scan(&ev.ID, &seq, &kind, &payload, &ev.Time); err != nil {
			return nil, err
		}
		ev.SessionID = sessionID
		ev.Seq = uint64(seq)
		ev.Kind = progress.Kind(kind)
		if len(payload) > 0 {
			ev.Payload = json.RawMessage(payload)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SaveReport upserts a finished report.
func (s *Store) SaveReport(ctx context.Context, rep *research.Report) (err error) {
	ctx, span := startSpan(ctx, "history.SaveReport", attribute.String("session_id", rep.SessionID))
	defer func() { endSpan(span, err) }()

	raw, err := json.Marshal(rep)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO reports (session_id, query, report_type, body, report, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (session_id) DO UPDATE SET
  body = EXCLUDED.body,
  report = EXCLUDED.report;
`, rep.SessionID, rep.Query, string(rep.ReportType), rep.Body, raw, rep.CreatedAt)
	return err
}

// GetReport loads an archived report.
func (s *Store) GetReport(ctx context.Context, sessionID string) (*research.Report, error) {
	var raw []byte
	err := s.DB.QueryRowContext(ctx, `SELECT report FROM reports WHERE session_id=$1`, sessionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rep research.Report
	if err := json.Unmarshal(raw, &rep); err != nil {
		return nil, fmt.Errorf("history: decode report %s: %w", sessionID, err)
	}
	return &rep, nil
}

const sessionColumns = `id, query, report_type, tone, query_domains, source_urls, status, error, subquestions, created_at, updated_at, finished_at, usage`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (research.Session, []research.SubQuestion, error) {
	var (
		sess                     research.Session
		reportType, tone, status string
		domains, sources         pq.StringArray
		subsRaw, usageRaw        []byte
		finished                 sql.NullTime
	)
	if err := sc.Scan(&sess.ID, &sess.Query, &reportType, &tone, &domains, &sources, &status, &sess.Error, &subsRaw, &sess.CreatedAt, &sess.UpdatedAt, &finished, &usageRaw); err != nil {
		return sess, nil, err
	}
	sess.ReportType = research.ReportType(reportType)
	sess.Tone = research.Tone(tone)
	sess.Status = research.SessionStatus(status)
	sess.QueryDomains = []string(domains)
	sess.SourceURLs = []string(sources)
	if finished.Valid {
		t := finished.Time
		sess.FinishedAt = &t
	}
	if len(usageRaw) > 0 {
		if err := json.Unmarshal(usageRaw, &sess.Usage); err != nil {
			return sess, nil, fmt.Errorf("history: decode usage of %s: %w", sess.ID, err)
		}
	}
	var subs []research.SubQuestion
	if len(subsRaw) > 0 {
		if err := json.Unmarshal(subsRaw, &subs); err != nil {
			return sess, nil, fmt.Errorf("history: decode sub-questions of %s: %w", sess.ID, err)
		}
	}
	return sess, subs, nil
}

// GetSession loads an archived session and its sub-questions.
func (s *Store) GetSession(ctx context.Context, id string) (research.Session, []research.SubQuestion, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=$1`, id)
	sess, subs, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return sess, nil, ErrNotFound
	}
	return sess, subs, err
}

// ListSessions returns archived sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]research.Session, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []research.Session
	for rows.Next() {
		sess, _, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
