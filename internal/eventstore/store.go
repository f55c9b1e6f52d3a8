package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/callscribe/internal/config"
	"github.com/loqalabs/callscribe/internal/protocol"
	_ "modernc.org/sqlite"
)

// Fixed-width UTC timestamps sort lexicographically, which retention relies on.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Session is a recorded call.
type Session struct {
	ID            string
	CallerName    string
	OperatorName  string
	StartedAt     time.Time
	EndedAt       time.Time
	TotalSegments int
}

// Store keeps the transcript of every call in SQLite. It doubles as a
// segment sink for the pipeline.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    caller_name TEXT,
    operator_name TEXT,
    started_at TEXT NOT NULL,
    ended_at TEXT,
    total_segments INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS segments (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    role TEXT NOT NULL,
    sequence INTEGER NOT NULL,
    speaker_label TEXT,
    text TEXT NOT NULL,
    confidence REAL,
    backend TEXT,
    start_time REAL,
    end_time REAL,
    duration_seconds REAL,
    language TEXT,
    preceding_pause_ms REAL,
    created_at TEXT NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_segments_session_created ON segments(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// StartSession records a call and its speaker names. Starting a known
// session updates the names and keeps its segments.
func (s *Store) StartSession(ctx context.Context, sessionID string, roles map[protocol.Role]string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, caller_name, operator_name, started_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET caller_name=excluded.caller_name, operator_name=excluded.operator_name`,
		sessionID, roles[protocol.RoleCaller], roles[protocol.RoleOperator], formatTime(s.clock()))
	return err
}

// Deliver stores a segment. Segments for sessions that were never started
// explicitly create the session row on the fly.
func (s *Store) Deliver(ctx context.Context, seg protocol.TranscriptSegment) error {
	if s.disabled() {
		return nil
	}
	created := seg.CreatedAt
	if created.IsZero() {
		created = s.clock()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions(session_id, started_at) VALUES(?, ?) ON CONFLICT(session_id) DO NOTHING`,
		seg.SessionID, formatTime(created)); err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO segments(id, session_id, role, sequence, speaker_label, text, confidence, backend,
		     start_time, end_time, duration_seconds, language, preceding_pause_ms, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		seg.ID, seg.SessionID, string(seg.Role), int64(seg.Sequence), seg.SpeakerLabel, seg.Text, seg.Confidence, seg.Backend,
		seg.StartTime, seg.EndTime, seg.DurationSeconds, seg.Language, seg.PrecedingPauseMS, formatTime(created)); err != nil {
		return fmt.Errorf("insert segment: %w", err)
	}
	return tx.Commit()
}

// EndSession stamps the end time and segment total of a call.
func (s *Store) EndSession(ctx context.Context, stats protocol.SessionStats) error {
	if s.disabled() {
		return nil
	}
	ended := stats.EndedAt
	if ended.IsZero() {
		ended = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, total_segments = ? WHERE session_id = ?`,
		formatTime(ended), stats.TotalSegments, stats.SessionID)
	return err
}

// GetSession returns a recorded call. ok is false when it is unknown.
func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, bool, error) {
	if s.disabled() {
		return Session{}, false, nil
	}
	var (
		sess       Session
		caller, op sql.NullString
		started    string
		ended      sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, caller_name, operator_name, started_at, ended_at, total_segments
		 FROM sessions WHERE session_id = ?`, sessionID).
		Scan(&sess.ID, &caller, &op, &started, &ended, &sess.TotalSegments)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}
	sess.CallerName, sess.OperatorName = caller.String, op.String
	sess.StartedAt = parseTime(started)
	if ended.Valid {
		sess.EndedAt = parseTime(ended.String)
	}
	return sess, true, nil
}

// ListSegments retrieves up to limit segments for a session in the order
// they were emitted.
func (s *Store) ListSegments(ctx context.Context, sessionID string, limit int) ([]protocol.TranscriptSegment, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, sequence, speaker_label, text, confidence, backend,
		        start_time, end_time, duration_seconds, language, preceding_pause_ms, created_at
		 FROM segments WHERE session_id = ? ORDER BY created_at ASC, role ASC, sequence ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segments []protocol.TranscriptSegment
	for rows.Next() {
		var (
			seg     protocol.TranscriptSegment
			role    string
			seq     int64
			label   sql.NullString
			backend sql.NullString
			lang    sql.NullString
			created string
		)
		if err := rows.Scan(&seg.ID, &seg.SessionID, &role, &seq, &label, &seg.Text, &seg.Confidence, &backend,
			&seg.StartTime, &seg.EndTime, &seg.DurationSeconds, &lang, &seg.PrecedingPauseMS, &created); err != nil {
			return nil, err
		}
		seg.Role = protocol.Role(role)
		seg.Sequence = uint64(seq)
		seg.SpeakerLabel, seg.Backend, seg.Language = label.String, backend.String, lang.String
		seg.CreatedAt = parseTime(created)
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := formatTime(s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour))
		if _, err = tx.ExecContext(ctx, `DELETE FROM segments WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure supplies a no-op store when persistence disabled.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	ts, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}
	}
	return ts
}
