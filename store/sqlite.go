package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pairtrace/pairtrace/domain"
)

// SQLiteStore implements SessionStore and MarkerStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			task TEXT NOT NULL,
			mode TEXT,
			status TEXT NOT NULL,
			started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			ended_at DATETIME,
			metadata TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			agent TEXT NOT NULL,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			metadata TEXT,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS communications (
			communication_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			from_agent TEXT NOT NULL,
			to_agent TEXT NOT NULL,
			related_message_id TEXT,
			content TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_communications_session ON communications(session_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS system_events (
			event_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			payload TEXT,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_system_events_session ON system_events(session_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS metrics (
			metric_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			response_time_ms INTEGER NOT NULL DEFAULT 0,
			cost REAL NOT NULL DEFAULT 0,
			tokens INTEGER NOT NULL DEFAULT 0,
			is_error INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_session ON metrics(session_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS bookmarks (
			id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			label TEXT NOT NULL,
			description TEXT,
			timestamp DATETIME NOT NULL,
			idx INTEGER NOT NULL DEFAULT 0,
			tags TEXT,
			created_by TEXT NOT NULL,
			PRIMARY KEY (session_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bookmarks_session ON bookmarks(session_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS annotations (
			id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			parent_id TEXT,
			author TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			PRIMARY KEY (session_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_annotations_session ON annotations(session_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS segments (
			id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			label TEXT NOT NULL,
			start_idx INTEGER NOT NULL,
			end_idx INTEGER NOT NULL,
			start_time DATETIME NOT NULL,
			end_time DATETIME NOT NULL,
			tags TEXT,
			color TEXT,
			PRIMARY KEY (session_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_segments_session ON segments(session_id, start_time)`,
		`CREATE TABLE IF NOT EXISTS replay_metadata (
			session_id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			tags TEXT,
			start_time DATETIME NOT NULL,
			end_time DATETIME,
			key_moments TEXT
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSession creates a new session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	var endedAt sql.NullTime
	if session.EndedAt != nil {
		endedAt = sql.NullTime{Time: *session.EndedAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, task, mode, status, started_at, ended_at, metadata) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		session.SessionID, session.Task, nullString(session.Mode), session.Status, session.StartedAt, endedAt, nullStringBytes(session.Metadata))
	return err
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	var session domain.Session
	var mode, metadata sql.NullString
	var endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, task, mode, status, started_at, ended_at, metadata FROM sessions WHERE session_id = ?`,
		sessionID).Scan(&session.SessionID, &session.Task, &mode, &session.Status, &session.StartedAt, &endedAt, &metadata)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if mode.Valid {
		session.Mode = mode.String
	}
	if endedAt.Valid {
		session.EndedAt = &endedAt.Time
	}
	if metadata.Valid {
		session.Metadata = json.RawMessage(metadata.String)
	}
	return &session, nil
}

// ListSessions lists all sessions ordered by start time.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, task, mode, status, started_at, ended_at, metadata FROM sessions ORDER BY started_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		var session domain.Session
		var mode, metadata sql.NullString
		var endedAt sql.NullTime
		if err := rows.Scan(&session.SessionID, &session.Task, &mode, &session.Status, &session.StartedAt, &endedAt, &metadata); err != nil {
			return nil, err
		}
		if mode.Valid {
			session.Mode = mode.String
		}
		if endedAt.Valid {
			session.EndedAt = &endedAt.Time
		}
		if metadata.Valid {
			session.Metadata = json.RawMessage(metadata.String)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// CreateMessage creates a new message record.
func (s *SQLiteStore) CreateMessage(ctx context.Context, message *domain.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (message_id, session_id, agent, type, content, timestamp, metadata) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		message.MessageID, message.SessionID, message.Agent, message.Type, message.Content, message.Timestamp, nullStringBytes(message.Metadata))
	return err
}

// GetMessages retrieves a session's messages ordered by timestamp.
func (s *SQLiteStore) GetMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, session_id, agent, type, content, timestamp, metadata FROM messages WHERE session_id = ? ORDER BY timestamp ASC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		var metadata sql.NullString
		if err := rows.Scan(&msg.MessageID, &msg.SessionID, &msg.Agent, &msg.Type, &msg.Content, &msg.Timestamp, &metadata); err != nil {
			return nil, err
		}
		if metadata.Valid {
			msg.Metadata = json.RawMessage(metadata.String)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// CreateCommunication creates a new inter-agent communication record.
func (s *SQLiteStore) CreateCommunication(ctx context.Context, comm *domain.AgentCommunication) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO communications (communication_id, session_id, from_agent, to_agent, related_message_id, content, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		comm.CommunicationID, comm.SessionID, comm.FromAgent, comm.ToAgent, nullString(comm.RelatedMessageID), comm.Content, comm.Timestamp)
	return err
}

// GetCommunications retrieves a session's communications ordered by timestamp.
func (s *SQLiteStore) GetCommunications(ctx context.Context, sessionID string) ([]domain.AgentCommunication, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT communication_id, session_id, from_agent, to_agent, related_message_id, content, timestamp FROM communications WHERE session_id = ? ORDER BY timestamp ASC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var comms []domain.AgentCommunication
	for rows.Next() {
		var comm domain.AgentCommunication
		var related sql.NullString
		if err := rows.Scan(&comm.CommunicationID, &comm.SessionID, &comm.FromAgent, &comm.ToAgent, &related, &comm.Content, &comm.Timestamp); err != nil {
			return nil, err
		}
		if related.Valid {
			comm.RelatedMessageID = related.String
		}
		comms = append(comms, comm)
	}
	return comms, rows.Err()
}

// CreateSystemEvent creates a new system event record.
func (s *SQLiteStore) CreateSystemEvent(ctx context.Context, event *domain.SystemEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO system_events (event_id, session_id, kind, timestamp, payload) VALUES (?, ?, ?, ?, ?)`,
		event.EventID, event.SessionID, event.Kind, event.Timestamp, nullStringBytes(event.Payload))
	return err
}

// GetSystemEvents retrieves a session's system events ordered by timestamp.
func (s *SQLiteStore) GetSystemEvents(ctx context.Context, sessionID string) ([]domain.SystemEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, session_id, kind, timestamp, payload FROM system_events WHERE session_id = ? ORDER BY timestamp ASC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.SystemEvent
	for rows.Next() {
		var event domain.SystemEvent
		var payload sql.NullString
		if err := rows.Scan(&event.EventID, &event.SessionID, &event.Kind, &event.Timestamp, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			event.Payload = json.RawMessage(payload.String)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// CreateMetric creates a new performance metric record.
func (s *SQLiteStore) CreateMetric(ctx context.Context, metric *domain.PerformanceMetric) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metrics (metric_id, session_id, timestamp, response_time_ms, cost, tokens, is_error) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		metric.MetricID, metric.SessionID, metric.Timestamp, metric.ResponseTimeMs, metric.Cost, metric.Tokens, metric.IsError)
	return err
}

// GetMetrics retrieves a session's performance metrics ordered by timestamp.
func (s *SQLiteStore) GetMetrics(ctx context.Context, sessionID string) ([]domain.PerformanceMetric, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT metric_id, session_id, timestamp, response_time_ms, cost, tokens, is_error FROM metrics WHERE session_id = ? ORDER BY timestamp ASC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var metrics []domain.PerformanceMetric
	for rows.Next() {
		var metric domain.PerformanceMetric
		if err := rows.Scan(&metric.MetricID, &metric.SessionID, &metric.Timestamp, &metric.ResponseTimeMs, &metric.Cost, &metric.Tokens, &metric.IsError); err != nil {
			return nil, err
		}
		metrics = append(metrics, metric)
	}
	return metrics, rows.Err()
}

// ListBookmarks retrieves a session's bookmarks ordered by timestamp.
func (s *SQLiteStore) ListBookmarks(ctx context.Context, sessionID string) ([]domain.Bookmark, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, label, description, timestamp, idx, tags, created_by FROM bookmarks WHERE session_id = ? ORDER BY timestamp ASC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bookmarks []domain.Bookmark
	for rows.Next() {
		var b domain.Bookmark
		var description, tags sql.NullString
		if err := rows.Scan(&b.ID, &b.SessionID, &b.Label, &description, &b.Timestamp, &b.Index, &tags, &b.CreatedBy); err != nil {
			return nil, err
		}
		if description.Valid {
			b.Description = description.String
		}
		if tags.Valid && tags.String != "" {
			if err := json.Unmarshal([]byte(tags.String), &b.Tags); err != nil {
				return nil, fmt.Errorf("failed to decode bookmark tags: %w", err)
			}
		}
		bookmarks = append(bookmarks, b)
	}
	return bookmarks, rows.Err()
}

// PutBookmark creates or updates a bookmark.
func (s *SQLiteStore) PutBookmark(ctx context.Context, b *domain.Bookmark) error {
	tags, _ := json.Marshal(b.Tags)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO bookmarks (id, session_id, label, description, timestamp, idx, tags, created_by) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.SessionID, b.Label, nullString(b.Description), b.Timestamp, b.Index, string(tags), b.CreatedBy)
	return err
}

// DeleteBookmark deletes a bookmark.
func (s *SQLiteStore) DeleteBookmark(ctx context.Context, sessionID, bookmarkID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM bookmarks WHERE session_id = ? AND id = ?`, sessionID, bookmarkID)
	return err
}

// ListAnnotations retrieves a session's annotations ordered by timestamp.
func (s *SQLiteStore) ListAnnotations(ctx context.Context, sessionID string) ([]domain.Annotation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, parent_id, author, content, timestamp FROM annotations WHERE session_id = ? ORDER BY timestamp ASC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var annotations []domain.Annotation
	for rows.Next() {
		var a domain.Annotation
		var parentID sql.NullString
		if err := rows.Scan(&a.ID, &a.SessionID, &parentID, &a.Author, &a.Content, &a.Timestamp); err != nil {
			return nil, err
		}
		if parentID.Valid {
			a.ParentID = parentID.String
		}
		annotations = append(annotations, a)
	}
	return annotations, rows.Err()
}

// PutAnnotation creates or updates an annotation.
func (s *SQLiteStore) PutAnnotation(ctx context.Context, a *domain.Annotation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO annotations (id, session_id, parent_id, author, content, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.SessionID, nullString(a.ParentID), a.Author, a.Content, a.Timestamp)
	return err
}

// DeleteAnnotation deletes an annotation.
func (s *SQLiteStore) DeleteAnnotation(ctx context.Context, sessionID, annotationID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM annotations WHERE session_id = ? AND id = ?`, sessionID, annotationID)
	return err
}

// ListSegments retrieves a session's segments ordered by start time.
func (s *SQLiteStore) ListSegments(ctx context.Context, sessionID string) ([]domain.Segment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, label, start_idx, end_idx, start_time, end_time, tags, color FROM segments WHERE session_id = ? ORDER BY start_time ASC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segments []domain.Segment
	for rows.Next() {
		var seg domain.Segment
		var tags, color sql.NullString
		if err := rows.Scan(&seg.ID, &seg.SessionID, &seg.Label, &seg.StartIndex, &seg.EndIndex, &seg.StartTime, &seg.EndTime, &tags, &color); err != nil {
			return nil, err
		}
		if tags.Valid && tags.String != "" {
			if err := json.Unmarshal([]byte(tags.String), &seg.Tags); err != nil {
				return nil, fmt.Errorf("failed to decode segment tags: %w", err)
			}
		}
		if color.Valid {
			seg.Color = color.String
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

// PutSegment creates or updates a segment.
func (s *SQLiteStore) PutSegment(ctx context.Context, seg *domain.Segment) error {
	tags, _ := json.Marshal(seg.Tags)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO segments (id, session_id, label, start_idx, end_idx, start_time, end_time, tags, color) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		seg.ID, seg.SessionID, seg.Label, seg.StartIndex, seg.EndIndex, seg.StartTime, seg.EndTime, string(tags), nullString(seg.Color))
	return err
}

// DeleteSegment deletes a segment.
func (s *SQLiteStore) DeleteSegment(ctx context.Context, sessionID, segmentID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM segments WHERE session_id = ? AND id = ?`, sessionID, segmentID)
	return err
}

// GetMetadata retrieves replay metadata for a session.
func (s *SQLiteStore) GetMetadata(ctx context.Context, sessionID string) (*domain.ReplayMetadata, error) {
	var m domain.ReplayMetadata
	var durationMs int64
	var tags, keyMoments sql.NullString
	var endTime sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, title, duration_ms, tags, start_time, end_time, key_moments FROM replay_metadata WHERE session_id = ?`,
		sessionID).Scan(&m.SessionID, &m.Title, &durationMs, &tags, &m.StartTime, &endTime, &keyMoments)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.Duration = time.Duration(durationMs) * time.Millisecond
	if endTime.Valid {
		m.EndTime = &endTime.Time
	}
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &m.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode metadata tags: %w", err)
		}
	}
	if keyMoments.Valid && keyMoments.String != "" {
		if err := json.Unmarshal([]byte(keyMoments.String), &m.KeyMoments); err != nil {
			return nil, fmt.Errorf("failed to decode key moments: %w", err)
		}
	}
	return &m, nil
}

// PutMetadata creates or updates replay metadata for a session.
func (s *SQLiteStore) PutMetadata(ctx context.Context, m *domain.ReplayMetadata) error {
	tags, _ := json.Marshal(m.Tags)
	keyMoments, _ := json.Marshal(m.KeyMoments)
	var endTime sql.NullTime
	if m.EndTime != nil {
		endTime = sql.NullTime{Time: *m.EndTime, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO replay_metadata (session_id, title, duration_ms, tags, start_time, end_time, key_moments) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.SessionID, m.Title, m.Duration.Milliseconds(), string(tags), m.StartTime, endTime, string(keyMoments))
	return err
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
