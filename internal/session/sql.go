package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/metalagman/deskloop/internal/model"
)

// Event types recorded alongside checkpoints.
const (
	EventSessionStarted = "session_started"
	EventTurnLogged     = "turn_logged"
	EventStatusChanged  = "status_changed"
	EventNote           = "note"
)

// Event is one entry of a session's event log.
type Event struct {
	Seq      int       `json:"seq"                 yaml:"seq"`
	TS       time.Time `json:"ts"                  yaml:"ts"`
	Type     string    `json:"type"                yaml:"type"`
	Message  string    `json:"message"             yaml:"message"`
	DataJSON string    `json:"data_json,omitempty" yaml:"data_json,omitempty"`
}

var _ Store = (*SQLStore)(nil)

// timeLayout is fixed width so stored timestamps sort lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// SQLStore persists checkpoints in SQLite. Writes for the same session id
// are serialised.
type SQLStore struct {
	db    *sql.DB
	locks keyedMutex
	now   func() time.Time
}

// NewSQLStore wraps an opened database.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

// DB returns the underlying database handle.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Save implements Store. It upserts the state blob and appends the turns,
// notes and status change that are new since the previous checkpoint.
func (s *SQLStore) Save(ctx context.Context, sessionID string, st model.AgentState) error {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	blob, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	now := s.now().UTC()
	createdAt, updatedAt := st.CreatedAt, st.UpdatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	if updatedAt.IsZero() {
		updatedAt = now
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		prevStatus string
		prevTurn   int
		prevNotes  int
		exists     = true
	)
	row := tx.QueryRowContext(ctx, `SELECT status, turn, notes_count FROM sessions WHERE session_id=?`, sessionID)
	if err := row.Scan(&prevStatus, &prevTurn, &prevNotes); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read session: %w", err)
		}
		exists = false
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO sessions(session_id, instruction, status, turn, notes_count, state_json, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			status=excluded.status,
			turn=excluded.turn,
			notes_count=excluded.notes_count,
			state_json=excluded.state_json,
			updated_at=excluded.updated_at`,
		sessionID, st.Instruction, string(st.Status), st.Turn, len(st.Notes), string(blob),
		formatTime(createdAt), formatTime(updatedAt)); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	if !exists {
		if err := s.insertEvent(ctx, tx, sessionID, now, EventSessionStarted, st.Instruction, ""); err != nil {
			return err
		}
	}
	for _, entry := range st.Trajectory {
		if entry.Turn < prevTurn {
			continue
		}
		if err := insertTurn(ctx, tx, sessionID, entry); err != nil {
			return err
		}
		data, err := json.Marshal(map[string]any{"tool": entry.Tool, "judgment": entry.Judgment, "digest": entry.ScreenshotDigest})
		if err != nil {
			return fmt.Errorf("marshal turn event: %w", err)
		}
		if err := s.insertEvent(ctx, tx, sessionID, now, EventTurnLogged, model.Turn(entry.Turn)+": "+entry.Plan, string(data)); err != nil {
			return err
		}
	}
	for i := prevNotes; i < len(st.Notes); i++ {
		if err := s.insertEvent(ctx, tx, sessionID, now, EventNote, st.Notes[i], ""); err != nil {
			return err
		}
	}
	if exists && prevStatus != string(st.Status) {
		if err := s.insertEvent(ctx, tx, sessionID, now, EventStatusChanged, prevStatus+" -> "+string(st.Status), ""); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

func insertTurn(ctx context.Context, tx *sql.Tx, sessionID string, entry model.TurnLog) error {
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO turns(session_id, turn, plan, plan_code, tool, executed, reflection, judgment, screenshot_digest)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, entry.Turn, entry.Plan, entry.PlanCode, nullableString(string(entry.Tool)), entry.Executed,
		nullableStringPtr(entry.Reflection), nullableString(string(entry.Judgment)), entry.ScreenshotDigest); err != nil {
		return fmt.Errorf("insert turn %d: %w", entry.Turn, err)
	}
	return nil
}

func (s *SQLStore) insertEvent(ctx context.Context, tx *sql.Tx, sessionID string, ts time.Time, typ, message, dataJSON string) error {
	var seq int
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_id=?`, sessionID)
	if err := row.Scan(&seq); err != nil {
		return fmt.Errorf("read event seq: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO events(session_id, seq, ts, type, message, data_json) VALUES(?, ?, ?, ?, ?, ?)`,
		sessionID, seq+1, formatTime(ts), typ, message, nullableString(dataJSON)); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *SQLStore) Load(ctx context.Context, sessionID string) (model.AgentState, error) {
	var blob string
	row := s.db.QueryRowContext(ctx, `SELECT state_json FROM sessions WHERE session_id=?`, sessionID)
	if err := row.Scan(&blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.AgentState{}, ErrNotFound
		}
		return model.AgentState{}, fmt.Errorf("read session: %w", err)
	}
	var st model.AgentState
	if err := json.Unmarshal([]byte(blob), &st); err != nil {
		return model.AgentState{}, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return st, nil
}

// List returns all sessions, newest first.
func (s *SQLStore) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, instruction, status, turn, created_at, updated_at FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Summary
	for rows.Next() {
		var (
			sum                  Summary
			status               string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&sum.SessionID, &sum.Instruction, &status, &sum.Turn, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sum.Status = model.Status(status)
		sum.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		sum.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// Turns returns the logged turns of a session in order.
func (s *SQLStore) Turns(ctx context.Context, sessionID string) ([]model.TurnLog, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT turn, plan, plan_code, tool, executed, reflection, judgment, screenshot_digest
		FROM turns WHERE session_id=? ORDER BY turn`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.TurnLog
	for rows.Next() {
		var (
			entry                model.TurnLog
			tool, judgment, refl sql.NullString
		)
		if err := rows.Scan(&entry.Turn, &entry.Plan, &entry.PlanCode, &tool, &entry.Executed, &refl, &judgment, &entry.ScreenshotDigest); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		entry.Tool = model.Tool(tool.String)
		entry.Judgment = model.Judgment(judgment.String)
		if refl.Valid {
			text := refl.String
			entry.Reflection = &text
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return out, nil
}

// Events returns the event log of a session in order.
func (s *SQLStore) Events(ctx context.Context, sessionID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, ts, type, message, data_json FROM events WHERE session_id=? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var (
			ev   Event
			ts   string
			data sql.NullString
		)
		if err := rows.Scan(&ev.Seq, &ts, &ev.Type, &ev.Message, &data); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.TS, _ = time.Parse(timeLayout, ts)
		ev.DataJSON = data.String
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// Delete removes a session and everything recorded for it.
func (s *SQLStore) Delete(ctx context.Context, sessionID string) error {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id=?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableStringPtr(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}
