package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrSessionNotFound is returned when no session has the requested id.
var ErrSessionNotFound = errors.New("session not found")

// Session is one catalogued session log.
type Session struct {
	ID         string     `json:"id"`
	Path       string     `json:"path"`
	Source     string     `json:"source"`
	StartedAt  time.Time  `json:"started_at"`
	StoppedAt  *time.Time `json:"stopped_at,omitempty"`
	Frames     int64      `json:"frames"`
	StopReason string     `json:"stop_reason,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Open reports whether the log is still being written.
func (s *Session) Open() bool { return s.StoppedAt == nil }

// CreateSession registers a newly opened log and returns its id.
func (db *DB) CreateSession(path, source string, startedAt time.Time) (string, error) {
	id := uuid.NewString()
	_, err := db.Exec(`
		INSERT INTO sessions (session_id, path, source, started_at)
		VALUES (?, ?, ?, ?)`,
		id, path, source, startedAt.UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	return id, nil
}

// FinishSession records how a log ended. An empty source keeps the one
// given to CreateSession; errMsg is empty for a clean stop.
func (db *DB) FinishSession(id string, stoppedAt time.Time, frames int64, source, reason, errMsg string) error {
	res, err := db.Exec(`
		UPDATE sessions
		SET stopped_at = ?, frames = ?, source = COALESCE(NULLIF(?, ''), source),
			stop_reason = ?, error = NULLIF(?, '')
		WHERE session_id = ?`,
		stoppedAt.UnixNano(), frames, source, reason, errMsg, id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

const sessionColumns = `session_id, path, source, started_at, stopped_at, frames, stop_reason, error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		s         Session
		started   int64
		stopped   sql.NullInt64
		reason    sql.NullString
		errString sql.NullString
	)
	if err := row.Scan(&s.ID, &s.Path, &s.Source, &started, &stopped, &s.Frames, &reason, &errString); err != nil {
		return nil, err
	}
	s.StartedAt = time.Unix(0, started).UTC()
	if stopped.Valid {
		t := time.Unix(0, stopped.Int64).UTC()
		s.StoppedAt = &t
	}
	s.StopReason = reason.String
	s.Error = errString.String
	return &s, nil
}

// GetSession returns the session with the given id.
func (db *DB) GetSession(id string) (*Session, error) {
	row := db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

// ListSessions returns up to limit sessions, newest first. A limit of zero
// or less returns every session.
func (db *DB) ListSessions(limit int) ([]Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY started_at DESC, rowid DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a catalog entry. The log file is left alone.
func (db *DB) DeleteSession(id string) error {
	res, err := db.Exec(`DELETE FROM sessions WHERE session_id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}
