package analyzer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"movieanalyzer/internal/models"
	"movieanalyzer/internal/storage"
)

const sessionColumns = `id, visitor_id, movie_id, title, year, created_at, updated_at`

// CreateSession stores a chat session bound to the analyzed movie.
func (s *Service) CreateSession(ctx context.Context, visitorID int64, detail models.Detail, reportText string) (*models.Session, error) {
	if visitorID <= 0 {
		return nil, errors.New("visitor_id is required")
	}
	now := time.Now().UTC()
	id, err := storage.InsertID(ctx, s.db,
		`INSERT INTO sessions (visitor_id, movie_id, title, year, report, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		visitorID, detail.ID, detail.Title, detail.Year, reportText, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &models.Session{
		ID:        id,
		VisitorID: visitorID,
		MovieID:   detail.ID,
		Title:     detail.Title,
		Year:      detail.Year,
		Report:    reportText,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// ListSessions returns the visitor's sessions, most recently active first.
func (s *Service) ListSessions(ctx context.Context, visitorID int64) ([]models.Session, error) {
	sessions := []models.Session{}
	err := s.db.SelectContext(ctx, &sessions, s.db.Rebind(
		`SELECT `+sessionColumns+` FROM sessions WHERE visitor_id = ? ORDER BY updated_at DESC, id DESC`),
		visitorID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// GetSession loads one session including its report text.
func (s *Service) GetSession(ctx context.Context, visitorID, sessionID int64) (*models.Session, error) {
	var session models.Session
	err := s.db.GetContext(ctx, &session, s.db.Rebind(
		`SELECT `+sessionColumns+`, report FROM sessions WHERE id = ? AND visitor_id = ?`),
		sessionID, visitorID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &session, nil
}

// GetSessionWithMessages returns one session and its ordered messages.
func (s *Service) GetSessionWithMessages(ctx context.Context, visitorID, sessionID int64) (*models.Session, []*models.Message, error) {
	session, err := s.GetSession(ctx, visitorID, sessionID)
	if err != nil {
		return nil, nil, err
	}
	messages := []*models.Message{}
	err = s.db.SelectContext(ctx, &messages, s.db.Rebind(
		`SELECT id, visitor_id, session_id, role, content, created_at FROM messages WHERE session_id = ? ORDER BY created_at ASC, id ASC`),
		sessionID,
	)
	if err != nil {
		return session, nil, fmt.Errorf("list messages: %w", err)
	}
	return session, messages, nil
}

// AddMessage stores a chat message and bumps the session's updated_at.
func (s *Service) AddMessage(ctx context.Context, msg models.Message) (*models.Message, error) {
	if msg.SessionID <= 0 || msg.VisitorID <= 0 {
		return nil, errors.New("session_id and visitor_id are required")
	}
	if strings.TrimSpace(msg.Content) == "" {
		return nil, errors.New("message content is empty")
	}
	now := time.Now().UTC()
	id, err := storage.InsertID(ctx, s.db,
		`INSERT INTO messages (visitor_id, session_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.VisitorID, msg.SessionID, msg.Role, msg.Content, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE sessions SET updated_at = ? WHERE id = ?`), now, msg.SessionID); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}
	msg.ID = id
	msg.CreatedAt = now
	return &msg, nil
}

// DeleteSession removes a session and its messages. Unknown sessions yield sql.ErrNoRows.
func (s *Service) DeleteSession(ctx context.Context, visitorID, sessionID int64) (err error) {
	if sessionID <= 0 {
		return errors.New("invalid session id")
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM sessions WHERE id = ? AND visitor_id = ?`), sessionID, visitorID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session rows affected: %w", err)
	}
	if affected == 0 {
		err = sql.ErrNoRows
		return err
	}
	if _, err = tx.ExecContext(ctx, tx.Rebind(`DELETE FROM messages WHERE session_id = ?`), sessionID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete session: %w", err)
	}
	return nil
}
