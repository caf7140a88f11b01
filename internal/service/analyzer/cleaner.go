package analyzer

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultSessionRetention = 7 * 24 * time.Hour
	DefaultCleanInterval    = time.Hour
)

// PurgeFunc is told about every session the cleaner removed.
type PurgeFunc func(visitorID, sessionID int64)

// StartSessionCleaner periodically drops sessions idle for longer than retention
// together with expired visitor tokens. It stops when ctx is done.
func (s *Service) StartSessionCleaner(ctx context.Context, retention, interval time.Duration, onPurge PurgeFunc) {
	if retention <= 0 {
		retention = DefaultSessionRetention
	}
	if interval <= 0 {
		interval = DefaultCleanInterval
	}
	go s.cleanupLoop(ctx, retention, interval, onPurge)
}

func (s *Service) cleanupLoop(ctx context.Context, retention, interval time.Duration, onPurge PurgeFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.CleanupExpired(ctx, retention, onPurge); err != nil {
				logrus.WithError(err).Warn("session cleanup failed")
			}
		}
	}
}

// CleanupExpired runs one cleaning pass and returns how many sessions were removed.
func (s *Service) CleanupExpired(ctx context.Context, retention time.Duration, onPurge PurgeFunc) (int, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-retention)

	var stale []struct {
		ID        int64 `db:"id"`
		VisitorID int64 `db:"visitor_id"`
	}
	if err := s.db.SelectContext(ctx, &stale,
		s.db.Rebind(`SELECT id, visitor_id FROM sessions WHERE updated_at < ?`), cutoff); err != nil {
		return 0, fmt.Errorf("find stale sessions: %w", err)
	}

	removed := 0
	for _, row := range stale {
		if err := s.DeleteSession(ctx, row.VisitorID, row.ID); err != nil {
			logrus.WithError(err).WithField("session_id", row.ID).Warn("delete stale session failed")
			continue
		}
		removed++
		if onPurge != nil {
			onPurge(row.VisitorID, row.ID)
		}
	}

	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM visitor_tokens WHERE expires_at <= ?`), now); err != nil {
		return removed, fmt.Errorf("delete expired tokens: %w", err)
	}
	if removed > 0 {
		logrus.WithField("sessions", removed).Info("stale sessions removed")
	}
	return removed, nil
}
