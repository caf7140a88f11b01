package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"movieanalyzer/internal/models"
	"movieanalyzer/internal/redis"
	"movieanalyzer/internal/storage"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// Service issues, validates, and revokes visitor tokens.
type Service struct {
	db             *sqlx.DB
	cache          *redis.Client
	tokenTTL       time.Duration
	cookieName     string
	headerName     string
	csrfCookieName string
	csrfHeaderName string
}

// NewService constructs an auth service. cache may be nil.
func NewService(db *sqlx.DB, cache *redis.Client, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		db:             db,
		cache:          cache,
		tokenTTL:       ttl,
		cookieName:     "visitor_token",
		headerName:     "Authorization",
		csrfCookieName: "csrf_token",
		csrfHeaderName: "X-CSRF-Token",
	}
}

// CreateVisitor records a new anonymous visitor.
func (s *Service) CreateVisitor(ctx context.Context) (*models.Visitor, error) {
	now := time.Now().UTC()
	id, err := storage.InsertID(ctx, s.db, `INSERT INTO visitors (created_at) VALUES (?)`, now)
	if err != nil {
		return nil, fmt.Errorf("create visitor: %w", err)
	}
	return &models.Visitor{ID: id, CreatedAt: now}, nil
}

// IssueToken mints a new random token for the visitor and persists it.
func (s *Service) IssueToken(ctx context.Context, visitorID int64) (string, error) {
	if visitorID <= 0 {
		return "", errors.New("invalid visitor id")
	}
	now := time.Now().UTC()
	expiresAt := now.Add(s.tokenTTL)
	query := s.db.Rebind(`INSERT INTO visitor_tokens (token, visitor_id, created_at, expires_at) VALUES (?, ?, ?, ?)`)
	for i := 0; i < 5; i++ {
		token, err := generateToken()
		if err != nil {
			return "", err
		}
		if _, err = s.db.ExecContext(ctx, query, token, visitorID, now, expiresAt); err == nil {
			s.cacheToken(ctx, token, visitorID, s.tokenTTL)
			return token, nil
		}
	}
	return "", errors.New("could not issue token")
}

// NewCSRFToken returns a random token used for CSRF protection.
func (s *Service) NewCSRFToken() (string, error) {
	return generateToken()
}

// ValidateToken verifies the token exists and has not expired, returning the visitor id.
func (s *Service) ValidateToken(ctx context.Context, token string) (int64, error) {
	if token == "" {
		return 0, errors.New("token required")
	}
	if id, ok := s.cachedToken(ctx, token); ok {
		return id, nil
	}
	var row struct {
		VisitorID int64     `db:"visitor_id"`
		ExpiresAt time.Time `db:"expires_at"`
	}
	err := s.db.GetContext(ctx, &row,
		s.db.Rebind(`SELECT visitor_id, expires_at FROM visitor_tokens WHERE token = ?`), token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrInvalidToken
		}
		return 0, fmt.Errorf("lookup token: %w", err)
	}
	remaining := time.Until(row.ExpiresAt)
	if remaining <= 0 {
		_, _ = s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM visitor_tokens WHERE token = ?`), token)
		return 0, ErrTokenExpired
	}
	s.cacheToken(ctx, token, row.VisitorID, remaining)
	return row.VisitorID, nil
}

// RevokeToken deletes a single token.
func (s *Service) RevokeToken(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if s.cache != nil {
		if err := s.cache.Del(ctx, tokenKey(token)); err != nil {
			logrus.WithError(err).Warn("drop cached token failed")
		}
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM visitor_tokens WHERE token = ?`), token); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func (s *Service) cachedToken(ctx context.Context, token string) (int64, bool) {
	if s.cache == nil {
		return 0, false
	}
	raw, err := s.cache.Get(ctx, tokenKey(token))
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			logrus.WithError(err).Warn("token cache lookup failed")
		}
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func (s *Service) cacheToken(ctx context.Context, token string, visitorID int64, ttl time.Duration) {
	if s.cache == nil || ttl <= 0 {
		return
	}
	if err := s.cache.Set(ctx, tokenKey(token), strconv.FormatInt(visitorID, 10), ttl); err != nil {
		logrus.WithError(err).Warn("cache token failed")
	}
}

func tokenKey(token string) string {
	return "visitor:token:" + token
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// AuthCookieName returns the cookie name storing visitor tokens.
func (s *Service) AuthCookieName() string {
	return s.cookieName
}

// CSRFCookieName returns the cookie used for CSRF tokens.
func (s *Service) CSRFCookieName() string {
	return s.csrfCookieName
}

// CSRFHeaderName returns the CSRF header name.
func (s *Service) CSRFHeaderName() string {
	return s.csrfHeaderName
}

// TokenTTL reports the configured token lifetime.
func (s *Service) TokenTTL() time.Duration {
	return s.tokenTTL
}
