package analyzer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"movieanalyzer/internal/metrics"
	"movieanalyzer/internal/models"
	"movieanalyzer/internal/moviedb"
	"movieanalyzer/internal/report"
)

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrIndexOutOfRange = errors.New("result index out of range")
)

const (
	commentsWarning  = "comments could not be loaded; the chatbot only knows the movie details"
	documentsWarning = "chatbot knowledge could not be prepared; it will be rebuilt on the first question"
)

// ChunkBuilder splits a report into the chunks the chatbot retrieves from.
type ChunkBuilder interface {
	FromFile(ctx context.Context, path string) ([]*schema.Document, error)
	FromText(ctx context.Context, text string) ([]*schema.Document, error)
}

// Service runs movie lookups, writes the report and keeps the chat sessions built on it.
type Service struct {
	db      *sqlx.DB
	movies  moviedb.Source
	reports *report.Writer
	docs    ChunkBuilder
}

// Result is an analysis together with the chunks the chatbot retrieves from.
type Result struct {
	Analysis  *models.Analysis
	Documents []*schema.Document
}

func NewService(db *sqlx.DB, movies moviedb.Source, reports *report.Writer, docs ChunkBuilder) *Service {
	return &Service{
		db:      db,
		movies:  movies,
		reports: reports,
		docs:    docs,
	}
}

// Search lists the movies matching query. Blank queries return an empty list.
func (s *Service) Search(ctx context.Context, query string) ([]models.Candidate, error) {
	return s.movies.Search(ctx, query)
}

func (s *Service) Details(ctx context.Context, movieID int64) (models.Detail, error) {
	if movieID <= 0 {
		return models.Detail{}, fmt.Errorf("%w: movie id must be positive", ErrInvalidInput)
	}
	return s.movies.Details(ctx, movieID)
}

func (s *Service) Comments(ctx context.Context, movieID int64) (models.Comments, error) {
	if movieID <= 0 {
		return nil, fmt.Errorf("%w: movie id must be positive", ErrInvalidInput)
	}
	return s.movies.Comments(ctx, movieID)
}

// AnalyzeByIndex searches query and analyzes the result at the 1-based index.
func (s *Service) AnalyzeByIndex(ctx context.Context, visitorID int64, query string, index int) (*Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidInput)
	}
	candidates, err := s.movies.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	if index < 1 || index > len(candidates) {
		return nil, fmt.Errorf("%w: %d not in 1..%d", ErrIndexOutOfRange, index, len(candidates))
	}
	return s.Analyze(ctx, visitorID, candidates[index-1].ID)
}

// Analyze fetches a movie with its comments, overwrites the report file and opens
// a chat session on it. A failed comments lookup is reported as a warning.
func (s *Service) Analyze(ctx context.Context, visitorID, movieID int64) (*Result, error) {
	if visitorID <= 0 {
		return nil, fmt.Errorf("%w: visitor id is required", ErrInvalidInput)
	}
	if movieID <= 0 {
		return nil, fmt.Errorf("%w: movie id must be positive", ErrInvalidInput)
	}
	log := logrus.WithFields(logrus.Fields{"visitor_id": visitorID, "movie_id": movieID})

	detail, err := s.movies.Details(ctx, movieID)
	if err != nil {
		metrics.Analyses.WithLabelValues("failed").Inc()
		return nil, err
	}

	var warning string
	comments, err := s.movies.Comments(ctx, movieID)
	if err != nil {
		log.WithError(err).Warn("comments unavailable, analyzing details only")
		warning = commentsWarning
		comments = models.Comments{}
	}

	var (
		docs    []*schema.Document
		docsErr error
	)
	text, err := s.reports.Write(detail, comments, func(path string) error {
		docs, docsErr = s.docs.FromFile(ctx, path)
		return nil
	})
	if err != nil {
		metrics.Analyses.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("write report: %w", err)
	}
	if docsErr != nil {
		log.WithError(docsErr).Warn("report chunks unavailable, chatbot deferred")
		warning = joinWarning(warning, documentsWarning)
		docs = nil
	}

	session, err := s.CreateSession(ctx, visitorID, detail, text)
	if err != nil {
		metrics.Analyses.WithLabelValues("failed").Inc()
		return nil, err
	}

	status := "ok"
	if warning != "" {
		status = "partial"
	}
	metrics.Analyses.WithLabelValues(status).Inc()
	log.WithFields(logrus.Fields{
		"session_id": session.ID,
		"comments":   comments.Count(),
		"chunks":     len(docs),
	}).Info("movie analyzed")

	return &Result{
		Analysis: &models.Analysis{
			Session:    session,
			Detail:     detail,
			Comments:   comments,
			ReportPath: s.reports.Path(),
			Warning:    warning,
		},
		Documents: docs,
	}, nil
}

func joinWarning(current, extra string) string {
	if current == "" {
		return extra
	}
	return current + "; " + extra
}

// Documents rebuilds the chunks of a stored session from its saved report.
func (s *Service) Documents(ctx context.Context, session *models.Session) ([]*schema.Document, error) {
	if session == nil || strings.TrimSpace(session.Report) == "" {
		return nil, errors.New("session has no report")
	}
	return s.docs.FromText(ctx, session.Report)
}
