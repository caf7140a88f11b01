package api

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"movieanalyzer/internal/auth"
	"movieanalyzer/internal/logging"
	"movieanalyzer/internal/models"
	"movieanalyzer/internal/moviedb"
	"movieanalyzer/internal/service/analyzer"
	"movieanalyzer/internal/service/rag"
	"movieanalyzer/internal/worker"
)

const chatTimeout = 2 * time.Minute

type WorkerManager interface {
	Analyze(worker.AnalyzeRequest) (*models.Analysis, error)
	Ask(worker.AskRequest) (*worker.AskResult, error)
	Purge(visitorID, sessionID int64)
	ResetVisitor(visitorID int64)
}

// Handler wires HTTP routes to the analyzer and the per-visitor workers.
type Handler struct {
	analyzer *analyzer.Service
	auth     *auth.Service
	workers  WorkerManager
}

// NewHandler constructs a Handler instance.
func NewHandler(service *analyzer.Service, authService *auth.Service, workers WorkerManager) *Handler {
	return &Handler{
		analyzer: service,
		auth:     authService,
		workers:  workers,
	}
}

func (h *Handler) authorizedVisitorID(c *gin.Context) (int64, bool) {
	visitorID, ok := auth.VisitorIDFromContext(c)
	if !ok || visitorID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "visitor session required"})
		return 0, false
	}
	return visitorID, true
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/", h.index)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.POST("/visitors", h.createVisitor)

	authed := api.Group("")
	authed.Use(h.auth.Middleware())
	authed.DELETE("/visitors", h.leaveVisitor)
	authed.GET("/movies/search", h.searchMovies)
	authed.GET("/movies/:id", h.movieDetails)
	authed.GET("/movies/:id/comments", h.movieComments)
	authed.POST("/analyze", h.analyze)
	authed.GET("/chat/sessions", h.listSessions)
	authed.GET("/chat/sessions/:id/messages", h.sessionMessages)
	authed.DELETE("/chat/sessions/:id", h.deleteSession)
	authed.POST("/chat/msg", h.chatMessage)
}

func (h *Handler) createVisitor(c *gin.Context) {
	ctx := c.Request.Context()
	visitor, err := h.auth.CreateVisitor(ctx)
	if err != nil {
		h.fail(c, err)
		return
	}
	authToken, err := h.auth.IssueToken(ctx, visitor.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.setAuthCookies(c, authToken, csrfToken)
	c.JSON(http.StatusCreated, gin.H{
		"id":         visitor.ID,
		"created_at": visitor.CreatedAt,
		"auth_token": authToken,
		"csrf_token": csrfToken,
	})
}

func (h *Handler) leaveVisitor(c *gin.Context) {
	visitorID, ok := h.authorizedVisitorID(c)
	if !ok {
		return
	}
	h.workers.ResetVisitor(visitorID)
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		if err := h.auth.RevokeToken(c.Request.Context(), authToken); err != nil {
			logging.FromContext(c).WithError(err).Warn("revoke token failed")
		}
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) searchMovies(c *gin.Context) {
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		c.JSON(http.StatusOK, gin.H{"results": []models.Candidate{}})
		return
	}
	results, err := h.analyzer.Search(c.Request.Context(), query)
	if err != nil {
		h.fail(c, err)
		return
	}
	if results == nil {
		results = []models.Candidate{}
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (h *Handler) movieDetails(c *gin.Context) {
	movieID, ok := pathID(c, "invalid movie id")
	if !ok {
		return
	}
	detail, err := h.analyzer.Details(c.Request.Context(), movieID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *Handler) movieComments(c *gin.Context) {
	movieID, ok := pathID(c, "invalid movie id")
	if !ok {
		return
	}
	comments, err := h.analyzer.Comments(c.Request.Context(), movieID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if comments == nil {
		comments = models.Comments{}
	}
	c.JSON(http.StatusOK, gin.H{
		"movie_id":  movieID,
		"comments":  comments,
		"by_author": comments.ByAuthor(),
		"count":     comments.Count(),
	})
}

type analyzeRequest struct {
	Query    string `json:"query"`
	Index    int    `json:"index" binding:"gte=0"`
	MovieID  int64  `json:"movie_id" binding:"gte=0"`
	Provider string `json:"provider"`
}

func (h *Handler) analyze(c *gin.Context) {
	visitorID, ok := h.authorizedVisitorID(c)
	if !ok {
		return
	}
	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	query := strings.TrimSpace(req.Query)
	if req.MovieID == 0 && query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query or movie_id is required"})
		return
	}
	index := req.Index
	if index == 0 {
		index = 1
	}
	analysis, err := h.workers.Analyze(worker.AnalyzeRequest{
		Context:   c.Request.Context(),
		VisitorID: visitorID,
		MovieID:   req.MovieID,
		Query:     query,
		Index:     index,
		Provider:  strings.TrimSpace(req.Provider),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	if analysis.Warning != "" {
		logging.FromContext(c).WithFields(logrus.Fields{
			"visitor_id": visitorID,
			"movie_id":   analysis.Detail.ID,
		}).Warn(analysis.Warning)
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": analysis.Session.ID,
		"analysis":   analysis,
	})
}

func (h *Handler) listSessions(c *gin.Context) {
	visitorID, ok := h.authorizedVisitorID(c)
	if !ok {
		return
	}
	sessions, err := h.analyzer.ListSessions(c.Request.Context(), visitorID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if len(sessions) == 0 {
		c.JSON(http.StatusOK, gin.H{"session_list": make([]models.Session, 0)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_list": sessions})
}

func (h *Handler) sessionMessages(c *gin.Context) {
	visitorID, ok := h.authorizedVisitorID(c)
	if !ok {
		return
	}
	sessionID, ok := pathID(c, "invalid session id")
	if !ok {
		return
	}
	session, messages, err := h.analyzer.GetSessionWithMessages(c.Request.Context(), visitorID, sessionID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if messages == nil {
		messages = []*models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{
		"session":  session,
		"messages": messages,
	})
}

func (h *Handler) deleteSession(c *gin.Context) {
	visitorID, ok := h.authorizedVisitorID(c)
	if !ok {
		return
	}
	sessionID, ok := pathID(c, "invalid session id")
	if !ok {
		return
	}
	if err := h.analyzer.DeleteSession(c.Request.Context(), visitorID, sessionID); err != nil {
		h.fail(c, err)
		return
	}
	h.workers.Purge(visitorID, sessionID)
	c.Status(http.StatusNoContent)
}

type chatRequest struct {
	SessionID int64  `json:"session_id" binding:"required,gt=0"`
	Content   string `json:"content"`
	Provider  string `json:"provider"`
}

func (h *Handler) chatMessage(c *gin.Context) {
	visitorID, ok := h.authorizedVisitorID(c)
	if !ok {
		return
	}
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": rag.ErrEmptyQuestion.Error()})
		return
	}

	streamCtx, cancel := context.WithTimeout(c.Request.Context(), chatTimeout)
	defer cancel()
	stream, err := newEventStream(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer stream.close()

	res, err := h.workers.Ask(worker.AskRequest{
		Context:   streamCtx,
		VisitorID: visitorID,
		SessionID: req.SessionID,
		Provider:  strings.TrimSpace(req.Provider),
		Question:  req.Content,
		AckFn: func(msg *models.Message) error {
			return stream.send("ack", gin.H{"message": msg})
		},
		ChunkFn: func(chunk string) error {
			return stream.send("stream", gin.H{"content": chunk})
		},
	})
	if err != nil {
		if !stream.started() {
			h.fail(c, err)
			return
		}
		logging.FromContext(c).WithError(err).WithField("session_id", req.SessionID).Warn("chat answer failed")
		_ = stream.send("error", gin.H{"message": errorMessage(err)})
		return
	}
	_ = stream.send("done", gin.H{
		"user_message": res.Question,
		"ai_message":   res.Answer,
	})
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	entry := logging.FromContext(c).WithError(err)
	if status >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Debug("request rejected")
	}
	c.JSON(status, gin.H{"error": errorMessage(err)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, analyzer.ErrInvalidInput),
		errors.Is(err, analyzer.ErrIndexOutOfRange),
		errors.Is(err, rag.ErrEmptyQuestion),
		errors.Is(err, rag.ErrUnknownProvider),
		errors.Is(err, worker.ErrProviderNotConfigured):
		return http.StatusBadRequest
	case errors.Is(err, moviedb.ErrNotFound), errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound
	case errors.Is(err, moviedb.ErrUpstream):
		return http.StatusBadGateway
	case errors.Is(err, worker.ErrDispatcherBusy):
		return http.StatusTooManyRequests
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func errorMessage(err error) string {
	switch {
	case errors.Is(err, worker.ErrDispatcherBusy):
		return "server is busy, please retry"
	case errors.Is(err, sql.ErrNoRows):
		return "session not found"
	case errors.Is(err, context.DeadlineExceeded):
		return "request timed out"
	}
	return err.Error()
}

func pathID(c *gin.Context, msg string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return 0, false
	}
	return id, true
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	setCookie(c, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	setCookie(c, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		setCookie(c, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func setCookie(c *gin.Context, ck *http.Cookie) {
	if ck == nil {
		return
	}
	http.SetCookie(c.Writer, ck)
}
