package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/sirupsen/logrus"

	"movieanalyzer/internal/metrics"
	"movieanalyzer/internal/models"
	"movieanalyzer/internal/redis"
	"movieanalyzer/internal/service/analyzer"
	"movieanalyzer/internal/service/rag"
)

// Backend is the analyzer surface the workers need.
type Backend interface {
	Analyze(ctx context.Context, visitorID, movieID int64) (*analyzer.Result, error)
	AnalyzeByIndex(ctx context.Context, visitorID int64, query string, index int) (*analyzer.Result, error)
	Documents(ctx context.Context, session *models.Session) ([]*schema.Document, error)
	GetSessionWithMessages(ctx context.Context, visitorID, sessionID int64) (*models.Session, []*models.Message, error)
	AddMessage(ctx context.Context, msg models.Message) (*models.Message, error)
}

// ChainFactory builds the chatbot for a session from its report chunks.
type ChainFactory func(ctx context.Context, provider string, session *models.Session, docs []*schema.Document) (Answerer, error)

type DispatcherConfig struct {
	MinWorkers      int
	MaxWorkers      int
	QueueSize       int
	IdleTimeout     time.Duration
	DefaultProvider string
}

type AnalyzeRequest struct {
	Context   context.Context
	VisitorID int64
	// MovieID wins over Query/Index when set.
	MovieID  int64
	Query    string
	Index    int
	Provider string
}

type AskRequest struct {
	Context   context.Context
	VisitorID int64
	SessionID int64
	Provider  string
	Question  string
	// AckFn runs once the question is stored, before the answer starts streaming.
	AckFn   func(*models.Message) error
	ChunkFn func(string) error
}

// AskResult holds the stored question and answer.
type AskResult struct {
	Question *models.Message
	Answer   *models.Message
}

type analyzeTask struct {
	req      AnalyzeRequest
	resultCh chan workerReturn
}

type askTask struct {
	req      AskRequest
	resultCh chan workerReturn
}

type Manager struct {
	backend         Backend
	chains          ChainFactory
	dispatcher      *Dispatcher
	cache           *stateRedis
	defaultProvider string

	mu    sync.Mutex
	state map[int64]*visitorState
}

func NewManager(backend Backend, cfg DispatcherConfig, chains ChainFactory) *Manager {
	m := &Manager{
		backend:         backend,
		chains:          chains,
		defaultProvider: cfg.DefaultProvider,
		state:           make(map[int64]*visitorState),
	}
	m.dispatcher = NewDispatcher(cfg.MinWorkers, cfg.MaxWorkers, cfg.QueueSize, m, cfg.IdleTimeout)
	return m
}

// UseRedis shares session state and invalidations with other instances through client.
func (m *Manager) UseRedis(ctx context.Context, client *redis.Client) {
	m.cache = newStateCache(client)
	m.cache.startListener(ctx, m.applyInvalidation)
}

// Close stops the dispatcher and its workers.
func (m *Manager) Close() {
	m.dispatcher.Shutdown()
}

// Analyze runs an analysis on the visitor's queue and prepares its chatbot.
func (m *Manager) Analyze(req AnalyzeRequest) (*models.Analysis, error) {
	if req.VisitorID <= 0 {
		return nil, fmt.Errorf("%w: visitor id is required", analyzer.ErrInvalidInput)
	}
	if req.MovieID <= 0 && strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("%w: movie_id or query is required", analyzer.ErrInvalidInput)
	}
	task := &analyzeTask{req: req, resultCh: make(chan workerReturn, 1)}
	if err := m.dispatcher.Submit(Job{Type: Analyze, AnalyzeTask: task}); err != nil {
		return nil, err
	}
	ret, err := wait(req.Context, task.resultCh)
	if err != nil {
		return nil, err
	}
	return ret.analysis, ret.err
}

// Ask answers a question in a session, streaming deltas through ChunkFn.
func (m *Manager) Ask(req AskRequest) (*AskResult, error) {
	if req.VisitorID <= 0 || req.SessionID <= 0 {
		return nil, fmt.Errorf("%w: visitor and session are required", analyzer.ErrInvalidInput)
	}
	if strings.TrimSpace(req.Question) == "" {
		return nil, rag.ErrEmptyQuestion
	}
	task := &askTask{req: req, resultCh: make(chan workerReturn, 1)}
	if err := m.dispatcher.Submit(Job{Type: Ask, AskTask: task}); err != nil {
		return nil, err
	}
	ret, err := wait(req.Context, task.resultCh)
	if err != nil {
		return nil, err
	}
	if ret.err != nil {
		return &AskResult{Question: ret.question}, ret.err
	}
	return &AskResult{Question: ret.question, Answer: ret.answer}, nil
}

func wait(ctx context.Context, ch <-chan workerReturn) (workerReturn, error) {
	if ctx == nil {
		return <-ch, nil
	}
	select {
	case ret := <-ch:
		return ret, nil
	case <-ctx.Done():
		return workerReturn{}, ctx.Err()
	}
}

// Purge drops the cached state of one session here and on other instances.
func (m *Manager) Purge(visitorID, sessionID int64) {
	m.purgeLocal(visitorID, sessionID)
	m.cache.invalidateSession(sessionID)
	m.cache.publishInvalidation(invalidateMessage{VisitorID: visitorID, SessionID: sessionID, Scope: scopeSession})
}

// ResetVisitor drops queued jobs and cached state of the visitor.
func (m *Manager) ResetVisitor(visitorID int64) {
	m.resetLocal(visitorID)
	m.cache.publishInvalidation(invalidateMessage{VisitorID: visitorID, Scope: scopeVisitor})
}

func (m *Manager) purgeLocal(visitorID, sessionID int64) {
	if state := m.peekState(visitorID); state != nil {
		state.purgeCache(sessionID)
	}
}

func (m *Manager) resetLocal(visitorID int64) {
	m.dispatcher.CancelVisitor(visitorID)
	m.mu.Lock()
	if state, ok := m.state[visitorID]; ok {
		state.reset()
		delete(m.state, visitorID)
	}
	m.mu.Unlock()
}

func (m *Manager) applyInvalidation(msg invalidateMessage) {
	switch msg.Scope {
	case scopeSession:
		m.purgeLocal(msg.VisitorID, msg.SessionID)
	case scopeVisitor:
		m.resetLocal(msg.VisitorID)
	}
}

func (m *Manager) getState(visitorID int64) *visitorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.state[visitorID]
	if !ok {
		state = newVisitorState()
		m.state[visitorID] = state
	}
	return state
}

func (m *Manager) peekState(visitorID int64) *visitorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state[visitorID]
}

func (m *Manager) provider(requested string) string {
	if requested != "" {
		return requested
	}
	return m.defaultProvider
}

func (m *Manager) handleAnalyze(task *analyzeTask) {
	req := task.req
	ctx := req.Context
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		task.resultCh <- workerReturn{err: err}
		return
	}

	var (
		res *analyzer.Result
		err error
	)
	if req.MovieID > 0 {
		res, err = m.backend.Analyze(ctx, req.VisitorID, req.MovieID)
	} else {
		res, err = m.backend.AnalyzeByIndex(ctx, req.VisitorID, req.Query, req.Index)
	}
	if err != nil {
		task.resultCh <- workerReturn{err: err}
		return
	}

	analysis := res.Analysis
	session := analysis.Session
	state := m.getState(req.VisitorID)
	state.setSession(session)
	state.setHistory(session.ID, []*models.Message{})

	provider := m.provider(req.Provider)
	if len(res.Documents) == 0 {
		debugLog("[manager] session %d has no chunks yet, chain deferred", session.ID)
	} else if answerer, err := m.chains(ctx, provider, session, res.Documents); err != nil {
		logrus.WithError(err).WithField("session_id", session.ID).Warn("chatbot init failed, retrying on first question")
		analysis.Warning = joinWarning(analysis.Warning, "chatbot could not be initialized: "+err.Error())
	} else {
		state.setChain(session.ID, &sessionChain{answerer: answerer, provider: provider})
	}
	m.cache.cacheSession(session, nil)
	task.resultCh <- workerReturn{analysis: analysis}
}

func (m *Manager) handleAsk(task *askTask) {
	req := task.req
	ctx := req.Context
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		task.resultCh <- workerReturn{err: err}
		return
	}
	provider := m.provider(req.Provider)
	state := m.getState(req.VisitorID)

	session, history, err := m.loadSession(ctx, state, req.VisitorID, req.SessionID)
	if err != nil {
		task.resultCh <- workerReturn{err: err}
		return
	}
	chain, err := m.ensureChain(ctx, state, session, provider)
	if err != nil {
		metrics.ChatAnswers.WithLabelValues(provider, "failed").Inc()
		task.resultCh <- workerReturn{err: err}
		return
	}

	question, err := m.backend.AddMessage(ctx, models.Message{
		VisitorID: req.VisitorID,
		SessionID: session.ID,
		Role:      models.RoleUser,
		Content:   strings.TrimSpace(req.Question),
	})
	if err != nil {
		task.resultCh <- workerReturn{err: err}
		return
	}
	if req.AckFn != nil {
		if err := req.AckFn(question); err != nil {
			state.appendHistory(session.ID, question)
			task.resultCh <- workerReturn{question: question, err: err}
			return
		}
	}

	start := time.Now()
	text, err := chain.answerer.Run(ctx, question.Content, history, req.ChunkFn)
	metrics.ChatDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ChatAnswers.WithLabelValues(provider, "failed").Inc()
		m.cache.cacheHistory(session.ID, state.appendHistory(session.ID, question))
		task.resultCh <- workerReturn{question: question, err: err}
		return
	}
	if strings.TrimSpace(text) == "" {
		text = "I could not find an answer about this movie."
	}

	answer, err := m.backend.AddMessage(ctx, models.Message{
		VisitorID: req.VisitorID,
		SessionID: session.ID,
		Role:      models.RoleAssistant,
		Content:   text,
	})
	if err != nil {
		m.cache.cacheHistory(session.ID, state.appendHistory(session.ID, question))
		task.resultCh <- workerReturn{question: question, err: err}
		return
	}
	metrics.ChatAnswers.WithLabelValues(provider, "ok").Inc()
	m.cache.cacheHistory(session.ID, state.appendHistory(session.ID, question, answer))
	task.resultCh <- workerReturn{question: question, answer: answer}
}

// loadSession finds the session in memory, then redis, then the database.
func (m *Manager) loadSession(ctx context.Context, state *visitorState, visitorID, sessionID int64) (*models.Session, []*models.Message, error) {
	if session := state.getSession(sessionID); session != nil {
		return session, state.getHistory(sessionID), nil
	}
	if session, history, ok := m.cache.loadSession(visitorID, sessionID); ok {
		debugLog("[manager] session %d restored from redis", sessionID)
		state.setSession(session)
		state.setHistory(sessionID, history)
		return session, state.getHistory(sessionID), nil
	}
	session, history, err := m.backend.GetSessionWithMessages(ctx, visitorID, sessionID)
	if err != nil {
		return nil, nil, err
	}
	state.setSession(session)
	state.setHistory(sessionID, history)
	m.cache.cacheSession(session, history)
	return session, state.getHistory(sessionID), nil
}

// ensureChain reuses the session's chatbot unless the provider changed.
func (m *Manager) ensureChain(ctx context.Context, state *visitorState, session *models.Session, provider string) (*sessionChain, error) {
	if chain := state.getChain(session.ID); chain != nil && chain.provider == provider {
		return chain, nil
	}
	docs, err := m.backend.Documents(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("rebuild documents: %w", err)
	}
	answerer, err := m.chains(ctx, provider, session, docs)
	if err != nil {
		return nil, err
	}
	chain := &sessionChain{answerer: answerer, provider: provider}
	state.setChain(session.ID, chain)
	return chain, nil
}

func joinWarning(current, extra string) string {
	if current == "" {
		return extra
	}
	return current + "; " + extra
}
