package worker

import (
	"context"
	"sync"

	"movieanalyzer/internal/models"
)

// Answerer produces a streamed answer about the session's movie.
type Answerer interface {
	Run(ctx context.Context, question string, history []*models.Message, onChunk func(string) error) (string, error)
}

type sessionChain struct {
	answerer Answerer
	provider string
}

// visitorState caches the sessions a visitor chats in.
type visitorState struct {
	mu       sync.RWMutex
	sessions map[int64]*models.Session
	history  map[int64][]*models.Message
	chains   map[int64]*sessionChain
}

func newVisitorState() *visitorState {
	return &visitorState{
		sessions: make(map[int64]*models.Session),
		history:  make(map[int64][]*models.Message),
		chains:   make(map[int64]*sessionChain),
	}
}

func (s *visitorState) setSession(session *models.Session) {
	if session == nil {
		return
	}
	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()
}

func (s *visitorState) getSession(sessionID int64) *models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[sessionID]
}

func (s *visitorState) setHistory(sessionID int64, history []*models.Message) {
	s.mu.Lock()
	s.history[sessionID] = history
	s.mu.Unlock()
}

func (s *visitorState) appendHistory(sessionID int64, msgs ...*models.Message) []*models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range msgs {
		if msg != nil {
			s.history[sessionID] = append(s.history[sessionID], msg)
		}
	}
	return append([]*models.Message(nil), s.history[sessionID]...)
}

// getHistory returns a copy so callers can read it while new turns are appended.
func (s *visitorState) getHistory(sessionID int64) []*models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*models.Message(nil), s.history[sessionID]...)
}

func (s *visitorState) setChain(sessionID int64, chain *sessionChain) {
	if chain == nil {
		return
	}
	s.mu.Lock()
	s.chains[sessionID] = chain
	s.mu.Unlock()
}

func (s *visitorState) getChain(sessionID int64) *sessionChain {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chains[sessionID]
}

func (s *visitorState) purgeCache(sessionID int64) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	delete(s.history, sessionID)
	delete(s.chains, sessionID)
	s.mu.Unlock()
}

func (s *visitorState) reset() {
	s.mu.Lock()
	s.sessions = make(map[int64]*models.Session)
	s.history = make(map[int64][]*models.Message)
	s.chains = make(map[int64]*sessionChain)
	s.mu.Unlock()
}
