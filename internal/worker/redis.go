package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"movieanalyzer/internal/models"
	"movieanalyzer/internal/redis"
)

const (
	redisInvalidateChannel = "worker:invalidate"
	redisStateTTL          = 30 * time.Minute
)

const (
	scopeVisitor = "visitor"
	scopeSession = "session"
)

type invalidateMessage struct {
	VisitorID int64  `json:"visitor_id"`
	SessionID int64  `json:"session_id"`
	Scope     string `json:"scope"`
}

// cachedSession keeps the report, which the session's JSON form leaves out.
type cachedSession struct {
	Session *models.Session `json:"session"`
	Report  string          `json:"report"`
}

type stateRedis struct {
	client *redis.Client
}

func newStateCache(client *redis.Client) *stateRedis {
	if client == nil {
		return nil
	}
	return &stateRedis{client: client}
}

func sessionKey(sessionID int64) string {
	return fmt.Sprintf("worker:session:%d", sessionID)
}

func historyKey(sessionID int64) string {
	return fmt.Sprintf("worker:history:%d", sessionID)
}

// startListener applies invalidations published by any instance until ctx ends.
func (r *stateRedis) startListener(ctx context.Context, handler func(invalidateMessage)) {
	if r == nil || r.client == nil || handler == nil {
		return
	}
	pubsub := r.client.Subscribe(ctx, redisInvalidateChannel)
	if pubsub == nil {
		return
	}
	// wait for the subscription to be confirmed
	if _, err := pubsub.Receive(ctx); err != nil {
		logrus.WithError(err).Warn("worker invalidation subscribe failed")
		pubsub.Close()
		return
	}
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var inv invalidateMessage
				if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
					logrus.WithError(err).Warn("worker invalidation decode failed")
					continue
				}
				handler(inv)
			}
		}
	}()
}

func (r *stateRedis) publishInvalidation(msg invalidateMessage) {
	if r == nil || r.client == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		logrus.WithError(err).Warn("worker invalidation marshal failed")
		return
	}
	if err := r.client.Publish(context.Background(), redisInvalidateChannel, payload); err != nil {
		logrus.WithError(err).Warn("worker publish invalidation failed")
	}
}

func (r *stateRedis) cacheSession(session *models.Session, history []*models.Message) {
	if r == nil || r.client == nil || session == nil || session.ID <= 0 {
		return
	}
	data, err := json.Marshal(cachedSession{Session: session, Report: session.Report})
	if err != nil {
		logrus.WithError(err).Warn("worker session marshal failed")
		return
	}
	if err := r.client.Set(context.Background(), sessionKey(session.ID), data, redisStateTTL); err != nil {
		logrus.WithError(err).Warn("worker cache session failed")
	}
	r.cacheHistory(session.ID, history)
}

func (r *stateRedis) cacheHistory(sessionID int64, history []*models.Message) {
	if r == nil || r.client == nil || sessionID <= 0 {
		return
	}
	if history == nil {
		history = []*models.Message{}
	}
	data, err := json.Marshal(history)
	if err != nil {
		logrus.WithError(err).Warn("worker history marshal failed")
		return
	}
	if err := r.client.Set(context.Background(), historyKey(sessionID), data, redisStateTTL); err != nil {
		logrus.WithError(err).Warn("worker cache history failed")
	}
}

// loadSession returns the cached session when it belongs to visitorID.
func (r *stateRedis) loadSession(visitorID, sessionID int64) (*models.Session, []*models.Message, bool) {
	if r == nil || r.client == nil || sessionID <= 0 {
		return nil, nil, false
	}
	ctx := context.Background()
	raw, err := r.client.Get(ctx, sessionKey(sessionID))
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			logrus.WithError(err).Warn("worker load session failed")
		}
		return nil, nil, false
	}
	var cached cachedSession
	if err := json.Unmarshal([]byte(raw), &cached); err != nil || cached.Session == nil {
		logrus.WithError(err).Warn("worker decode session failed")
		return nil, nil, false
	}
	if cached.Session.VisitorID != visitorID {
		return nil, nil, false
	}
	cached.Session.Report = cached.Report

	var history []*models.Message
	rawHistory, err := r.client.Get(ctx, historyKey(sessionID))
	if err == nil {
		if err := json.Unmarshal([]byte(rawHistory), &history); err != nil {
			logrus.WithError(err).Warn("worker decode history failed")
			return nil, nil, false
		}
	} else {
		if !errors.Is(err, redis.ErrCacheMiss) {
			logrus.WithError(err).Warn("worker load history failed")
		}
		return nil, nil, false
	}
	return cached.Session, history, true
}

func (r *stateRedis) invalidateSession(sessionID int64) {
	if r == nil || r.client == nil || sessionID <= 0 {
		return
	}
	if err := r.client.Del(context.Background(), sessionKey(sessionID), historyKey(sessionID)); err != nil {
		logrus.WithError(err).Warn("worker invalidate session failed")
	}
}
