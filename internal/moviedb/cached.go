package moviedb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"movieanalyzer/internal/metrics"
	"movieanalyzer/internal/models"
	"movieanalyzer/internal/redis"
)

// Source is the lookup surface shared by Client and CachedClient.
type Source interface {
	Search(ctx context.Context, query string) ([]models.Candidate, error)
	Details(ctx context.Context, movieID int64) (models.Detail, error)
	Comments(ctx context.Context, movieID int64) (models.Comments, error)
}

// Cache is the subset of the redis client used for movie lookups.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// CachedClient serves details and comments from the cache and falls back to the source.
// Cache failures are logged and never fail a lookup.
type CachedClient struct {
	source Source
	cache  Cache
	ttl    time.Duration
}

func NewCachedClient(source Source, cache Cache, ttl time.Duration) *CachedClient {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CachedClient{source: source, cache: cache, ttl: ttl}
}

func (c *CachedClient) Search(ctx context.Context, query string) ([]models.Candidate, error) {
	return c.source.Search(ctx, query)
}

func (c *CachedClient) Details(ctx context.Context, movieID int64) (models.Detail, error) {
	const op = "cachedClient.Details"
	key := fmt.Sprintf("movie:details:%d", movieID)
	var detail models.Detail
	if c.lookup(ctx, "details", key, &detail) {
		return detail, nil
	}
	detail, err := c.source.Details(ctx, movieID)
	if err != nil {
		return models.Detail{}, fmt.Errorf("%s: %w", op, err)
	}
	c.store(ctx, key, detail)
	return detail, nil
}

func (c *CachedClient) Comments(ctx context.Context, movieID int64) (models.Comments, error) {
	const op = "cachedClient.Comments"
	key := fmt.Sprintf("movie:comments:%d", movieID)
	var comments models.Comments
	if c.lookup(ctx, "comments", key, &comments) {
		return comments, nil
	}
	comments, err := c.source.Comments(ctx, movieID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	c.store(ctx, key, comments)
	return comments, nil
}

func (c *CachedClient) lookup(ctx context.Context, kind, key string, out interface{}) bool {
	if c.cache == nil {
		return false
	}
	raw, err := c.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			metrics.CacheOperations.WithLabelValues(kind, "error").Inc()
			logrus.WithFields(logrus.Fields{"key": key, "error": err}).Warn("cache lookup failed")
		}
		metrics.CacheOperations.WithLabelValues(kind, "miss").Inc()
		return false
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		metrics.CacheOperations.WithLabelValues(kind, "error").Inc()
		logrus.WithFields(logrus.Fields{"key": key, "error": err}).Warn("cache entry undecodable")
		return false
	}
	metrics.CacheOperations.WithLabelValues(kind, "hit").Inc()
	return true
}

func (c *CachedClient) store(ctx context.Context, key string, value interface{}) {
	if c.cache == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		logrus.WithFields(logrus.Fields{"key": key, "error": err}).Error("failed to encode cache entry")
		return
	}
	if err := c.cache.Set(ctx, key, data, c.ttl); err != nil {
		logrus.WithFields(logrus.Fields{"key": key, "error": err}).Error("failed to cache movie")
	}
}
