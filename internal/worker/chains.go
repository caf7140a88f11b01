package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudwego/eino/schema"

	"movieanalyzer/internal/config"
	"movieanalyzer/internal/models"
	"movieanalyzer/internal/service/rag"
)

var ErrProviderNotConfigured = errors.New("provider not configured")

// NewRAGChainFactory builds chains backed by the configured chat providers.
func NewRAGChainFactory(cfg *config.Config) ChainFactory {
	return func(ctx context.Context, provider string, session *models.Session, docs []*schema.Document) (Answerer, error) {
		provCfg, ok := cfg.Providers[provider]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrProviderNotConfigured, provider)
		}
		chatModel, err := rag.NewChatModel(ctx, provider, provCfg, cfg.RAG.MaxTokens)
		if err != nil {
			return nil, err
		}
		return rag.NewChain(docs, chatModel, rag.ChainConfig{
			Title:      movieTitle(session),
			TopK:       cfg.RAG.TopK,
			MaxHistory: cfg.BasicConfig.MaxHistory,
		})
	}
}

func movieTitle(session *models.Session) string {
	if session == nil {
		return ""
	}
	if session.Year == "" || session.Year == models.NotAvailable {
		return session.Title
	}
	return fmt.Sprintf("%s (%s)", session.Title, session.Year)
}
