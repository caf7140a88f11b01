package rag

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/schema"

	"movieanalyzer/internal/models"
)

const systemPrompt = "You are a movie assistant that answers questions about a single movie: {title}. " +
	"Use only the movie details and viewer comments given in the context. " +
	"If the context does not contain the answer, say that you do not know. " +
	"Refuse questions that are not about this movie."

var ErrEmptyQuestion = errors.New("question is empty")

type ChainConfig struct {
	Title      string
	TopK       int
	MaxHistory int
}

// Chain answers questions grounded in one movie report.
type Chain struct {
	retriever  retriever.Retriever
	chatModel  model.BaseChatModel
	template   prompt.ChatTemplate
	title      string
	topK       int
	maxHistory int
}

func NewChain(docs []*schema.Document, chatModel model.BaseChatModel, cfg ChainConfig) (*Chain, error) {
	if len(docs) == 0 {
		return nil, errors.New("chain needs at least one document")
	}
	if chatModel == nil {
		return nil, errors.New("chain needs a chat model")
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	title := strings.TrimSpace(cfg.Title)
	if title == "" {
		title = models.NotAvailable
	}
	return &Chain{
		retriever: NewRetriever(docs, cfg.TopK),
		chatModel: chatModel,
		template: prompt.FromMessages(schema.FString,
			schema.SystemMessage(systemPrompt),
			schema.MessagesPlaceholder("history", true),
			schema.UserMessage("Context:\n{context}\n\nQuestion: {question}"),
		),
		title:      title,
		topK:       cfg.TopK,
		maxHistory: cfg.MaxHistory,
	}, nil
}

// Run streams an answer to question. onChunk receives each delta as it arrives;
// the full answer is returned once the stream ends.
func (c *Chain) Run(ctx context.Context, question string, history []*models.Message, onChunk func(string) error) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", ErrEmptyQuestion
	}
	docs, err := c.retriever.Retrieve(ctx, question, retriever.WithTopK(c.topK))
	if err != nil {
		return "", fmt.Errorf("retrieve context: %w", err)
	}
	messages, err := c.template.Format(ctx, map[string]any{
		"title":    c.title,
		"history":  c.convertHistory(history),
		"context":  joinDocuments(docs),
		"question": question,
	})
	if err != nil {
		return "", fmt.Errorf("format prompt: %w", err)
	}

	stream, err := c.chatModel.Stream(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("start answer stream: %w", err)
	}
	defer stream.Close()

	var answer strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return answer.String(), fmt.Errorf("read answer stream: %w", err)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		answer.WriteString(chunk.Content)
		if onChunk != nil {
			if err := onChunk(chunk.Content); err != nil {
				return answer.String(), err
			}
		}
	}
	return answer.String(), nil
}

// convertHistory keeps the most recent maxHistory turns.
func (c *Chain) convertHistory(history []*models.Message) []*schema.Message {
	if c.maxHistory > 0 && len(history) > c.maxHistory {
		history = history[len(history)-c.maxHistory:]
	}
	out := make([]*schema.Message, 0, len(history))
	for _, msg := range history {
		if msg == nil || msg.Content == "" {
			continue
		}
		switch msg.Role {
		case models.RoleUser:
			out = append(out, schema.UserMessage(msg.Content))
		case models.RoleAssistant:
			out = append(out, schema.AssistantMessage(msg.Content, nil))
		}
	}
	return out
}

func joinDocuments(docs []*schema.Document) string {
	parts := make([]string, 0, len(docs))
	for _, doc := range docs {
		if doc == nil || strings.TrimSpace(doc.Content) == "" {
			continue
		}
		parts = append(parts, doc.Content)
	}
	if len(parts) == 0 {
		return models.NotAvailable
	}
	return strings.Join(parts, "\n\n")
}
