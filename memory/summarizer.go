package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/scttfrdmn/chatmesh/chatmesh-go/chatmesh"
	"github.com/scttfrdmn/chatmesh/chatmesh-go/llm"
	"github.com/scttfrdmn/chatmesh/chatmesh-go/store"
)

// Summarization prompts by memory type.
const (
	roundSummaryPrompt = `Extract the key insights from this round of chat conversation. Focus on:
- Main topics discussed
- Key decisions made
- Important information shared
- Technical solutions mentioned`

	conversationChunkPrompt = `Extract the key information from this conversation chunk. Focus on:
- Important points discussed
- Key decisions made
- Critical information shared
- Session highlights`

	genericSummaryPrompt = `Extract the key insights from this conversation. Focus on:
- Important points discussed
- Key decisions made
- Critical information shared`
)

// LLMGateway is the slice of the dispatcher the summarizer needs.
type LLMGateway interface {
	Chat(ctx context.Context, req *llm.ChatRequest) (*llm.Completion, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Summarizer turns a fired trigger into a durable memory record:
// fetch the context messages, run a summary completion, embed the
// summary, insert the record. Any step failing aborts this instance
// without partial writes; the next trigger firing starts fresh.
type Summarizer struct {
	gateway  LLMGateway
	log      store.ConversationLog
	memories store.MemoryStore
	model    string
	logger   *slog.Logger
}

// NewSummarizer creates a Summarizer. model is the completion model for
// summaries, empty means llm.DefaultSummaryModel; logger may be nil.
func NewSummarizer(gateway LLMGateway, log store.ConversationLog, memories store.MemoryStore, model string, logger *slog.Logger) *Summarizer {
	if model == "" {
		model = llm.DefaultSummaryModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{
		gateway:  gateway,
		log:      log,
		memories: memories,
		model:    model,
		logger:   logger,
	}
}

// Summarize processes one fired trigger and returns the inserted
// record.
func (s *Summarizer) Summarize(ctx context.Context, fired *TriggerFired, memoryType chatmesh.MemoryType) (*chatmesh.MemoryRecord, error) {
	msgs, err := s.log.ReadByIDs(ctx, fired.UserID, fired.MessageIDs)
	if err != nil {
		return nil, fmt.Errorf("read summary context: %w", err)
	}
	if len(msgs) == 0 {
		return nil, errors.New("no context messages for summarization")
	}

	completion, err := s.gateway.Chat(ctx, &llm.ChatRequest{
		Model: s.model,
		Messages: []llm.ChatMessage{
			{Role: "system", Content: promptFor(memoryType)},
			{Role: "user", Content: transcript(msgs)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("summary completion: %w", err)
	}
	summary := strings.TrimSpace(completion.Content)
	if summary == "" {
		return nil, errors.New("summary completion returned empty content")
	}

	embedding, err := s.gateway.Embed(ctx, summary)
	if err != nil {
		return nil, fmt.Errorf("summary embedding: %w", err)
	}

	sourceIDs := make([]int64, 0, len(msgs))
	for _, msg := range msgs {
		sourceIDs = append(sourceIDs, msg.ID)
	}

	rec := &chatmesh.MemoryRecord{
		UserID:           fired.UserID,
		MemoryType:       memoryType,
		SourceMessageIDs: sourceIDs,
		Content:          summary,
		Embedding:        embedding,
		CreatedAt:        time.Now().UTC(),
		Metadata:         map[string]string{"model": s.model},
	}
	if err := s.memories.Insert(ctx, rec); err != nil {
		return nil, fmt.Errorf("insert memory record: %w", err)
	}

	s.logger.Info("memory record created",
		"user_id", fired.UserID,
		"memory_type", string(memoryType),
		"record_id", rec.ID,
		"source_messages", len(sourceIDs))
	return rec, nil
}

func promptFor(memoryType chatmesh.MemoryType) string {
	switch memoryType {
	case chatmesh.MemoryRoundSummary:
		return roundSummaryPrompt
	case chatmesh.MemoryConversationChunk:
		return conversationChunkPrompt
	default:
		return genericSummaryPrompt
	}
}

func transcript(msgs []chatmesh.ConversationMessage) string {
	var b strings.Builder
	for _, msg := range msgs {
		b.WriteString(string(msg.Role))
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	return b.String()
}
