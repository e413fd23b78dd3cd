// Package engine orchestrates one conversation turn: assemble context
// from the history window and retrieved memories, run the completion
// through the dispatcher, persist the round, and feed the memory
// trigger.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/scttfrdmn/chatmesh/chatmesh-go/chatmesh"
	"github.com/scttfrdmn/chatmesh/chatmesh-go/history"
	"github.com/scttfrdmn/chatmesh/chatmesh-go/llm"
	"github.com/scttfrdmn/chatmesh/chatmesh-go/memory"
	"github.com/scttfrdmn/chatmesh/chatmesh-go/store"
)

// DefaultSummarizeTimeout bounds one background summarization job.
const DefaultSummarizeTimeout = 60 * time.Second

// Gateway is the dispatcher surface the engine needs.
type Gateway interface {
	Chat(ctx context.Context, req *llm.ChatRequest) (*llm.Completion, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Engine ties the conversation pipeline together. One Engine serves
// all users; a per-user lock keeps each round's persistence and
// trigger updates atomic even when a transport delivers a user's
// turns concurrently.
type Engine struct {
	gateway    Gateway
	log        store.ConversationLog
	history    *history.Manager
	trigger    *memory.Trigger
	summarizer *memory.Summarizer
	retriever  *memory.Retriever
	embedder   memory.Embedder

	systemPrompt     string
	summarizeTimeout time.Duration
	logger           *slog.Logger

	mu    sync.Mutex
	users map[int64]*sync.Mutex

	jobs sync.WaitGroup
}

// Config wires an Engine.
type Config struct {
	Gateway    Gateway
	Log        store.ConversationLog
	History    *history.Manager
	Trigger    *memory.Trigger
	Summarizer *memory.Summarizer
	Retriever  *memory.Retriever

	// Embedder embeds retrieval queries; defaults to Gateway.
	Embedder memory.Embedder

	// SystemPrompt is prepended to every completion when non-empty.
	SystemPrompt string

	// SummarizeTimeout bounds background summarization; zero means
	// DefaultSummarizeTimeout.
	SummarizeTimeout time.Duration

	Logger *slog.Logger
}

// New creates an Engine.
func New(cfg Config) *Engine {
	if cfg.Embedder == nil {
		cfg.Embedder = cfg.Gateway
	}
	if cfg.SummarizeTimeout <= 0 {
		cfg.SummarizeTimeout = DefaultSummarizeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		gateway:          cfg.Gateway,
		log:              cfg.Log,
		history:          cfg.History,
		trigger:          cfg.Trigger,
		summarizer:       cfg.Summarizer,
		retriever:        cfg.Retriever,
		embedder:         cfg.Embedder,
		systemPrompt:     cfg.SystemPrompt,
		summarizeTimeout: cfg.SummarizeTimeout,
		logger:           cfg.Logger,
		users:            map[int64]*sync.Mutex{},
	}
}

func (e *Engine) userLock(userID int64) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.users[userID]
	if !ok {
		l = &sync.Mutex{}
		e.users[userID] = l
	}
	return l
}

// HandleTurn runs one user turn and returns the assistant reply.
//
// Nothing is persisted until the completion succeeds: a failed call
// leaves the log, the history window, and the trigger counter
// untouched. Memory retrieval is enrichment; its failures degrade to
// an answer without memories rather than failing the turn.
func (e *Engine) HandleTurn(ctx context.Context, userID int64, userText string) (string, error) {
	if userText == "" {
		return "", fmt.Errorf("empty user message for user %d", userID)
	}

	window := e.history.Window(ctx, userID)
	memories := e.retrieveMemories(ctx, userID, userText)

	completion, err := e.gateway.Chat(ctx, e.buildRequest(window, memories, userText))
	if err != nil {
		return "", err
	}

	// The per-user lock covers only the persist/append/trigger
	// sequence so the round lands in order; it is never held across
	// an upstream call.
	lock := e.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	userMsg := &chatmesh.ConversationMessage{
		UserID: userID, Role: chatmesh.RoleUser, Content: userText,
	}
	if err := e.log.Append(ctx, userMsg); err != nil {
		return "", fmt.Errorf("persist user message: %w", err)
	}
	assistantMsg := &chatmesh.ConversationMessage{
		UserID: userID, Role: chatmesh.RoleAssistant, Content: completion.Content,
	}
	if err := e.log.Append(ctx, assistantMsg); err != nil {
		return "", fmt.Errorf("persist assistant message: %w", err)
	}

	e.history.Append(ctx, *userMsg)
	e.history.Append(ctx, *assistantMsg)

	e.onPersisted(ctx, userID)
	e.onPersisted(ctx, userID)

	return completion.Content, nil
}

func (e *Engine) retrieveMemories(ctx context.Context, userID int64, query string) []chatmesh.MemoryRecord {
	embedding, err := e.embedder.Embed(ctx, query)
	if err != nil {
		e.logger.Warn("query embedding failed, answering without memories",
			"user_id", userID, "error", err)
		return nil
	}
	records, err := e.retriever.Retrieve(ctx, userID, embedding)
	if err != nil {
		e.logger.Warn("memory retrieval failed, answering without memories",
			"user_id", userID, "error", err)
		return nil
	}
	return records
}

func (e *Engine) buildRequest(window []chatmesh.ConversationMessage, memories []chatmesh.MemoryRecord, userText string) *llm.ChatRequest {
	messages := make([]llm.ChatMessage, 0, len(window)+3)

	system := e.systemPrompt
	if len(memories) > 0 {
		var b strings.Builder
		b.WriteString("Relevant memories from previous conversations:\n")
		for _, rec := range memories {
			b.WriteString("- ")
			b.WriteString(rec.Content)
			b.WriteString("\n")
		}
		if system != "" {
			system += "\n\n"
		}
		system += b.String()
	}
	if system != "" {
		messages = append(messages, llm.ChatMessage{Role: "system", Content: system})
	}

	for _, msg := range window {
		messages = append(messages, llm.ChatMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	messages = append(messages, llm.ChatMessage{Role: "user", Content: userText})

	return &llm.ChatRequest{Messages: messages}
}

// onPersisted advances the trigger for one persisted message and
// schedules summarization when it fires.
func (e *Engine) onPersisted(ctx context.Context, userID int64) {
	fired, err := e.trigger.OnMessage(ctx, userID)
	if err != nil {
		e.logger.Warn("memory trigger failed, skipping this instance",
			"user_id", userID, "error", err)
		return
	}
	if fired == nil {
		return
	}

	e.jobs.Add(1)
	go func() {
		defer e.jobs.Done()
		// Detached from the turn context: the caller's deadline must
		// not cancel accepted background work.
		jobCtx, cancel := context.WithTimeout(context.Background(), e.summarizeTimeout)
		defer cancel()

		if _, err := e.summarizer.Summarize(jobCtx, fired, chatmesh.MemoryRoundSummary); err != nil {
			e.logger.Warn("summarization failed, no record created",
				"user_id", fired.UserID, "error", err)
		}
	}()
}

// Close waits for in-flight background summarizations.
func (e *Engine) Close() {
	e.jobs.Wait()
}
