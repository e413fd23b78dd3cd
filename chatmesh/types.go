// Package chatmesh provides the core types and error taxonomy shared by
// the dispatch, history, and memory packages.
package chatmesh

import (
	"fmt"
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// CallClass identifies which rate budget and account pool an outbound
// call is billed against.
type CallClass string

const (
	// CallClassChat covers agent completions issued on behalf of a
	// conversation turn.
	CallClassChat CallClass = "chat"

	// CallClassMemory covers summarization completions and embedding
	// calls issued by the memory subsystem.
	CallClassMemory CallClass = "memory"
)

// ConversationMessage is one persisted turn fragment. Messages are
// immutable once persisted; SequenceNumber is monotonic per user and is
// assigned by the conversation log, not the caller.
type ConversationMessage struct {
	ID             int64     `json:"id"`
	UserID         int64     `json:"user_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	SequenceNumber int64     `json:"sequence_number"`
	CreatedAt      time.Time `json:"created_at"`
}

// Validate checks the message fields that the persistence layer relies on.
func (m *ConversationMessage) Validate() error {
	if m.UserID == 0 {
		return fmt.Errorf("message user_id is required")
	}
	if m.Role != RoleUser && m.Role != RoleAssistant {
		return fmt.Errorf("invalid message role: %q", m.Role)
	}
	if m.Content == "" {
		return fmt.Errorf("message content cannot be empty")
	}
	return nil
}

// MemoryType classifies a memory record by how it was produced.
type MemoryType string

const (
	MemoryRoundSummary      MemoryType = "round_summary"
	MemoryConversationChunk MemoryType = "conversation_chunk"
	MemoryEvalSummary       MemoryType = "eval_summary"
)

// MemoryRecord is a durable summarized memory with its embedding.
// Records are created only by the memory trigger path and are never
// mutated or deleted by this module; retention is an external concern.
type MemoryRecord struct {
	ID               int64             `json:"id"`
	UserID           int64             `json:"user_id"`
	MemoryType       MemoryType        `json:"memory_type"`
	SourceMessageIDs []int64           `json:"source_message_ids"`
	Content          string            `json:"content"`
	Embedding        []float32         `json:"embedding"`
	CreatedAt        time.Time         `json:"created_at"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Validate checks the record fields required before insertion.
func (r *MemoryRecord) Validate() error {
	if r.UserID == 0 {
		return fmt.Errorf("memory record user_id is required")
	}
	switch r.MemoryType {
	case MemoryRoundSummary, MemoryConversationChunk, MemoryEvalSummary:
	default:
		return fmt.Errorf("invalid memory type: %q", r.MemoryType)
	}
	if r.Content == "" {
		return fmt.Errorf("memory record content cannot be empty")
	}
	if len(r.Embedding) == 0 {
		return fmt.Errorf("memory record embedding cannot be empty")
	}
	return nil
}
