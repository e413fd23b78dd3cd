// Package store defines the persistence contracts for conversation
// messages and memory records. Backends live in subpackages: sqlite for
// single-node deployments, redisx for a shared conversation log.
package store

import (
	"context"

	"github.com/scttfrdmn/chatmesh/chatmesh-go/chatmesh"
)

// ConversationLog persists the per-user message stream.
//
// The log assigns message IDs and per-user sequence numbers at append
// time; sequence numbers are strictly increasing per user with no gaps
// the reader needs to tolerate.
type ConversationLog interface {
	// Append persists one message, assigning ID and SequenceNumber.
	// The stored values are written back into msg.
	Append(ctx context.Context, msg *chatmesh.ConversationMessage) error

	// ReadRecent returns up to limit of the user's most recent
	// messages in chronological order (oldest of the window first).
	ReadRecent(ctx context.Context, userID int64, limit int) ([]chatmesh.ConversationMessage, error)

	// ReadByIDs returns the named messages in chronological order.
	// Unknown IDs are skipped rather than reported.
	ReadByIDs(ctx context.Context, userID int64, ids []int64) ([]chatmesh.ConversationMessage, error)
}

// MemoryStore persists durable memory records with embeddings.
type MemoryStore interface {
	// Insert persists one record, assigning its ID. The assigned ID is
	// written back into rec.
	Insert(ctx context.Context, rec *chatmesh.MemoryRecord) error

	// ListByUser returns every record for one user, newest first.
	// Retrieval scoring happens above the store so backends stay
	// index-free.
	ListByUser(ctx context.Context, userID int64) ([]chatmesh.MemoryRecord, error)
}
