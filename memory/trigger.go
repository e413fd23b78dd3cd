// Package memory implements the summarization trigger, the summary
// extraction job, and similarity+recency retrieval over stored memory
// records.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/scttfrdmn/chatmesh/chatmesh-go/store"
)

// Trigger defaults.
const (
	DefaultThreshold   = 3
	DefaultContextSize = 10
)

// TriggerFired describes one summarization instance to be scheduled.
type TriggerFired struct {
	UserID     int64
	MessageIDs []int64 // most recent persisted message IDs, oldest first
}

// Trigger counts persisted messages per user and fires once every
// threshold messages.
//
// The increment-check-reset is a single locked operation per user, so
// concurrent appends for one user fire exactly once per threshold
// boundary; a count is never lost or double-fired. Reading the context
// message IDs happens after the reset, outside the lock.
type Trigger struct {
	log         store.ConversationLog
	threshold   int
	contextSize int

	mu     sync.Mutex
	counts map[int64]int
}

// NewTrigger creates a Trigger over the given log. Non-positive
// threshold or contextSize take the defaults.
func NewTrigger(log store.ConversationLog, threshold, contextSize int) *Trigger {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if contextSize <= 0 {
		contextSize = DefaultContextSize
	}
	return &Trigger{
		log:         log,
		threshold:   threshold,
		contextSize: contextSize,
		counts:      map[int64]int{},
	}
}

// OnMessage records one persisted message for the user. When the count
// reaches the threshold it resets and returns a TriggerFired carrying
// the user's most recent message IDs; otherwise it returns nil.
//
// A log read failure after firing is returned as an error; the counter
// stays reset and the missed summarization instance is not retried.
func (t *Trigger) OnMessage(ctx context.Context, userID int64) (*TriggerFired, error) {
	t.mu.Lock()
	t.counts[userID]++
	fired := t.counts[userID] >= t.threshold
	if fired {
		t.counts[userID] = 0
	}
	t.mu.Unlock()

	if !fired {
		return nil, nil
	}

	msgs, err := t.log.ReadRecent(ctx, userID, t.contextSize)
	if err != nil {
		return nil, fmt.Errorf("read trigger context for user %d: %w", userID, err)
	}
	ids := make([]int64, 0, len(msgs))
	for _, msg := range msgs {
		ids = append(ids, msg.ID)
	}
	return &TriggerFired{UserID: userID, MessageIDs: ids}, nil
}
