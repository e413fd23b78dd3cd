package dispatch

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/scttfrdmn/chatmesh/chatmesh-go/chatmesh"
)

// DefaultChatWeight is the number of primary selections per secondary
// selection in the chat rotation.
const DefaultChatWeight = 5

// Account identifies one upstream API account.
type Account struct {
	Name   string
	APIKey string
}

// RouterConfig describes the account topology.
//
// ChatPrimary and ChatSecondary are required. Memory is optional; when
// absent, memory-class calls fall back to ChatSecondary.
type RouterConfig struct {
	ChatPrimary   Account
	ChatSecondary Account
	Memory        *Account

	// ChatWeight is the primary:secondary ratio. Zero means
	// DefaultChatWeight.
	ChatWeight int
}

// Router selects an upstream account per call.
//
// Chat calls rotate deterministically between two accounts at
// ChatWeight:1; with the default weight every sixth selection lands on
// the secondary. Memory calls always use the dedicated memory account,
// or the chat secondary when none is configured. The counter is global
// across callers, so concurrent chat traffic still honors the ratio in
// aggregate.
type Router struct {
	cfg     RouterConfig
	counter atomic.Uint64

	logger       *slog.Logger
	fallbackOnce sync.Once
}

// NewRouter creates a Router. logger may be nil.
func NewRouter(cfg RouterConfig, logger *slog.Logger) *Router {
	if cfg.ChatWeight <= 0 {
		cfg.ChatWeight = DefaultChatWeight
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{cfg: cfg, logger: logger}
}

// Select returns the account for one call attempt.
//
// attempt is 1-based. For chat retries, Select returns a different
// account than previous so a degraded upstream is not hit twice in a
// row; retries do not advance the rotation counter. previous is the
// account name of the prior attempt, empty on the first.
func (r *Router) Select(class chatmesh.CallClass, attempt int, previous string) Account {
	if class == chatmesh.CallClassMemory {
		return r.memoryAccount()
	}

	if attempt > 1 && previous != "" {
		if previous == r.cfg.ChatPrimary.Name {
			return r.cfg.ChatSecondary
		}
		return r.cfg.ChatPrimary
	}

	n := r.counter.Add(1)
	if n%uint64(r.cfg.ChatWeight+1) == 0 {
		return r.cfg.ChatSecondary
	}
	return r.cfg.ChatPrimary
}

func (r *Router) memoryAccount() Account {
	if r.cfg.Memory != nil {
		return *r.cfg.Memory
	}
	r.fallbackOnce.Do(func() {
		r.logger.Warn("no memory account configured, routing memory calls to chat secondary",
			"account", r.cfg.ChatSecondary.Name)
	})
	return r.cfg.ChatSecondary
}

// Accounts returns the distinct accounts the router can select.
func (r *Router) Accounts() []Account {
	out := []Account{r.cfg.ChatPrimary, r.cfg.ChatSecondary}
	if r.cfg.Memory != nil && r.cfg.Memory.Name != r.cfg.ChatPrimary.Name && r.cfg.Memory.Name != r.cfg.ChatSecondary.Name {
		out = append(out, *r.cfg.Memory)
	}
	return out
}
