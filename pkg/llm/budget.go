// Package llm enforces a process-fleet-wide cap on concurrent outbound LLM
// calls via a counter semaphore in the shared backend, and tracks spend by
// model and agent for observability. Exceeding the daily budget refuses new
// slot acquisitions; calls already in flight are never interrupted.
package llm

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/agentcoord/agentcoord/pkg/backend"
	"github.com/agentcoord/agentcoord/pkg/coord"
)

// DefaultMaxConcurrent caps in-flight calls when no limit is configured.
const DefaultMaxConcurrent = 4

// acquirePollInterval paces blocked acquirers.
const acquirePollInterval = 100 * time.Millisecond

// dailyDollarsKey tracks spend for one UTC day so the daily budget resets
// naturally at midnight.
func dailyDollarsKey(day time.Time) string {
	return fmt.Sprintf("llm:costs:dollars:daily:%s", day.UTC().Format("2006-01-02"))
}

// Budget is the semaphore plus cost ledger.
type Budget struct {
	b             backend.Backend
	maxConcurrent int64
	dailyDollars  float64 // 0 = unlimited
}

// New creates a budget handle. maxConcurrent <= 0 selects the default;
// dailyDollars <= 0 disables the spend gate.
func New(b backend.Backend, maxConcurrent int64, dailyDollars float64) *Budget {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Budget{b: b, maxConcurrent: maxConcurrent, dailyDollars: dailyDollars}
}

// AcquireSlot blocks until a semaphore slot is free or the timeout elapses.
// Returns a release function that must be called exactly once (safe via
// defer). Fails with ErrBudgetExceeded when today's spend is over budget,
// and with ErrTimeout when no slot frees up in time.
func (bu *Budget) AcquireSlot(ctx context.Context, agentID string, timeout time.Duration) (func(), error) {
	deadline := time.Now().Add(timeout)
	for {
		over, err := bu.overDailyBudget(ctx)
		if err != nil {
			return nil, err
		}
		if over {
			return nil, fmt.Errorf("%w: daily LLM budget of $%.2f spent", coord.ErrBudgetExceeded, bu.dailyDollars)
		}

		acquired := false
		err = bu.b.Atomic(ctx, []string{coord.LLMSemaphoreKey}, func(tx backend.Tx) error {
			acquired = false
			raw, _, err := tx.Get(coord.LLMSemaphoreKey)
			if err != nil {
				return err
			}
			current, _ := strconv.ParseInt(raw, 10, 64)
			if current >= bu.maxConcurrent {
				return nil
			}
			tx.IncrBy(coord.LLMSemaphoreKey, 1)
			acquired = true
			return nil
		})
		if err != nil {
			return nil, err
		}
		if acquired {
			return func() { bu.b.IncrBy(context.WithoutCancel(ctx), coord.LLMSemaphoreKey, -1) }, nil
		}

		if timeout > 0 && time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: no LLM slot within %s", coord.ErrTimeout, timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(acquirePollInterval):
		}
	}
}

// WithSlot runs fn while holding a slot, releasing on every exit path.
func (bu *Budget) WithSlot(ctx context.Context, agentID string, timeout time.Duration, fn func() error) error {
	release, err := bu.AcquireSlot(ctx, agentID, timeout)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// RecordUsage adds one call's tokens and dollars to the per-model counters,
// the per-agent hash and today's spend.
func (bu *Budget) RecordUsage(ctx context.Context, agentID, model string, tokens int64, dollars float64) error {
	if _, err := bu.b.IncrBy(ctx, coord.LLMTokensKey(model), tokens); err != nil {
		return fmt.Errorf("failed to count tokens: %w", err)
	}
	if _, err := bu.b.IncrByFloat(ctx, coord.LLMDollarsKey(model), dollars); err != nil {
		return fmt.Errorf("failed to count dollars: %w", err)
	}
	if _, err := bu.b.IncrByFloat(ctx, dailyDollarsKey(time.Now()), dollars); err != nil {
		return fmt.Errorf("failed to count daily spend: %w", err)
	}
	if _, err := bu.b.HIncrBy(ctx, coord.LLMByAgentKey(agentID), "tokens", tokens); err != nil {
		return fmt.Errorf("failed to count agent tokens: %w", err)
	}
	// Per-agent dollars are held in the same hash; floats go through an
	// atomic read-modify-write since hashes only increment integers.
	return bu.b.Atomic(ctx, []string{coord.LLMByAgentKey(agentID)}, func(tx backend.Tx) error {
		fields, err := tx.HGetAll(coord.LLMByAgentKey(agentID))
		if err != nil {
			return err
		}
		current, _ := strconv.ParseFloat(fields["dollars"], 64)
		tx.HSet(coord.LLMByAgentKey(agentID), map[string]string{
			"dollars": strconv.FormatFloat(current+dollars, 'f', 6, 64),
		})
		return nil
	})
}

// Usage reports one model's cumulative counters.
type Usage struct {
	Model   string  `json:"model"`
	Tokens  int64   `json:"tokens"`
	Dollars float64 `json:"dollars"`
}

// ModelUsage reads one model's counters.
func (bu *Budget) ModelUsage(ctx context.Context, model string) (Usage, error) {
	u := Usage{Model: model}
	raw, _, err := bu.b.Get(ctx, coord.LLMTokensKey(model))
	if err != nil {
		return u, err
	}
	u.Tokens, _ = strconv.ParseInt(raw, 10, 64)
	raw, _, err = bu.b.Get(ctx, coord.LLMDollarsKey(model))
	if err != nil {
		return u, err
	}
	u.Dollars, _ = strconv.ParseFloat(raw, 64)
	return u, nil
}

// AgentUsage reads one agent's totals.
func (bu *Budget) AgentUsage(ctx context.Context, agentID string) (tokens int64, dollars float64, err error) {
	fields, err := bu.b.HGetAll(ctx, coord.LLMByAgentKey(agentID))
	if err != nil {
		return 0, 0, err
	}
	tokens, _ = strconv.ParseInt(fields["tokens"], 10, 64)
	dollars, _ = strconv.ParseFloat(fields["dollars"], 64)
	return tokens, dollars, nil
}

// InFlight reads the semaphore's current count.
func (bu *Budget) InFlight(ctx context.Context) (int64, error) {
	raw, _, err := bu.b.Get(ctx, coord.LLMSemaphoreKey)
	if err != nil {
		return 0, err
	}
	n, _ := strconv.ParseInt(raw, 10, 64)
	return n, nil
}

func (bu *Budget) overDailyBudget(ctx context.Context) (bool, error) {
	if bu.dailyDollars <= 0 {
		return false, nil
	}
	raw, _, err := bu.b.Get(ctx, dailyDollarsKey(time.Now()))
	if err != nil {
		return false, err
	}
	spent, _ := strconv.ParseFloat(raw, 64)
	return spent >= bu.dailyDollars, nil
}
