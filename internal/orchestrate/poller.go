package orchestrate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/driftline/converge/internal/metrics"
	"github.com/driftline/converge/internal/store"
	"github.com/driftline/converge/pkg/types"
)

// Predicate decides whether a set of index hits satisfies the caller.
type Predicate func(hits []types.IndexHit) bool

// CountAtLeast returns a Predicate satisfied once n or more hits are
// visible. CountAtLeast(0) is satisfied by any result, including none.
func CountAtLeast(n int) Predicate {
	return func(hits []types.IndexHit) bool {
		return len(hits) >= n
	}
}

// Poller waits for the eventually-consistent search index to catch up with
// the primary store. It re-queries the index until a caller-supplied
// predicate holds, always within a finite attempt budget.
type Poller struct {
	gateway store.Gateway
	cfg     Config
	logger  *slog.Logger
}

// NewPoller creates a poller over the given gateway.
// Use DefaultConfig() for sensible defaults.
func NewPoller(gw store.Gateway, cfg Config) (*Poller, error) {
	if gw == nil {
		return nil, fmt.Errorf("orchestrate: gateway is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrate: invalid config: %w", err)
	}
	return &Poller{gateway: gw, cfg: cfg, logger: cfg.logger()}, nil
}

// WaitForConvergence queries the index until pred accepts the result set.
//
// The first query is issued immediately, so an already-converged index
// returns without any sleep. Between attempts the poller pauses for
// PollInterval using a timer, yielding rather than busy-waiting.
// Cancellation is honored before each re-query and during each pause,
// never by interrupting an in-flight store call.
//
// An empty result is a non-convergent iteration, not an error. A store
// error aborts the wait immediately and is returned as-is distinguishable
// from a timeout. After MaxAttempts queries without convergence the call
// fails with a wrapped ErrTimeoutExceeded.
func (p *Poller) WaitForConvergence(ctx context.Context, query store.IndexQuery, pred Predicate) ([]types.IndexHit, error) {
	if pred == nil {
		return nil, fmt.Errorf("orchestrate: predicate is required")
	}

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			p.recordPoll(metrics.PollCancelled, attempt)
			return nil, err
		}

		hits, err := p.gateway.SearchIndex(ctx, query)
		if err != nil {
			p.recordPoll(metrics.PollTransport, attempt)
			return nil, fmt.Errorf("orchestrate: index query failed on attempt %d: %w", attempt, err)
		}

		if pred(hits) {
			p.recordPoll(metrics.PollConverged, attempt)
			p.logger.Debug("index converged",
				"attempts", attempt,
				"hits", len(hits))
			return hits, nil
		}

		p.logger.Debug("index not yet converged",
			"attempt", attempt,
			"max_attempts", p.cfg.MaxAttempts,
			"hits", len(hits))

		if attempt == p.cfg.MaxAttempts {
			break
		}

		// Pause with cancellation support.
		timer := time.NewTimer(p.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.recordPoll(metrics.PollCancelled, attempt)
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	p.recordPoll(metrics.PollTimeout, p.cfg.MaxAttempts)
	return nil, fmt.Errorf("orchestrate: index did not converge after %d attempts: %w",
		p.cfg.MaxAttempts, ErrTimeoutExceeded)
}

func (p *Poller) recordPoll(outcome string, attempts int) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordPoll(outcome, attempts)
	}
}
