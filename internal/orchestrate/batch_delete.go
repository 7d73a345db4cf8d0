package orchestrate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/driftline/converge/internal/store"
)

// BatchDeleter removes entities in bulk with best-effort semantics: every
// id is attempted no matter what happens to its siblings, and partial
// progress is kept. Deletes are driven by separately-computed stale sets,
// so a half-finished sweep still shrinks the next one.
type BatchDeleter struct {
	gateway store.Gateway
	cfg     Config
	logger  *slog.Logger
}

// NewBatchDeleter creates a batch delete coordinator over the given
// gateway.
func NewBatchDeleter(gw store.Gateway, cfg Config) (*BatchDeleter, error) {
	if gw == nil {
		return nil, fmt.Errorf("orchestrate: gateway is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrate: invalid config: %w", err)
	}
	return &BatchDeleter{gateway: gw, cfg: cfg, logger: cfg.logger()}, nil
}

// DeleteBatch attempts to delete every id and returns exactly one Outcome
// per id, in input order.
//
// Ids are split into chunks of BatchSize; up to DeleteConcurrency chunks
// run at once, and outcomes merge into per-input slots so completion order
// never matters. A failing id or a failing chunk marks only its own
// outcomes OutcomeTransientFailure; the remaining chunks are always
// attempted. The first transport error is also returned alongside the
// complete OutcomeSet.
func (d *BatchDeleter) DeleteBatch(ctx context.Context, ids []string) (OutcomeSet, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("orchestrate: empty delete batch: %w", store.ErrInvalidInput)
	}

	outcomes := make(OutcomeSet, len(ids))

	var (
		mu             sync.Mutex
		firstTransport error
	)

	// Plain group, not WithContext: a failing chunk must not cancel its
	// siblings.
	var g errgroup.Group
	g.SetLimit(d.cfg.DeleteConcurrency)

	for start := 0; start < len(ids); start += d.cfg.BatchSize {
		start := start // per-iteration copy: go.mod targets go1.21, whose loop vars are shared
		end := min(start+d.cfg.BatchSize, len(ids))

		g.Go(func() error {
			chunk := ids[start:end]

			results, err := d.gateway.DeleteBatch(ctx, chunk)
			if err == nil && len(results) != len(chunk) {
				err = fmt.Errorf("orchestrate: store returned %d results for %d ids", len(results), len(chunk))
			}
			if err != nil {
				mu.Lock()
				if firstTransport == nil {
					firstTransport = err
				}
				mu.Unlock()
				d.logger.Warn("delete chunk failed in transit",
					"chunk_size", len(chunk),
					"error", err)
				for i := start; i < end; i++ {
					outcomes[i] = Outcome{Status: OutcomeTransientFailure, EntityID: ids[i], Err: err}
				}
				return nil
			}

			for j, res := range results {
				outcomes[start+j] = outcomeFromDelete(res)
			}
			return nil
		})
	}

	// Chunk goroutines record failures instead of returning them.
	_ = g.Wait()

	recordBatchOutcomes(d.cfg.Metrics, "delete", outcomes)
	return outcomes, firstTransport
}

// outcomeFromDelete maps one per-id store result onto the outcome
// taxonomy. Any per-id failure is transient from the coordinator's view;
// the underlying error stays on the Outcome for finer classification.
func outcomeFromDelete(r store.DeleteResult) Outcome {
	if r.Err == nil {
		return Outcome{Status: OutcomeSucceeded, EntityID: r.EntityID}
	}
	return Outcome{Status: OutcomeTransientFailure, EntityID: r.EntityID, Err: r.Err}
}
