package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/driftline/converge/internal/metrics"
	"github.com/driftline/converge/internal/store"
	"github.com/driftline/converge/pkg/types"
)

// BatchWriter coordinates multi-entity creates with per-item outcome
// reporting. Input is split into store-sized chunks; items succeed or fail
// independently within a chunk, and one chunk's failure never silences
// another's results.
type BatchWriter struct {
	gateway store.Gateway
	cfg     Config
	logger  *slog.Logger
}

// NewBatchWriter creates a batch write coordinator over the given gateway.
func NewBatchWriter(gw store.Gateway, cfg Config) (*BatchWriter, error) {
	if gw == nil {
		return nil, fmt.Errorf("orchestrate: gateway is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrate: invalid config: %w", err)
	}
	return &BatchWriter{gateway: gw, cfg: cfg, logger: cfg.logger()}, nil
}

// CreateBatch submits specs in chunks of BatchSize and returns exactly one
// Outcome per spec, in input order.
//
// Malformed specs fail locally with OutcomeValidationFailed and never reach
// the store. A duplicate external key yields OutcomeConflict for that item
// only; sibling items in the same chunk proceed. A transport failure on one
// chunk marks every item of that chunk OutcomeTransientFailure (nothing is
// assumed about partial completion) and the remaining chunks are still
// attempted. The first transport error is also returned alongside the
// complete OutcomeSet so callers see both the per-item picture and the
// fatal condition.
func (w *BatchWriter) CreateBatch(ctx context.Context, specs []types.EntitySpec) (OutcomeSet, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("orchestrate: empty create batch: %w", store.ErrInvalidInput)
	}

	outcomes := make(OutcomeSet, len(specs))

	// Validate locally first so malformed specs never cost a round trip.
	valid := make([]int, 0, len(specs))
	for i, spec := range specs {
		if err := spec.Validate(); err != nil {
			outcomes[i] = Outcome{
				Status: OutcomeValidationFailed,
				Err:    fmt.Errorf("orchestrate: spec %d: %v: %w", i, err, store.ErrInvalidInput),
			}
			continue
		}
		valid = append(valid, i)
	}

	var firstTransport error
	for start := 0; start < len(valid); start += w.cfg.BatchSize {
		end := min(start+w.cfg.BatchSize, len(valid))
		chunk := valid[start:end]

		chunkSpecs := make([]types.EntitySpec, len(chunk))
		for j, idx := range chunk {
			chunkSpecs[j] = specs[idx]
		}

		results, err := w.gateway.CreateBatch(ctx, chunkSpecs)
		if err == nil && len(results) != len(chunkSpecs) {
			err = fmt.Errorf("orchestrate: store returned %d results for %d specs", len(results), len(chunkSpecs))
		}
		if err != nil {
			if firstTransport == nil {
				firstTransport = err
			}
			w.logger.Warn("create chunk failed in transit",
				"chunk_size", len(chunk),
				"error", err)
			for _, idx := range chunk {
				outcomes[idx] = Outcome{Status: OutcomeTransientFailure, Err: err}
			}
			continue
		}

		for j, idx := range chunk {
			outcomes[idx] = outcomeFromCreate(results[j])
		}
	}

	recordBatchOutcomes(w.cfg.Metrics, "create", outcomes)
	return outcomes, firstTransport
}

// outcomeFromCreate maps one per-item store result onto the outcome
// taxonomy.
func outcomeFromCreate(r store.CreateResult) Outcome {
	switch {
	case r.Err == nil:
		return Outcome{Status: OutcomeSucceeded, EntityID: r.EntityID}
	case errors.Is(r.Err, store.ErrConflict):
		return Outcome{Status: OutcomeConflict, EntityID: r.EntityID, Err: r.Err}
	case errors.Is(r.Err, store.ErrInvalidInput):
		return Outcome{Status: OutcomeValidationFailed, Err: r.Err}
	default:
		return Outcome{Status: OutcomeTransientFailure, Err: r.Err}
	}
}

// recordBatchOutcomes publishes per-status outcome counts. A nil metrics
// handle disables recording.
func recordBatchOutcomes(m *metrics.Metrics, op string, set OutcomeSet) {
	if m == nil {
		return
	}
	statuses := []OutcomeStatus{
		OutcomeSucceeded,
		OutcomeConflict,
		OutcomeValidationFailed,
		OutcomeTransientFailure,
	}
	for _, status := range statuses {
		m.RecordBatchOutcomes(op, string(status), set.Count(status))
	}
}
