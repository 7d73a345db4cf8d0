package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/driftline/converge/internal/store"
	"github.com/driftline/converge/pkg/types"
)

// SkipReason classifies why the correlator left an index hit unexpanded.
type SkipReason string

const (
	// SkipMissingID means the hit arrived without both identifiers needed
	// for an authoritative lookup. The index occasionally emits such
	// incomplete projections; they are skipped without a store call.
	SkipMissingID SkipReason = "missing_id"

	// SkipNotFound means the hit referred to data deleted since it was
	// indexed. Expected under eventual consistency; not an error.
	SkipNotFound SkipReason = "not_found"

	// SkipTransport means the expand lookup itself failed in transit. The
	// error is retained on the SkippedHit so nothing is silently lost.
	SkipTransport SkipReason = "transport"
)

// SkippedHit pairs an unexpandable index hit with the reason it was
// skipped.
type SkippedHit struct {
	// Hit is the original index hit.
	Hit types.IndexHit

	// Reason classifies the skip.
	Reason SkipReason

	// Err carries the store error for SkipNotFound and SkipTransport.
	Err error
}

// Correlator resolves lightweight index hits into authoritative records
// from the primary store. The index is never trusted: every returned
// record comes from an expand lookup, and hits that cannot be resolved are
// reported as skips rather than failing the whole set.
type Correlator struct {
	gateway store.Gateway
	cfg     Config
	logger  *slog.Logger
}

// NewCorrelator creates a correlator over the given gateway.
func NewCorrelator(gw store.Gateway, cfg Config) (*Correlator, error) {
	if gw == nil {
		return nil, fmt.Errorf("orchestrate: gateway is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrate: invalid config: %w", err)
	}
	return &Correlator{gateway: gw, cfg: cfg, logger: cfg.logger()}, nil
}

// Expand resolves hits against the primary store, up to ExpandConcurrency
// lookups at a time. Results land in per-input slots, so concurrent
// completion order never affects the output.
//
// Hits missing an identifier are skipped without a store call. A hit whose
// record was deleted since indexing is skipped as not-found; a per-hit
// transport failure is skipped with the error retained. Sibling hits are
// unaffected in every case. The only non-nil error return is context
// cancellation.
func (c *Correlator) Expand(ctx context.Context, hits []types.IndexHit) ([]types.ExpandedRecord, []SkippedHit, error) {
	if len(hits) == 0 {
		return nil, nil, nil
	}

	records := make([]*types.ExpandedRecord, len(hits))
	skips := make([]*SkippedHit, len(hits))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.ExpandConcurrency)

	for i, hit := range hits {
		i, hit := i, hit // per-iteration copy: go.mod targets go1.21, whose loop vars are shared
		if !hit.Complete() {
			skips[i] = &SkippedHit{Hit: hit, Reason: SkipMissingID}
			continue
		}

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			rec, err := c.gateway.ExpandHit(gctx, hit.EntityID, hit.InteractionID)
			switch {
			case err == nil:
				records[i] = rec
			case errors.Is(err, store.ErrNotFound):
				skips[i] = &SkippedHit{Hit: hit, Reason: SkipNotFound, Err: err}
			case gctx.Err() != nil:
				return gctx.Err()
			default:
				skips[i] = &SkippedHit{Hit: hit, Reason: SkipTransport, Err: err}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	expanded := make([]types.ExpandedRecord, 0, len(hits))
	var skipped []SkippedHit
	for i := range hits {
		switch {
		case records[i] != nil:
			expanded = append(expanded, *records[i])
			c.recordExpansion("expanded")
		case skips[i] != nil:
			skipped = append(skipped, *skips[i])
			c.recordExpansion("skipped_" + string(skips[i].Reason))
		}
	}

	if len(skipped) > 0 {
		c.logger.Debug("some index hits were not expandable",
			"expanded", len(expanded),
			"skipped", len(skipped))
	}
	return expanded, skipped, nil
}

func (c *Correlator) recordExpansion(result string) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordHitExpansion(result)
	}
}
