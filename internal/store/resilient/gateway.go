// Package resilient wraps a store.Gateway with a circuit breaker and
// client-side rate limiting.
//
// Only transport failures count against the breaker: semantic errors
// (not found, conflict, invalid input) mean the store answered and say
// nothing about its health. When the circuit is open, calls fail fast with
// a transport-classed error wrapping ErrCircuitOpen, so callers' retry
// logic treats rejection like any other transient failure.
package resilient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/driftline/converge/internal/store"
	"github.com/driftline/converge/pkg/types"
)

// ErrCircuitOpen is returned (wrapped in a TransportError) when the
// circuit breaker rejects a call without attempting it.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds the resilience knobs.
type Config struct {
	// MaxFailures is the number of consecutive transport failures required
	// to trip the circuit. Default: 3.
	MaxFailures uint32

	// OpenTimeout is how long the circuit stays open before allowing
	// half-open probe calls. Default: 30 seconds.
	OpenTimeout time.Duration

	// HalfOpenMaxCalls is the number of probe calls allowed in half-open
	// state. Default: 2.
	HalfOpenMaxCalls uint32

	// RatePerSec is the sustained call rate allowed through to the store.
	// Zero disables rate limiting.
	RatePerSec float64

	// Burst is the rate limiter burst size. Defaults to 1 when rate
	// limiting is enabled.
	Burst int

	// Logger receives state-change events. Defaults to slog.Default().
	Logger *slog.Logger
}

func (c *Config) normalize() {
	if c.MaxFailures == 0 {
		c.MaxFailures = 3
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.HalfOpenMaxCalls == 0 {
		c.HalfOpenMaxCalls = 2
	}
	if c.RatePerSec > 0 && c.Burst <= 0 {
		c.Burst = 1
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

var _ store.Gateway = (*Gateway)(nil)

// Gateway decorates another store.Gateway with a breaker and limiter.
type Gateway struct {
	inner   store.Gateway
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// Wrap builds a resilient Gateway around inner.
func Wrap(inner store.Gateway, cfg Config) *Gateway {
	cfg.normalize()

	logger := cfg.Logger
	settings := gobreaker.Settings{
		Name:        "store-gateway",
		MaxRequests: cfg.HalfOpenMaxCalls,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		// The store answering at all is a success, whatever it answered.
		IsSuccessful: func(err error) bool {
			return err == nil || !store.IsTransport(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	}

	g := &Gateway{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
	if cfg.RatePerSec > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	}
	return g
}

// State returns the breaker state: "closed", "open" or "half-open".
func (g *Gateway) State() string {
	switch g.breaker.State() {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// do funnels a gateway call through the limiter and the breaker.
func (g *Gateway) do(ctx context.Context, op string, fn func() (interface{}, error)) (interface{}, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	out, err := g.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, store.NewTransportError(op, fmt.Errorf("%w: %v", ErrCircuitOpen, err))
	}
	return out, err
}

func (g *Gateway) GetByID(ctx context.Context, id string) (*types.Entity, error) {
	out, err := g.do(ctx, "get_by_id", func() (interface{}, error) {
		return g.inner.GetByID(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return out.(*types.Entity), nil
}

func (g *Gateway) GetByKey(ctx context.Context, key types.Key, opts store.GetOptions) (*types.Entity, error) {
	out, err := g.do(ctx, "get_by_key", func() (interface{}, error) {
		return g.inner.GetByKey(ctx, key, opts)
	})
	if err != nil {
		return nil, err
	}
	return out.(*types.Entity), nil
}

func (g *Gateway) CreateBatch(ctx context.Context, specs []types.EntitySpec) ([]store.CreateResult, error) {
	out, err := g.do(ctx, "create_batch", func() (interface{}, error) {
		return g.inner.CreateBatch(ctx, specs)
	})
	if err != nil {
		return nil, err
	}
	return out.([]store.CreateResult), nil
}

func (g *Gateway) UpdateFacets(ctx context.Context, id string, patch map[string]types.FacetData) (*types.Entity, error) {
	out, err := g.do(ctx, "update_facets", func() (interface{}, error) {
		return g.inner.UpdateFacets(ctx, id, patch)
	})
	if err != nil {
		return nil, err
	}
	return out.(*types.Entity), nil
}

func (g *Gateway) RegisterInteraction(ctx context.Context, id string, in types.Interaction) (*types.Interaction, error) {
	out, err := g.do(ctx, "register_interaction", func() (interface{}, error) {
		return g.inner.RegisterInteraction(ctx, id, in)
	})
	if err != nil {
		return nil, err
	}
	return out.(*types.Interaction), nil
}

func (g *Gateway) DeleteBatch(ctx context.Context, ids []string) ([]store.DeleteResult, error) {
	out, err := g.do(ctx, "delete_batch", func() (interface{}, error) {
		return g.inner.DeleteBatch(ctx, ids)
	})
	if err != nil {
		return nil, err
	}
	return out.([]store.DeleteResult), nil
}

func (g *Gateway) SearchIndex(ctx context.Context, q store.IndexQuery) ([]types.IndexHit, error) {
	out, err := g.do(ctx, "search_index", func() (interface{}, error) {
		return g.inner.SearchIndex(ctx, q)
	})
	if err != nil {
		return nil, err
	}
	return out.([]types.IndexHit), nil
}

func (g *Gateway) ExpandHit(ctx context.Context, entityID, interactionID string) (*types.ExpandedRecord, error) {
	out, err := g.do(ctx, "expand_hit", func() (interface{}, error) {
		return g.inner.ExpandHit(ctx, entityID, interactionID)
	})
	if err != nil {
		return nil, err
	}
	return out.(*types.ExpandedRecord), nil
}

func (g *Gateway) GetOrCreateDefinition(ctx context.Context, defType types.DefinitionType, key, displayName string) (*types.Definition, error) {
	out, err := g.do(ctx, "get_or_create_definition", func() (interface{}, error) {
		return g.inner.GetOrCreateDefinition(ctx, defType, key, displayName)
	})
	if err != nil {
		return nil, err
	}
	return out.(*types.Definition), nil
}

// Close bypasses the breaker: shutting down must always reach the store.
func (g *Gateway) Close() error {
	return g.inner.Close()
}
