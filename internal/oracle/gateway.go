package oracle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/custodian-project/custodian/internal/core"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// ---------------------------------------------------------------------------
// gateway.go — the classification cache and oracle gateway.
//
// The gateway fronts the untrusted external classifier with:
//   - a fingerprint-keyed TTL cache (repeated identical commands reuse a
//     verdict without an oracle call)
//   - single-flight collapsing (N concurrent requests for one new
//     fingerprint cost exactly one oracle call)
//   - a token-bucket rate limit and a bounded in-flight slot pool; waiting
//     past the queue deadline degrades to the local fallback verdict
//   - schema validation of every response
//
// Oracle failures of any flavor produce the caller-supplied fallback and
// are never cached, so the next occurrence retries.
// ---------------------------------------------------------------------------

// Gateway is safe for concurrent use by every pipeline worker.
type Gateway struct {
	analyzer  Analyzer
	cache     *expirable.LRU[string, *core.Classification]
	flight    singleflight.Group
	limiter   *rate.Limiter
	inflight  chan struct{}
	timeout   time.Duration
	queueWait time.Duration
	logger    zerolog.Logger

	metrics GatewayMetrics
}

// GatewayMetrics tracks gateway counters.
type GatewayMetrics struct {
	mu          sync.Mutex
	CacheHits   int64
	OracleCalls int64
	Collapsed   int64 // requests served by another caller's in-flight call
	Fallbacks   int64
}

// NewGateway creates a gateway over the given analyzer.
func NewGateway(analyzer Analyzer, cfg *core.OracleConfig, logger zerolog.Logger) *Gateway {
	cacheSize := cfg.CacheSize
	if cacheSize <= 0 {
		cacheSize = 10000
	}
	return &Gateway{
		analyzer:  analyzer,
		cache:     expirable.NewLRU[string, *core.Classification](cacheSize, nil, cfg.CacheTTL),
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst),
		inflight:  make(chan struct{}, cfg.MaxInflight),
		timeout:   cfg.Timeout,
		queueWait: cfg.QueueWait,
		logger:    logger.With().Str("component", "oracle_gateway").Logger(),
	}
}

// Fingerprint derives the stable cache key for one command occurrence. It
// deliberately excludes pid and timestamps so repeated identical commands
// collapse onto one verdict.
func Fingerprint(decodedPayload, executable, parentName string) string {
	h := sha256.New()
	h.Write([]byte(core.NormalizePayload(decodedPayload)))
	h.Write([]byte{0})
	h.Write([]byte(executable))
	h.Write([]byte{0})
	h.Write([]byte(parentName))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// GetClassification returns the verdict for one event. It never returns an
// error: every oracle failure mode degrades to the supplied fallback
// verdict. Valid oracle verdicts are cached with the configured TTL;
// fallbacks are not.
func (g *Gateway) GetClassification(ctx context.Context, event *core.Event, decodedPayload string, fallback *core.Classification) *core.Classification {
	fp := Fingerprint(decodedPayload, event.Actor.Executable, event.Actor.ParentName)

	if cls, ok := g.cache.Get(fp); ok {
		g.metrics.mu.Lock()
		g.metrics.CacheHits++
		g.metrics.mu.Unlock()
		return cls
	}

	result, err, shared := g.flight.Do(fp, func() (interface{}, error) {
		return g.callOracle(ctx, event, decodedPayload, fp)
	})
	if shared {
		g.metrics.mu.Lock()
		g.metrics.Collapsed++
		g.metrics.mu.Unlock()
	}
	if err != nil {
		g.metrics.mu.Lock()
		g.metrics.Fallbacks++
		g.metrics.mu.Unlock()
		g.logger.Debug().Err(err).
			Str("event_id", event.ID).
			Msg("oracle unavailable, using fallback verdict")
		return fallback
	}
	return result.(*core.Classification)
}

// callOracle runs the rate-limited, slot-bounded, deadline-bounded oracle
// call for one fingerprint. Errors bubble to GetClassification, which maps
// them all to the fallback path.
func (g *Gateway) callOracle(ctx context.Context, event *core.Event, decodedPayload, fp string) (*core.Classification, error) {
	// Brief, bounded queueing for a token and a slot. Anything slower than
	// the secondary deadline is not worth blocking the pipeline for.
	waitCtx, cancel := context.WithTimeout(ctx, g.queueWait)
	defer cancel()

	if err := g.limiter.Wait(waitCtx); err != nil {
		return nil, core.ErrOracleUnavailable
	}

	select {
	case g.inflight <- struct{}{}:
	case <-waitCtx.Done():
		return nil, core.ErrOracleUnavailable
	}
	defer func() { <-g.inflight }()

	callCtx, cancelCall := context.WithTimeout(ctx, g.timeout)
	defer cancelCall()

	g.metrics.mu.Lock()
	g.metrics.OracleCalls++
	g.metrics.mu.Unlock()

	verdict, err := g.analyzer.Analyze(callCtx, &Request{
		DecodedPayload: decodedPayload,
		ActorContext:   event.Actor,
	})
	if err != nil {
		return nil, err
	}

	cls := verdict.ToClassification()
	g.cache.Add(fp, cls)
	return cls, nil
}

// GetMetrics returns a snapshot of gateway counters.
func (g *Gateway) GetMetrics() map[string]int64 {
	g.metrics.mu.Lock()
	defer g.metrics.mu.Unlock()
	return map[string]int64{
		"cache_hits":   g.metrics.CacheHits,
		"oracle_calls": g.metrics.OracleCalls,
		"collapsed":    g.metrics.Collapsed,
		"fallbacks":    g.metrics.Fallbacks,
	}
}
