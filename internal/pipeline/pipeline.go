// Package pipeline wires the detection stages together: dedup, local
// matching, oracle classification, evidence capture, vaulting, and
// incident emission. One Pipeline instance runs a worker pool over a
// single inbound event channel.
package pipeline

import (
	"context"
	"sync"

	"github.com/custodian-project/custodian/internal/capture"
	"github.com/custodian-project/custodian/internal/core"
	"github.com/custodian-project/custodian/internal/detect"
	"github.com/custodian-project/custodian/internal/oracle"
	"github.com/custodian-project/custodian/internal/report"
	"github.com/custodian-project/custodian/internal/vault"
	"github.com/rs/zerolog"
)

// Options collects the pipeline's collaborators. Gateway, Bus and Reports
// are optional; a nil Gateway means every oracle-tier candidate gets the
// local fallback verdict.
type Options struct {
	Config  *core.Config
	Matcher *detect.Matcher
	Gateway *oracle.Gateway
	Engine  *capture.Engine
	Vault   *vault.Vault
	Reports *report.Generator
	Bus     *core.EventBus
	Logger  zerolog.Logger
}

// Pipeline is the event processing core.
type Pipeline struct {
	cfg     *core.Config
	dedup   *core.DedupFilter
	matcher *detect.Matcher
	gateway *oracle.Gateway
	engine  *capture.Engine
	vault   *vault.Vault
	reports *report.Generator
	bus     *core.EventBus
	logger  zerolog.Logger

	events    chan *core.Event
	stopSweep func()
	wg        sync.WaitGroup

	handlersMu sync.RWMutex
	handlers   []func(*core.IncidentRecord)

	metrics Metrics
}

// Metrics tracks pipeline counters.
type Metrics struct {
	mu             sync.Mutex
	EventsSeen     int64
	EventsDeduped  int64
	PatternMatches int64
	OracleAsked    int64
	Benign         int64
	Snapshots      int64
	Incidents      int64
	VaultFailures  int64
}

// New creates a Pipeline. Start launches the workers.
func New(opts Options) *Pipeline {
	return &Pipeline{
		cfg:     opts.Config,
		dedup:   core.NewDedupFilter(opts.Config.Pipeline.DedupWindow, opts.Config.Pipeline.DedupMaxSize),
		matcher: opts.Matcher,
		gateway: opts.Gateway,
		engine:  opts.Engine,
		vault:   opts.Vault,
		reports: opts.Reports,
		bus:     opts.Bus,
		logger:  opts.Logger.With().Str("component", "pipeline").Logger(),
		events:  make(chan *core.Event, opts.Config.Pipeline.QueueSize),
	}
}

// Events is the inbound channel sources feed.
func (p *Pipeline) Events() chan<- *core.Event { return p.events }

// OnIncident registers a handler invoked synchronously for every confirmed
// incident, after the evidence is vaulted.
func (p *Pipeline) OnIncident(fn func(*core.IncidentRecord)) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.handlers = append(p.handlers, fn)
}

// Start launches the worker pool and the dedup sweeper. Workers drain the
// event channel until ctx is cancelled.
func (p *Pipeline) Start(ctx context.Context) {
	p.stopSweep = p.dedup.StartSweep(p.cfg.Pipeline.DedupWindow)

	for i := 0; i < p.cfg.Pipeline.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case event := <-p.events:
					p.Process(ctx, event)
				}
			}
		}()
	}
	p.logger.Info().Int("workers", p.cfg.Pipeline.Workers).Msg("pipeline started")
}

// Stop waits for workers to drain and halts the sweeper.
func (p *Pipeline) Stop() {
	p.wg.Wait()
	if p.stopSweep != nil {
		p.stopSweep()
	}
	p.logger.Info().Msg("pipeline stopped")
}

// Process runs one event through the full chain. Exported so tests and
// synchronous callers can bypass the worker pool.
func (p *Pipeline) Process(ctx context.Context, event *core.Event) *core.IncidentRecord {
	p.count(func(m *Metrics) { m.EventsSeen++ })

	if p.bus != nil {
		if err := p.bus.PublishEvent(event); err != nil {
			p.logger.Debug().Err(err).Str("event_id", event.ID).Msg("event publish failed")
		}
	}

	if !p.dedup.Admit(event) {
		p.count(func(m *Metrics) { m.EventsDeduped++ })
		return nil
	}

	cls := p.classify(ctx, event)
	if cls == nil || !cls.IsThreat {
		p.count(func(m *Metrics) { m.Benign++ })
		return nil
	}
	if !p.shouldCapture(cls) {
		p.logger.Debug().
			Str("event_id", event.ID).
			Float64("confidence", cls.Confidence).
			Msg("verdict below capture threshold")
		return nil
	}

	return p.preserve(ctx, event, cls)
}

// classify is the two-tier filter: signature hit wins locally, worth-asking
// payloads go to the gateway, everything else is terminal benign.
func (p *Pipeline) classify(ctx context.Context, event *core.Event) *core.Classification {
	res := p.matcher.Classify(event.Payload)
	if res.Classification != nil {
		p.count(func(m *Metrics) { m.PatternMatches++ })
		return res.Classification
	}
	if !res.AskOracle {
		return core.Benign(core.SourcePatternMatch)
	}

	p.count(func(m *Metrics) { m.OracleAsked++ })
	fallback := p.matcher.FallbackVerdict(res.Decoded)
	if p.gateway == nil {
		return fallback
	}
	return p.gateway.GetClassification(ctx, event, res.Decoded.Best(), fallback)
}

// shouldCapture applies the confidence threshold. High-severity pattern
// matches always capture; everything else must clear the configured bar.
func (p *Pipeline) shouldCapture(cls *core.Classification) bool {
	if cls.Source == core.SourcePatternMatch && cls.Severity >= core.SeverityHigh {
		return true
	}
	return cls.Confidence >= p.cfg.Oracle.CaptureThreshold
}

// preserve races the threat: resolve tasks, snapshot, vault, emit.
func (p *Pipeline) preserve(ctx context.Context, event *core.Event, cls *core.Classification) *core.IncidentRecord {
	deadline := p.cfg.Snapshot.GlobalDeadline
	tasks := capture.Resolve(cls.Category, deadline)
	snap := p.engine.Capture(ctx, event, cls.Category, tasks, deadline)
	p.count(func(m *Metrics) { m.Snapshots++ })

	rec := core.NewIncidentRecord(event, cls, snap.ID)
	rec.TaskStatus = snap.StatusByKind()

	refs, err := p.vault.Ingest(snap)
	rec.Evidence = refs
	if err != nil {
		p.count(func(m *Metrics) { m.VaultFailures++ })
		p.logger.Error().Err(err).Str("snapshot_id", snap.ID).Msg("vault ingest failed")
	}
	if custody, err := p.vault.CustodyLog(snap.ID); err == nil {
		rec.Custody = custody
	}

	p.count(func(m *Metrics) { m.Incidents++ })
	p.logger.Warn().
		Str("incident_id", rec.ID).
		Str("category", string(cls.Category)).
		Str("severity", cls.Severity.String()).
		Float64("confidence", cls.Confidence).
		Str("executable", event.Actor.Executable).
		Int("pid", event.Actor.PID).
		Msg("anti-forensics incident")

	if p.reports != nil {
		if _, err := p.reports.Write(rec); err != nil {
			p.logger.Error().Err(err).Str("incident_id", rec.ID).Msg("report write failed")
		}
	}
	if p.bus != nil {
		if err := p.bus.PublishIncident(rec); err != nil {
			p.logger.Error().Err(err).Str("incident_id", rec.ID).Msg("incident publish failed")
		}
	}

	p.handlersMu.RLock()
	handlers := p.handlers
	p.handlersMu.RUnlock()
	for _, fn := range handlers {
		fn(rec)
	}
	return rec
}

func (p *Pipeline) count(fn func(*Metrics)) {
	p.metrics.mu.Lock()
	fn(&p.metrics)
	p.metrics.mu.Unlock()
}

// GetMetrics returns a snapshot of pipeline counters.
func (p *Pipeline) GetMetrics() map[string]int64 {
	p.metrics.mu.Lock()
	defer p.metrics.mu.Unlock()
	return map[string]int64{
		"events_seen":     p.metrics.EventsSeen,
		"events_deduped":  p.metrics.EventsDeduped,
		"pattern_matches": p.metrics.PatternMatches,
		"oracle_asked":    p.metrics.OracleAsked,
		"benign":          p.metrics.Benign,
		"snapshots":       p.metrics.Snapshots,
		"incidents":       p.metrics.Incidents,
		"vault_failures":  p.metrics.VaultFailures,
	}
}

// DedupSize reports the current dedup table population.
func (p *Pipeline) DedupSize() int { return p.dedup.Size() }
