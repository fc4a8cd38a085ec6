package pipeline

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/custodian-project/custodian/internal/capture"
	"github.com/custodian-project/custodian/internal/core"
	"github.com/custodian-project/custodian/internal/detect"
	"github.com/custodian-project/custodian/internal/oracle"
	"github.com/custodian-project/custodian/internal/report"
	"github.com/custodian-project/custodian/internal/vault"
	"github.com/rs/zerolog"
)

type fakeCollector struct {
	kind capture.TaskKind
	data string
}

func (f *fakeCollector) Kind() capture.TaskKind { return f.kind }

func (f *fakeCollector) Collect(ctx context.Context) ([]byte, string, error) {
	return []byte(f.data), "/fake/" + string(f.kind), nil
}

type countingAnalyzer struct {
	calls   atomic.Int64
	verdict *oracle.Verdict
	err     error
}

func (a *countingAnalyzer) Analyze(ctx context.Context, req *oracle.Request) (*oracle.Verdict, error) {
	a.calls.Add(1)
	if a.err != nil {
		return nil, a.err
	}
	return a.verdict, nil
}

func testPipeline(t *testing.T, analyzer oracle.Analyzer) *Pipeline {
	t.Helper()
	cfg := core.DefaultConfig()
	cfg.Vault.Dir = t.TempDir()

	v, err := vault.New(cfg.Vault.Dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	t.Cleanup(func() { v.Close() })

	reports, err := report.NewGenerator(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("report: %v", err)
	}

	engine := capture.NewEngine([]capture.Collector{
		&fakeCollector{kind: capture.KindEventLogs, data: "captured logs"},
		&fakeCollector{kind: capture.KindProcessState, data: "captured processes"},
		&fakeCollector{kind: capture.KindNetworkState, data: "captured sockets"},
		&fakeCollector{kind: capture.KindFilesystemMeta, data: "captured metadata"},
		&fakeCollector{kind: capture.KindVolumeState, data: "captured volumes"},
		&fakeCollector{kind: capture.KindCommandHistory, data: "captured history"},
	}, zerolog.Nop())

	var gw *oracle.Gateway
	if analyzer != nil {
		gw = oracle.NewGateway(analyzer, &cfg.Oracle, zerolog.Nop())
	}

	return New(Options{
		Config:  cfg,
		Matcher: detect.NewMatcher(zerolog.Nop()),
		Gateway: gw,
		Engine:  engine,
		Vault:   v,
		Reports: reports,
		Logger:  zerolog.Nop(),
	})
}

func makeEvent(payload string) *core.Event {
	return core.NewEvent(core.Actor{
		PID:        4242,
		Executable: "cmd.exe",
		ParentPID:  900,
		ParentName: "winword.exe",
		User:       "alice",
	}, payload, "test")
}

func TestKnownThreatEndToEnd(t *testing.T) {
	analyzer := &countingAnalyzer{}
	p := testPipeline(t, analyzer)

	rec := p.Process(context.Background(), makeEvent("wevtutil cl Security"))
	if rec == nil {
		t.Fatal("expected an incident record")
	}

	if rec.Category != core.CategoryLogClearing {
		t.Errorf("category = %s, want log_clearing", rec.Category)
	}
	if rec.Classification.Severity != core.SeverityCritical {
		t.Errorf("severity = %s, want CRITICAL", rec.Classification.Severity)
	}
	if rec.Classification.Source != core.SourcePatternMatch {
		t.Errorf("source = %s", rec.Classification.Source)
	}
	if analyzer.calls.Load() != 0 {
		t.Errorf("signature hit must not consult the oracle, got %d calls", analyzer.calls.Load())
	}
	if len(rec.Evidence) != 3 {
		t.Fatalf("expected 3 evidence items for log_clearing, got %d", len(rec.Evidence))
	}
	for _, ref := range rec.Evidence {
		if len(ref.ContentHash) != 64 {
			t.Errorf("evidence %s has malformed hash %q", ref.Kind, ref.ContentHash)
		}
	}
	if rec.TaskStatus["event_logs"] != "completed" {
		t.Errorf("task status = %v", rec.TaskStatus)
	}
	if len(rec.Custody) != 3 {
		t.Errorf("custody log has %d entries, want one CREATED per artifact", len(rec.Custody))
	}
}

func TestDuplicateEventSuppressed(t *testing.T) {
	p := testPipeline(t, nil)

	first := p.Process(context.Background(), makeEvent("vssadmin delete shadows /all"))
	second := p.Process(context.Background(), makeEvent("vssadmin  delete   shadows /all"))

	if first == nil {
		t.Fatal("first occurrence must produce an incident")
	}
	if second != nil {
		t.Fatal("respaced duplicate within the window must be suppressed")
	}

	m := p.GetMetrics()
	if m["events_deduped"] != 1 || m["incidents"] != 1 {
		t.Errorf("metrics = %v", m)
	}
}

func TestBenignEventNoCapture(t *testing.T) {
	analyzer := &countingAnalyzer{}
	p := testPipeline(t, analyzer)

	rec := p.Process(context.Background(), makeEvent("ls -la /home/alice"))
	if rec != nil {
		t.Fatal("benign payload produced an incident")
	}
	if analyzer.calls.Load() != 0 {
		t.Error("payload without suspicious keywords must not reach the oracle")
	}
	if m := p.GetMetrics(); m["benign"] != 1 || m["snapshots"] != 0 {
		t.Errorf("metrics = %v", m)
	}
}

func TestWorthAskingGoesToOracle(t *testing.T) {
	analyzer := &countingAnalyzer{verdict: &oracle.Verdict{
		IsAntiForensics: true,
		Confidence:      0.9,
		Category:        "log_clearing",
		Severity:        "HIGH",
		Explanation:     "custom tool clears event logs",
	}}
	p := testPipeline(t, analyzer)

	// Mentions a suspicious keyword without matching any signature.
	rec := p.Process(context.Background(), makeEvent("mytool --mode wevtutil-compat --dry-run"))
	if analyzer.calls.Load() != 1 {
		t.Fatalf("oracle calls = %d, want 1", analyzer.calls.Load())
	}
	if rec == nil {
		t.Fatal("confident oracle verdict above threshold must capture")
	}
	if rec.Classification.Source != core.SourceOracle {
		t.Errorf("source = %s", rec.Classification.Source)
	}
}

func TestOracleFailureFallsBackBelowThreshold(t *testing.T) {
	analyzer := &countingAnalyzer{err: context.DeadlineExceeded}
	p := testPipeline(t, analyzer)

	// Fallback verdict carries confidence 0.4, below the 0.7 threshold,
	// and the payload is not obfuscated, so no capture fires.
	rec := p.Process(context.Background(), makeEvent("mytool --cipher-bench"))
	if rec != nil {
		t.Fatal("low-confidence fallback verdict must not capture")
	}
}

func TestNoGatewayUsesFallback(t *testing.T) {
	p := testPipeline(t, nil)

	// Obfuscated worth-asking payload: fallback severity HIGH, but source
	// is fallback so the 0.4 confidence stays below the threshold.
	encoded := "cVZjc2hhZG93IGNsZWFudXAgdG9vbA=="
	rec := p.Process(context.Background(), makeEvent("run "+encoded+" vssadmin-like"))
	if rec != nil {
		t.Fatal("fallback verdict below threshold must not capture")
	}
	if m := p.GetMetrics(); m["oracle_asked"] != 1 {
		t.Errorf("metrics = %v", m)
	}
}

func TestWorkerPoolDrainsQueue(t *testing.T) {
	p := testPipeline(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	const n = 50
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			p.Events() <- makeEvent("ls -la " + strings.Repeat("x", i+1))
		}
	}()
	wg.Wait()

	deadline := time.After(2 * time.Second)
	for {
		if m := p.GetMetrics(); m["events_seen"] == n {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("workers processed %d of %d events", p.GetMetrics()["events_seen"], n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	p.Stop()
}

func TestIncidentHandlerInvoked(t *testing.T) {
	p := testPipeline(t, nil)

	var got atomic.Int64
	p.OnIncident(func(rec *core.IncidentRecord) { got.Add(1) })

	p.Process(context.Background(), makeEvent("shred -u /var/log/auth.log"))
	if got.Load() != 1 {
		t.Fatalf("handler invocations = %d, want 1", got.Load())
	}
}
