package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/custodian-project/custodian/internal/core"
	"github.com/rs/zerolog"
)

// Engine executes evidence tasks concurrently under one global deadline.
// It is never gated on every task succeeding: a snapshot with zero
// completed items is still a valid, reportable outcome.
type Engine struct {
	collectors map[TaskKind]Collector
	logger     zerolog.Logger

	metrics EngineMetrics
}

// EngineMetrics tracks capture counters.
type EngineMetrics struct {
	mu             sync.Mutex
	SnapshotsTaken int64
	TasksCompleted int64
	TasksTimedOut  int64
	TasksFailed    int64
}

// NewEngine creates an Engine over the given collectors.
func NewEngine(collectors []Collector, logger zerolog.Logger) *Engine {
	byKind := make(map[TaskKind]Collector, len(collectors))
	for _, c := range collectors {
		byKind[c.Kind()] = c
	}
	return &Engine{
		collectors: byKind,
		logger:     logger.With().Str("component", "snapshot_engine").Logger(),
	}
}

// Capture runs every task concurrently, each under its own budget and all
// under globalDeadline. Item order in the returned snapshot follows task
// order (already priority-sorted by the resolver), never completion order.
// Capture returns no later than roughly globalDeadline even when a
// collector ignores cancellation: the straggler's goroutine is abandoned,
// its task marked timed out, and any output it produces later is dropped.
func (e *Engine) Capture(ctx context.Context, event *core.Event, category core.ThreatCategory, tasks []EvidenceTask, globalDeadline time.Duration) *Snapshot {
	snap := &Snapshot{
		ID:        NewSnapshotID(),
		Event:     event,
		Category:  category,
		StartedAt: time.Now().UTC(),
		Items:     make([]Item, len(tasks)),
	}

	globalCtx, cancel := context.WithTimeout(ctx, globalDeadline)
	defer cancel()

	type result struct {
		idx  int
		item Item
	}
	// Buffered to len(tasks) so abandoned goroutines can always deliver
	// and terminate instead of leaking on a blocked send.
	results := make(chan result, len(tasks))
	for i, task := range tasks {
		go func(i int, task EvidenceTask) {
			results <- result{idx: i, item: e.runTask(globalCtx, task)}
		}(i, task)
	}

	recorded := make([]bool, len(tasks))
	record := func(res result) {
		snap.Items[res.idx] = res.item
		recorded[res.idx] = true
		e.countStatus(res.item.Status)
	}

	for pending := len(tasks); pending > 0; {
		select {
		case res := <-results:
			record(res)
			pending--
		case <-globalCtx.Done():
			// Take whatever finished right at the deadline, then mark the
			// rest timed out without waiting on their goroutines.
		drain:
			for {
				select {
				case res := <-results:
					record(res)
				default:
					break drain
				}
			}
			for i, ok := range recorded {
				if ok {
					continue
				}
				record(result{idx: i, item: Item{
					Task:    tasks[i],
					Status:  StatusTimedOut,
					Error:   core.ErrTaskTimeout.Error(),
					Elapsed: time.Since(snap.StartedAt),
				}})
				e.logger.Warn().
					Str("kind", string(tasks[i].Kind)).
					Msg("collector ignored its deadline, task abandoned")
			}
			pending = 0
		}
	}

	snap.Elapsed = time.Since(snap.StartedAt)

	completed := len(snap.Completed())
	e.metrics.mu.Lock()
	e.metrics.SnapshotsTaken++
	e.metrics.mu.Unlock()

	e.logger.Info().
		Str("snapshot_id", snap.ID).
		Str("category", string(category)).
		Int("tasks", len(tasks)).
		Int("completed", completed).
		Dur("elapsed", snap.Elapsed).
		Msg("emergency snapshot finished")

	return snap
}

// runTask executes one collector under the task budget. A budget or global
// deadline hit discards any partial output and marks the task timed out;
// collector errors mark it failed. Neither is fatal to the snapshot.
func (e *Engine) runTask(globalCtx context.Context, task EvidenceTask) Item {
	item := Item{Task: task}
	start := time.Now()

	collector, ok := e.collectors[task.Kind]
	if !ok {
		item.Status = StatusFailed
		item.Error = fmt.Sprintf("no collector registered for kind %q", task.Kind)
		return item
	}

	taskCtx, cancel := context.WithTimeout(globalCtx, task.Budget)
	defer cancel()

	data, sourcePath, err := collector.Collect(taskCtx)
	item.Elapsed = time.Since(start)

	switch {
	case err == nil && taskCtx.Err() == nil:
		item.Status = StatusCompleted
		item.Data = data
		item.SourcePath = sourcePath
	case errors.Is(err, context.DeadlineExceeded) || taskCtx.Err() != nil:
		item.Status = StatusTimedOut
		item.Error = core.ErrTaskTimeout.Error()
	default:
		item.Status = StatusFailed
		item.Error = err.Error()
	}

	if item.Status != StatusCompleted {
		e.logger.Debug().
			Str("kind", string(task.Kind)).
			Str("status", string(item.Status)).
			Str("error", item.Error).
			Msg("evidence task did not complete")
	}
	return item
}

func (e *Engine) countStatus(status TaskStatus) {
	e.metrics.mu.Lock()
	defer e.metrics.mu.Unlock()
	switch status {
	case StatusCompleted:
		e.metrics.TasksCompleted++
	case StatusTimedOut:
		e.metrics.TasksTimedOut++
	case StatusFailed:
		e.metrics.TasksFailed++
	}
}

// GetMetrics returns a snapshot of engine counters.
func (e *Engine) GetMetrics() map[string]int64 {
	e.metrics.mu.Lock()
	defer e.metrics.mu.Unlock()
	return map[string]int64{
		"snapshots_taken": e.metrics.SnapshotsTaken,
		"tasks_completed": e.metrics.TasksCompleted,
		"tasks_timed_out": e.metrics.TasksTimedOut,
		"tasks_failed":    e.metrics.TasksFailed,
	}
}
