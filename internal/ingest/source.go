package ingest

import (
	"context"

	"github.com/custodian-project/custodian/internal/core"
)

// EventSource is anything that produces raw process activity records. A
// source runs until its context is cancelled, pushing normalized events
// onto out. Sources never block the pipeline: when out is full the record
// is dropped, not queued.
type EventSource interface {
	Name() string
	Run(ctx context.Context, out chan<- *core.Event) error
}

// emit pushes an event without blocking. Returns false when the event was
// dropped because the pipeline queue is full.
func emit(ctx context.Context, out chan<- *core.Event, event *core.Event) bool {
	select {
	case out <- event:
		return true
	case <-ctx.Done():
		return false
	default:
		return false
	}
}
