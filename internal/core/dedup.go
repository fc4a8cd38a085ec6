package core

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// dedupShards is fixed so the shard index can be taken straight from the
// first digest byte. Unrelated keys land on independent locks.
const dedupShards = 32

// DedupFilter suppresses repeated identical events inside a sliding window
// so a burst of the same command cannot flood the stages behind it. The key
// is a hash of (executable path, normalized payload); pid and timestamps
// are deliberately excluded. Admission is an atomic check-and-set per key,
// sharded so concurrent workers on different keys never contend.
type DedupFilter struct {
	shards  [dedupShards]*dedupShard
	window  time.Duration
	maxSize int // per shard
}

type dedupShard struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewDedupFilter creates a filter. window controls how long a key is
// remembered. maxSize caps total memory by evicting stale entries.
func NewDedupFilter(window time.Duration, maxSize int) *DedupFilter {
	if window <= 0 {
		window = 30 * time.Second
	}
	if maxSize <= 0 {
		maxSize = 50000
	}
	d := &DedupFilter{
		window:  window,
		maxSize: maxSize / dedupShards,
	}
	if d.maxSize < 16 {
		d.maxSize = 16
	}
	for i := range d.shards {
		d.shards[i] = &dedupShard{seen: make(map[string]time.Time)}
	}
	return d
}

// Admit returns true iff no entry exists for the event's key, or the stored
// timestamp is older than the window. Admission always refreshes the stored
// timestamp. The check and the set happen under one shard lock, so two
// workers racing on the same key can never both be admitted.
func (d *DedupFilter) Admit(event *Event) bool {
	key, idx := d.key(event)
	shard := d.shards[idx]
	now := time.Now()

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if seenAt, ok := shard.seen[key]; ok && now.Sub(seenAt) < d.window {
		return false
	}

	shard.seen[key] = now
	if len(shard.seen) > d.maxSize {
		shard.evictLocked(now, d.window, d.maxSize)
	}
	return true
}

// key hashes (executable, normalized payload) into a compact fingerprint
// plus a shard index. The index comes from a raw digest byte, not the hex
// encoding, so every shard is reachable. Payload normalization is
// lowercasing plus whitespace collapse, so trivial re-spacing of the same
// command still dedupes.
func (d *DedupFilter) key(event *Event) (string, int) {
	h := sha256.New()
	h.Write([]byte(event.Actor.Executable))
	h.Write([]byte{0})
	h.Write([]byte(NormalizePayload(event.Payload)))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16]), int(sum[0]) % dedupShards
}

// NormalizePayload lowercases and collapses runs of whitespace to single
// spaces. Shared with the cache fingerprint so both layers agree on what
// "identical command" means.
func NormalizePayload(payload string) string {
	return strings.Join(strings.Fields(strings.ToLower(payload)), " ")
}

// evictLocked removes entries older than the window, then drops arbitrary
// entries if the shard is still over capacity.
func (s *dedupShard) evictLocked(now time.Time, window time.Duration, maxSize int) {
	for k, t := range s.seen {
		if now.Sub(t) >= window {
			delete(s.seen, k)
		}
	}
	if len(s.seen) > maxSize {
		count := 0
		target := len(s.seen) / 2
		for k := range s.seen {
			delete(s.seen, k)
			count++
			if count >= target {
				break
			}
		}
	}
}

// StartSweep runs a background goroutine that periodically evicts expired
// entries from every shard. Call the returned function to stop it.
func (d *DedupFilter) StartSweep(interval time.Duration) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				now := time.Now()
				for _, shard := range d.shards {
					shard.mu.Lock()
					for k, t := range shard.seen {
						if now.Sub(t) >= d.window {
							delete(shard.seen, k)
						}
					}
					shard.mu.Unlock()
				}
			}
		}
	}()
	return func() { close(done) }
}

// Size returns the current number of entries across all shards.
func (d *DedupFilter) Size() int {
	total := 0
	for _, shard := range d.shards {
		shard.mu.Lock()
		total += len(shard.seen)
		shard.mu.Unlock()
	}
	return total
}
