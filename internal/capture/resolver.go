package capture

import (
	"sort"
	"time"

	"github.com/custodian-project/custodian/internal/core"
)

// ---------------------------------------------------------------------------
// resolver.go — maps a confirmed threat category onto the evidence tasks
// that must run before the triggering action can finish destroying state.
// Pure table lookup; the only logic is budget trimming.
// ---------------------------------------------------------------------------

// categoryTasks is the static category→tasks table. Each category leads
// with the evidence the threat is about to destroy, then the universal
// process and network context.
var categoryTasks = map[core.ThreatCategory][]EvidenceTask{
	core.CategoryLogClearing: {
		{Kind: KindEventLogs, Priority: 100, Budget: 200 * time.Millisecond},
		{Kind: KindProcessState, Priority: 90, Budget: 100 * time.Millisecond},
		{Kind: KindNetworkState, Priority: 80, Budget: 100 * time.Millisecond},
	},
	core.CategoryShadowCopyDelete: {
		{Kind: KindVolumeState, Priority: 100, Budget: 200 * time.Millisecond},
		{Kind: KindProcessState, Priority: 90, Budget: 100 * time.Millisecond},
		{Kind: KindNetworkState, Priority: 80, Budget: 100 * time.Millisecond},
	},
	core.CategorySecureDeletion: {
		{Kind: KindFilesystemMeta, Priority: 100, Budget: 200 * time.Millisecond},
		{Kind: KindProcessState, Priority: 90, Budget: 100 * time.Millisecond},
		{Kind: KindNetworkState, Priority: 80, Budget: 100 * time.Millisecond},
	},
	core.CategoryCredentialAccess: {
		{Kind: KindProcessState, Priority: 100, Budget: 100 * time.Millisecond},
		{Kind: KindNetworkState, Priority: 90, Budget: 100 * time.Millisecond},
		{Kind: KindEventLogs, Priority: 80, Budget: 200 * time.Millisecond},
	},
	core.CategoryHistoryClearing: {
		{Kind: KindCommandHistory, Priority: 100, Budget: 100 * time.Millisecond},
		{Kind: KindProcessState, Priority: 90, Budget: 100 * time.Millisecond},
	},
	core.CategoryBootConfig: {
		{Kind: KindProcessState, Priority: 100, Budget: 100 * time.Millisecond},
		{Kind: KindEventLogs, Priority: 90, Budget: 200 * time.Millisecond},
		{Kind: KindNetworkState, Priority: 80, Budget: 100 * time.Millisecond},
	},
	core.CategoryTimestomping: {
		{Kind: KindFilesystemMeta, Priority: 100, Budget: 200 * time.Millisecond},
		{Kind: KindProcessState, Priority: 90, Budget: 100 * time.Millisecond},
	},
}

// universalTasks covers categories not present in the table: process and
// network state only.
var universalTasks = []EvidenceTask{
	{Kind: KindProcessState, Priority: 100, Budget: 150 * time.Millisecond},
	{Kind: KindNetworkState, Priority: 90, Budget: 150 * time.Millisecond},
}

// Resolve returns the ordered task list for a category, trimmed so the
// total requested budget never exceeds the engine's global deadline. Tasks
// are dropped lowest priority first; the highest-priority task survives
// with its budget clamped rather than being dropped.
func Resolve(category core.ThreatCategory, globalDeadline time.Duration) []EvidenceTask {
	base, ok := categoryTasks[category]
	if !ok {
		base = universalTasks
	}

	tasks := make([]EvidenceTask, len(base))
	copy(tasks, base)
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].Priority > tasks[j].Priority })

	for i := range tasks {
		if tasks[i].Budget > globalDeadline {
			tasks[i].Budget = globalDeadline
		}
	}

	total := time.Duration(0)
	for _, t := range tasks {
		total += t.Budget
	}
	for len(tasks) > 1 && total > globalDeadline {
		last := tasks[len(tasks)-1]
		tasks = tasks[:len(tasks)-1]
		total -= last.Budget
	}
	return tasks
}
