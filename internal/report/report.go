// Package report renders human-readable forensic summaries for confirmed
// incidents. One markdown file per incident, written beside the vault so
// an analyst can read the story without tooling.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/custodian-project/custodian/internal/core"
	"github.com/rs/zerolog"
)

// Generator writes incident reports into a directory.
type Generator struct {
	dir    string
	logger zerolog.Logger
}

// NewGenerator creates a Generator rooted at dir.
func NewGenerator(dir string, logger zerolog.Logger) (*Generator, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}
	return &Generator{
		dir:    dir,
		logger: logger.With().Str("component", "report").Logger(),
	}, nil
}

// Write renders and stores the report for one incident. Returns the path
// of the written file.
func (g *Generator) Write(rec *core.IncidentRecord) (string, error) {
	path := filepath.Join(g.dir, rec.ID+".md")
	if err := os.WriteFile(path, []byte(Render(rec)), 0o640); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	g.logger.Info().Str("incident_id", rec.ID).Str("path", path).Msg("incident report written")
	return path, nil
}

// Render produces the markdown body for an incident.
func Render(rec *core.IncidentRecord) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# Incident %s\n\n", rec.ID)
	fmt.Fprintf(&sb, "- **Detected**: %s\n", rec.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&sb, "- **Category**: %s\n", rec.Category)
	if rec.Classification != nil {
		fmt.Fprintf(&sb, "- **Severity**: %s\n", rec.Classification.Severity)
		fmt.Fprintf(&sb, "- **Confidence**: %.2f\n", rec.Confidence)
		fmt.Fprintf(&sb, "- **Verdict source**: %s\n", rec.Classification.Source)
		if rec.Classification.Rule != "" {
			fmt.Fprintf(&sb, "- **Matched rule**: %s\n", rec.Classification.Rule)
		}
		if rec.Classification.Decoded {
			sb.WriteString("- **Obfuscation**: payload matched only after decoding\n")
		}
	}
	sb.WriteString("\n")

	if rec.Event != nil {
		sb.WriteString("## Actor\n\n")
		fmt.Fprintf(&sb, "- **Process**: %s (pid %d)\n", rec.Event.Actor.Executable, rec.Event.Actor.PID)
		if rec.Event.Actor.ParentName != "" {
			fmt.Fprintf(&sb, "- **Parent**: %s (pid %d)\n", rec.Event.Actor.ParentName, rec.Event.Actor.ParentPID)
		}
		if rec.Event.Actor.User != "" {
			fmt.Fprintf(&sb, "- **User**: %s\n", rec.Event.Actor.User)
		}
		fmt.Fprintf(&sb, "- **Observed via**: %s\n", rec.Event.Source)
		sb.WriteString("\n### Observed command\n\n")
		fmt.Fprintf(&sb, "```\n%s\n```\n\n", rec.Event.Payload)
	}

	sb.WriteString("## Evidence\n\n")
	if rec.SnapshotID != "" {
		fmt.Fprintf(&sb, "Snapshot `%s`:\n\n", rec.SnapshotID)
	}
	if len(rec.Evidence) == 0 {
		sb.WriteString("No evidence artifacts were preserved.\n\n")
	} else {
		sb.WriteString("| Kind | SHA-256 | Size |\n|---|---|---|\n")
		for _, ref := range rec.Evidence {
			fmt.Fprintf(&sb, "| %s | `%s` | %d |\n", ref.Kind, ref.ContentHash, ref.Size)
		}
		sb.WriteString("\n")
	}
	if len(rec.TaskStatus) > 0 {
		sb.WriteString("### Capture task outcomes\n\n")
		for _, kind := range sortedKeys(rec.TaskStatus) {
			fmt.Fprintf(&sb, "- %s: %s\n", kind, rec.TaskStatus[kind])
		}
		sb.WriteString("\n")
	}

	if len(rec.Custody) > 0 {
		sb.WriteString("## Chain of custody\n\n")
		for _, entry := range rec.Custody {
			fmt.Fprintf(&sb, "- %s %s %s", entry.Timestamp.Format(time.RFC3339), entry.Action, entry.Kind)
			if entry.ContentHash != "" {
				fmt.Fprintf(&sb, " `%s`", shortHash(entry.ContentHash))
			}
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
