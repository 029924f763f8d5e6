// Package cli implements the swarm command-line interface.
package cli

import (
	"github.com/randalmurphal/swarm/internal/db"
)

func runStatusIcon(status db.RunStatus) string {
	if plain {
		return string(status)
	}
	switch status {
	case db.RunRunning:
		return "⏳"
	case db.RunCompleted:
		return "✅"
	case db.RunFailed:
		return "❌"
	case db.RunStopped:
		return "⏸️"
	default:
		return "❓"
	}
}

func taskStatusIcon(status db.TaskStatus) string {
	if plain {
		return string(status)
	}
	switch status {
	case db.TaskPending:
		return "📋"
	case db.TaskInProgress:
		return "⏳"
	case db.TaskCompleted:
		return "✅"
	case db.TaskFailed:
		return "❌"
	case db.TaskSkipped:
		return "⏭️"
	default:
		return "❓"
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
