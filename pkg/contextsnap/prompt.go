package contextsnap

import (
	"fmt"
	"strings"
	"time"
)

// maxPromptItems bounds how many messages are rendered into a prompt.
const maxPromptItems = 30

// RenderPrompt renders the user prompt for query with the snapshot attached.
// Timestamps are rendered relative to now.
func RenderPrompt(query string, snap Snapshot, now time.Time) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Question: %s\n\n", query)

	if ch, ok := snap.Channel(); ok {
		fmt.Fprintf(&sb, "Channel: %s\n", ch.DisplayName())
		if ch.Purpose != "" {
			fmt.Fprintf(&sb, "Channel purpose: %s\n", ch.Purpose)
		}
		sb.WriteString("\n")
	}

	items := snap.Items()
	if len(items) > maxPromptItems {
		items = items[len(items)-maxPromptItems:]
	}
	if len(items) > 0 {
		sb.WriteString("Recent messages:\n")
		for _, it := range items {
			fmt.Fprintf(&sb, "[%s] %s: %s\n", formatTimestamp(it.Timestamp, now), it.DisplayAuthor(), it.Text)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func formatTimestamp(ts, now time.Time) string {
	if ts.IsZero() {
		return "unknown time"
	}
	ts = ts.In(now.Location())
	switch {
	case sameDay(ts, now):
		return "Today " + ts.Format("3:04 PM")
	case sameDay(ts, now.AddDate(0, 0, -1)):
		return "Yesterday " + ts.Format("3:04 PM")
	default:
		return ts.Format("Jan 2, 3:04 PM")
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
