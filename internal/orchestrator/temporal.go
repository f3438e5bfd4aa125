package orchestrator

import (
	"fmt"
	"strings"
	"time"
)

// minGap is the threshold below which the gap since the previous message
// is not worth mentioning.
const minGap = 30 * time.Minute

// partOfDay buckets an hour: 0-4 late night, 5 early morning, 6-11
// morning, 12-16 afternoon, 17-20 evening, 21-23 night.
func partOfDay(hour int) string {
	switch {
	case hour <= 4:
		return "late night"
	case hour == 5:
		return "early morning"
	case hour <= 11:
		return "morning"
	case hour <= 16:
		return "afternoon"
	case hour <= 20:
		return "evening"
	default:
		return "night"
	}
}

// gapLine describes the pause since the previous message. Returns "" for
// gaps under 30 minutes; the phrasing escalates with the bucket.
func gapLine(gap time.Duration) string {
	switch {
	case gap < minGap:
		return ""
	case gap < 2*time.Hour:
		return fmt.Sprintf("The previous message was %d minutes ago.", int(gap.Minutes()))
	case gap < 8*time.Hour:
		return fmt.Sprintf("The previous message was %d hours ago.", int(gap.Hours()))
	case gap < 24*time.Hour:
		return fmt.Sprintf("The previous message was %d hours ago, probably a separate sitting.", int(gap.Hours()))
	default:
		return fmt.Sprintf("The previous message was %d days ago. Treat this as a fresh session.", int(gap.Hours()/24))
	}
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "under a minute"
	case d < time.Hour:
		return fmt.Sprintf("%d minutes", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%d hours", int(d.Hours()))
	default:
		return fmt.Sprintf("%d days", int(d.Hours()/24))
	}
}

// temporalBlock renders the prompt's time section. lastMessageAt is the
// newest message before the current turn; zero means a fresh conversation.
func temporalBlock(now, conversationStarted, lastMessageAt time.Time) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Current time: %s (%s).",
		now.Format("Monday, 2 January 2006, 15:04 MST"), partOfDay(now.Hour()))
	if lastMessageAt.IsZero() {
		sb.WriteString("\nThis is the first message of the conversation.")
		return sb.String()
	}
	if line := gapLine(now.Sub(lastMessageAt)); line != "" {
		sb.WriteString("\n")
		sb.WriteString(line)
	}
	sb.WriteString("\nThe conversation has been going for ")
	sb.WriteString(formatDuration(now.Sub(conversationStarted)))
	sb.WriteString(".")
	return sb.String()
}
