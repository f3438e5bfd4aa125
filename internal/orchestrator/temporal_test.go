package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPartOfDay(t *testing.T) {
	cases := map[int]string{
		0:  "late night",
		4:  "late night",
		5:  "early morning",
		6:  "morning",
		11: "morning",
		12: "afternoon",
		16: "afternoon",
		17: "evening",
		20: "evening",
		21: "night",
		23: "night",
	}
	for hour, want := range cases {
		assert.Equal(t, want, partOfDay(hour), "hour %d", hour)
	}
}

func TestGapLine(t *testing.T) {
	assert.Empty(t, gapLine(29*time.Minute))
	assert.Equal(t, "The previous message was 45 minutes ago.",
		gapLine(45*time.Minute))
	assert.Equal(t, "The previous message was 3 hours ago.",
		gapLine(3*time.Hour))
	assert.Equal(t, "The previous message was 14 hours ago, probably a separate sitting.",
		gapLine(14*time.Hour))
	assert.Equal(t, "The previous message was 3 days ago. Treat this as a fresh session.",
		gapLine(80*time.Hour))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "under a minute", formatDuration(20*time.Second))
	assert.Equal(t, "42 minutes", formatDuration(42*time.Minute))
	assert.Equal(t, "5 hours", formatDuration(5*time.Hour+12*time.Minute))
	assert.Equal(t, "3 days", formatDuration(72*time.Hour))
}

func TestTemporalBlockFirstMessage(t *testing.T) {
	now := time.Date(2026, time.March, 16, 9, 30, 0, 0, time.UTC)
	got := temporalBlock(now, now, time.Time{})
	want := "Current time: Monday, 16 March 2026, 09:30 UTC (morning).\n" +
		"This is the first message of the conversation."
	assert.Equal(t, want, got)
}

func TestTemporalBlockWithGap(t *testing.T) {
	now := time.Date(2026, time.March, 16, 22, 0, 0, 0, time.UTC)
	got := temporalBlock(now, now.Add(-26*time.Hour), now.Add(-3*time.Hour))
	want := "Current time: Monday, 16 March 2026, 22:00 UTC (night).\n" +
		"The previous message was 3 hours ago.\n" +
		"The conversation has been going for 26 hours."
	assert.Equal(t, want, got)
}

func TestTemporalBlockShortGapOmitted(t *testing.T) {
	now := time.Date(2026, time.March, 16, 14, 0, 0, 0, time.UTC)
	got := temporalBlock(now, now.Add(-10*time.Minute), now.Add(-5*time.Minute))
	want := "Current time: Monday, 16 March 2026, 14:00 UTC (afternoon).\n" +
		"The conversation has been going for 10 minutes."
	assert.Equal(t, want, got)
}
