package store

import (
	"fmt"
	"time"
)

const displayCodePad = 3

// MaxCodeAttempts bounds the unique-conflict retry loop when two creations
// race on the same category count.
const MaxCodeAttempts = 10

func FormatDisplayCode(prefix string, seq int) string {
	return fmt.Sprintf("%s-%0*d", prefix, displayCodePad, seq)
}

// DayWindow returns the local midnight-to-midnight window containing now.
// Display-code sequences reset on the service center's wall clock.
func DayWindow(now time.Time) (time.Time, time.Time) {
	local := now.Local()
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
	return start, start.AddDate(0, 0, 1)
}
