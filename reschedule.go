package farmagent

import (
	"time"

	"github.com/pkg/errors"
)

// NextDueOnSuccess computes the next due time for a successfully completed
// task under the central reschedule rule. The zero rule defaults to a 24h
// offset so a misconfigured task never goes due immediately again.
func NextDueOnSuccess(rule RescheduleRule, completedAt time.Time) time.Time {
	switch rule.Mode {
	case RescheduleOffset:
		offset := rule.Offset
		if offset <= 0 {
			offset = 24 * time.Hour
		}
		return completedAt.Add(offset)
	case RescheduleDaily:
		if next, err := nextClockTime(completedAt, rule.TimeOfDay); err == nil {
			return next
		}
		return completedAt.Add(24 * time.Hour)
	case RescheduleSlots:
		if next, ok := nextSlot(completedAt, rule.Slots); ok {
			return next
		}
		return completedAt.Add(24 * time.Hour)
	default:
		return completedAt.Add(24 * time.Hour)
	}
}

// NextDueOnFailure pushes the task forward by its fail delay so a
// persistently failing task does not busy-loop the scanner.
func NextDueOnFailure(cfg *TaskConfig, now time.Time) time.Time {
	return now.Add(cfg.failDelay())
}

// nextClockTime returns the next occurrence of the "15:04" clock time
// strictly after ref, in ref's location.
func nextClockTime(ref time.Time, hhmm string) (time.Time, error) {
	parsed, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse clock time %q", hhmm)
	}
	next := time.Date(ref.Year(), ref.Month(), ref.Day(), parsed.Hour(), parsed.Minute(), 0, 0, ref.Location())
	if !next.After(ref) {
		next = next.AddDate(0, 0, 1)
	}
	return next, nil
}

// nextSlot returns the earliest slot time strictly after ref from a fixed
// list of clock times. Malformed slots are skipped.
func nextSlot(ref time.Time, slots []string) (time.Time, bool) {
	var best time.Time
	for _, slot := range slots {
		next, err := nextClockTime(ref, slot)
		if err != nil {
			continue
		}
		if best.IsZero() || next.Before(best) {
			best = next
		}
	}
	if best.IsZero() {
		return time.Time{}, false
	}
	return best, true
}
