package watcher

import (
	"fmt"
	"time"
)

// Trigger describes when a job fires: at a fixed interval, or cron-like
// at a daily wall-clock time.
type Trigger struct {
	kind   string
	every  time.Duration
	hour   int
	minute int
}

// ParseTrigger validates a trigger spec at startup. kind is "interval"
// (every must be a positive duration) or "cron" (at must be "HH:MM").
func ParseTrigger(kind string, every time.Duration, at string) (Trigger, error) {
	switch kind {
	case "interval":
		if every <= 0 {
			return Trigger{}, fmt.Errorf("interval trigger needs a positive duration, got %s", every)
		}
		return Trigger{kind: kind, every: every}, nil
	case "cron":
		clock, err := time.Parse("15:04", at)
		if err != nil {
			return Trigger{}, fmt.Errorf("cron trigger needs HH:MM, got %q", at)
		}
		return Trigger{kind: kind, hour: clock.Hour(), minute: clock.Minute()}, nil
	default:
		return Trigger{}, fmt.Errorf("unknown trigger kind %q", kind)
	}
}

// MustTrigger is for wiring fixed defaults; it panics on a bad spec.
func MustTrigger(kind string, every time.Duration, at string) Trigger {
	t, err := ParseTrigger(kind, every, at)
	if err != nil {
		panic(err)
	}
	return t
}

// Next returns the first firing time strictly after now.
func (t Trigger) Next(now time.Time) time.Time {
	if t.kind == "interval" {
		return now.Add(t.every)
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), t.hour, t.minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

func (t Trigger) String() string {
	if t.kind == "interval" {
		return fmt.Sprintf("every %s", t.every)
	}
	return fmt.Sprintf("daily at %02d:%02d", t.hour, t.minute)
}
