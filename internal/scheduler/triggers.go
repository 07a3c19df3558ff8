package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Trigger computes fire times for a scheduled job. Next returns the first
// fire time strictly after the given instant, or the zero time when the
// trigger is exhausted. All trigger math is UTC.
type Trigger interface {
	Next(after time.Time) time.Time
	String() string
}

// fireAtTrigger is implemented by one-shot triggers so the scheduler can
// apply misfire handling to the original fire time instead of skipping a
// run that is merely late.
type fireAtTrigger interface {
	fireAt() time.Time
}

type everyTrigger struct {
	interval time.Duration
}

// Every fires repeatedly at a fixed interval, measured from the previous
// fire time. Intervals below one second are clamped to one second.
func Every(interval time.Duration) Trigger {
	if interval < time.Second {
		interval = time.Second
	}
	return everyTrigger{interval: interval}
}

func (t everyTrigger) Next(after time.Time) time.Time {
	return after.Add(t.interval)
}

func (t everyTrigger) String() string {
	return fmt.Sprintf("every %s", t.interval)
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

type cronTrigger struct {
	spec  string
	sched cron.Schedule
}

// Cron fires on a five-field cron expression (or @hourly/@daily style
// descriptor), evaluated in UTC.
func Cron(spec string) (Trigger, error) {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	return cronTrigger{spec: spec, sched: sched}, nil
}

func (t cronTrigger) Next(after time.Time) time.Time {
	return t.sched.Next(after.UTC())
}

func (t cronTrigger) String() string {
	return fmt.Sprintf("cron %s", t.spec)
}

type atTrigger struct {
	at time.Time
}

// At fires exactly once at the given instant and is then exhausted.
func At(t time.Time) Trigger {
	return atTrigger{at: t.UTC()}
}

func (t atTrigger) Next(after time.Time) time.Time {
	if after.Before(t.at) {
		return t.at
	}
	return time.Time{}
}

func (t atTrigger) fireAt() time.Time { return t.at }

func (t atTrigger) String() string {
	return fmt.Sprintf("at %s", t.at.Format(time.RFC3339))
}
