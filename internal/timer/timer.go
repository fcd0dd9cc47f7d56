// Package timer decides how long the worker sleeps between polling
// cycles. Around configured recurring hot windows (for example the
// nightly moment fresh slots are released) the interval collapses to a
// near-busy poll.
package timer

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const (
	// tolerance around a hot-window occurrence in both directions
	tolerance = 10 * time.Minute

	// polling interval while inside a hot window
	hotInterval = 500 * time.Millisecond

	// how far back the backward walk searches for a previous occurrence
	maxLookback = 366 * 24 * time.Hour
)

// stream tracks one recurring hot-window spec with cached previous/next
// occurrence pointers. The pointers are moved incrementally, never
// recomputed from scratch on the hot path.
type stream struct {
	spec  string
	sched cron.Schedule
	prev  time.Time
	next  time.Time
}

func newStream(spec string, now time.Time) (*stream, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, err
	}
	s := &stream{spec: spec, sched: sched}
	s.next = sched.Next(now)
	s.prev = prevOccurrence(sched, now)
	return s, nil
}

// isBetween reports whether now is within the tolerance after the
// previous or before the next occurrence. Stale pointers are first
// resynchronized by walking along the schedule, so a clock jump or a long
// pause never compares against outdated occurrences.
func (s *stream) isBetween(now time.Time) bool {
	for now.After(s.next) {
		s.prev = s.next
		s.next = s.sched.Next(s.next)
	}
	for now.Before(s.prev) {
		s.next = s.prev
		s.prev = prevOccurrence(s.sched, s.prev)
	}

	if now.Sub(s.prev) < tolerance {
		log.Debug().Str("spec", s.spec).Time("occurrence", s.prev).Msg("inside hot window (after occurrence)")
		return true
	}
	if s.next.Sub(now) < tolerance {
		log.Debug().Str("spec", s.spec).Time("occurrence", s.next).Msg("inside hot window (before occurrence)")
		return true
	}
	return false
}

// prevOccurrence finds the last occurrence before t. Cron schedules only
// expose Next, so it steps back with a doubling lookback until an
// occurrence is found, then walks forward to the latest one before t.
func prevOccurrence(sched cron.Schedule, t time.Time) time.Time {
	for lookback := time.Hour; lookback <= maxLookback; lookback *= 2 {
		occ := sched.Next(t.Add(-lookback))
		if !occ.Before(t) {
			continue
		}
		for {
			n := sched.Next(occ)
			if !n.Before(t) {
				return occ
			}
			occ = n
		}
	}
	// no occurrence within the lookback horizon; report a time far in the
	// past so the window check stays false
	return t.Add(-maxLookback)
}

// Timer computes the inter-cycle sleep duration.
type Timer struct {
	interval time.Duration
	loc      *time.Location
	streams  []*stream
}

// New builds a timer with the base interval and the hot-window cron specs
// evaluated in loc. Invalid specs are logged and skipped.
func New(interval time.Duration, specs []string, loc *time.Location) *Timer {
	if loc == nil {
		loc = time.UTC
	}
	t := &Timer{interval: interval, loc: loc}
	now := time.Now().In(loc)
	for _, spec := range specs {
		s, err := newStream(spec, now)
		if err != nil {
			log.Warn().Str("spec", spec).Err(err).Msg("hot window spec not valid, ignoring")
			continue
		}
		t.streams = append(t.streams, s)
	}
	return t
}

func (t *Timer) waitTime(now time.Time) time.Duration {
	for _, s := range t.streams {
		if s.isBetween(now) {
			return hotInterval
		}
	}
	return t.interval
}

// Timed runs fn and then sleeps for whatever remains of the current wait
// time after fn's own duration. Cancelling ctx aborts the sleep
// immediately and is not reported as an error; fn's error is passed
// through.
func (t *Timer) Timed(ctx context.Context, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)

	sleep := t.waitTime(time.Now().In(t.loc)) - elapsed
	if sleep < 0 {
		sleep = 0
	}
	log.Debug().Dur("elapsed", elapsed).Dur("sleep", sleep).Msg("cycle complete")

	timer := time.NewTimer(sleep)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
	return err
}
