// Package queue orders pending requests into fairness rounds. Each round
// carries at most one request per target, so a target with a long backlog
// cannot starve the others within a polling cycle.
package queue

import (
	"github.com/janLo/punkow/internal/requests"
)

// Queue groups requests by target, keeping the first-seen target order and
// the enqueue order within a target. Membership is fixed at construction;
// progress happens only through NextRound.
type Queue struct {
	order    []string
	byTarget map[string][]requests.Request
	excluded map[string]struct{}
	round    int
}

// New builds a queue from requests already ordered oldest-pending-target
// first (the order LoadPending returns).
func New(reqs []requests.Request) *Queue {
	q := &Queue{
		byTarget: make(map[string][]requests.Request),
		excluded: make(map[string]struct{}),
	}
	for _, req := range reqs {
		if req.Target == "" {
			continue
		}
		if _, ok := q.byTarget[req.Target]; !ok {
			q.order = append(q.order, req.Target)
		}
		q.byTarget[req.Target] = append(q.byTarget[req.Target], req)
	}
	return q
}

// Len returns the number of enqueued requests across all targets.
func (q *Queue) Len() int {
	n := 0
	for _, reqs := range q.byTarget {
		n += len(reqs)
	}
	return n
}

// Targets returns the distinct targets in first-seen order.
func (q *Queue) Targets() []string {
	out := make([]string, len(q.order))
	copy(out, q.order)
	return out
}

// NextRound first applies the caller's exclusions from the previous round,
// then emits the next batch: one request per target that is neither
// excluded nor exhausted. An empty batch means the queue is done; once a
// target is excluded it never contributes to a later round.
func (q *Queue) NextRound(excludeTargets []string) []requests.Request {
	for _, t := range excludeTargets {
		q.excluded[t] = struct{}{}
	}

	var batch []requests.Request
	for _, t := range q.order {
		if _, off := q.excluded[t]; off {
			continue
		}
		reqs := q.byTarget[t]
		if q.round < len(reqs) {
			batch = append(batch, reqs[q.round])
		}
	}
	q.round++
	return batch
}
