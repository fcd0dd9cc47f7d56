package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/janLo/punkow/internal/booking"
	"github.com/janLo/punkow/internal/requests"
	"github.com/janLo/punkow/internal/timer"
)

type bookOutcome struct {
	res *booking.Result
	err error
}

type bookCall struct {
	target string
	name   string
}

// fakeBooker serves scripted outcomes per target and records ordering and
// per-target concurrency of the incoming calls.
type fakeBooker struct {
	mu        sync.Mutex
	outcomes  map[string][]bookOutcome
	panics    map[string]bool
	calls     []bookCall
	active    map[string]int
	maxActive map[string]int
}

func newFakeBooker() *fakeBooker {
	return &fakeBooker{
		outcomes:  map[string][]bookOutcome{},
		panics:    map[string]bool{},
		active:    map[string]int{},
		maxActive: map[string]int{},
	}
}

func (b *fakeBooker) Book(ctx context.Context, target string, applicant booking.Applicant) (*booking.Result, error) {
	b.mu.Lock()
	b.calls = append(b.calls, bookCall{target: target, name: applicant.Name})
	b.active[target]++
	if b.active[target] > b.maxActive[target] {
		b.maxActive[target] = b.active[target]
	}
	var out bookOutcome
	if q := b.outcomes[target]; len(q) > 0 {
		out, b.outcomes[target] = q[0], q[1:]
	}
	doPanic := b.panics[target]
	b.mu.Unlock()

	// keep the goroutines overlapping long enough to observe concurrency
	time.Sleep(5 * time.Millisecond)

	b.mu.Lock()
	b.active[target]--
	b.mu.Unlock()

	if doPanic {
		panic("scripted booker panic")
	}
	return out.res, out.err
}

func (b *fakeBooker) callNames(target string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, c := range b.calls {
		if c.target == target {
			out = append(out, c.name)
		}
	}
	return out
}

type resolveCall struct {
	ids   []int64
	state requests.State
}

type fakeStore struct {
	mu          sync.Mutex
	pending     []requests.Request
	expired     []requests.Expired
	processing  [][]int64
	resolved    []resolveCall
	expireCalls int
}

func (s *fakeStore) LoadPending(ctx context.Context, targetLimit int) ([]requests.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending, nil
}

func (s *fakeStore) MarkProcessing(ctx context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processing = append(s.processing, ids)
	return nil
}

func (s *fakeStore) MarkResolved(ctx context.Context, ids []int64, state requests.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolved = append(s.resolved, resolveCall{ids: ids, state: state})
	return nil
}

func (s *fakeStore) MarkExpired(ctx context.Context, olderThan time.Duration) ([]requests.Expired, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireCalls++
	out := s.expired
	s.expired = nil
	return out, nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	successes []string
	expired   []string
}

func (n *fakeNotifier) BookingSucceeded(ctx context.Context, email string, res booking.Result) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.successes = append(n.successes, email)
}

func (n *fakeNotifier) RequestExpired(ctx context.Context, email, key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.expired = append(n.expired, key)
}

func (n *fakeNotifier) counts() (int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.successes), len(n.expired)
}

func newTestWorker(store *fakeStore, booker *fakeBooker, notify *fakeNotifier) *Worker {
	return New(store, booker, notify, timer.New(time.Millisecond, nil, time.UTC), 100, time.Hour)
}

func pendingReq(id int64, target, name, email string) requests.Request {
	return requests.Request{ID: id, Key: "key", Target: target, Name: name, Email: email, State: requests.StateQueued}
}

func TestEmptyCycleGoesStraightToSleep(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	booker := newFakeBooker()
	w := newTestWorker(store, booker, &fakeNotifier{})

	require.NoError(t, w.RunCycle(context.Background()))

	assert.Empty(t, booker.calls)
	assert.Empty(t, store.processing)
	assert.Zero(t, store.expireCalls)
}

func TestCycleBooksPersistsAndNotifies(t *testing.T) {
	t.Parallel()

	store := &fakeStore{pending: []requests.Request{
		pendingReq(1, "a", "first", "first@example.org"),
		pendingReq(2, "a", "second", "second@example.org"),
		pendingReq(3, "b", "other", "other@example.org"),
	}}
	booker := newFakeBooker()
	booker.outcomes["a"] = []bookOutcome{
		{res: &booking.Result{ProcessID: "42"}},
		{}, // second attempt finds nothing
	}
	booker.outcomes["b"] = []bookOutcome{
		{err: &booking.TransportError{Path: "/cal", Status: 502}},
	}
	notify := &fakeNotifier{}
	w := newTestWorker(store, booker, notify)

	require.NoError(t, w.RunCycle(context.Background()))

	// everything loaded was flagged processing first
	require.Len(t, store.processing, 1)
	assert.Equal(t, []int64{1, 2, 3}, store.processing[0])

	// only the booked request resolved, as success
	require.Len(t, store.resolved, 1)
	assert.Equal(t, []int64{1}, store.resolved[0].ids)
	assert.Equal(t, requests.StateSuccess, store.resolved[0].state)

	// the failed target was excluded after its first round
	assert.Equal(t, []string{"first", "second"}, booker.callNames("a"))
	assert.Equal(t, []string{"other"}, booker.callNames("b"))

	// within one target attempts are serial
	assert.Equal(t, 1, booker.maxActive["a"])
	assert.Equal(t, 1, booker.maxActive["b"])

	assert.Eventually(t, func() bool {
		s, _ := notify.counts()
		return s == 1
	}, time.Second, 10*time.Millisecond)
}

func TestExpiredRequestNotifiedExactlyOnce(t *testing.T) {
	t.Parallel()

	store := &fakeStore{
		pending: []requests.Request{pendingReq(1, "a", "waiting", "w@example.org")},
		expired: []requests.Expired{{ID: 9, Key: "k9", Email: "old@example.org"}},
	}
	booker := newFakeBooker()
	notify := &fakeNotifier{}
	w := newTestWorker(store, booker, notify)

	require.NoError(t, w.RunCycle(context.Background()))
	assert.Equal(t, 1, store.expireCalls)

	assert.Eventually(t, func() bool {
		_, e := notify.counts()
		return e == 1
	}, time.Second, 10*time.Millisecond)

	// a second cycle has nothing left to expire
	require.NoError(t, w.RunCycle(context.Background()))
	time.Sleep(50 * time.Millisecond)
	_, e := notify.counts()
	assert.Equal(t, 1, e)
}

func TestPanicStaysConfinedToItsRequest(t *testing.T) {
	t.Parallel()

	store := &fakeStore{pending: []requests.Request{
		pendingReq(1, "a", "doomed", "a@example.org"),
		pendingReq(2, "b", "lucky", "b@example.org"),
	}}
	booker := newFakeBooker()
	booker.panics["a"] = true
	booker.outcomes["b"] = []bookOutcome{{res: &booking.Result{ProcessID: "7"}}}
	w := newTestWorker(store, booker, &fakeNotifier{})

	require.NoError(t, w.RunCycle(context.Background()))

	require.Len(t, store.resolved, 1)
	assert.Equal(t, []int64{2}, store.resolved[0].ids)
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	w := newTestWorker(store, newFakeBooker(), &fakeNotifier{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}
