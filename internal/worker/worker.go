package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/janLo/punkow/internal/booking"
	"github.com/janLo/punkow/internal/queue"
	"github.com/janLo/punkow/internal/requests"
	"github.com/janLo/punkow/internal/timer"
)

// Store is the persistence collaborator. The worker reads pending
// requests once at cycle start and writes results once at cycle end; it
// is the only writer of request state.
type Store interface {
	LoadPending(ctx context.Context, targetLimit int) ([]requests.Request, error)
	MarkProcessing(ctx context.Context, ids []int64) error
	MarkResolved(ctx context.Context, ids []int64, state requests.State) error
	MarkExpired(ctx context.Context, olderThan time.Duration) ([]requests.Expired, error)
}

// Booker runs one full calendar traversal and claim attempt for a target.
type Booker interface {
	Book(ctx context.Context, target string, applicant booking.Applicant) (*booking.Result, error)
}

// Notifier is invoked fire-and-forget; implementations log their own
// failures and never propagate them.
type Notifier interface {
	BookingSucceeded(ctx context.Context, email string, res booking.Result)
	RequestExpired(ctx context.Context, email, key string)
}

type Worker struct {
	store  Store
	booker Booker
	notify Notifier
	timer  *timer.Timer

	targetLimit int
	retention   time.Duration
}

func New(store Store, booker Booker, notify Notifier, t *timer.Timer, targetLimit int, retention time.Duration) *Worker {
	return &Worker{
		store:       store,
		booker:      booker,
		notify:      notify,
		timer:       t,
		targetLimit: targetLimit,
		retention:   retention,
	}
}

// Run drives polling cycles until ctx is cancelled. The in-flight cycle
// finishes its started work; a pending sleep is cancelled immediately.
func (w *Worker) Run(ctx context.Context) error {
	log.Info().Msg("worker started")
	for {
		if err := w.timer.Timed(ctx, w.RunCycle); err != nil {
			log.Error().Err(err).Msg("polling cycle failed")
		}
		if ctx.Err() != nil {
			log.Info().Msg("worker stopped")
			return ctx.Err()
		}
	}
}

type outcome struct {
	req requests.Request
	res *booking.Result
	err error
}

// RunCycle performs one polling cycle: load pending requests, drive the
// fairness rounds, persist results and fire notifications. With nothing
// pending it returns straight away so the caller proceeds to sleep
// without touching the remote site.
func (w *Worker) RunCycle(ctx context.Context) error {
	pending, err := w.store.LoadPending(ctx, w.targetLimit)
	if err != nil {
		return fmt.Errorf("load pending requests: %w", err)
	}
	if len(pending) == 0 {
		log.Debug().Msg("no pending requests")
		return nil
	}

	ids := make([]int64, len(pending))
	for i, req := range pending {
		ids[i] = req.ID
	}
	if err := w.store.MarkProcessing(ctx, ids); err != nil {
		log.Warn().Err(err).Msg("could not mark requests processing")
	}

	q := queue.New(pending)
	log.Info().Int("requests", q.Len()).Int("targets", len(q.Targets())).Msg("starting booking cycle")

	var successes []outcome
	var exclude []string
	for {
		round := q.NextRound(exclude)
		if len(round) == 0 {
			break
		}
		exclude = nil

		for _, o := range w.runRound(ctx, round) {
			switch {
			case o.err != nil:
				log.Warn().Err(o.err).Str("target", o.req.Target).Int64("request", o.req.ID).Msg("booking attempt failed")
				exclude = append(exclude, o.req.Target)
			case o.res != nil:
				successes = append(successes, o)
			default:
				// traversal finished without a free slot
				exclude = append(exclude, o.req.Target)
			}
		}

		if ctx.Err() != nil {
			// graceful stop: don't start another round
			break
		}
	}

	// Results of claims that did go through must be persisted even while
	// shutting down, otherwise the next start would double-book.
	finishCtx := context.WithoutCancel(ctx)

	if len(successes) > 0 {
		booked := make([]int64, len(successes))
		for i, o := range successes {
			booked[i] = o.req.ID
		}
		if err := w.store.MarkResolved(finishCtx, booked, requests.StateSuccess); err != nil {
			return fmt.Errorf("persist booked requests: %w", err)
		}
		for _, o := range successes {
			o := o
			go w.notify.BookingSucceeded(finishCtx, o.req.Email, *o.res)
		}
	}

	expired, err := w.store.MarkExpired(finishCtx, w.retention)
	if err != nil {
		return fmt.Errorf("expire stale requests: %w", err)
	}
	for _, e := range expired {
		e := e
		log.Info().Int64("request", e.ID).Msg("request expired without booking")
		go w.notify.RequestExpired(finishCtx, e.Email, e.Key)
	}

	log.Info().Int("booked", len(successes)).Int("expired", len(expired)).Msg("booking cycle complete")
	return nil
}

// runRound attempts every request of one fairness round concurrently.
// The round holds at most one request per target, so no target ever sees
// two claims at once. Failures, including panics, stay confined to their
// request.
func (w *Worker) runRound(ctx context.Context, round []requests.Request) []outcome {
	outcomes := make([]outcome, len(round))
	var wg sync.WaitGroup
	for i, req := range round {
		i, req := i, req
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Int64("request", req.ID).Msg("booking attempt panicked")
					outcomes[i] = outcome{req: req, err: fmt.Errorf("panic: %v", r)}
				}
			}()
			res, err := w.booker.Book(ctx, req.Target, booking.Applicant{Name: req.Name, Email: req.Email})
			outcomes[i] = outcome{req: req, res: res, err: err}
		}()
	}
	wg.Wait()
	return outcomes
}
