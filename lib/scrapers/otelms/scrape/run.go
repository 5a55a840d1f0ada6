package scrape

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"otelms-scraper/lib/scrapers/otelms/model"
	"otelms-scraper/lib/scrapers/otelms/session"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

// Run is a single scrape. Its records are produced lazily, the run only
// advances while the consumer of Records pulls.
type Run struct {
	id      string
	scraper *Scraper
	req     Request
	cancel  context.CancelFunc

	records chan model.Reservation
	done    chan struct{}
	claimed atomic.Bool

	state       atomic.Value
	produced    atomic.Int64
	consecutive atomic.Int64

	mu       sync.Mutex
	gaps     []Gap
	lastPage int
	result   Result
}

// Start begins a run in the background. The run is cancelled with ctx, it
// stops between two units of work.
func (s *Scraper) Start(ctx context.Context, req Request) *Run {
	ctx, cancel := context.WithCancel(ctx)
	run := &Run{
		id:      uuid.NewString(),
		scraper: s,
		req:     req,
		cancel:  cancel,
		records: make(chan model.Reservation),
		done:    make(chan struct{}),
	}
	run.setState(StateInit)
	go run.loop(ctx)
	return run
}

func (r *Run) ID() string {
	return r.id
}

func (r *Run) State() State {
	return r.state.Load().(State)
}

func (r *Run) setState(state State) {
	r.state.Store(state)
}

// Records returns the stream of reservations of the run. The stream can be
// consumed once, iterating it again yields nothing. Stopping the iteration
// early cancels the run.
func (r *Run) Records() iter.Seq[model.Reservation] {
	return func(yield func(model.Reservation) bool) {
		if !r.claimed.CompareAndSwap(false, true) {
			return
		}
		for rec := range r.records {
			if !yield(rec) {
				// nobody receives anymore, pending sends give up on the
				// cancelled context
				r.cancel()
				return
			}
		}
	}
}

// Result waits for the run to end and returns its summary. Records nobody
// consumed are discarded.
func (r *Run) Result() Result {
	if r.claimed.CompareAndSwap(false, true) {
		for range r.records {
		}
	}
	<-r.done

	r.mu.Lock()
	defer r.mu.Unlock()
	res := r.result
	res.Gaps = append([]Gap(nil), r.result.Gaps...)
	return res
}

func (r *Run) loop(ctx context.Context) {
	s := r.scraper
	ctx, span := tracer.Start(ctx, "Run")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", r.id))

	started := s.opts.Clock.Now()
	s.tel.ReportDebug("run started", r.id, model.FormatDate(r.req.From), model.FormatDate(r.req.To))

	err := r.walk(ctx)

	r.mu.Lock()
	r.result = Result{
		RunID:    r.id,
		Records:  int(r.produced.Load()),
		Gaps:     r.gaps,
		LastPage: r.lastPage,
		Started:  started,
		Finished: s.opts.Clock.Now(),
	}
	if err != nil {
		abort := &model.AbortError{
			LastPage: r.lastPage,
			Records:  int(r.produced.Load()),
			Cause:    err,
		}
		r.result.Status = StateAborted
		r.result.Err = abort
		span.RecordError(abort)
		span.SetStatus(codes.Error, "run aborted")
		s.tel.ReportBroken(report_run_abort, abort, r.id)
	} else {
		r.result.Status = StateDone
	}
	summary := r.result
	r.mu.Unlock()

	r.setState(summary.Status)
	s.tel.ReportDebug("run finished", r.id, string(summary.Status), summary.Records, len(summary.Gaps))

	r.cancel()
	close(r.records)
	close(r.done)
}

// walk returns an error only when the run must be aborted.
func (r *Run) walk(ctx context.Context) error {
	s := r.scraper

	r.setState(StateAuthenticating)
	_, err := s.opts.Sessions.Ensure(ctx)
	if err != nil {
		return err
	}

	page := 1
	highest := 0
	for page > 0 {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		r.setState(StateListing)
		var listing model.Listing
		err := r.withSession(ctx, StateListing, func(sess *session.Session) error {
			var err error
			listing, err = s.listing(ctx, r.req, page, sess)
			return err
		})
		if err != nil {
			if model.IsFatal(err) || ctx.Err() != nil {
				return err
			}
			err = r.skip(Gap{Page: page, Reason: model.ErrorKind(err), Err: err, RawPageRef: rawPageRef(err)})
			if err != nil {
				return err
			}
			// without a continuation token the only way forward is the
			// highest page seen so far
			if page+1 <= highest {
				page++
				continue
			}
			return nil
		}

		r.succeeded()
		s.pageCounter.Add(ctx, 1)
		r.mu.Lock()
		r.lastPage = page
		r.mu.Unlock()
		if listing.LastPage > highest {
			highest = listing.LastPage
		}
		s.tel.ReportDebug("listing page read", page, len(listing.Summaries), listing.NextPage)

		err = r.detailAll(ctx, listing.Summaries)
		if err != nil {
			return err
		}

		next := listing.NextPage
		if next != 0 && next <= page {
			s.tel.ReportWarning(report_run_listing, fmt.Errorf("continuation to page %d from page %d ignored", next, page))
			next = 0
		}
		page = next
	}
	return nil
}

// detailAll fetches the details of one listing page on a bounded pool.
func (r *Run) detailAll(ctx context.Context, summaries []model.ReservationSummary) error {
	s := r.scraper
	if len(summaries) == 0 {
		return nil
	}
	r.setState(StateDetailing)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.opts.Concurrency)

	for _, summary := range summaries {
		if groupCtx.Err() != nil {
			break
		}
		group.Go(func() error {
			if groupCtx.Err() != nil {
				return groupCtx.Err()
			}

			var rec model.Reservation
			err := r.withSession(groupCtx, StateDetailing, func(sess *session.Session) error {
				var err error
				rec, err = s.detail(groupCtx, summary, sess)
				return err
			})
			if err != nil {
				if model.IsFatal(err) || groupCtx.Err() != nil {
					return err
				}
				return r.skip(Gap{
					ReservationID: summary.ID,
					Reason:        model.ErrorKind(err),
					Err:           err,
					RawPageRef:    rawPageRef(err),
				})
			}

			r.succeeded()
			select {
			case r.records <- rec:
				r.produced.Add(1)
				s.recordCounter.Add(groupCtx, 1)
				return nil
			case <-groupCtx.Done():
				return groupCtx.Err()
			}
		})
	}

	err := group.Wait()
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return err
}

func (r *Run) withSession(ctx context.Context, resume State, unit func(sess *session.Session) error) error {
	return r.scraper.withSession(ctx, func(recovering bool) {
		if recovering {
			r.setState(StateErrorRecovery)
		} else {
			r.setState(resume)
		}
	}, unit)
}

// withSession runs unit with the current session. A unit failing with
// model.ErrSessionExpired is retried once after logging in again, a second
// expiry is returned as is. recovery, when set, is told when the login
// starts and ends.
func (s *Scraper) withSession(ctx context.Context, recovery func(recovering bool), unit func(sess *session.Session) error) error {
	sess, err := s.opts.Sessions.Ensure(ctx)
	if err != nil {
		return err
	}
	err = unit(sess)
	if !errors.Is(err, model.ErrSessionExpired) {
		return err
	}

	if recovery != nil {
		recovery(true)
	}
	s.tel.ReportDebug("session expired, logging in again", sess.Epoch)
	sess, err = s.opts.Sessions.Ensure(ctx)
	if err != nil {
		return err
	}
	if recovery != nil {
		recovery(false)
	}
	return unit(sess)
}

func (r *Run) succeeded() {
	r.consecutive.Store(0)
}

// skip records a gap. It returns model.ErrRunAborted once too many units
// failed in a row.
func (r *Run) skip(gap Gap) error {
	s := r.scraper

	r.mu.Lock()
	r.gaps = append(r.gaps, gap)
	r.mu.Unlock()

	s.gapCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", gap.Reason)))
	if gap.ReservationID != "" {
		s.tel.ReportWarning(report_run_detail, gap.Err, gap.ReservationID, gap.Reason, gap.RawPageRef)
	} else {
		s.tel.ReportWarning(report_run_listing, gap.Err, gap.Page, gap.Reason, gap.RawPageRef)
	}

	failures := r.consecutive.Add(1)
	if failures >= int64(s.opts.MaxConsecutiveFailures) {
		return fmt.Errorf("%w: %d consecutive failures, last: %w", model.ErrRunAborted, failures, gap.Err)
	}
	return nil
}
