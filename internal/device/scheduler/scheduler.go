package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/openclinic/chartsync/internal/common"
	"github.com/openclinic/chartsync/internal/device/models"
	"github.com/openclinic/chartsync/internal/logging"
)

type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateBackoff State = "backoff"
	StateOffline State = "offline"
)

// Status is a snapshot of the scheduler's state, published to subscribers
// on every transition.
type Status struct {
	State               State
	ConsecutiveFailures int
	NextBackoff         time.Duration
	LastError           string
	LastSyncAt          time.Time
}

// Runner executes one sync cycle. *dispatcher.Dispatcher satisfies it.
type Runner interface {
	RunCycle(ctx context.Context) (*models.SyncSummary, error)
}

// Pinger probes server reachability. remote.Client satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	// Interval between periodic cycles while idle.
	Interval time.Duration
	// PingInterval between connectivity probes while offline.
	PingInterval time.Duration
	// BaseBackoff is the first retry delay; it doubles per consecutive
	// failure up to MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// PingTimeout bounds a single connectivity probe.
	PingTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 10 * time.Second
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Minute
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = 3 * time.Second
	}
}

type syncResult struct {
	summary *models.SyncSummary
	err     error
}

type syncRequest struct {
	done chan syncResult
}

type Scheduler struct {
	runner Runner
	pinger Pinger
	logger logging.Logger
	opts   Options

	triggerCh chan *syncRequest
	onlineCh  chan struct{}

	mu     sync.Mutex
	status Status
	subs   []func(Status)
}

func New(runner Runner, pinger Pinger, logger logging.Logger, opts Options) *Scheduler {
	opts.applyDefaults()
	return &Scheduler{
		runner:    runner,
		pinger:    pinger,
		logger:    logger.With("component", "scheduler"),
		opts:      opts,
		triggerCh: make(chan *syncRequest),
		onlineCh:  make(chan struct{}, 1),
		status:    Status{State: StateIdle},
	}
}

// Run owns the state machine until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	go s.watchConnectivity(ctx)

	timer := time.NewTimer(s.opts.Interval)
	defer timer.Stop()

	for {
		var timerCh <-chan time.Time
		if s.Status().State != StateOffline {
			// While offline the periodic timer is parked; only a probe
			// success or a manual trigger can start a cycle.
			timerCh = timer.C
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-timerCh:
			resetTimer(timer, s.cycle(ctx, nil), false)

		case req := <-s.triggerCh:
			reqs := append([]*syncRequest{req}, s.drainTriggers()...)
			resetTimer(timer, s.cycle(ctx, reqs), true)

		case <-s.onlineCh:
			if s.Status().State != StateOffline {
				continue
			}
			s.logger.Info(ctx, "server reachable again")
			s.transition(func(st *Status) {
				st.State = StateIdle
				st.ConsecutiveFailures = 0
				st.NextBackoff = 0
			})
			// Catch up right away after an offline stretch.
			resetTimer(timer, 0, true)
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration, stop bool) {
	if stop && !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// cycle runs one sync cycle, replies to any waiting triggers and returns
// the delay before the next periodic run.
func (s *Scheduler) cycle(ctx context.Context, reqs []*syncRequest) time.Duration {
	s.transition(func(st *Status) { st.State = StateSyncing })

	// Triggers arriving while the cycle runs join it and share its result
	// instead of queueing another cycle.
	resultCh := make(chan syncResult, 1)
	go func() {
		summary, err := s.runner.RunCycle(ctx)
		resultCh <- syncResult{summary: summary, err: err}
	}()

	var summary *models.SyncSummary
	var err error
collect:
	for {
		select {
		case req := <-s.triggerCh:
			reqs = append(reqs, req)
		case res := <-resultCh:
			summary, err = res.summary, res.err
			break collect
		}
	}

	// Waiting triggers get their reply only after the state below settles,
	// so a caller observing Status right after TriggerSync sees the
	// post-cycle state.
	defer func() {
		for _, req := range reqs {
			req.done <- syncResult{summary: summary, err: err}
		}
	}()

	var delay time.Duration
	switch {
	case err == nil:
		s.transition(func(st *Status) {
			st.State = StateIdle
			st.ConsecutiveFailures = 0
			st.NextBackoff = 0
			st.LastError = ""
			st.LastSyncAt = time.Now().UTC()
		})
		delay = s.opts.Interval

	case errors.Is(err, common.ErrUnavailable):
		s.logger.Warn(ctx, "server unreachable, going offline", "error", err)
		s.transition(func(st *Status) {
			st.State = StateOffline
			st.LastError = err.Error()
		})
		delay = s.opts.Interval

	default:
		var backoff time.Duration
		s.transition(func(st *Status) {
			st.ConsecutiveFailures++
			backoff = s.opts.BaseBackoff << (st.ConsecutiveFailures - 1)
			if backoff > s.opts.MaxBackoff || backoff <= 0 {
				backoff = s.opts.MaxBackoff
			}
			st.State = StateBackoff
			st.NextBackoff = backoff
			st.LastError = err.Error()
		})
		s.logger.Error(ctx, "sync cycle failed", "error", err, "retry_in", backoff)
		delay = backoff
	}
	return delay
}

func (s *Scheduler) drainTriggers() []*syncRequest {
	var reqs []*syncRequest
	for {
		select {
		case req := <-s.triggerCh:
			reqs = append(reqs, req)
		default:
			return reqs
		}
	}
}

func (s *Scheduler) watchConnectivity(ctx context.Context) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.Status().State != StateOffline {
				continue
			}
			pingCtx, cancel := context.WithTimeout(ctx, s.opts.PingTimeout)
			err := s.pinger.Ping(pingCtx)
			cancel()
			if err == nil {
				select {
				case s.onlineCh <- struct{}{}:
				default:
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// TriggerSync requests an immediate cycle and blocks for its result.
// Concurrent triggers share one cycle.
func (s *Scheduler) TriggerSync(ctx context.Context) (*models.SyncSummary, error) {
	req := &syncRequest{done: make(chan syncResult, 1)}
	select {
	case s.triggerCh <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-req.done:
		return res.summary, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Status returns the current snapshot.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Subscribe registers a callback invoked on every state transition, from
// the scheduler goroutine. Callbacks must be quick and must not call back
// into the scheduler.
func (s *Scheduler) Subscribe(fn func(Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

func (s *Scheduler) transition(update func(*Status)) {
	s.mu.Lock()
	update(&s.status)
	status := s.status
	subs := make([]func(Status), len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(status)
	}
}
