// Package scheduler decides when the replica is reconciled with the remote.
//
// Triggers arriving in a burst are collapsed into one debounced sync. At
// most one sync runs at a time; triggers that arrive while it runs are
// folded into a single follow-up sync. Failed syncs are retried with
// exponential backoff and jitter, and the backoff resets after a success.
//
// All state lives in the goroutine running Run. Trigger only performs a
// non-blocking send on a one-slot channel, so it is safe to call from any
// goroutine and never waits on a running sync.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultDebounce is the delay between the first trigger of a burst and
// the sync it schedules.
const DefaultDebounce = 150 * time.Millisecond

var errAlreadyRunning = errors.New("scheduler already running")

// SyncFunc performs one full reconciliation pass. Any returned error is
// treated as a transient failure and retried.
type SyncFunc func(ctx context.Context) error

// State is the externally visible scheduler state.
type State int

const (
	StateIdle State = iota
	StateDebouncing
	StateRunning
	StateRunningWithPending
	StateRetryWaiting
	StateStopped
)

// String returns a human-readable representation of the state.
func (st State) String() string {
	switch st {
	case StateIdle:
		return "idle"
	case StateDebouncing:
		return "debouncing"
	case StateRunning:
		return "running"
	case StateRunningWithPending:
		return "running_with_pending"
	case StateRetryWaiting:
		return "retry_waiting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON status output.
func (st State) MarshalText() ([]byte, error) {
	return []byte(st.String()), nil
}

// Options tunes the scheduler.
type Options struct {
	// Debounce is the bounded delay between a trigger and the sync it
	// schedules. Later triggers inside the window do not extend it.
	// Default: DefaultDebounce.
	Debounce time.Duration

	// OnSuccess is called from the scheduler goroutine after every
	// successful sync. It must not block.
	OnSuccess func()

	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}

	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Status is a point-in-time snapshot of the scheduler.
type Status struct {
	State        State     `json:"state"`
	RetryAttempt int       `json:"retry_attempt"`
	Pending      bool      `json:"pending"`
	Syncs        int64     `json:"syncs"`
	Failures     int64     `json:"failures"`
	LastError    string    `json:"last_error,omitempty"`
	LastSuccess  time.Time `json:"last_success,omitzero"`
	NextRetry    time.Time `json:"next_retry,omitzero"`
}

// Scheduler serializes sync passes triggered by push notifications.
type Scheduler struct {
	sync      SyncFunc
	debounce  time.Duration
	onSuccess func()
	logger    *slog.Logger
	randN     func(int64) int64

	// triggerCh holds at most one unprocessed trigger. A full channel
	// already guarantees a future sync, so extra sends are dropped.
	triggerCh chan struct{}

	// doneCh carries the result of the in-flight sync. One slot is
	// enough because at most one sync runs at a time, and it lets the
	// sync goroutine finish even after Run has returned.
	doneCh chan error

	running atomic.Bool

	statusMu sync.Mutex
	status   Status
}

// New creates a scheduler that calls fn for every sync pass. Call Run to
// start it.
func New(fn SyncFunc, opts Options) *Scheduler {
	opts.defaults()

	return &Scheduler{
		sync:      fn,
		debounce:  opts.Debounce,
		onSuccess: opts.OnSuccess,
		logger:    opts.Logger,
		randN:     rand.Int64N, //nolint:gosec // G404: jitter has no security impact
		triggerCh: make(chan struct{}, 1),
		doneCh:    make(chan error, 1),
	}
}

// Trigger requests a sync. It never blocks.
func (s *Scheduler) Trigger() {
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status() Status {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	return s.status
}

// loop holds the state owned by the Run goroutine.
type loop struct {
	state   State
	pending bool
	attempt int

	debounceTimer *time.Timer
	debounceC     <-chan time.Time
	retryTimer    *time.Timer
	retryC        <-chan time.Time
	nextRetry     time.Time
}

func (l *loop) stopTimers() {
	if l.debounceTimer != nil {
		l.debounceTimer.Stop()
		l.debounceTimer = nil
		l.debounceC = nil
	}

	if l.retryTimer != nil {
		l.retryTimer.Stop()
		l.retryTimer = nil
		l.retryC = nil
	}
}

// Run processes triggers, timers and sync results until ctx is cancelled.
// Cancellation stops pending timers immediately. A sync already in flight
// is not cancelled; its result is discarded.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errAlreadyRunning
	}

	l := &loop{state: StateIdle}
	defer func() {
		l.stopTimers()
		l.state = StateStopped
		s.publish(l)
	}()

	s.publish(l)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-s.triggerCh:
			s.handleTrigger(l)

		case <-l.debounceC:
			l.debounceTimer = nil
			l.debounceC = nil

			if ctx.Err() != nil {
				return ctx.Err()
			}

			s.startSync(ctx, l)

		case err := <-s.doneCh:
			s.finishSync(l, err)

		case <-l.retryC:
			l.retryTimer = nil
			l.retryC = nil
			l.nextRetry = time.Time{}
			l.state = StateIdle
			s.handleTrigger(l)
		}

		s.publish(l)
	}
}

func (s *Scheduler) handleTrigger(l *loop) {
	switch l.state {
	case StateIdle:
		s.armDebounce(l)
	case StateRunning, StateRunningWithPending:
		l.pending = true
		l.state = StateRunningWithPending
	case StateDebouncing, StateRetryWaiting, StateStopped:
		// Coalesced into the armed debounce or the pending retry.
	}
}

func (s *Scheduler) armDebounce(l *loop) {
	l.debounceTimer = time.NewTimer(s.debounce)
	l.debounceC = l.debounceTimer.C
	l.state = StateDebouncing
}

func (s *Scheduler) startSync(ctx context.Context, l *loop) {
	// Every trigger seen so far is serviced by this pass.
	l.pending = false
	l.state = StateRunning

	syncCtx := context.WithoutCancel(ctx)

	s.logger.Debug("sync starting", slog.Int("retry_attempt", l.attempt))

	go func() {
		s.doneCh <- s.sync(syncCtx)
	}()
}

func (s *Scheduler) finishSync(l *loop, err error) {
	if err == nil {
		l.attempt = 0

		s.statusMu.Lock()
		s.status.Syncs++
		s.status.LastSuccess = time.Now()
		s.status.LastError = ""
		s.statusMu.Unlock()

		s.logger.Debug("sync complete")

		if s.onSuccess != nil {
			s.onSuccess()
		}

		if l.pending {
			l.pending = false
			s.armDebounce(l)

			return
		}

		l.state = StateIdle

		return
	}

	delay := retryDelay(l.attempt, s.randN)
	l.attempt++

	s.statusMu.Lock()
	s.status.Failures++
	s.status.LastError = err.Error()
	s.statusMu.Unlock()

	s.logger.Warn("sync failed, retrying",
		slog.Int("attempt", l.attempt),
		slog.Duration("delay", delay),
		slog.String("error", err.Error()),
	)

	// The retry re-enters through the debounce, so the timer covers the
	// rest of the delay.
	wait := max(delay-s.debounce, 0)
	l.retryTimer = time.NewTimer(wait)
	l.retryC = l.retryTimer.C
	l.nextRetry = time.Now().Add(delay)
	l.state = StateRetryWaiting
}

func (s *Scheduler) publish(l *loop) {
	s.statusMu.Lock()
	s.status.State = l.state
	s.status.RetryAttempt = l.attempt
	s.status.Pending = l.pending
	s.status.NextRetry = l.nextRetry
	s.statusMu.Unlock()
}
