// Package session owns the lifetime of one running sync client: the push
// transport, the subscription manager, the scheduler, the dispatcher that
// connects them and the optional folder watcher.
package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alexjbarnes/replica-sync/internal/channel"
	"github.com/alexjbarnes/replica-sync/internal/replica"
	"github.com/alexjbarnes/replica-sync/internal/scheduler"
	"github.com/alexjbarnes/replica-sync/internal/subscription"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Transport is the push transport. push.Client implements it.
type Transport interface {
	Listen(ctx context.Context) error
	Subscribe(ctx context.Context, channels []string) error
	Messages() <-chan channel.PushMessage
	LastMessage() *channel.PushMessage
	Connected() bool
}

// Replica is the local replica. replica.Engine implements it.
type Replica interface {
	replica.Recorder
	Sync(ctx context.Context) error
	ListChangedContainers(ctx context.Context, cursor string, limit int) (replica.Page, error)
	Stats() (replica.Stats, error)
}

// Options configures a session.
type Options struct {
	Debounce           time.Duration
	RefreshInterval    time.Duration
	MaxContainers      int
	TriggerOnBroadcast bool
	RefreshAfterSync   bool

	// WatchDir, if set, is watched for local folder changes while the
	// session runs.
	WatchDir string

	Logger *slog.Logger
}

// Status aggregates the state of every component.
type Status struct {
	SessionID   string               `json:"session_id"`
	StartedAt   time.Time            `json:"started_at"`
	Connected   bool                 `json:"connected"`
	Channels    []string             `json:"channels"`
	LastMessage *channel.PushMessage `json:"last_message,omitempty"`
	Scheduler   scheduler.Status     `json:"scheduler"`
	Replica     *replica.Stats       `json:"replica,omitempty"`
}

// Session wires notifications to syncs.
type Session struct {
	id        string
	startedAt time.Time

	transport Transport
	replica   Replica
	subs      *subscription.Manager
	sched     *scheduler.Scheduler
	watcher   *replica.Watcher
	filter    channel.FilterOptions
	logger    *slog.Logger
}

// New builds a session. Nothing runs until Run is called.
func New(t Transport, r Replica, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	id := uuid.NewString()
	logger := opts.Logger.With(slog.String("session", id))

	s := &Session{
		id:        id,
		startedAt: time.Now(),
		transport: t,
		replica:   r,
		filter:    channel.FilterOptions{TriggerOnBroadcast: opts.TriggerOnBroadcast},
		logger:    logger,
	}

	s.subs = subscription.New(r, t, subscription.Options{
		Limit:    opts.MaxContainers,
		Interval: opts.RefreshInterval,
		Logger:   logger.With(slog.String("component", "subscription")),
	})

	var onSuccess func()
	if opts.RefreshAfterSync {
		onSuccess = s.subs.Nudge
	}

	s.sched = scheduler.New(r.Sync, scheduler.Options{
		Debounce:  opts.Debounce,
		OnSuccess: onSuccess,
		Logger:    logger.With(slog.String("component", "scheduler")),
	})

	if opts.WatchDir != "" {
		s.watcher = replica.NewWatcher(opts.WatchDir, r, s.LocalChange,
			logger.With(slog.String("component", "watcher")))
	}

	return s
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Run starts every component and blocks until ctx is cancelled or one of
// them fails. One sync is triggered at startup to catch up on anything
// missed while offline.
func (s *Session) Run(ctx context.Context) error {
	s.logger.Info("session starting")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.transport.Listen(gctx) })
	g.Go(func() error { return s.subs.Run(gctx) })
	g.Go(func() error { return s.sched.Run(gctx) })
	g.Go(func() error { return s.dispatch(gctx) })

	if s.watcher != nil {
		g.Go(func() error { return s.watcher.Watch(gctx) })
	}

	s.sched.Trigger()

	err := g.Wait()

	s.logger.Info("session stopped")

	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}

	return err
}

// dispatch feeds qualifying push messages to the scheduler.
func (s *Session) dispatch(ctx context.Context) error {
	messages := s.transport.Messages()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg := <-messages:
			trigger, ok := channel.Classify(msg, s.filter)
			if !ok {
				continue
			}

			s.logger.Debug("sync triggered",
				slog.String("channel", trigger.Channel),
				slog.String("container", trigger.ContainerID),
			)

			s.sched.Trigger()
		}
	}
}

// SyncNow requests a sync through the normal debounce path.
func (s *Session) SyncNow() {
	s.sched.Trigger()
}

// LocalChange is called after a local change was recorded. The changed
// container's channel is subscribed without waiting for the refresh
// interval, and the change is pushed.
func (s *Session) LocalChange() {
	s.subs.Nudge()
	s.sched.Trigger()
}

// ListChanged pages through containers with unsynced changes.
func (s *Session) ListChanged(ctx context.Context, cursor string, limit int) (replica.Page, error) {
	return s.replica.ListChangedContainers(ctx, cursor, limit)
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	st := Status{
		SessionID:   s.id,
		StartedAt:   s.startedAt,
		Connected:   s.transport.Connected(),
		Channels:    s.subs.Channels(),
		LastMessage: s.transport.LastMessage(),
		Scheduler:   s.sched.Status(),
	}

	if stats, err := s.replica.Stats(); err == nil {
		st.Replica = &stats
	}

	return st
}
