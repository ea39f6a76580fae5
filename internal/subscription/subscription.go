// Package subscription keeps the push transport subscribed to the channels
// of every container with unsynced local changes.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/alexjbarnes/replica-sync/internal/channel"
	rserrors "github.com/alexjbarnes/replica-sync/internal/errors"
	"github.com/alexjbarnes/replica-sync/internal/replica"
)

//go:generate mockgen -source=subscription.go -destination=mocks_test.go -package=subscription

const (
	// DefaultLimit bounds the number of container channels subscribed.
	DefaultLimit = 500

	// DefaultInterval is the fallback refresh period that catches changes
	// no nudge reported.
	DefaultInterval = 15 * time.Second
)

// ChangeLister lists containers with unsynced local changes.
type ChangeLister interface {
	ListChangedContainers(ctx context.Context, cursor string, limit int) (replica.Page, error)
}

// Subscriber replaces the full channel list of the push transport.
type Subscriber interface {
	Subscribe(ctx context.Context, channels []string) error
}

// Options tunes the manager.
type Options struct {
	Limit    int
	Interval time.Duration
	Logger   *slog.Logger
}

// Manager owns the subscribed channel set.
type Manager struct {
	lister     ChangeLister
	subscriber Subscriber
	limit      int
	interval   time.Duration
	logger     *slog.Logger

	// refreshMu serializes Refresh.
	refreshMu sync.Mutex

	mu      sync.RWMutex
	current []string

	nudgeCh chan struct{}
}

// New creates a manager. Zero options take the defaults.
func New(lister ChangeLister, subscriber Subscriber, opts Options) *Manager {
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}

	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Manager{
		lister:     lister,
		subscriber: subscriber,
		limit:      opts.Limit,
		interval:   opts.Interval,
		logger:     opts.Logger,
		nudgeCh:    make(chan struct{}, 1),
	}
}

// Refresh recomputes the channel list and resubscribes only if it
// changed. Subscribe errors are returned, not retried.
func (m *Manager) Refresh(ctx context.Context) error {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	channels, err := m.desired(ctx)
	if err != nil {
		return err
	}

	m.mu.RLock()
	same := slices.Equal(channels, m.current)
	m.mu.RUnlock()

	if same {
		return nil
	}

	// No subscribe after teardown.
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	m.current = channels
	m.mu.Unlock()

	m.logger.Info("subscription changed", slog.Int("channels", len(channels)))

	if err := m.subscriber.Subscribe(ctx, slices.Clone(channels)); err != nil {
		return fmt.Errorf("subscribing to %d channels: %w", len(channels), err)
	}

	return nil
}

func (m *Manager) desired(ctx context.Context) ([]string, error) {
	page, err := m.lister.ListChangedContainers(ctx, "", m.limit)
	if errors.Is(err, rserrors.ErrReplicaNotReady) {
		return []string{channel.Broadcast}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("listing changed containers: %w", err)
	}

	items := page.Items
	if len(items) > m.limit {
		items = items[:m.limit]
	}

	return channelSet(items), nil
}

// channelSet returns broadcast followed by the sorted, deduplicated
// container channels. Ids that do not form a valid channel are dropped.
func channelSet(items []replica.Change) []string {
	names := make([]string, 0, len(items))

	for _, item := range items {
		name := channel.ContainerChannel(item.ContainerID)
		if _, ok := channel.ParseContainer(name); !ok {
			continue
		}

		names = append(names, name)
	}

	slices.Sort(names)
	names = slices.Compact(names)

	return append([]string{channel.Broadcast}, names...)
}

// Channels returns a copy of the subscribed channel set.
func (m *Manager) Channels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return slices.Clone(m.current)
}

// Nudge requests a refresh without waiting for the interval. It never
// blocks.
func (m *Manager) Nudge() {
	select {
	case m.nudgeCh <- struct{}{}:
	default:
	}
}

// Run refreshes immediately, then on every interval tick and nudge, until
// ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.refresh(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.refresh(ctx)
		case <-m.nudgeCh:
			m.refresh(ctx)
		}
	}
}

func (m *Manager) refresh(ctx context.Context) {
	if err := m.Refresh(ctx); err != nil && ctx.Err() == nil {
		m.logger.Warn("subscription refresh failed", slog.String("error", err.Error()))
	}
}
