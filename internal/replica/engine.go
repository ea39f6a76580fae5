package replica

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	rserrors "github.com/alexjbarnes/replica-sync/internal/errors"
	"github.com/alexjbarnes/replica-sync/internal/remote"
)

const (
	// pushBatchSize is the number of containers uploaded per push request.
	pushBatchSize = 100

	// pullPageSize is the number of remote changes requested per pull.
	pullPageSize = 200

	// keyCheckID is the additional data bound to the key check blob. It
	// cannot collide with a container id because ids are never empty.
	keyCheckID = ""
)

// Remote is the subset of the sync server client the engine needs.
type Remote interface {
	Push(ctx context.Context, req remote.PushRequest) (*remote.PushResponse, error)
	Pull(ctx context.Context, req remote.PullRequest) (*remote.PullResponse, error)
}

// Stats summarizes the replica contents.
type Stats struct {
	Containers int   `json:"containers"`
	Changed    int   `json:"changed"`
	Cursor     int64 `json:"cursor"`
}

// Engine is the local replica. Until Open succeeds every read returns
// ErrReplicaNotReady.
type Engine struct {
	remote Remote
	device string
	logger *slog.Logger

	// syncMu serializes Sync passes.
	syncMu sync.Mutex

	mu     sync.RWMutex
	store  *Store
	cipher *Cipher
}

// NewEngine creates an engine that reconciles with r. Call Open before
// using it.
func NewEngine(r Remote, device string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		remote: r,
		device: device,
		logger: logger,
	}
}

// Open opens the replica database and derives the encryption key. On
// first open the key is recorded; later opens with a different passphrase
// fail with ErrReplicaLocked.
func (e *Engine) Open(path, passphrase string) error {
	store, err := LoadAt(path)
	if err != nil {
		return err
	}

	c, err := unlock(store, passphrase)
	if err != nil {
		store.Close()
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.store != nil {
		store.Close()
		return errors.New("replica already open")
	}

	e.store = store
	e.cipher = c

	total, changed, _ := store.Counts()
	e.logger.Info("replica opened",
		slog.String("path", path),
		slog.Int("containers", total),
		slog.Int("changed", changed),
	)

	return nil
}

func unlock(store *Store, passphrase string) (*Cipher, error) {
	salt, err := store.Salt()
	if err != nil {
		return nil, fmt.Errorf("reading salt: %w", err)
	}

	key, err := DeriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}

	c, err := NewCipher(key)
	ZeroKey(key)

	if err != nil {
		return nil, err
	}

	check := store.KeyCheck()
	if check == nil {
		sealed, err := c.Seal(keyCheckID, keyCheckPlaintext)
		if err != nil {
			return nil, err
		}

		if err := store.SetKeyCheck(sealed); err != nil {
			return nil, fmt.Errorf("storing key check: %w", err)
		}

		return c, nil
	}

	plaintext, err := c.Open(keyCheckID, check)
	if err != nil || !bytes.Equal(plaintext, keyCheckPlaintext) {
		return nil, rserrors.ErrReplicaLocked
	}

	return c, nil
}

// Close closes the replica database. The engine reports not ready
// afterwards.
func (e *Engine) Close() error {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.store == nil {
		return nil
	}

	err := e.store.Close()
	e.store = nil
	e.cipher = nil

	return err
}

// Ready reports whether the replica is open.
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.store != nil
}

func (e *Engine) handles() (*Store, *Cipher, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.store == nil {
		return nil, nil, rserrors.ErrReplicaNotReady
	}

	return e.store, e.cipher, nil
}

// ListChangedContainers returns one page of containers with unsynced
// local changes, in ascending id order.
func (e *Engine) ListChangedContainers(ctx context.Context, cursor string, limit int) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}

	store, _, err := e.handles()
	if err != nil {
		return Page{}, err
	}

	return store.ListChanged(cursor, limit)
}

// RecordChange encrypts and stores new local content for a container.
// Returns the container's new local sequence number.
func (e *Engine) RecordChange(id string, plaintext []byte) (int64, error) {
	if id == "" {
		return 0, errors.New("empty container id")
	}

	store, c, err := e.handles()
	if err != nil {
		return 0, err
	}

	sealed, err := c.Seal(id, plaintext)
	if err != nil {
		return 0, err
	}

	seq, err := store.Put(id, sealed)
	if err != nil {
		return 0, fmt.Errorf("recording change for %q: %w", id, err)
	}

	return seq, nil
}

// Read returns the decrypted content of a container, or nil if it does
// not exist.
func (e *Engine) Read(id string) ([]byte, error) {
	store, c, err := e.handles()
	if err != nil {
		return nil, err
	}

	ct, err := store.Get(id)
	if err != nil || ct == nil {
		return nil, err
	}

	return c.Open(id, ct.Data)
}

// Stats returns container counts and the pull cursor.
func (e *Engine) Stats() (Stats, error) {
	store, _, err := e.handles()
	if err != nil {
		return Stats{}, err
	}

	total, changed, err := store.Counts()
	if err != nil {
		return Stats{}, err
	}

	cursor, err := store.Cursor()
	if err != nil {
		return Stats{}, err
	}

	return Stats{Containers: total, Changed: changed, Cursor: cursor}, nil
}

// Sync uploads every changed container and then pulls remote updates.
// Any error fails the whole pass; work already acknowledged by the remote
// is kept, so the retried pass only repeats what is left.
func (e *Engine) Sync(ctx context.Context) error {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	store, c, err := e.handles()
	if err != nil {
		return err
	}

	pushed, err := e.push(ctx, store)
	if err != nil {
		return err
	}

	pulled, err := e.pull(ctx, store, c)
	if err != nil {
		return err
	}

	e.logger.Debug("replica reconciled",
		slog.Int("pushed", pushed),
		slog.Int("pulled", pulled),
	)

	return nil
}

func (e *Engine) push(ctx context.Context, store *Store) (int, error) {
	var (
		cursor   string
		pushed   int
		rejected int
	)

	for {
		page, err := store.ListChanged(cursor, pushBatchSize)
		if err != nil {
			return pushed, err
		}

		if len(page.Items) == 0 {
			break
		}

		req := remote.PushRequest{Device: e.device}

		for _, item := range page.Items {
			ct, err := store.Get(item.ContainerID)
			if err != nil {
				return pushed, err
			}

			if ct == nil {
				continue
			}

			req.Changes = append(req.Changes, remote.Change{
				Container: ct.ID,
				Seq:       ct.Seq,
				Version:   ct.Version,
				Data:      ct.Data,
			})
		}

		resp, err := e.remote.Push(ctx, req)
		if err != nil {
			return pushed, err
		}

		for _, ack := range resp.Accepted {
			cleared, err := store.MarkSynced(ack.Container, ack.Seq, ack.Version)
			if err != nil {
				return pushed, fmt.Errorf("marking %q synced: %w", ack.Container, err)
			}

			pushed++

			if !cleared {
				e.logger.Debug("container edited during push",
					slog.String("container", ack.Container),
					slog.Int64("acked_seq", ack.Seq),
				)
			}
		}

		rejected += len(req.Changes) - len(resp.Accepted)

		if !page.HasMore {
			break
		}

		cursor = page.NextCursor
	}

	if rejected > 0 {
		return pushed, fmt.Errorf("remote rejected %d changes", rejected)
	}

	return pushed, nil
}

func (e *Engine) pull(ctx context.Context, store *Store, c *Cipher) (int, error) {
	since, err := store.Cursor()
	if err != nil {
		return 0, err
	}

	var pulled int

	for {
		resp, err := e.remote.Pull(ctx, remote.PullRequest{
			Device: e.device,
			Since:  since,
			Limit:  pullPageSize,
		})
		if err != nil {
			return pulled, err
		}

		for _, ch := range resp.Changes {
			// Payloads sealed under another key, or for another id, are
			// never stored.
			if _, err := c.Open(ch.Container, ch.Data); err != nil {
				e.logger.Warn("skipping unreadable remote change",
					slog.String("container", ch.Container),
					slog.Int64("version", ch.Version),
					slog.String("error", err.Error()),
				)

				continue
			}

			applied, err := store.ApplyRemote(ch.Container, ch.Data, ch.Version)
			if err != nil {
				return pulled, fmt.Errorf("applying %q: %w", ch.Container, err)
			}

			if applied {
				pulled++
			}
		}

		if resp.Version > since {
			since = resp.Version
			if err := store.SetCursor(since); err != nil {
				return pulled, fmt.Errorf("storing cursor: %w", err)
			}
		} else if resp.HasMore {
			return pulled, fmt.Errorf("remote cursor did not advance past %d", since)
		}

		if !resp.HasMore {
			return pulled, nil
		}
	}
}
