package replica

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the replica directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the replica database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	// saltLen is the length of the random scrypt salt stored on first open.
	saltLen = 16
)

var (
	containersBucket = []byte("containers")
	changedBucket    = []byte("changed")
	metaBucket       = []byte("meta")

	cursorKey   = []byte("cursor")
	saltKey     = []byte("salt")
	keyCheckKey = []byte("keycheck")
)

// Container is the stored state of one container. Data is always
// ciphertext.
type Container struct {
	ID        string `json:"id"`
	Data      []byte `json:"data"`
	Seq       int64  `json:"seq"`
	SyncedSeq int64  `json:"synced_seq"`
	Version   int64  `json:"version"`
	Dirty     bool   `json:"dirty"`
	ChangedAt int64  `json:"changed_at"`
	SyncedAt  int64  `json:"synced_at"`
}

// Change is one entry of the changed-containers listing.
type Change struct {
	ContainerID string `json:"container_id"`
	Seq         int64  `json:"seq"`
	ChangedAt   int64  `json:"changed_at"`
}

// Page is a bounded slice of the changed-containers listing. NextCursor
// is passed back to continue after the last item.
type Page struct {
	Items      []Change `json:"items"`
	HasMore    bool     `json:"has_more"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// Store wraps a bbolt database holding the local replica.
type Store struct {
	db *bolt.DB
}

// LoadAt opens a replica database at the given path, creating it if it
// does not exist.
func LoadAt(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating replica directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening replica db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{containersBucket, changedBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing replica db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Salt returns the key derivation salt, generating and persisting one on
// first use.
func (s *Store) Salt() ([]byte, error) {
	var salt []byte

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(metaBucket)
		if v := b.Get(saltKey); v != nil {
			salt = bytes.Clone(v)
			return nil
		}

		salt = make([]byte, saltLen)
		if _, err := rand.Read(salt); err != nil {
			return fmt.Errorf("generating salt: %w", err)
		}

		return b.Put(saltKey, salt)
	})

	return salt, err
}

// KeyCheck returns the stored key check blob, or nil if none exists.
func (s *Store) KeyCheck() []byte {
	var v []byte

	_ = s.db.View(func(tx *bolt.Tx) error {
		v = bytes.Clone(tx.Bucket(metaBucket).Get(keyCheckKey))
		return nil
	})

	return v
}

// SetKeyCheck persists the key check blob.
func (s *Store) SetKeyCheck(v []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put(keyCheckKey, v)
	})
}

// Cursor returns the remote version the replica has pulled up to.
func (s *Store) Cursor() (int64, error) {
	var cursor int64

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucket).Get(cursorKey)
		if v == nil {
			return nil
		}

		n, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return fmt.Errorf("parsing cursor: %w", err)
		}

		cursor = n

		return nil
	})

	return cursor, err
}

// SetCursor updates the remote pull cursor.
func (s *Store) SetCursor(cursor int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put(cursorKey, []byte(strconv.FormatInt(cursor, 10)))
	})
}

// Put stores new local content for a container and marks it changed.
// Returns the container's new local sequence number.
func (s *Store) Put(id string, data []byte) (int64, error) {
	var seq int64

	err := s.db.Update(func(tx *bolt.Tx) error {
		c, err := getContainer(tx, id)
		if err != nil {
			return err
		}

		if c == nil {
			c = &Container{ID: id}
		}

		c.Data = data
		c.Seq++
		c.Dirty = true
		c.ChangedAt = time.Now().UnixMilli()
		seq = c.Seq

		if err := putContainer(tx, c); err != nil {
			return err
		}

		return tx.Bucket(changedBucket).Put([]byte(id), []byte(strconv.FormatInt(c.Seq, 10)))
	})

	return seq, err
}

// Get returns a container, or nil if it does not exist.
func (s *Store) Get(id string) (*Container, error) {
	var c *Container

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		c, err = getContainer(tx, id)

		return err
	})

	return c, err
}

// ListChanged returns up to limit containers with unsynced changes in
// lexicographic id order, starting after cursor. An empty cursor starts
// from the beginning.
func (s *Store) ListChanged(cursor string, limit int) (Page, error) {
	var page Page

	if limit <= 0 {
		return page, nil
	}

	err := s.db.View(func(tx *bolt.Tx) error {
		changed := tx.Bucket(changedBucket)
		containers := tx.Bucket(containersBucket)
		cur := changed.Cursor()

		var k []byte
		if cursor == "" {
			k, _ = cur.First()
		} else {
			k, _ = cur.Seek([]byte(cursor))
			if k != nil && string(k) == cursor {
				k, _ = cur.Next()
			}
		}

		for ; k != nil; k, _ = cur.Next() {
			if len(page.Items) == limit {
				page.HasMore = true
				break
			}

			var c Container
			if v := containers.Get(k); v != nil {
				if err := json.Unmarshal(v, &c); err != nil {
					return fmt.Errorf("decoding container %q: %w", k, err)
				}
			}

			page.Items = append(page.Items, Change{
				ContainerID: string(k),
				Seq:         c.Seq,
				ChangedAt:   c.ChangedAt,
			})
		}

		if page.HasMore {
			page.NextCursor = page.Items[len(page.Items)-1].ContainerID
		}

		return nil
	})

	return page, err
}

// MarkSynced records that the remote accepted seq for a container. The
// changed flag is only cleared if no newer local edit happened since, in
// which case it reports true.
func (s *Store) MarkSynced(id string, seq, version int64) (bool, error) {
	var cleared bool

	err := s.db.Update(func(tx *bolt.Tx) error {
		c, err := getContainer(tx, id)
		if err != nil || c == nil {
			return err
		}

		if seq > c.SyncedSeq {
			c.SyncedSeq = seq
		}

		if version > c.Version {
			c.Version = version
		}

		c.SyncedAt = time.Now().UnixMilli()

		if c.Seq == seq {
			c.Dirty = false
			cleared = true

			if err := tx.Bucket(changedBucket).Delete([]byte(id)); err != nil {
				return err
			}
		}

		return putContainer(tx, c)
	})

	return cleared, err
}

// ApplyRemote stores content received from the remote. Containers with
// unsynced local changes keep their local content; the next push lets the
// remote merge them. Reports whether the remote content was stored.
func (s *Store) ApplyRemote(id string, data []byte, version int64) (bool, error) {
	var applied bool

	err := s.db.Update(func(tx *bolt.Tx) error {
		c, err := getContainer(tx, id)
		if err != nil {
			return err
		}

		if c == nil {
			c = &Container{ID: id}
		}

		if c.Dirty || version <= c.Version {
			return nil
		}

		c.Data = data
		c.Version = version
		c.SyncedAt = time.Now().UnixMilli()
		applied = true

		return putContainer(tx, c)
	})

	return applied, err
}

// Counts returns the number of stored and changed containers.
func (s *Store) Counts() (total, changed int, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		total = tx.Bucket(containersBucket).Stats().KeyN
		changed = tx.Bucket(changedBucket).Stats().KeyN

		return nil
	})

	return total, changed, err
}

func getContainer(tx *bolt.Tx, id string) (*Container, error) {
	v := tx.Bucket(containersBucket).Get([]byte(id))
	if v == nil {
		return nil, nil
	}

	var c Container
	if err := json.Unmarshal(v, &c); err != nil {
		return nil, fmt.Errorf("decoding container %q: %w", id, err)
	}

	return &c, nil
}

func putContainer(tx *bolt.Tx, c *Container) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding container %q: %w", c.ID, err)
	}

	return tx.Bucket(containersBucket).Put([]byte(c.ID), data)
}
