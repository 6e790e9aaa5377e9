// Package users stores the user records served by the user-details RPC.
package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var usersBucket = []byte("users")

var (
	// ErrNotFound is returned when no user has the requested id
	ErrNotFound = errors.New("users: user not found")
	// ErrInvalidUser is returned when a user cannot be stored as given
	ErrInvalidUser = errors.New("users: invalid user")
	// ErrLocked is returned when another process holds the store open
	ErrLocked = errors.New("users: store is locked by another process")
)

// DefaultLockTimeout bounds how long Open waits for the file lock
const DefaultLockTimeout = time.Second

// User is the public view of a user. It never carries credentials.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store is a bbolt-backed user store
type Store struct {
	path string
	db   *bolt.DB
	now  func() time.Time
}

// Option configures Open
type Option func(*bolt.Options)

// WithLockTimeout sets how long Open waits for the exclusive file lock
func WithLockTimeout(d time.Duration) Option {
	return func(o *bolt.Options) {
		o.Timeout = d
	}
}

// Open opens or creates the store at path. The file is locked exclusively
// until Close; a second Open of the same file fails with ErrLocked.
func Open(path string, opts ...Option) (*Store, error) {
	if _, err := os.Stat(path); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	options := &bolt.Options{Timeout: DefaultLockTimeout}
	for _, opt := range opts {
		opt(options)
	}

	db, err := bolt.Open(path, 0600, options)
	if errors.Is(err, bolt.ErrTimeout) {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}
	if err != nil {
		return nil, fmt.Errorf("users: unable to open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(usersBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("users: unable to initialize %s: %w", path, err)
	}

	return &Store{path: path, db: db, now: time.Now}, nil
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}

// Put creates or replaces a user. An empty ID is filled with a new UUID and
// a zero CreatedAt with the current time; the stored user is returned.
func (s *Store) Put(ctx context.Context, u User) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	if u.Name == "" {
		return User{}, fmt.Errorf("%w: name is required", ErrInvalidUser)
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now().UTC()
	}

	v, err := json.Marshal(u)
	if err != nil {
		return User{}, err
	}

	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(usersBucket).Put([]byte(u.ID), v)
	}); err != nil {
		return User{}, err
	}
	return u, nil
}

// Get returns the user with id, or ErrNotFound
func (s *Store) Get(ctx context.Context, id string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	var u User
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(usersBucket).Get([]byte(id))
		if len(v) == 0 {
			return ErrNotFound
		}
		return json.Unmarshal(v, &u)
	})
	if err != nil {
		return User{}, err
	}
	return u, nil
}

// List returns every user ordered by id
func (s *Store) List(ctx context.Context) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var all []User
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(usersBucket).ForEach(func(k, v []byte) error {
			var u User
			if err := json.Unmarshal(v, &u); err != nil {
				return fmt.Errorf("users: corrupt record %q: %w", k, err)
			}
			all = append(all, u)
			return nil
		})
	})
	return all, err
}

// Delete removes a user; deleting a missing user returns ErrNotFound
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(usersBucket)
		if b.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(id))
	})
}

// Close closes the database
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
