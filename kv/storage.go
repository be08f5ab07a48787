// Package kv implements the KV Storage Engine and the gRPC KV Surface that
// sits on top of it: a file-backed, per-key-locked key/value store, exposed
// as a grpc.KVServer with JSON "server_handshake" enrichment.
package kv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/hashicorp/go-hclog"
)

// ErrNotFound is returned by Get when the requested key has never been Put.
var ErrNotFound = errors.New("key not found")

// ErrLockTimeout is returned when the bounded wait for a per-key file lock
// elapses before the lock is acquired.
var ErrLockTimeout = errors.New("timed out acquiring storage lock")

// ErrInvalidKey is returned for keys that cannot be used verbatim as a
// filename fragment on the host filesystem (see Storage.filePath).
var ErrInvalidKey = errors.New("key is not valid as a storage filename")

const (
	filePrefix = "kv-data-"

	// defaultLockTimeout bounds how long Put/Get will wait to acquire the
	// per-key file lock before giving up with ErrLockTimeout.
	defaultLockTimeout = 10 * time.Second

	// lockPollInterval is the back-off interval used while polling for the
	// lock. The exact retry/back-off strategy isn't mandated by spec, only
	// the bounded-wait + typed-timeout contract.
	lockPollInterval = 25 * time.Millisecond

	// maxKeyLength is a conservative bound under common filesystem filename
	// limits (255 bytes) once the "kv-data-" prefix is accounted for.
	maxKeyLength = 240
)

// Storage is a durable, file-backed key/value store with per-key exclusive
// locking and mandatory fsync on write. One file per key lives under Dir,
// named "kv-data-<key>" with the key used verbatim.
//
// Using the raw key as a filename is a deliberate choice: it
// keeps the server's writes directly observable by test harnesses that
// inspect the filesystem, at the cost of rejecting keys that can't safely
// become a filename fragment.
type Storage struct {
	Dir         string
	Logger      hclog.Logger
	LockTimeout time.Duration
}

// NewStorage constructs a Storage rooted at dir, creating the directory if
// it does not already exist.
func NewStorage(dir string, logger hclog.Logger) (*Storage, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create KV storage directory %s: %w", dir, err)
	}
	return &Storage{
		Dir:         dir,
		Logger:      logger.Named("kv-storage"),
		LockTimeout: defaultLockTimeout,
	}, nil
}

func (s *Storage) lockTimeout() time.Duration {
	if s.LockTimeout <= 0 {
		return defaultLockTimeout
	}
	return s.LockTimeout
}

// filePath validates key and returns the on-disk path for it, or
// ErrInvalidKey wrapping the specific constraint that was violated.
func (s *Storage) filePath(key string) (string, error) {
	if strings.ContainsRune(key, 0) {
		return "", fmt.Errorf("%w: key contains a NUL byte", ErrInvalidKey)
	}
	if strings.ContainsRune(key, filepath.Separator) {
		return "", fmt.Errorf("%w: key contains a path separator", ErrInvalidKey)
	}
	if len(key) > maxKeyLength {
		return "", fmt.Errorf("%w: key is %d bytes, limit is %d", ErrInvalidKey, len(key), maxKeyLength)
	}
	return filepath.Join(s.Dir, filePrefix+key), nil
}

// Put writes value for key, holding an exclusive cross-process file lock for
// the duration of the write and fsyncing before the lock is released. An
// empty key is a silent no-op.
func (s *Storage) Put(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return nil
	}

	path, err := s.filePath(key)
	if err != nil {
		return err
	}

	lock := flock.New(path)
	locked, err := s.tryLock(ctx, lock, true)
	if err != nil {
		return err
	}
	if !locked {
		return ErrLockTimeout
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			s.Logger.Error("failed to release storage lock", "key", key, "error", err)
		}
	}()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s for write: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(value); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	// fsync is mandatory: without it, an acknowledged write can be lost on
	// crash, which would violate the last-writer-wins durability invariant.
	// A Put whose response has been observed by the caller must be durable.
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to fsync %s: %w", path, err)
	}

	s.Logger.Debug("wrote key", "key", key, "bytes", len(value))
	return nil
}

// Get reads the value stored for key. It returns ErrNotFound if key was
// never Put. An empty key returns empty bytes without error.
func (s *Storage) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return []byte{}, nil
	}

	path, err := s.filePath(key)
	if err != nil {
		return nil, err
	}

	// flock creates the file it locks, so a missing key is detected before
	// locking; otherwise the lock would leave an empty value behind.
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, ErrNotFound
	}

	lock := flock.New(path)
	locked, err := s.tryLock(ctx, lock, false)
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, ErrLockTimeout
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			s.Logger.Error("failed to release storage lock", "key", key, "error", err)
		}
	}()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	s.Logger.Debug("read key", "key", key, "bytes", len(data))
	return data, nil
}

// tryLock acquires lock (exclusive if write is true, shared otherwise),
// polling at lockPollInterval up to s.lockTimeout(). It returns
// (false, nil) on timeout rather than an error, so callers can map that
// case to ErrLockTimeout uniformly.
func (s *Storage) tryLock(ctx context.Context, lock *flock.Flock, write bool) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.lockTimeout())
	defer cancel()

	tryOnce := lock.TryLock
	if !write {
		tryOnce = lock.TryRLock
	}

	for {
		ok, err := tryOnce()
		if err != nil {
			return false, fmt.Errorf("failed to acquire storage lock: %w", err)
		}
		if ok {
			return true, nil
		}

		select {
		case <-ctx.Done():
			return false, nil
		case <-time.After(lockPollInterval):
		}
	}
}
