package kv

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hashicorp/go-hclog"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	storage, err := NewStorage(t.TempDir(), hclog.NewNullLogger())
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	return storage
}

func TestStoragePutGetRoundTrip(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	if err := storage.Put(ctx, "greeting", []byte("hello")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := storage.Get(ctx, "greeting")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("Get returned %q, want %q", got, "hello")
	}
}

func TestStorageGetMissingKeyReturnsNotFound(t *testing.T) {
	storage := newTestStorage(t)

	_, err := storage.Get(context.Background(), "never-written")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get error = %v, want ErrNotFound", err)
	}
}

func TestStoragePutOverwritesLastWriterWins(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	if err := storage.Put(ctx, "k", []byte("first")); err != nil {
		t.Fatalf("Put first: %v", err)
	}
	if err := storage.Put(ctx, "k", []byte("second")); err != nil {
		t.Fatalf("Put second: %v", err)
	}

	got, err := storage.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "second" {
		t.Errorf("Get returned %q, want %q", got, "second")
	}
}

func TestStorageEmptyKeyIsSilentNoOp(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	if err := storage.Put(ctx, "", []byte("ignored")); err != nil {
		t.Fatalf("Put with empty key returned error: %v", err)
	}

	got, err := storage.Get(ctx, "")
	if err != nil {
		t.Fatalf("Get with empty key returned error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Get with empty key = %q, want empty", got)
	}
}

func TestStorageRejectsPathSeparatorKey(t *testing.T) {
	storage := newTestStorage(t)

	err := storage.Put(context.Background(), "a/b", []byte("x"))
	if !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Put error = %v, want ErrInvalidKey", err)
	}
}

func TestStorageRejectsOversizeKey(t *testing.T) {
	storage := newTestStorage(t)

	err := storage.Put(context.Background(), strings.Repeat("k", maxKeyLength+1), []byte("x"))
	if !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Put error = %v, want ErrInvalidKey", err)
	}
}

func TestStorageWritesFileNamedForKey(t *testing.T) {
	storage := newTestStorage(t)

	if err := storage.Put(context.Background(), "visible-key", []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	path := filepath.Join(storage.Dir, filePrefix+"visible-key")
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected key to be written to %s: %v", path, err)
	}
}
