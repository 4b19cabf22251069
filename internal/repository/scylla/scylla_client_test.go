package scylla

import (
	"errors"
	"testing"

	"github.com/gocql/gocql"
)

func TestScanWithRetryNotFoundReturnsImmediately(t *testing.T) {
	calls := 0
	err := scanWithRetry(func() error {
		calls++
		return gocql.ErrNotFound
	})
	if !errors.Is(err, gocql.ErrNotFound) {
		t.Fatalf("err = %v, want gocql.ErrNotFound", err)
	}
	if calls != 1 {
		t.Fatalf("scan called %d times, want 1", calls)
	}
}

func TestScanWithRetryTransientErrorRetries(t *testing.T) {
	transient := errors.New("connection reset")
	calls := 0
	err := scanWithRetry(func() error {
		calls++
		if calls < 3 {
			return transient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("err = %v, want nil after retry", err)
	}
	if calls != 3 {
		t.Fatalf("scan called %d times, want 3", calls)
	}
}

func TestScanWithRetryExhaustedReturnsLastError(t *testing.T) {
	transient := errors.New("timeout")
	calls := 0
	err := scanWithRetry(func() error {
		calls++
		return transient
	})
	if !errors.Is(err, transient) {
		t.Fatalf("err = %v, want %v", err, transient)
	}
	if calls != 3 {
		t.Fatalf("scan called %d times, want 3", calls)
	}
}
