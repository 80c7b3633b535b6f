package homestore

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
)

func TestMarshalerRoundTrip(t *testing.T) {
	m := NewMarshaler()
	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	in := payload{Name: "superblock", Count: 7}
	b, err := m.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out payload
	if err := m.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out != in {
		t.Fatalf("round trip = %+v", out)
	}
}

func TestTaskRunnerLimitsAndWaits(t *testing.T) {
	tr := NewTaskRunner(context.Background(), 4)
	var running, peak, done atomic.Int32
	for i := 0; i < 32; i++ {
		tr.Go(func() error {
			cur := running.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			running.Add(-1)
			done.Add(1)
			return nil
		})
	}
	if err := tr.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Load() != 32 {
		t.Fatalf("done = %d", done.Load())
	}
	if peak.Load() > 5 {
		t.Fatalf("concurrency peaked at %d", peak.Load())
	}
}

func TestShouldRetryClassification(t *testing.T) {
	if ShouldRetry(nil) {
		t.Fatal("nil is not retryable")
	}
	for _, err := range []error{
		context.Canceled,
		context.DeadlineExceeded,
		os.ErrNotExist,
		os.ErrPermission,
		syscall.ENOSPC,
		syscall.EROFS,
	} {
		if ShouldRetry(err) {
			t.Fatalf("%v classified retryable", err)
		}
	}
	if !ShouldRetry(errors.New("transient hiccup")) {
		t.Fatal("generic error should be retryable")
	}
}

func TestRetryFastBoundsAttempts(t *testing.T) {
	attempts := 0
	err := RetryFast(context.Background(), 3, func(context.Context) error {
		attempts++
		return RetryableError(errors.New("keep going"))
	})
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if attempts != 4 {
		t.Fatalf("attempts = %d, want initial + 3 retries", attempts)
	}
}

func TestErrorWrapsCause(t *testing.T) {
	cause := os.ErrNotExist
	e := Error{Code: FileIOError, Err: cause, UserData: "node-7"}
	if !errors.Is(e, os.ErrNotExist) {
		t.Fatal("errors.Is lost the cause")
	}
	if e.Error() == "" {
		t.Fatal("empty error text")
	}
}

func TestUUIDBasics(t *testing.T) {
	a := NewUUID()
	b := NewUUID()
	if a.IsNil() || b.IsNil() {
		t.Fatal("fresh UUID is nil")
	}
	if a == b {
		t.Fatal("two fresh UUIDs collide")
	}
	parsed, err := ParseUUID(a.String())
	if err != nil || parsed != a {
		t.Fatalf("parse round trip: %v", err)
	}
	if !NilUUID.IsNil() {
		t.Fatal("NilUUID is not nil")
	}
}
