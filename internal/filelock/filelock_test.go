package filelock

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "state.json")

	lk, err := Acquire(target)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := lk.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := lk.Release(); err != nil {
		t.Fatalf("second Release() should be idempotent, got error = %v", err)
	}
}

func TestWriteFileIsAtomic(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "nested", "state.json")

	if err := WriteFile(target, []byte(`{"a":1}`)); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != `{"a":1}` {
		t.Fatalf("content = %q, want %q", got, `{"a":1}`)
	}

	if err := WriteFile(target, []byte(`{"a":2}`)); err != nil {
		t.Fatalf("second WriteFile() error = %v", err)
	}
	got, _ = os.ReadFile(target)
	if string(got) != `{"a":2}` {
		t.Fatalf("content = %q, want %q", got, `{"a":2}`)
	}
}

func TestWithLockSerializesConcurrentWriters(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "state.json")

	var counter int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := WithLock(target, func() error {
				atomic.AddInt64(&counter, 1)
				return nil
			})
			if err != nil {
				t.Errorf("WithLock() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&counter); got != 20 {
		t.Fatalf("counter = %d, want 20", got)
	}
}
