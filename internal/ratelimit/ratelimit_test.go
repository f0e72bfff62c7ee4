package ratelimit

import (
	"sync"
	"testing"
	"time"
)

var base = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestDisabledLimiterAlwaysAllows(t *testing.T) {
	l := New(0, 0)
	for i := 0; i < 100; i++ {
		if !l.Allow("global", base) {
			t.Fatal("expected unconditional accept when both thresholds disabled")
		}
	}
}

func TestMaxRPSRejectsBurstWithinOneSecond(t *testing.T) {
	l := New(2, 0)
	if !l.Allow("global", base) {
		t.Fatal("1st call should be accepted")
	}
	if !l.Allow("global", base) {
		t.Fatal("2nd call should be accepted")
	}
	if l.Allow("global", base) {
		t.Fatal("3rd call within the same second should be rejected")
	}
	if !l.Allow("global", base.Add(1001*time.Millisecond)) {
		t.Fatal("call after the 1s window should be accepted")
	}
}

func TestMaxRPMRejectsAfterWindowCount(t *testing.T) {
	l := New(0, 3)
	for i := 0; i < 3; i++ {
		ts := base.Add(time.Duration(i) * 10 * time.Second)
		if !l.Allow("global", ts) {
			t.Fatalf("call %d should be accepted under max_rpm=3", i)
		}
	}
	if l.Allow("global", base.Add(35*time.Second)) {
		t.Fatal("4th call within the 60s window should be rejected")
	}
	if !l.Allow("global", base.Add(61*time.Second)) {
		t.Fatal("call after the 60s window should be accepted")
	}
}

func TestPerKeyBucketsAreIndependent(t *testing.T) {
	l := New(1, 0)
	if !l.Allow("A", base) {
		t.Fatal("A's 1st call should be accepted")
	}
	if l.Allow("A", base) {
		t.Fatal("A's 2nd call in the same second should be rejected")
	}
	if !l.Allow("B", base) {
		t.Fatal("B's 1st call should be accepted independently of A's state")
	}
}

func TestConcurrentCallsAreSerializedPerBucket(t *testing.T) {
	l := New(0, 100000)
	var wg sync.WaitGroup
	accepted := make([]bool, 200)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			accepted[i] = l.Allow("global", base)
		}(i)
	}
	wg.Wait()

	count := 0
	for _, a := range accepted {
		if a {
			count++
		}
	}
	if count != 200 {
		t.Fatalf("expected all 200 concurrent calls accepted under a high cap, got %d", count)
	}
}
