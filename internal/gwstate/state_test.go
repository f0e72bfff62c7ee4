package gwstate

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/almazom/kmi-gateway/internal/clock"
	"github.com/almazom/kmi-gateway/internal/registry"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New([]registry.Credential{
		registry.NewCredential("alpha", "sk-alpha", 0, "", false),
		registry.NewCredential("beta", "sk-beta", 0, "", false),
	})
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}
	return reg
}

func TestLoadOnMissingFileYieldsZeroedReconciledState(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, clock.System{}, nil)

	if err := s.Load(testRegistry(t)); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if s.ActiveIndex() != 0 || s.RotationIndex() != 0 {
		t.Fatalf("expected zeroed indices on fresh state")
	}
	for _, label := range []string{"alpha", "beta"} {
		if s.IsBlocked(label) || s.IsExhausted(label) {
			t.Fatalf("label %q should start unblocked and unexhausted", label)
		}
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	mc := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := New(dir, mc, nil)

	if err := s.Load(testRegistry(t)); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	s.RecordRequest("alpha", 200)
	s.RecordRequest("alpha", 429)
	s.CommitSelection(1, 1)
	if err := s.save(); err != nil {
		t.Fatalf("save() error = %v", err)
	}

	s2 := New(dir, mc, nil)
	if err := s2.Load(testRegistry(t)); err != nil {
		t.Fatalf("second Load() error = %v", err)
	}
	if s2.ActiveIndex() != 1 || s2.RotationIndex() != 1 {
		t.Fatalf("reloaded indices = (%d, %d), want (1, 1)", s2.ActiveIndex(), s2.RotationIndex())
	}
	ks := s2.KeyStateOf("alpha")
	if ks.RequestCount != 2 || ks.Err429 != 1 {
		t.Fatalf("reloaded alpha state = %+v, want request_count=2 err_429=1", ks)
	}
}

func TestCorruptStateFileIsQuarantinedAndRecoveredAsZero(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "state.json"), []byte("{not valid json"), 0o600); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}

	s := New(dir, clock.System{}, nil)
	if err := s.Load(testRegistry(t)); err != nil {
		t.Fatalf("Load() on corrupt file should recover, got error = %v", err)
	}
	if s.ActiveIndex() != 0 {
		t.Fatalf("expected zeroed state after quarantine")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	foundQuarantine := false
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".json" && e.Name() != "state.json" {
			foundQuarantine = true
		}
	}
	if !foundQuarantine {
		t.Fatal("expected a quarantined copy of the corrupt state file")
	}
}

func TestMarkExhaustedAndIsExhausted(t *testing.T) {
	dir := t.TempDir()
	mc := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := New(dir, mc, nil)
	if err := s.Load(testRegistry(t)); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	s.MarkExhausted("alpha", 60)
	if !s.IsExhausted("alpha") {
		t.Fatal("expected alpha to be exhausted immediately after MarkExhausted")
	}

	mc.Advance(61 * time.Second)
	if s.IsExhausted("alpha") {
		t.Fatal("expected alpha exhaustion to expire after the window")
	}
}

func TestMarkBlockedIndefiniteRequiresClearBlock(t *testing.T) {
	dir := t.TempDir()
	mc := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := New(dir, mc, nil)
	if err := s.Load(testRegistry(t)); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	s.MarkBlocked("alpha", BlockReasonAuth, 0)
	if !s.IsBlocked("alpha") {
		t.Fatal("expected alpha to be blocked")
	}

	mc.Advance(365 * 24 * time.Hour)
	if !s.IsBlocked("alpha") {
		t.Fatal("indefinite block should not expire with time")
	}

	s.ClearBlock("alpha")
	if s.IsBlocked("alpha") {
		t.Fatal("expected ClearBlock to lift the block")
	}
}

func TestMarkBlockedTimedExpires(t *testing.T) {
	dir := t.TempDir()
	mc := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := New(dir, mc, nil)
	if err := s.Load(testRegistry(t)); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	s.MarkBlocked("beta", BlockReasonPaymentRequired, 30)
	if !s.IsBlocked("beta") {
		t.Fatal("expected beta to be blocked")
	}
	mc.Advance(31 * time.Second)
	if s.IsBlocked("beta") {
		t.Fatal("expected timed block to expire")
	}
}

func TestStartStopFlushesDebouncedMutations(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, clock.System{}, nil)
	if err := s.Load(testRegistry(t)); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	s.Start()
	s.RecordRequest("alpha", 200)
	s.Stop()

	s2 := New(dir, clock.System{}, nil)
	if err := s2.Load(testRegistry(t)); err != nil {
		t.Fatalf("reload error = %v", err)
	}
	if s2.KeyStateOf("alpha").RequestCount != 1 {
		t.Fatalf("expected the Stop() flush to have persisted the mutation")
	}
}

func TestErrorRateHelpers(t *testing.T) {
	ks := KeyState{RequestCount: 10, Err429: 2, Err5xx: 1, Err403: 1}
	if got := ks.ErrorRate(); got != 0.3 {
		t.Fatalf("ErrorRate() = %v, want 0.3", got)
	}
	if got := ks.OperatorErrorRate(); got != 0.4 {
		t.Fatalf("OperatorErrorRate() = %v, want 0.4", got)
	}

	zero := KeyState{}
	if got := zero.ErrorRate(); got != 0 {
		t.Fatalf("ErrorRate() on zero state = %v, want 0", got)
	}
}
