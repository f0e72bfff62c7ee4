package tracesink

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

func TestEmitSyncBeforeStartAppendsImmediately(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, 0, 0, nil)

	s.Emit(Entry{RequestID: "r1", Method: "GET", Path: "models", Status: 200, KeyLabel: "A"})
	s.Emit(Entry{RequestID: "r2", Method: "GET", Path: "models", Status: 200, KeyLabel: "B"})

	lines := readLines(t, filepath.Join(dir, "trace", "trace.jsonl"))
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
}

func TestQueuedModeDrainsOnStop(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, 0, 0, nil)
	s.Start()

	for i := 0; i < 50; i++ {
		s.Emit(Entry{RequestID: "r", Method: "GET", Path: "p", Status: 200, KeyLabel: "A"})
	}
	s.Stop()

	lines := readLines(t, filepath.Join(dir, "trace", "trace.jsonl"))
	if len(lines) != 50 {
		t.Fatalf("got %d lines, want 50", len(lines))
	}
}

func TestRotationRenamesBackups(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, 10, 2, nil) // tiny max_bytes forces rotation on every write

	for i := 0; i < 3; i++ {
		s.Emit(Entry{RequestID: "r", Method: "GET", Path: "p", Status: 200, KeyLabel: "A"})
	}

	tracePath := filepath.Join(dir, "trace", "trace.jsonl")
	if _, err := os.Stat(tracePath); err != nil {
		t.Fatalf("expected current trace file to exist: %v", err)
	}
	if _, err := os.Stat(tracePath + ".1"); err != nil {
		t.Fatalf("expected trace.jsonl.1 backup to exist: %v", err)
	}
}

func TestRotationDeletesWhenMaxBackupsZero(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, 10, 0, nil)

	s.Emit(Entry{RequestID: "r1", Method: "GET", Path: "p", Status: 200, KeyLabel: "A"})
	s.Emit(Entry{RequestID: "r2", Method: "GET", Path: "p", Status: 200, KeyLabel: "A"})

	tracePath := filepath.Join(dir, "trace", "trace.jsonl")
	lines := readLines(t, tracePath)
	if len(lines) != 1 {
		t.Fatalf("got %d lines after delete-rotation, want 1 (the second write only)", len(lines))
	}
	if _, err := os.Stat(tracePath + ".1"); !os.IsNotExist(err) {
		t.Fatal("expected no backup file when max_backups <= 0")
	}
}

func TestConfidencePerfectlyUniform(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, 0, 0, nil)
	labels := []string{"A", "B", "C"}
	for i := 0; i < 9; i++ {
		s.Emit(Entry{RequestID: "r", Method: "GET", Path: "p", Status: 200, KeyLabel: labels[i%3]})
	}

	conf, err := Confidence(filepath.Join(dir, "trace", "trace.jsonl"), 200)
	if err != nil {
		t.Fatalf("Confidence() error = %v", err)
	}
	if conf != 100 {
		t.Fatalf("Confidence() = %v, want 100 for perfectly uniform distribution", conf)
	}
}

func TestConfidenceSkewedDistribution(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, 0, 0, nil)
	for i := 0; i < 8; i++ {
		s.Emit(Entry{RequestID: "r", Method: "GET", Path: "p", Status: 200, KeyLabel: "A"})
	}
	s.Emit(Entry{RequestID: "r", Method: "GET", Path: "p", Status: 200, KeyLabel: "B"})

	conf, err := Confidence(filepath.Join(dir, "trace", "trace.jsonl"), 200)
	if err != nil {
		t.Fatalf("Confidence() error = %v", err)
	}
	// 9 entries, 2 labels, expected=4.5; A=8 deviates by 3.5/4.5=0.7778 -> confidence ~22.22
	if conf <= 0 || conf >= 100 {
		t.Fatalf("Confidence() = %v, want a skewed value strictly between 0 and 100", conf)
	}
}

func TestConfidenceNoEntriesIsFullyConfident(t *testing.T) {
	dir := t.TempDir()
	conf, err := Confidence(filepath.Join(dir, "trace", "trace.jsonl"), 200)
	if err != nil {
		t.Fatalf("Confidence() error = %v", err)
	}
	if conf != 100 {
		t.Fatalf("Confidence() on missing file = %v, want 100", conf)
	}
}

func TestEntrySchemaVersionDefaultedOnWrite(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, 0, 0, nil)
	s.Emit(Entry{RequestID: "r", Method: "GET", Path: "p", Status: 200, KeyLabel: "A", Timestamp: time.Now()})

	entries, err := tailEntries(filepath.Join(dir, "trace", "trace.jsonl"), 10)
	if err != nil {
		t.Fatalf("tailEntries() error = %v", err)
	}
	if len(entries) != 1 || entries[0].SchemaVersion != EntrySchemaVersion {
		t.Fatalf("entries = %+v, want one entry with schema_version=%d", entries, EntrySchemaVersion)
	}
}
