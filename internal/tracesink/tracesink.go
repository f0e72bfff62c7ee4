// Package tracesink implements the Trace Sink: an append-only JSON-lines
// request trace with size-based rotation and an optional bounded async
// write queue.
package tracesink

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/almazom/kmi-gateway/infrastructure/logging"
	"github.com/almazom/kmi-gateway/internal/filelock"
)

// QueueCapacity is the bounded async queue's fixed capacity, per the
// component contract (">= 1000").
const QueueCapacity = 1000

// dropLogInterval bounds how often a sustained run of queue-full drops is
// logged, so a saturated sink does not itself become a log-volume problem.
const dropLogInterval = 5 * time.Second

// Entry is one immutable TraceEntry.
type Entry struct {
	SchemaVersion int       `json:"schema_version"`
	Timestamp     time.Time `json:"timestamp"`
	RequestID     string    `json:"request_id"`
	Method        string    `json:"method"`
	Path          string    `json:"path"`
	Status        int       `json:"status"`
	LatencyMS     int64     `json:"latency_ms"`
	KeyLabel      string    `json:"key_label"`
	KeyHash       string    `json:"key_hash"`
	RotationIndex int       `json:"rotation_index"`
	PromptHint    string    `json:"prompt_hint,omitempty"`
	PromptWord    string    `json:"prompt_word,omitempty"`
	ErrorCode     string    `json:"error_code,omitempty"`
}

// EntrySchemaVersion is the schema_version this process writes.
const EntrySchemaVersion = 1

// Sink owns the trace.jsonl file and its rotated backups.
type Sink struct {
	dir       string
	path      string
	maxBytes  int64
	maxBackup int
	logger    *logging.Logger

	queue    chan Entry
	started  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	startMu  sync.Mutex
	dropMu   sync.Mutex
	dropped  int64
	lastDrop time.Time
}

// New constructs a Sink writing to <stateDir>/trace/trace.jsonl. maxBytes
// <= 0 disables rotation; when maxBytes > 0, each write first rotates a
// file that has reached maxBytes. maxBackups <= 0 deletes the file in
// place of rotating backups.
func New(stateDir string, maxBytes int64, maxBackups int, logger *logging.Logger) *Sink {
	dir := filepath.Join(stateDir, "trace")
	return &Sink{
		dir:       dir,
		path:      filepath.Join(dir, "trace.jsonl"),
		maxBytes:  maxBytes,
		maxBackup: maxBackups,
		logger:    logger,
		queue:     make(chan Entry, QueueCapacity),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the single queue-draining consumer goroutine, switching
// the Sink from synchronous to queued writes.
func (s *Sink) Start() {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started {
		return
	}
	s.started = true
	go s.drain()
}

// Stop signals the consumer to drain remaining queued entries, then
// returns once it has exited. A no-op if Start was never called.
func (s *Sink) Stop() {
	s.startMu.Lock()
	started := s.started
	s.startMu.Unlock()
	if !started {
		return
	}
	close(s.stopCh)
	<-s.doneCh
}

func (s *Sink) drain() {
	defer close(s.doneCh)
	for {
		select {
		case e := <-s.queue:
			s.writeSync(e)
		case <-s.stopCh:
			for {
				select {
				case e := <-s.queue:
					s.writeSync(e)
				default:
					return
				}
			}
		}
	}
}

// Emit records one entry. Before Start is called it writes synchronously;
// afterward it enqueues non-blockingly, dropping (and rate-limited-logging)
// the entry if the queue is full.
func (s *Sink) Emit(e Entry) {
	s.startMu.Lock()
	started := s.started
	s.startMu.Unlock()

	if !started {
		s.writeSync(e)
		return
	}

	select {
	case s.queue <- e:
	default:
		s.recordDrop()
	}
}

func (s *Sink) recordDrop() {
	s.dropMu.Lock()
	defer s.dropMu.Unlock()
	s.dropped++
	now := time.Now()
	if now.Sub(s.lastDrop) < dropLogInterval {
		return
	}
	s.lastDrop = now
	dropped := s.dropped
	s.dropped = 0
	if s.logger != nil {
		s.logger.WithFields(map[string]interface{}{"dropped": dropped}).Warn("tracesink: queue full, dropping trace entries")
	}
}

// writeSync appends one entry to trace.jsonl under the file lock,
// rotating first if the file has reached maxBytes. Write failures are
// logged (StorageIO) and otherwise swallowed: a lost trace line never
// fails the request it describes.
func (s *Sink) writeSync(e Entry) {
	if e.SchemaVersion == 0 {
		e.SchemaVersion = EntrySchemaVersion
	}
	line, err := json.Marshal(&e)
	if err != nil {
		if s.logger != nil {
			s.logger.WithError(err).Warn("tracesink: marshal entry failed")
		}
		return
	}
	line = append(line, '\n')

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		if s.logger != nil {
			s.logger.WithError(err).Warn("tracesink: create trace dir failed")
		}
		return
	}

	err = filelock.WithLock(s.path, func() error {
		if s.maxBytes > 0 {
			if err := s.rotateIfNeeded(); err != nil {
				return err
			}
		}
		f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("tracesink: open trace file: %w", err)
		}
		defer f.Close()
		_, err = f.Write(line)
		return err
	})
	if err != nil && s.logger != nil {
		s.logger.WithError(err).Warn("tracesink: append failed")
	}
}

// rotateIfNeeded must be called with the file lock held.
func (s *Sink) rotateIfNeeded() error {
	info, err := os.Stat(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("tracesink: stat trace file: %w", err)
	}
	if info.Size() < s.maxBytes {
		return nil
	}

	if s.maxBackup <= 0 {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("tracesink: remove oversized trace file: %w", err)
		}
		return nil
	}

	for n := s.maxBackup; n >= 1; n-- {
		src := s.backupPath(n)
		dst := s.backupPath(n + 1)
		if n == s.maxBackup {
			// The oldest backup slot is dropped entirely rather than
			// shifted past max_backups.
			if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("tracesink: remove oldest backup: %w", err)
			}
			continue
		}
		if _, statErr := os.Stat(src); statErr == nil {
			if err := os.Rename(src, dst); err != nil {
				return fmt.Errorf("tracesink: rotate backup %d->%d: %w", n, n+1, err)
			}
		}
	}
	return os.Rename(s.path, s.backupPath(1))
}

func (s *Sink) backupPath(n int) string {
	return s.path + "." + strconv.Itoa(n)
}

// Confidence computes the fairness metric over the last n trace entries
// (read from disk): group by key_label, compute the expected uniform
// share, and report 100 - max(|count-expected|/expected) * 100, rounded to
// two decimals. Returns 0 entries read as 100 (no data, trivially fair).
func Confidence(path string, n int) (float64, error) {
	entries, err := tailEntries(path, n)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 100, nil
	}

	counts := map[string]int{}
	for _, e := range entries {
		counts[e.KeyLabel]++
	}
	expected := float64(len(entries)) / float64(len(counts))

	maxDeviation := 0.0
	for _, c := range counts {
		dev := absFloat(float64(c)-expected) / expected
		if dev > maxDeviation {
			maxDeviation = dev
		}
	}

	confidence := 100 - maxDeviation*100
	return roundTo2(confidence), nil
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func roundTo2(f float64) float64 {
	scaled := f*100 + 0.5
	if f < 0 {
		scaled = f*100 - 0.5
	}
	return float64(int64(scaled)) / 100
}

// tailEntries reads the last n lines of the JSON-lines file at path,
// tolerating a trailing file that does not yet exist (empty result).
func tailEntries(path string, n int) ([]Entry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tracesink: open for confidence scan: %w", err)
	}
	defer f.Close()

	var all []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		all = append(all, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("tracesink: scan trace file: %w", err)
	}

	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}
