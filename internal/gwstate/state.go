// Package gwstate implements the State Store: in-memory rotation state with
// debounced persistence to a single schema-versioned JSON document.
package gwstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/almazom/kmi-gateway/infrastructure/logging"
	"github.com/almazom/kmi-gateway/internal/clock"
	"github.com/almazom/kmi-gateway/internal/filelock"
	"github.com/almazom/kmi-gateway/internal/registry"
)

// CurrentSchemaVersion is the schema_version this process writes and reads
// without migration.
const CurrentSchemaVersion = 1

// DebounceWindow is the flusher's consolidation window: after a dirty
// signal it waits this long for more signals before writing once.
const DebounceWindow = 50 * time.Millisecond

// BlockReason enumerates why a key is blocked.
type BlockReason string

const (
	BlockReasonNone            BlockReason = ""
	BlockReasonAuth            BlockReason = "auth"
	BlockReasonPaymentRequired BlockReason = "payment_required"
	BlockReasonManual          BlockReason = "manual"
)

// KeyState is the mutable per-label state described in the Data Model.
type KeyState struct {
	LastUsedAt     *time.Time  `json:"last_used_at,omitempty"`
	RequestCount   int64       `json:"request_count"`
	Err401         int64       `json:"err_401"`
	Err403         int64       `json:"err_403"`
	Err429         int64       `json:"err_429"`
	Err5xx         int64       `json:"err_5xx"`
	ExhaustedUntil *time.Time  `json:"exhausted_until,omitempty"`
	BlockedUntil   *time.Time  `json:"blocked_until,omitempty"`
	BlockedReason  BlockReason `json:"blocked_reason,omitempty"`
}

// ErrorRate returns (err_429+err_5xx)/max(request_count,1), the rate used by
// the Rotation Engine's scoring tuple.
func (k KeyState) ErrorRate() float64 {
	denom := k.RequestCount
	if denom < 1 {
		denom = 1
	}
	return float64(k.Err429+k.Err5xx) / float64(denom)
}

// OperatorErrorRate returns (err_403+err_429+err_5xx)/max(request_count,1),
// the rate surfaced to operators in HealthInfo.
func (k KeyState) OperatorErrorRate() float64 {
	denom := k.RequestCount
	if denom < 1 {
		denom = 1
	}
	return float64(k.Err403+k.Err429+k.Err5xx) / float64(denom)
}

// Document is the on-disk/in-memory shape of the singleton State.
type Document struct {
	SchemaVersion       int                 `json:"schema_version"`
	ActiveIndex         int                 `json:"active_index"`
	RotationIndex       int                 `json:"rotation_index"`
	AutoRotate          bool                `json:"auto_rotate"`
	LastHealthRefreshAt *time.Time          `json:"last_health_refresh_at,omitempty"`
	Keys                map[string]KeyState `json:"keys"`
}

func newDocument() *Document {
	return &Document{SchemaVersion: CurrentSchemaVersion, Keys: map[string]KeyState{}}
}

// Store owns the singleton State: an in-memory Document guarded by a mutex,
// a dirty flag, and a debounced background flusher that persists it to
// <state_dir>/state.json under a cross-process file lock.
type Store struct {
	path   string
	clock  clock.Clock
	logger *logging.Logger

	mu  sync.Mutex
	doc *Document

	dirtyCh  chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	started  bool
	stopOnce sync.Once
}

// New constructs a Store bound to <stateDir>/state.json. Call Load to
// populate the in-memory document before serving requests, then Start to
// begin the debounced background flusher.
func New(stateDir string, clk clock.Clock, logger *logging.Logger) *Store {
	return &Store{
		path:    filepath.Join(stateDir, "state.json"),
		clock:   clk,
		logger:  logger,
		doc:     newDocument(),
		dirtyCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Load reads state.json under lock. If absent, it leaves a fresh zeroed
// document in place; if corrupt, it moves the file aside with a timestamped
// suffix before falling back to zeroed state. Schema migrations run before
// the document is accepted. Keys present in reg but absent from the
// document are reconciled in with zeroed KeyState; orphan labels in the
// document are left untouched.
func (s *Store) Load(reg *registry.Registry) error {
	var loaded *Document

	err := filelock.WithLock(s.path, func() error {
		data, readErr := os.ReadFile(s.path)
		if os.IsNotExist(readErr) {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("gwstate: read state file: %w", readErr)
		}

		doc, parseErr := parseDocument(data)
		if parseErr != nil {
			s.quarantine(data)
			return nil
		}

		migrated, migrateErr := migrate(doc)
		if migrateErr != nil {
			return migrateErr
		}
		loaded = migrated
		return nil
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if loaded == nil {
		loaded = newDocument()
	}
	if loaded.Keys == nil {
		loaded.Keys = map[string]KeyState{}
	}
	if reg != nil {
		for _, cred := range reg.All() {
			if _, ok := loaded.Keys[cred.Label]; !ok {
				loaded.Keys[cred.Label] = KeyState{}
			}
		}
		if reg.Len() > 0 && (loaded.RotationIndex < 0 || loaded.RotationIndex >= reg.Len()) {
			loaded.RotationIndex = 0
		}
		if reg.Len() > 0 && (loaded.ActiveIndex < 0 || loaded.ActiveIndex >= reg.Len()) {
			loaded.ActiveIndex = 0
		}
	}

	s.doc = loaded
	return nil
}

func parseDocument(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *Store) quarantine(data []byte) {
	suffix := time.Now().Format("20060102T150405.000000000")
	quarantinePath := s.path + ".corrupt." + suffix
	if err := os.WriteFile(quarantinePath, data, 0o600); err != nil && s.logger != nil {
		s.logger.WithError(err).Warn("gwstate: failed to quarantine corrupt state file")
	}
}

// Snapshot returns a deep-enough copy of the current document for callers
// that must read State without taking its lock for the full operation
// (e.g. external inspectors). The Pipeline and Refresher should prefer the
// locked accessor methods below instead.
func (s *Store) Snapshot() Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneDocument(s.doc)
}

func cloneDocument(doc *Document) Document {
	out := *doc
	out.Keys = make(map[string]KeyState, len(doc.Keys))
	for k, v := range doc.Keys {
		out.Keys[k] = v
	}
	return out
}

// Start launches the debounced background flusher. Load should be called
// before Start.
func (s *Store) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go s.flushLoop()
}

// Stop signals the flusher to exit, performing one final synchronous write
// regardless of the debounce window, then waits for it to finish.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		<-s.doneCh
	} else {
		// Never started: flush synchronously so Stop() still guarantees
		// pending mutations reach disk.
		_ = s.save()
	}
}

func (s *Store) flushLoop() {
	defer close(s.doneCh)

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-s.dirtyCh:
			pending = true
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(DebounceWindow)
		case <-timer.C:
			if pending {
				if err := s.save(); err != nil && s.logger != nil {
					s.logger.WithError(err).Warn("gwstate: background flush failed")
				}
				pending = false
			}
		case <-s.stopCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			if err := s.save(); err != nil && s.logger != nil {
				s.logger.WithError(err).Warn("gwstate: final flush on stop failed")
			}
			return
		}
	}
}

// MarkDirty is a non-blocking signal that the in-memory document changed
// and should be flushed. It never blocks even if the flusher is busy.
func (s *Store) MarkDirty() {
	select {
	case s.dirtyCh <- struct{}{}:
	default:
	}
}

// save performs the atomic write of the full document under the file lock.
// A write failure is logged (StorageIO) and does not panic: the mutation
// stays in memory and is retried on the next flush.
func (s *Store) save() error {
	s.mu.Lock()
	doc := cloneDocument(s.doc)
	s.mu.Unlock()

	data, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return fmt.Errorf("gwstate: marshal: %w", err)
	}

	return filelock.WithLock(s.path, func() error {
		return filelock.WriteFile(s.path, data)
	})
}

// withKey runs fn against the named key's mutable state under the store
// lock, reconciling a missing entry to zero value first.
func (s *Store) withKey(label string, fn func(*KeyState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks := s.doc.Keys[label]
	fn(&ks)
	s.doc.Keys[label] = ks
}

// RecordRequest increments request_count, maps status to the relevant error
// counter, and sets last_used_at. 402/billing statuses increment no
// counter (classification instead calls MarkBlocked directly).
func (s *Store) RecordRequest(label string, status int) {
	now := s.clock.Now()
	s.withKey(label, func(ks *KeyState) {
		ks.RequestCount++
		switch {
		case status == 401:
			ks.Err401++
		case status == 403:
			ks.Err403++
		case status == 429:
			ks.Err429++
		case status >= 500 && status <= 599:
			ks.Err5xx++
		}
		ks.LastUsedAt = &now
	})
	s.MarkDirty()
}

// MarkExhausted sets exhausted_until = now + seconds.
func (s *Store) MarkExhausted(label string, seconds int) {
	until := s.clock.Now().Add(time.Duration(seconds) * time.Second)
	s.withKey(label, func(ks *KeyState) {
		ks.ExhaustedUntil = &until
	})
	s.MarkDirty()
}

// MarkBlocked sets blocked_until and blocked_reason. seconds <= 0 means
// indefinite (only a manual ClearBlock unblocks).
func (s *Store) MarkBlocked(label string, reason BlockReason, seconds int) {
	s.withKey(label, func(ks *KeyState) {
		if seconds <= 0 {
			ks.BlockedUntil = nil // nil + BlockedReason set means indefinite
		} else {
			until := s.clock.Now().Add(time.Duration(seconds) * time.Second)
			ks.BlockedUntil = &until
		}
		ks.BlockedReason = reason
	})
	s.MarkDirty()
}

// ClearBlock zeros the block fields for label.
func (s *Store) ClearBlock(label string) {
	s.withKey(label, func(ks *KeyState) {
		ks.BlockedUntil = nil
		ks.BlockedReason = BlockReasonNone
	})
	s.MarkDirty()
}

// IsBlocked reports whether label is currently blocked: blocked_reason is
// set and either blocked_until is absent (indefinite) or in the future.
func (s *Store) IsBlocked(label string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks, ok := s.doc.Keys[label]
	if !ok || ks.BlockedReason == BlockReasonNone {
		return false
	}
	if ks.BlockedUntil == nil {
		return true
	}
	return s.clock.Now().Before(*ks.BlockedUntil)
}

// IsExhausted reports whether label's exhausted_until is in the future.
func (s *Store) IsExhausted(label string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks, ok := s.doc.Keys[label]
	if !ok || ks.ExhaustedUntil == nil {
		return false
	}
	return s.clock.Now().Before(*ks.ExhaustedUntil)
}

// KeyStateOf returns a copy of label's current KeyState.
func (s *Store) KeyStateOf(label string) KeyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Keys[label]
}

// ActiveIndex returns the current active_index.
func (s *Store) ActiveIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.ActiveIndex
}

// RotationIndex returns the current rotation_index.
func (s *Store) RotationIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.RotationIndex
}

// AutoRotate returns the current auto_rotate policy flag.
func (s *Store) AutoRotate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.AutoRotate
}

// SetAutoRotate updates the auto_rotate policy flag.
func (s *Store) SetAutoRotate(v bool) {
	s.mu.Lock()
	s.doc.AutoRotate = v
	s.mu.Unlock()
	s.MarkDirty()
}

// CommitSelection atomically sets active_index and rotation_index together,
// as required by the Pipeline's KEY_SELECTED transition. Callers pass -1 to
// leave either field unchanged.
func (s *Store) CommitSelection(activeIndex, rotationIndex int) {
	s.mu.Lock()
	if activeIndex >= 0 {
		s.doc.ActiveIndex = activeIndex
	}
	if rotationIndex >= 0 {
		s.doc.RotationIndex = rotationIndex
	}
	s.mu.Unlock()
	s.MarkDirty()
}

// SetHealthRefreshedAt records the last successful health refresh time.
func (s *Store) SetHealthRefreshedAt(t time.Time) {
	s.mu.Lock()
	s.doc.LastHealthRefreshAt = &t
	s.mu.Unlock()
	s.MarkDirty()
}

// Lock and Unlock expose the state mutex directly for callers (the
// Pipeline's KEY_SELECTED/KEY_ADMITTED transitions) that must hold it
// across a read-then-commit sequence spanning multiple of the methods
// above, matching spec §5's "under the state lock" directive.
func (s *Store) Lock()   { s.mu.Lock() }
func (s *Store) Unlock() { s.mu.Unlock() }

// DocumentUnlocked returns a reference to the live document; callers must
// hold the Store's lock (via Lock/Unlock) before calling this and must not
// retain the reference past Unlock.
func (s *Store) DocumentUnlocked() *Document { return s.doc }
