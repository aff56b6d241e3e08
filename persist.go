package triage

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/webqx/triage-engine/internal/queue"
	"github.com/webqx/triage-engine/models"
)

// snapshotVersion identifies the persisted record layout. Compatibility is
// by additive fields only.
const snapshotVersion = 1

// SnapshotStore is the optional durable backend binding. Load returns
// (nil, nil) when no prior snapshot exists.
type SnapshotStore interface {
	Save(data []byte) error
	Load() ([]byte, error)
}

// FileSnapshotStore persists the snapshot as a single file.
type FileSnapshotStore struct {
	Path string
}

func (s FileSnapshotStore) Save(data []byte) error {
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.Path)
}

func (s FileSnapshotStore) Load() ([]byte, error) {
	data, err := os.ReadFile(s.Path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

type persistedItem struct {
	ID            string                `json:"id"`
	BasePriority  models.Priority       `json:"base_priority"`
	SchedPriority models.Priority       `json:"sched_priority"`
	AdmittedAt    time.Time             `json:"admitted_at"`
	Sequence      uint64                `json:"sequence"`
	Payload       models.Payload        `json:"payload"`
	State         models.State          `json:"state"`
	Retries       int                   `json:"retries"`
	History       []models.HistoryEntry `json:"history,omitempty"`
	TerminalAt    time.Time             `json:"terminal_at,omitempty"`
}

type persistedState struct {
	Version  int             `json:"version"`
	SavedAt  time.Time       `json:"saved_at"`
	Sequence uint64          `json:"admission_sequence"`
	Items    []persistedItem `json:"items"`
}

// SaveState serializes the engine's logical state. Leased items are written
// as Pending: a lease-holder has no valid lease across a restart.
func (e *Engine) SaveState() ([]byte, error) {
	e.mu.Lock()
	st := persistedState{Version: snapshotVersion, SavedAt: e.clock.Now(), Sequence: e.seq}
	e.items.Each(func(it *models.Item) bool {
		pi := persistedItem{
			ID:            it.ID,
			BasePriority:  it.BasePriority,
			SchedPriority: it.SchedPriority,
			AdmittedAt:    it.AdmittedAt,
			Sequence:      it.Sequence,
			Payload:       it.Payload,
			State:         it.State,
			Retries:       it.Retries,
			History:       append([]models.HistoryEntry(nil), it.History...),
			TerminalAt:    it.TerminalAt,
		}
		if pi.State == models.StateLeased {
			pi.State = models.StatePending
		}
		st.Items = append(st.Items, pi)
		return true
	})
	e.mu.Unlock()
	return json.Marshal(st)
}

// Restore builds a fresh engine holding the given saved state. It is the
// counterpart of SaveState; cfg.Persistence must not also carry a snapshot.
func Restore(cfg Config, data []byte) (*Engine, error) {
	e, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := e.restoreState(data); err != nil {
		_ = e.Shutdown(context.Background())
		return nil, err
	}
	return e, nil
}

// restoreState loads a snapshot into an engine that has admitted nothing.
func (e *Engine) restoreState(data []byte) error {
	var st persistedState
	if err := json.Unmarshal(data, &st); err != nil {
		return kindErr(KindInvalidArgument, "decode snapshot: %v", err)
	}
	if st.Version <= 0 || st.Version > snapshotVersion {
		return kindErr(KindInvalidArgument, "unsupported snapshot version %d", st.Version)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.items.Len() > 0 {
		return kindErr(KindInvalidArgument, "restore into non-empty engine")
	}
	now := e.clock.Now()
	for _, pi := range st.Items {
		state := pi.State
		if state == models.StateLeased {
			state = models.StatePending
		}
		if !state.Valid() {
			return kindErr(KindInvalidArgument, "snapshot item %s has invalid state %q", pi.ID, pi.State)
		}
		it := &models.Item{
			ID:            pi.ID,
			BasePriority:  pi.BasePriority,
			SchedPriority: pi.SchedPriority,
			AdmittedAt:    pi.AdmittedAt,
			Sequence:      pi.Sequence,
			Payload:       pi.Payload,
			State:         state,
			Retries:       pi.Retries,
			History:       pi.History,
			TerminalAt:    pi.TerminalAt,
		}
		if it.SchedPriority == 0 {
			it.SchedPriority = it.BasePriority
		}
		e.items.Put(it)
		e.stateCounts[state]++
		if state == models.StatePending {
			e.q.Push(it.ID, queue.Key{Priority: e.effectiveLocked(it, now), Sequence: it.Sequence})
		}
		if it.Sequence > e.seq {
			e.seq = it.Sequence
		}
	}
	if st.Sequence > e.seq {
		e.seq = st.Sequence
	}
	if e.items.Len() > e.cfg.MaxItems {
		return kindErr(KindCapacityExceeded, "snapshot holds %d items above max_items %d", e.items.Len(), e.cfg.MaxItems)
	}
	e.refreshGaugesLocked()
	return nil
}
