package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/ride-coordinator/internal/models"
)

// SnapshotStore persists the in-flight ride under KeyRideState.
type SnapshotStore struct {
	kv KV
}

func NewSnapshotStore(kv KV) *SnapshotStore { return &SnapshotStore{kv: kv} }

func (s *SnapshotStore) Save(ctx context.Context, snap models.Snapshot) error {
	// notices are transient and never restored
	snap.Notice = nil
	snap.AcceptInFlight = false
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return s.kv.Set(ctx, KeyRideState, string(b))
}

// Load returns the stored snapshot; ok is false when there is none.
func (s *SnapshotStore) Load(ctx context.Context) (models.Snapshot, bool, error) {
	v, err := s.kv.Get(ctx, KeyRideState)
	if errors.Is(err, ErrNotFound) {
		return models.Snapshot{}, false, nil
	}
	if err != nil {
		return models.Snapshot{}, false, err
	}
	var snap models.Snapshot
	if err := json.Unmarshal([]byte(v), &snap); err != nil {
		return models.Snapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, true, nil
}

func (s *SnapshotStore) Clear(ctx context.Context) error {
	return s.kv.Remove(ctx, KeyRideState)
}
