package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/twquant/autotrader/pkg/types"
)

// FileSnapshotStore keeps the weekly P&L snapshot in a JSON file. It backs
// database-less runs so the weekly limit survives restarts.
type FileSnapshotStore struct {
	mu   sync.Mutex
	path string
}

// NewFileSnapshotStore creates a store writing to the given file path.
func NewFileSnapshotStore(path string) *FileSnapshotStore {
	return &FileSnapshotStore{path: path}
}

// SaveRiskSnapshot writes the snapshot atomically via a temp file rename.
func (s *FileSnapshotStore) SaveRiskSnapshot(_ context.Context, snap types.RiskSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal risk snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write risk snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace risk snapshot: %w", err)
	}
	return nil
}

// LoadRiskSnapshot reads the snapshot; a missing file is not an error.
func (s *FileSnapshotStore) LoadRiskSnapshot(context.Context) (types.RiskSnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return types.RiskSnapshot{}, false, nil
	}
	if err != nil {
		return types.RiskSnapshot{}, false, fmt.Errorf("read risk snapshot: %w", err)
	}
	var snap types.RiskSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return types.RiskSnapshot{}, false, fmt.Errorf("decode risk snapshot: %w", err)
	}
	return snap, true, nil
}
