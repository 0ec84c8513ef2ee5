package wall

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/Sira-K/Multiscreen-sub000/internal/encoder"
)

// StreamIDRegistry maps (group, logical stream name) to a stable short id.
// Ids are generated lazily, persisted immediately, and never change for the
// lifetime of the backing file, including across process restarts. Ids are
// never shared across groups.
type StreamIDRegistry struct {
	mu   sync.Mutex
	path string
	ids  map[string]map[string]string // group id -> logical name -> short id
}

// NewStreamIDRegistry loads (or lazily creates) the registry backed by the
// JSON file at path.
func NewStreamIDRegistry(path string) (*StreamIDRegistry, error) {
	r := &StreamIDRegistry{
		path: path,
		ids:  make(map[string]map[string]string),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *StreamIDRegistry) load() error {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read stream id registry: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &r.ids); err != nil {
		return fmt.Errorf("parse stream id registry %s: %w", r.path, err)
	}
	return nil
}

// saveLocked rewrites the backing file. Caller holds r.mu. The write goes
// through a temp file and rename so a crash never leaves a torn registry.
func (r *StreamIDRegistry) saveLocked() error {
	data, err := json.MarshalIndent(r.ids, "", "  ")
	if err != nil {
		return fmt.Errorf("encode stream id registry: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write stream id registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("replace stream id registry: %w", err)
	}
	return nil
}

// newShortID generates a compact unique token.
func newShortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// GetOrCreate returns the stable short id for (groupID, logicalName),
// generating and persisting a new one on first request. Writes are serialized
// so concurrent calls for the same key cannot mint two ids.
func (r *StreamIDRegistry) GetOrCreate(groupID, logicalName string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	group, ok := r.ids[groupID]
	if !ok {
		group = make(map[string]string)
		r.ids[groupID] = group
	}
	if id, ok := group[logicalName]; ok {
		return id, nil
	}

	id := newShortID()
	group[logicalName] = id
	if err := r.saveLocked(); err != nil {
		// Roll back the in-memory entry so a retry regenerates and re-saves.
		delete(group, logicalName)
		return "", err
	}
	return id, nil
}

// GetGroupStreams returns the combined stream plus one entry per screen
// index, creating any missing ids.
func (r *StreamIDRegistry) GetGroupStreams(groupID, groupName string, screenCount int) (map[string]string, error) {
	out := make(map[string]string, screenCount+1)

	id, err := r.GetOrCreate(groupID, encoder.CombinedStream)
	if err != nil {
		return nil, err
	}
	out[encoder.CombinedStream] = id

	for i := 0; i < screenCount; i++ {
		name := encoder.ScreenStream(i)
		id, err := r.GetOrCreate(groupID, name)
		if err != nil {
			return nil, err
		}
		out[name] = id
	}
	return out, nil
}

// Lookup returns the id for (groupID, logicalName) without creating one.
func (r *StreamIDRegistry) Lookup(groupID, logicalName string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	group, ok := r.ids[groupID]
	if !ok {
		return "", false
	}
	id, ok := group[logicalName]
	return id, ok
}

// Forget drops a group's ids from memory and the backing file. Called on
// group delete.
func (r *StreamIDRegistry) Forget(groupID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[groupID]; !ok {
		return nil
	}
	delete(r.ids, groupID)
	return r.saveLocked()
}
