package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MemoryBackend keeps encoded snapshots in process memory.
type MemoryBackend struct {
	mu       sync.RWMutex
	versions map[string][][]byte
}

// NewMemoryBackend returns an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{versions: map[string][][]byte{}}
}

func (b *MemoryBackend) Load(_ context.Context, jobID string) (Manifest, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	history := b.versions[jobID]
	if len(history) == 0 {
		return Manifest{}, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	return decodeManifest(history[len(history)-1])
}

func (b *MemoryBackend) Save(_ context.Context, m Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("manifest: encode job %s: %w", m.Job.ID, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.versions[m.Job.ID] = append(b.versions[m.Job.ID], data)
	return nil
}

func (b *MemoryBackend) LoadVersion(_ context.Context, jobID string, version int64) (Manifest, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, data := range b.versions[jobID] {
		m, err := decodeManifest(data)
		if err != nil {
			return Manifest{}, err
		}
		if m.Version == version {
			return m, nil
		}
	}
	return Manifest{}, fmt.Errorf("%w: job %s version %d", ErrNotFound, jobID, version)
}

func (b *MemoryBackend) ListVersions(_ context.Context, jobID string) ([]int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	history := b.versions[jobID]
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	out := make([]int64, 0, len(history))
	for _, data := range history {
		m, err := decodeManifest(data)
		if err != nil {
			return nil, err
		}
		out = append(out, m.Version)
	}
	return out, nil
}

func (b *MemoryBackend) ListJobs(context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.versions))
	for id := range b.versions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func decodeManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("manifest: decode snapshot: %w", err)
	}
	if m.Stages == nil {
		m.Stages = map[string]StageRecord{}
	}
	return m, nil
}
