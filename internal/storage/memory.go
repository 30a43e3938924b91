package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/KevinKickass/OpenShotCore/internal/errcode"
	"github.com/KevinKickass/OpenShotCore/internal/params"
	"github.com/google/uuid"
)

// MemoryStore keeps everything in process. It enforces the same identity
// and write-once rules as the Postgres schema.
type MemoryStore struct {
	mu         sync.RWMutex
	instances  map[uuid.UUID]Instance
	names      map[string]uuid.UUID
	parameters map[uuid.UUID]map[string]params.Record
	shots      map[uuid.UUID]ShotRecord
	authEvents []AuthEvent
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances:  make(map[uuid.UUID]Instance),
		names:      make(map[string]uuid.UUID),
		parameters: make(map[uuid.UUID]map[string]params.Record),
		shots:      make(map[uuid.UUID]ShotRecord),
	}
}

func (m *MemoryStore) ReserveIdentity(ctx context.Context, inst Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.instances[inst.ID]; ok {
		return errcode.New(errcode.DuplicateIdentity, "storage.ReserveIdentity", "instance %s already exists", inst.ID)
	}
	if _, ok := m.names[inst.Name]; ok {
		return errcode.New(errcode.DuplicateIdentity, "storage.ReserveIdentity", "name %s already in use", inst.Name)
	}
	m.instances[inst.ID] = inst
	m.names[inst.Name] = inst.ID
	return nil
}

func (m *MemoryStore) ReleaseIdentity(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if inst, ok := m.instances[id]; ok {
		delete(m.names, inst.Name)
		delete(m.instances, id)
	}
	delete(m.parameters, id)
	return nil
}

func (m *MemoryStore) ListInstances(ctx context.Context) ([]Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *MemoryStore) SaveParameter(ctx context.Context, instanceID uuid.UUID, rec params.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	records, ok := m.parameters[instanceID]
	if !ok {
		records = make(map[string]params.Record)
		m.parameters[instanceID] = records
	}
	if cur, ok := records[rec.Path]; ok && cur.WriteOnce && !cur.Value.Equal(rec.Value) {
		return errcode.New(errcode.Frozen, "storage.SaveParameter", "%s is write-once and already stored", rec.Path)
	}
	if rec.Value.Vector != nil {
		rec.Value.Vector = append([]float64(nil), rec.Value.Vector...)
	}
	records[rec.Path] = rec
	return nil
}

func (m *MemoryStore) LoadParameters(ctx context.Context, instanceID uuid.UUID) ([]params.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]params.Record, 0, len(m.parameters[instanceID]))
	for _, rec := range m.parameters[instanceID] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *MemoryStore) SaveShot(ctx context.Context, shot *ShotRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *shot
	cp.Faults = append([]ShotFault(nil), shot.Faults...)
	m.shots[shot.ID] = cp
	return nil
}

func (m *MemoryStore) ListShots(ctx context.Context, limit int) ([]ShotRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ShotRecord, 0, len(m.shots))
	for _, s := range m.shots {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Number != out[j].Number {
			return out[i].Number > out[j].Number
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) LogAuthEvent(ctx context.Context, ev AuthEvent) error {
	m.mu.Lock()
	m.authEvents = append(m.authEvents, ev)
	m.mu.Unlock()
	return nil
}

// AuthEvents returns the recorded login attempts.
func (m *MemoryStore) AuthEvents() []AuthEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]AuthEvent(nil), m.authEvents...)
}

func (m *MemoryStore) Close() {}
