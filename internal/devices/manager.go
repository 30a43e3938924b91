package devices

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/KevinKickass/OpenShotCore/internal/contract"
	"github.com/KevinKickass/OpenShotCore/internal/errcode"
	"github.com/KevinKickass/OpenShotCore/internal/params"
	"github.com/KevinKickass/OpenShotCore/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CreateRequest describes a new device instance. Values override descriptor
// defaults and are keyed by parameter path.
type CreateRequest struct {
	Kind      string                  `json:"kind"`
	Name      string                  `json:"name"`
	Comment   string                  `json:"comment,omitempty"`
	CommsName string                  `json:"comms_name,omitempty"`
	Values    map[string]params.Value `json:"values,omitempty"`
}

// Manager owns every device instance of the process.
type Manager struct {
	loader *DescriptorLoader
	store  storage.Store
	opts   contract.Options
	logger *zap.Logger

	mu      sync.RWMutex
	devices map[uuid.UUID]*contract.Device
	byName  map[string]uuid.UUID

	newID func() uuid.UUID
}

func NewManager(loader *DescriptorLoader, store storage.Store, opts contract.Options, logger *zap.Logger) *Manager {
	if opts.Logger == nil {
		opts.Logger = logger
	}
	return &Manager{
		loader:  loader,
		store:   store,
		opts:    opts,
		logger:  logger,
		devices: make(map[uuid.UUID]*contract.Device),
		byName:  make(map[string]uuid.UUID),
		newID:   uuid.New,
	}
}

func (m *Manager) Loader() *DescriptorLoader { return m.loader }

// Instantiate creates, persists and registers a new device instance.
func (m *Manager) Instantiate(ctx context.Context, req CreateRequest) (*contract.Device, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, errcode.New(errcode.TypeMismatch, "devices.Instantiate", "device name is required")
	}

	desc, err := m.loader.Load(req.Kind)
	if err != nil {
		return nil, err
	}
	fingerprint, err := Fingerprint(desc)
	if err != nil {
		return nil, fmt.Errorf("fingerprint %s: %w", desc.Kind, err)
	}

	m.mu.RLock()
	_, taken := m.byName[name]
	m.mu.RUnlock()
	if taken {
		return nil, errcode.New(errcode.DuplicateIdentity, "devices.Instantiate", "name %s already in use", name)
	}

	id := m.newID()
	commsName := req.CommsName
	if commsName == "" {
		commsName = name
	}
	values := make(map[string]params.Value, len(req.Values)+4)
	for path, v := range req.Values {
		values[path] = v
	}
	values[contract.PathThisGUID] = params.Text(id.String())
	values[contract.PathName] = params.Text(name)
	values[contract.PathCommsName] = params.Text(commsName)
	if req.Comment != "" {
		values[contract.PathComment] = params.Text(req.Comment)
	}

	tree, err := m.newTree(id, desc, values)
	if err != nil {
		return nil, err
	}

	inst := storage.Instance{
		ID:           id,
		Kind:         desc.Kind,
		ContractGUID: desc.GUID,
		Name:         name,
		Fingerprint:  fingerprint,
		CreatedAt:    time.Now().UTC(),
	}
	if err := m.store.ReserveIdentity(ctx, inst); err != nil {
		return nil, err
	}
	if err := tree.Persist(ctx); err != nil {
		// A registry row without parameters could never be restored.
		if rerr := m.store.ReleaseIdentity(context.WithoutCancel(ctx), id); rerr != nil {
			m.logger.Error("Failed to release identity",
				zap.String("name", name),
				zap.String("instance_id", id.String()),
				zap.Error(rerr))
		}
		return nil, fmt.Errorf("persist %s: %w", name, err)
	}

	dev, err := contract.New(desc, tree, m.opts)
	if err != nil {
		return nil, err
	}
	m.register(dev)

	m.logger.Info("Device instantiated",
		zap.String("name", name),
		zap.String("kind", desc.Kind),
		zap.String("instance_id", id.String()),
		zap.String("fingerprint", fingerprint))
	return dev, nil
}

func (m *Manager) newTree(id uuid.UUID, desc *contract.Descriptor, values map[string]params.Value) (*params.Tree, error) {
	specs, err := contract.Schema(desc)
	if err != nil {
		return nil, err
	}
	if values != nil {
		if specs, err = params.WithDefaults(specs, values); err != nil {
			return nil, err
		}
	}
	return params.NewTree(id, specs, m.store)
}

func (m *Manager) register(dev *contract.Device) {
	id := dev.Identity()
	m.mu.Lock()
	m.devices[id.InstanceID] = dev
	m.byName[id.Name] = id.InstanceID
	m.mu.Unlock()
}

// Restore reloads every persisted instance. Instances whose descriptor
// changed since creation are skipped and reported.
func (m *Manager) Restore(ctx context.Context) error {
	instances, err := m.store.ListInstances(ctx)
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}

	var problems []error
	for _, inst := range instances {
		if err := m.restore(ctx, inst); err != nil {
			m.logger.Error("Failed to restore device",
				zap.String("name", inst.Name),
				zap.String("kind", inst.Kind),
				zap.Error(err))
			problems = append(problems, fmt.Errorf("%s: %w", inst.Name, err))
		}
	}

	m.logger.Info("Devices restored",
		zap.Int("restored", len(instances)-len(problems)),
		zap.Int("failed", len(problems)))
	return errors.Join(problems...)
}

func (m *Manager) restore(ctx context.Context, inst storage.Instance) error {
	desc, err := m.loader.Load(inst.Kind)
	if err != nil {
		return err
	}
	fingerprint, err := Fingerprint(desc)
	if err != nil {
		return err
	}
	if fingerprint != inst.Fingerprint {
		return errcode.New(errcode.RecipeMismatch, "devices.Restore",
			"descriptor %s changed since the instance was created", inst.Kind)
	}

	tree, err := m.newTree(inst.ID, desc, nil)
	if err != nil {
		return err
	}
	if err := tree.Restore(ctx); err != nil {
		return err
	}
	dev, err := contract.New(desc, tree, m.opts)
	if err != nil {
		return err
	}
	m.register(dev)
	return nil
}

func (m *Manager) Get(id uuid.UUID) (*contract.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dev, ok := m.devices[id]
	if !ok {
		return nil, errcode.New(errcode.NotFound, "devices.Get", "device %s not found", id)
	}
	return dev, nil
}

func (m *Manager) GetByName(name string) (*contract.Device, error) {
	m.mu.RLock()
	id, ok := m.byName[name]
	m.mu.RUnlock()
	if !ok {
		return nil, errcode.New(errcode.NotFound, "devices.GetByName", "device %s not found", name)
	}
	return m.Get(id)
}

// Lookup accepts either an instance ID or a device name.
func (m *Manager) Lookup(ref string) (*contract.Device, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return m.Get(id)
	}
	return m.GetByName(ref)
}

// List returns every device sorted by name.
func (m *Manager) List() []*contract.Device {
	m.mu.RLock()
	out := make([]*contract.Device, 0, len(m.devices))
	for _, dev := range m.devices {
		out = append(out, dev)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Identity().Name < out[j].Identity().Name })
	return out
}

// StopAll stops every device that left the created state.
func (m *Manager) StopAll(ctx context.Context) {
	for _, dev := range m.List() {
		if !contract.CanTransition(dev.State(), contract.OpStop) {
			continue
		}
		if err := dev.Stop(ctx); err != nil {
			m.logger.Error("Failed to stop device",
				zap.String("name", dev.Identity().Name),
				zap.Error(err))
		}
	}
}
