package devices

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/KevinKickass/OpenShotCore/internal/contract"
	"github.com/KevinKickass/OpenShotCore/internal/errcode"
	"github.com/KevinKickass/OpenShotCore/internal/params"
	"github.com/KevinKickass/OpenShotCore/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"
)

const customCoil = `
kind: TEST_COIL
guid: 0b6e3b86-0d7a-4f83-9a3c-6a2f0b5c7d11
rate: 1000
phase: 0.5
transport:
  address: 239.0.0.245
  port: 4000
channels:
  - name: CURRENT
    direction: input
    raw_shape: 2
    phys_shape: 2
    hal: "_out := _in * [2., 2.] + [0., 1.]"
    max_missing: 3
parameters:
  - path: PARAMETERS.CONFIG.GAIN
    type: numeric
    value: 1.5
`

func TestLoadBuiltins(t *testing.T) {
	loader, err := NewDescriptorLoader(nil)
	if err != nil {
		t.Fatal(err)
	}

	kinds := loader.Kinds()
	for _, want := range []string{"LIFT_COIL", "PICKUP_COILS", "TOF_SENSORS"} {
		desc, err := loader.Load(want)
		if err != nil {
			t.Fatalf("Load(%s): %v", want, err)
		}
		if desc.Kind != want {
			t.Errorf("Load(%s).Kind = %s", want, desc.Kind)
		}
		found := false
		for _, k := range kinds {
			found = found || k == want
		}
		if !found {
			t.Errorf("Kinds() = %v misses %s", kinds, want)
		}
	}

	tof, _ := loader.Load("tof_sensors")
	if tof.Rate != 100 || len(tof.Channels) != 1 || tof.Channels[0].RawShape != 4 || tof.Channels[0].MaxMissing != 1 {
		t.Errorf("tof descriptor = %+v", tof)
	}
	again, _ := loader.Load("TOF_SENSORS")
	if again != tof {
		t.Error("second Load did not hit the cache")
	}

	if _, err := loader.Load("NO_SUCH_KIND"); !errors.Is(err, errcode.NotFound) {
		t.Errorf("unknown kind err = %v", err)
	}
}

func TestSearchPathShadowsBuiltins(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "test_coil.yaml"), []byte(customCoil), 0o644); err != nil {
		t.Fatal(err)
	}
	tof := strings.Replace(readBuiltin(t, "tof_sensors.json"), `"rate": 100`, `"rate": 250`, 1)
	if err := os.WriteFile(filepath.Join(dir, "tof_sensors.json"), []byte(tof), 0o644); err != nil {
		t.Fatal(err)
	}

	loader, err := NewDescriptorLoader([]string{dir})
	if err != nil {
		t.Fatal(err)
	}
	desc, err := loader.Load("TEST_COIL")
	if err != nil {
		t.Fatal(err)
	}
	if desc.Phase != 0.5 || desc.Channels[0].Name != "CURRENT" {
		t.Errorf("custom descriptor = %+v", desc)
	}
	shadowed, err := loader.Load("TOF_SENSORS")
	if err != nil {
		t.Fatal(err)
	}
	if shadowed.Rate != 250 {
		t.Errorf("rate = %g, search path should shadow the built-in", shadowed.Rate)
	}
}

func readBuiltin(t *testing.T, name string) string {
	t.Helper()
	data, err := builtinFS.ReadFile("builtin/" + name)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestParseRejects(t *testing.T) {
	loader, err := NewDescriptorLoader(nil)
	if err != nil {
		t.Fatal(err)
	}
	tests := map[string]string{
		"unknown field":    strings.Replace(customCoil, "rate: 1000", "rate: 1000\ncolour: red", 1),
		"zero rate":        strings.Replace(customCoil, "rate: 1000", "rate: 0", 1),
		"bad address":      strings.Replace(customCoil, "239.0.0.245", "not-an-ip", 1),
		"lowercase kind":   strings.Replace(customCoil, "kind: TEST_COIL", "kind: test_coil", 1),
		"hal shape":        strings.Replace(customCoil, "[2., 2.]", "[2., 2., 2.]", 1),
		"shape difference": strings.Replace(customCoil, "phys_shape: 2", "phys_shape: 3", 1),
		"not yaml":         "kind: [",
	}
	for name, doc := range tests {
		if _, err := loader.Parse([]byte(doc), ".yaml"); err == nil {
			t.Errorf("%s: Parse succeeded", name)
		}
	}
}

func TestValidateDefinitionRoundTrip(t *testing.T) {
	loader, _ := NewDescriptorLoader(nil)
	v, err := NewValidator()
	if err != nil {
		t.Fatal(err)
	}
	for _, kind := range loader.Kinds() {
		desc, err := loader.Load(kind)
		if err != nil {
			t.Fatal(err)
		}
		if err := v.ValidateDefinition(desc); err != nil {
			t.Errorf("%s: %v", kind, err)
		}
	}
}

func TestFingerprint(t *testing.T) {
	loader, _ := NewDescriptorLoader(nil)
	fromYAML, err := loader.Parse([]byte(customCoil), ".yaml")
	if err != nil {
		t.Fatal(err)
	}
	fromJSON, err := loader.Parse([]byte(`{
		"channels": [{"max_missing": 3, "hal": "_out := _in * [2., 2.] + [0., 1.]",
			"phys_shape": 2, "raw_shape": 2, "direction": "input", "name": "CURRENT"}],
		"parameters": [{"value": 1.5, "type": "numeric", "path": "PARAMETERS.CONFIG.GAIN"}],
		"transport": {"port": 4000, "address": "239.0.0.245"},
		"phase": 0.5, "rate": 1000,
		"guid": "0b6e3b86-0d7a-4f83-9a3c-6a2f0b5c7d11", "kind": "TEST_COIL"
	}`), ".json")
	if err != nil {
		t.Fatal(err)
	}

	a, err := Fingerprint(fromYAML)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := Fingerprint(fromJSON)
	if a != b {
		t.Errorf("YAML and JSON forms differ: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("fingerprint length = %d", len(a))
	}

	fromJSON.Rate = 2000
	if c, _ := Fingerprint(fromJSON); c == a {
		t.Error("rate change kept the fingerprint")
	}
}

func newManager(t *testing.T, store storage.Store, searchPaths ...string) *Manager {
	t.Helper()
	loader, err := NewDescriptorLoader(searchPaths)
	if err != nil {
		t.Fatal(err)
	}
	logger := zaptest.NewLogger(t)
	return NewManager(loader, store, contract.Options{Logger: logger}, logger)
}

func TestInstantiate(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	m := newManager(t, store)

	dev, err := m.Instantiate(ctx, CreateRequest{
		Kind:    "LIFT_COIL",
		Name:    "lift-1",
		Comment: "upper coil",
		Values: map[string]params.Value{
			"PARAMETERS.RECIPE.PS_VOLT": params.Numeric(24),
			"COMMS.PORT":                params.Numeric(5000),
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	id := dev.Identity()
	if id.Name != "lift-1" || id.Kind != "LIFT_COIL" || id.InstanceID == uuid.Nil {
		t.Errorf("identity = %+v", id)
	}
	tree := dev.Tree()
	if v, _ := tree.Get(contract.PathThisGUID, params.TypeText); v.Text != id.InstanceID.String() {
		t.Errorf("THIS_GUID = %q", v.Text)
	}
	if v, _ := tree.Get(contract.PathCommsName, params.TypeText); v.Text != "lift-1" {
		t.Errorf("COMMS.NAME = %q", v.Text)
	}
	if v, _ := tree.Get("PARAMETERS.RECIPE.PS_VOLT", params.TypeNumeric); v.Number != 24 {
		t.Errorf("PS_VOLT = %v", v)
	}
	binding, err := dev.Binding()
	if err != nil || binding.Port != 5000 || binding.Address != "239.0.0.244" {
		t.Errorf("binding = %+v, %v", binding, err)
	}

	records, _ := store.LoadParameters(ctx, id.InstanceID)
	if len(records) == 0 {
		t.Error("nothing persisted")
	}

	if _, err := m.Instantiate(ctx, CreateRequest{Kind: "TOF_SENSORS", Name: "lift-1"}); !errors.Is(err, errcode.DuplicateIdentity) {
		t.Errorf("duplicate name err = %v", err)
	}
	if _, err := m.Instantiate(ctx, CreateRequest{Kind: "LIFT_COIL", Name: "lift-2",
		Values: map[string]params.Value{"PARAMETERS.NOPE": params.Numeric(1)}}); !errors.Is(err, errcode.NotFound) {
		t.Errorf("unknown override err = %v", err)
	}

	for _, ref := range []string{"lift-1", id.InstanceID.String()} {
		if got, err := m.Lookup(ref); err != nil || got != dev {
			t.Errorf("Lookup(%s) = %v, %v", ref, got, err)
		}
	}
	if _, err := m.Lookup("missing"); !errors.Is(err, errcode.NotFound) {
		t.Errorf("Lookup(missing) err = %v", err)
	}
}

func TestInstantiateIdentityCollision(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, storage.NewMemoryStore())
	fixed := uuid.MustParse("9f4c1e2a-3b5d-4e6f-8a7b-1c2d3e4f5a6b")
	m.newID = func() uuid.UUID { return fixed }

	if _, err := m.Instantiate(ctx, CreateRequest{Kind: "TOF_SENSORS", Name: "tof-1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Instantiate(ctx, CreateRequest{Kind: "TOF_SENSORS", Name: "tof-2"}); !errors.Is(err, errcode.DuplicateIdentity) {
		t.Errorf("reused instance id err = %v", err)
	}
	if len(m.List()) != 1 {
		t.Errorf("List() = %d devices", len(m.List()))
	}
}

// flakyStore fails parameter writes while fail is set.
type flakyStore struct {
	*storage.MemoryStore
	fail bool
}

func (s *flakyStore) SaveParameter(ctx context.Context, id uuid.UUID, rec params.Record) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.MemoryStore.SaveParameter(ctx, id, rec)
}

func TestInstantiateReleasesIdentityOnPersistFailure(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemoryStore: storage.NewMemoryStore(), fail: true}
	m := newManager(t, store)

	if _, err := m.Instantiate(ctx, CreateRequest{Kind: "TOF_SENSORS", Name: "tof"}); err == nil {
		t.Fatal("instantiate succeeded without persisting")
	}
	if list, _ := store.ListInstances(ctx); len(list) != 0 {
		t.Errorf("orphaned registry rows: %+v", list)
	}
	if _, err := m.Lookup("tof"); !errors.Is(err, errcode.NotFound) {
		t.Errorf("failed instance registered: %v", err)
	}

	store.fail = false
	dev, err := m.Instantiate(ctx, CreateRequest{Kind: "TOF_SENSORS", Name: "tof"})
	if err != nil {
		t.Fatalf("retry with the same name: %v", err)
	}

	again := newManager(t, store)
	if err := again.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got, err := again.Lookup("tof"); err != nil || got.Identity().InstanceID != dev.Identity().InstanceID {
		t.Errorf("restored %v, %v", got, err)
	}
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	first := newManager(t, store)

	dev, err := first.Instantiate(ctx, CreateRequest{Kind: "PICKUP_COILS", Name: "pickup"})
	if err != nil {
		t.Fatal(err)
	}
	scale := fluxScale(dev)
	scale[0] = 3
	if err := dev.Tree().Set(ctx, contract.ChannelPath("FLUX", "SCALE"), params.Vector(scale...)); err != nil {
		t.Fatal(err)
	}
	if _, err := first.Instantiate(ctx, CreateRequest{Kind: "TOF_SENSORS", Name: "tof"}); err != nil {
		t.Fatal(err)
	}

	second := newManager(t, store)
	if err := second.Restore(ctx); err != nil {
		t.Fatal(err)
	}
	list := second.List()
	if len(list) != 2 || list[0].Identity().Name != "pickup" || list[1].Identity().Name != "tof" {
		t.Fatalf("restored %d devices", len(list))
	}
	restored := list[0]
	if restored.Identity() != dev.Identity() {
		t.Errorf("identity = %+v, want %+v", restored.Identity(), dev.Identity())
	}
	if got := fluxScale(restored); got[0] != 3 {
		t.Errorf("restored scale = %v", got)
	}
	if restored.State() != contract.StateCreated {
		t.Errorf("restored state = %s", restored.State())
	}
}

func fluxScale(dev *contract.Device) []float64 {
	v, _ := dev.Tree().Get(contract.ChannelPath("FLUX", "SCALE"), params.TypeVector)
	return v.Vector
}

func TestRestoreRefusesChangedDescriptor(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	dir := t.TempDir()
	path := filepath.Join(dir, "test_coil.yaml")
	if err := os.WriteFile(path, []byte(customCoil), 0o644); err != nil {
		t.Fatal(err)
	}

	first := newManager(t, store, dir)
	if _, err := first.Instantiate(ctx, CreateRequest{Kind: "TEST_COIL", Name: "coil"}); err != nil {
		t.Fatal(err)
	}

	changed := strings.Replace(customCoil, "max_missing: 3", "max_missing: 5", 1)
	if err := os.WriteFile(path, []byte(changed), 0o644); err != nil {
		t.Fatal(err)
	}
	second := newManager(t, store, dir)
	if err := second.Restore(ctx); !errors.Is(err, errcode.RecipeMismatch) {
		t.Errorf("Restore err = %v", err)
	}
	if len(second.List()) != 0 {
		t.Error("drifted instance was restored")
	}
}

func TestStopAll(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, storage.NewMemoryStore())
	checked, err := m.Instantiate(ctx, CreateRequest{Kind: "TOF_SENSORS", Name: "a"})
	if err != nil {
		t.Fatal(err)
	}
	fresh, err := m.Instantiate(ctx, CreateRequest{Kind: "TOF_SENSORS", Name: "b"})
	if err != nil {
		t.Fatal(err)
	}
	if err := checked.Check(ctx); err != nil {
		t.Fatal(err)
	}

	m.StopAll(ctx)
	if checked.State() != contract.StateStopped {
		t.Errorf("checked device state = %s", checked.State())
	}
	if fresh.State() != contract.StateCreated {
		t.Errorf("created device state = %s", fresh.State())
	}
}
