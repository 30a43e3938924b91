package params

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/KevinKickass/OpenShotCore/internal/errcode"
	"github.com/google/uuid"
)

// Spec declares one node of a parameter tree.
type Spec struct {
	Path        string   `json:"path"`
	Type        Type     `json:"type"`
	Default     *Value   `json:"value,omitempty"`
	WriteOnce   bool     `json:"write_once,omitempty"`
	NoWriteShot bool     `json:"no_write_shot,omitempty"`
	Shape       int      `json:"shape,omitempty"`
	Min         *float64 `json:"min,omitempty"`
	Max         *float64 `json:"max,omitempty"`
	Unit        string   `json:"unit,omitempty"`
	Help        string   `json:"help,omitempty"`
}

// Record is the persisted form of one assigned leaf.
type Record struct {
	Path      string `json:"path"`
	Value     Value  `json:"value"`
	WriteOnce bool   `json:"write_once"`
}

// Store backs a tree. Implementations must refuse to change the value of
// a write-once record once it exists.
type Store interface {
	LoadParameters(ctx context.Context, instanceID uuid.UUID) ([]Record, error)
	SaveParameter(ctx context.Context, instanceID uuid.UUID, rec Record) error
}

// Entry is a read-only view of a node.
type Entry struct {
	Path        string `json:"path"`
	Type        Type   `json:"type"`
	Value       *Value `json:"value,omitempty"`
	WriteOnce   bool   `json:"write_once,omitempty"`
	NoWriteShot bool   `json:"no_write_shot,omitempty"`
	Unit        string `json:"unit,omitempty"`
	Help        string `json:"help,omitempty"`
}

type node struct {
	spec  Spec
	value *Value
}

// Tree is the typed, hierarchical parameter store of one device instance.
type Tree struct {
	instanceID uuid.UUID
	store      Store

	mu     sync.RWMutex
	nodes  map[string]*node
	paths  []string
	inShot bool
}

// NewTree builds a tree from its specs. Missing parent groupings are
// created as structure nodes; defaults count as first assignment.
func NewTree(instanceID uuid.UUID, specs []Spec, store Store) (*Tree, error) {
	t := &Tree{
		instanceID: instanceID,
		store:      store,
		nodes:      make(map[string]*node),
	}

	for _, s := range specs {
		path, err := CanonicalPath(s.Path)
		if err != nil {
			return nil, err
		}
		if !s.Type.Valid() {
			return nil, fmt.Errorf("node %s: unknown type %q", path, s.Type)
		}
		if existing, ok := t.nodes[path]; ok {
			// An implicit grouping may later be declared explicitly.
			if existing.spec.Type == TypeStructure && s.Type == TypeStructure {
				existing.spec.Help = s.Help
				continue
			}
			return nil, fmt.Errorf("duplicate node %s", path)
		}
		if err := t.ensureParents(path); err != nil {
			return nil, err
		}

		s.Path = path
		n := &node{spec: s}
		if s.Default != nil {
			if s.Type == TypeStructure {
				return nil, fmt.Errorf("structure node %s cannot carry a value", path)
			}
			v := Coerce(*s.Default, s.Type)
			if v.Type != s.Type {
				return nil, fmt.Errorf("node %s: default of type %s, declared %s", path, v.Type, s.Type)
			}
			if s.Shape > 0 && v.Len() != s.Shape {
				return nil, fmt.Errorf("node %s: default has %d elements, declared shape %d", path, v.Len(), s.Shape)
			}
			n.value = &v
		}
		n.spec.Default = nil
		t.nodes[path] = n
		t.paths = append(t.paths, path)
	}

	return t, nil
}

func (t *Tree) ensureParents(path string) error {
	var missing []string
	for p := parent(path); p != ""; p = parent(p) {
		n, ok := t.nodes[p]
		if ok {
			if n.spec.Type != TypeStructure {
				return fmt.Errorf("node %s has leaf parent %s", path, p)
			}
			break
		}
		missing = append(missing, p)
	}
	for i := len(missing) - 1; i >= 0; i-- {
		t.nodes[missing[i]] = &node{spec: Spec{Path: missing[i], Type: TypeStructure}}
		t.paths = append(t.paths, missing[i])
	}
	return nil
}

// InstanceID returns the owning instance.
func (t *Tree) InstanceID() uuid.UUID { return t.instanceID }

func (t *Tree) lookup(op, path string) (string, *node, error) {
	canon, err := CanonicalPath(path)
	if err != nil {
		return "", nil, errcode.Wrap(errcode.NotFound, op, err)
	}
	n, ok := t.nodes[canon]
	if !ok {
		return canon, nil, errcode.New(errcode.NotFound, op, "no node %s", canon)
	}
	if n.spec.Type == TypeStructure {
		return canon, nil, errcode.New(errcode.NotLeaf, op, "%s is a structure node", canon)
	}
	return canon, n, nil
}

// Get returns the value at path, checking it against the expected type.
func (t *Tree) Get(path string, want Type) (Value, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	canon, n, err := t.lookup("params.Get", path)
	if err != nil {
		return Value{}, err
	}
	if want != n.spec.Type {
		return Value{}, errcode.New(errcode.TypeMismatch, "params.Get", "%s is %s, requested %s", canon, n.spec.Type, want)
	}
	if n.value == nil {
		return Value{}, errcode.New(errcode.NotFound, "params.Get", "%s has no value", canon)
	}
	return clone(*n.value), nil
}

// Set assigns a value. Writing the current value again always succeeds.
func (t *Tree) Set(ctx context.Context, path string, v Value) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	canon, n, err := t.lookup("params.Set", path)
	if err != nil {
		return err
	}
	v = Coerce(v, n.spec.Type)
	if v.Type != n.spec.Type {
		return errcode.New(errcode.TypeMismatch, "params.Set", "%s is %s, got %s", canon, n.spec.Type, v.Type)
	}
	if n.spec.Shape > 0 && v.Len() != n.spec.Shape {
		return errcode.New(errcode.ShapeMismatch, "params.Set", "%s expects %d elements, got %d", canon, n.spec.Shape, v.Len())
	}
	if n.value != nil && n.value.Equal(v) {
		return nil
	}
	if n.spec.WriteOnce && n.value != nil {
		return errcode.New(errcode.Frozen, "params.Set", "%s is immutable for this contract", canon)
	}
	if t.inShot && n.spec.NoWriteShot {
		return errcode.New(errcode.Frozen, "params.Set", "%s cannot change during a shot", canon)
	}

	v = clone(v)
	if t.store != nil {
		rec := Record{Path: canon, Value: v, WriteOnce: n.spec.WriteOnce}
		if err := t.store.SaveParameter(ctx, t.instanceID, rec); err != nil {
			if errcode.Of(err) == errcode.Frozen {
				return err
			}
			return errcode.Wrap(errcode.IOError, "params.Set", err)
		}
	}
	n.value = &v
	return nil
}

// Persist writes every assigned leaf to the store.
func (t *Tree) Persist(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, p := range t.paths {
		n := t.nodes[p]
		if n.value == nil {
			continue
		}
		rec := Record{Path: p, Value: *n.value, WriteOnce: n.spec.WriteOnce}
		if err := t.store.SaveParameter(ctx, t.instanceID, rec); err != nil {
			return fmt.Errorf("persist %s: %w", p, err)
		}
	}
	return nil
}

// Restore loads persisted values over the defaults. Records for paths the
// tree does not declare are ignored.
func (t *Tree) Restore(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	records, err := t.store.LoadParameters(ctx, t.instanceID)
	if err != nil {
		return fmt.Errorf("load parameters: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, rec := range records {
		canon, err := CanonicalPath(rec.Path)
		if err != nil {
			continue
		}
		n, ok := t.nodes[canon]
		if !ok || n.spec.Type == TypeStructure {
			continue
		}
		v := Coerce(rec.Value, n.spec.Type)
		if v.Type != n.spec.Type {
			return fmt.Errorf("persisted %s is %s, declared %s", canon, v.Type, n.spec.Type)
		}
		v = clone(v)
		n.value = &v
	}
	return nil
}

// BeginShot freezes every no-write-during-shot node.
func (t *Tree) BeginShot() {
	t.mu.Lock()
	t.inShot = true
	t.mu.Unlock()
}

// EndShot releases the shot freeze.
func (t *Tree) EndShot() {
	t.mu.Lock()
	t.inShot = false
	t.mu.Unlock()
}

func (t *Tree) InShot() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.inShot
}

// Unresolved lists write-once leaves that were never assigned.
func (t *Tree) Unresolved() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []string
	for _, p := range t.paths {
		n := t.nodes[p]
		if n.spec.Type != TypeStructure && n.spec.WriteOnce && n.value == nil {
			out = append(out, p)
		}
	}
	return out
}

// RangeViolations checks every numeric leaf against its declared bounds.
func (t *Tree) RangeViolations() []error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var errs []error
	for _, p := range t.paths {
		n := t.nodes[p]
		if n.value == nil || (n.spec.Min == nil && n.spec.Max == nil) {
			continue
		}
		var elems []float64
		switch n.value.Type {
		case TypeNumeric:
			elems = []float64{n.value.Number}
		case TypeVector:
			elems = n.value.Vector
		default:
			continue
		}
		for i, f := range elems {
			if n.spec.Min != nil && f < *n.spec.Min {
				errs = append(errs, fmt.Errorf("%s[%d] = %g below minimum %g", p, i, f, *n.spec.Min))
			}
			if n.spec.Max != nil && f > *n.spec.Max {
				errs = append(errs, fmt.Errorf("%s[%d] = %g above maximum %g", p, i, f, *n.spec.Max))
			}
		}
	}
	return errs
}

// Entries returns every node, sorted by path.
func (t *Tree) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Entry, 0, len(t.paths))
	for _, p := range t.paths {
		n := t.nodes[p]
		e := Entry{
			Path:        p,
			Type:        n.spec.Type,
			WriteOnce:   n.spec.WriteOnce,
			NoWriteShot: n.spec.NoWriteShot,
			Unit:        n.spec.Unit,
			Help:        n.spec.Help,
		}
		if n.value != nil {
			v := clone(*n.value)
			e.Value = &v
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func clone(v Value) Value {
	if v.Vector != nil {
		v.Vector = append([]float64(nil), v.Vector...)
	}
	return v
}

// WithDefaults returns a copy of specs whose defaults are replaced by the
// given creation-time values. Paths are matched canonically.
func WithDefaults(specs []Spec, values map[string]Value) ([]Spec, error) {
	out := make([]Spec, len(specs))
	copy(out, specs)

	index := make(map[string]int, len(out))
	for i, s := range out {
		canon, err := CanonicalPath(s.Path)
		if err != nil {
			return nil, err
		}
		index[canon] = i
	}

	for path, v := range values {
		canon, err := CanonicalPath(path)
		if err != nil {
			return nil, errcode.Wrap(errcode.NotFound, "params.WithDefaults", err)
		}
		i, ok := index[canon]
		if !ok {
			return nil, errcode.New(errcode.NotFound, "params.WithDefaults", "no node %s", canon)
		}
		if out[i].Type == TypeStructure {
			return nil, errcode.New(errcode.NotLeaf, "params.WithDefaults", "%s is a structure node", canon)
		}
		v = clone(Coerce(v, out[i].Type))
		if v.Type != out[i].Type {
			return nil, errcode.New(errcode.TypeMismatch, "params.WithDefaults", "%s is %s, got %s", canon, out[i].Type, v.Type)
		}
		out[i].Default = &v
	}
	return out, nil
}
