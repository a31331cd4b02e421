// Package state implements the three-tier store backing workflow execution:
// immutable inputs, mutable state, and computed fields derived from both.
// Committing an update re-evaluates the computed fields whose sources were
// touched, in dependency order, and publishes a fresh immutable snapshot.
package state

import (
	"sort"
	"strings"
	"sync"

	"foreman/internal/workflows"
	"foreman/internal/workflows/expr"
)

// ComputedField declares a derived field: one or more source paths and a
// transform expression evaluated with the sources bound to `input`.
type ComputedField struct {
	Name      string
	From      []string
	Transform string
}

// Op is a single mutation of the state tier. Paths must be qualified with
// the `state.` prefix; values are expected in canonical form (numbers as
// float64, as produced by workflows.NormalizeTree).
type Op struct {
	Path      string
	Operation string // set, increment, append; empty means set
	Value     interface{}
}

// Snapshot is an immutable view of one workflow's tiers. Callers must not
// mutate the maps it holds.
type Snapshot struct {
	Inputs   map[string]interface{}
	State    map[string]interface{}
	Computed map[string]interface{}
}

// Flattened merges the tiers into a single lookup map. Computed fields shadow
// state fields, which shadow inputs.
func (s *Snapshot) Flattened() map[string]interface{} {
	merged := make(map[string]interface{}, len(s.Inputs)+len(s.State)+len(s.Computed))
	for k, v := range s.Inputs {
		merged[k] = v
	}
	for k, v := range s.State {
		merged[k] = v
	}
	for k, v := range s.Computed {
		merged[k] = v
	}
	return merged
}

// FieldError records a computed field whose transform failed during a commit.
// The field is left absent; the commit itself still goes through.
type FieldError struct {
	Field string
	Err   error
}

// UpdateResult describes a committed update group.
type UpdateResult struct {
	Snapshot     *Snapshot
	ChangedPaths []string
	FieldErrors  []FieldError
}

type compiledField struct {
	ComputedField
	watch []string // qualified source paths matched against changed paths
}

type entry struct {
	mu       sync.RWMutex
	fields   []compiledField // dependency order
	snapshot *Snapshot
}

// Store holds the tiers for every live workflow. Operations on different
// workflows proceed independently; on a single workflow, writers are
// exclusive and readers may run concurrently with each other.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func NewStore() *Store {
	return &Store{entries: make(map[string]*entry)}
}

// Init seeds a workflow's tiers and evaluates every computed field once.
// Existing data under the same id is replaced. Transform failures leave the
// field absent and are reported without blocking initialisation.
func (s *Store) Init(id string, fields []ComputedField, defaultState, inputs map[string]interface{}) (*Snapshot, []FieldError) {
	compiled := compileFields(fields)
	snap := &Snapshot{
		Inputs:   DeepCopyMap(inputs),
		State:    DeepCopyMap(defaultState),
		Computed: make(map[string]interface{}, len(compiled)),
	}
	var fieldErrs []FieldError
	for _, f := range compiled {
		val, err := evalField(f.ComputedField, snap)
		if err != nil {
			fieldErrs = append(fieldErrs, FieldError{Field: f.Name, Err: err})
			continue
		}
		if !expr.IsUndefined(val) {
			snap.Computed[f.Name] = val
		}
	}

	e := &entry{fields: compiled, snapshot: snap}
	s.mu.Lock()
	s.entries[id] = e
	s.mu.Unlock()
	return snap, fieldErrs
}

// Update applies ops to the state tier as an atomic group, re-evaluates the
// computed fields whose sources were touched, and publishes a new snapshot.
// Any op failure aborts the whole group and leaves the previous snapshot
// intact. Changed paths cover both the written state paths and every
// computed field that was re-evaluated.
func (s *Store) Update(id string, ops []Op) (*UpdateResult, error) {
	e, ok := s.entry(id)
	if !ok {
		return nil, workflows.NewError(workflows.ErrCodeNotFound, "workflow %s has no state", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.snapshot
	next := DeepCopyMap(cur.State)
	changed := make([]string, 0, len(ops))
	for _, op := range ops {
		rel, err := statePath(op.Path)
		if err != nil {
			return nil, err
		}
		if err := applyOp(next, rel, op); err != nil {
			return nil, err
		}
		changed = append(changed, "state."+rel)
	}

	snap := &Snapshot{Inputs: cur.Inputs, State: next, Computed: DeepCopyMap(cur.Computed)}
	var fieldErrs []FieldError
	for _, f := range e.fields {
		if !touches(f.watch, changed) {
			continue
		}
		changed = append(changed, "computed."+f.Name)
		val, err := evalField(f.ComputedField, snap)
		if err != nil {
			delete(snap.Computed, f.Name)
			fieldErrs = append(fieldErrs, FieldError{Field: f.Name, Err: err})
			continue
		}
		if expr.IsUndefined(val) {
			delete(snap.Computed, f.Name)
		} else {
			snap.Computed[f.Name] = val
		}
	}

	e.snapshot = snap
	return &UpdateResult{Snapshot: snap, ChangedPaths: changed, FieldErrors: fieldErrs}, nil
}

// Read returns the current snapshot for a workflow.
func (s *Store) Read(id string) (*Snapshot, bool) {
	e, ok := s.entry(id)
	if !ok {
		return nil, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshot, true
}

// Flattened returns the merged view of a workflow's tiers.
func (s *Store) Flattened(id string) (map[string]interface{}, bool) {
	snap, ok := s.Read(id)
	if !ok {
		return nil, false
	}
	return snap.Flattened(), true
}

// ReadPath resolves a dotted path against a workflow's tiers. Qualified
// paths (state., inputs., computed.) hit their tier directly; bare paths go
// through the flattened precedence.
func (s *Store) ReadPath(id, path string) (interface{}, bool) {
	snap, ok := s.Read(id)
	if !ok {
		return nil, false
	}
	head, rest, cut := strings.Cut(path, ".")
	switch head {
	case "state":
		if !cut {
			return snap.State, true
		}
		return GetNestedValue(snap.State, rest)
	case "inputs":
		if !cut {
			return snap.Inputs, true
		}
		return GetNestedValue(snap.Inputs, rest)
	case "computed":
		if !cut {
			return snap.Computed, true
		}
		return GetNestedValue(snap.Computed, rest)
	}
	return GetNestedValue(snap.Flattened(), path)
}

// Dependents returns the computed fields, as qualified computed. paths, that
// a write to path would re-evaluate, transitive dependents included.
func (s *Store) Dependents(id, path string) []string {
	e, ok := s.entry(id)
	if !ok {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	// fields are in dependency order, so one pass picks up chains.
	changed := []string{path}
	var out []string
	for _, f := range e.fields {
		if !touches(f.watch, changed) {
			continue
		}
		name := "computed." + f.Name
		changed = append(changed, name)
		out = append(out, name)
	}
	return out
}

// Delete discards a workflow's tiers.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

func (s *Store) entry(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

func statePath(path string) (string, error) {
	head, rest, cut := strings.Cut(path, ".")
	switch head {
	case "state":
		if !cut || rest == "" {
			return "", workflows.NewError(workflows.ErrCodeInvalidPath, "update path %q must name a field inside state", path)
		}
		return rest, nil
	case "inputs":
		return "", workflows.NewError(workflows.ErrCodeInvalidPath, "inputs are immutable: cannot write %q", path)
	case "computed":
		return "", workflows.NewError(workflows.ErrCodeInvalidPath, "computed fields are derived: cannot write %q", path)
	case "":
		return "", workflows.NewError(workflows.ErrCodeInvalidPath, "empty update path")
	default:
		return "", workflows.NewError(workflows.ErrCodeInvalidPath, "update path %q must start with state.", path)
	}
}

func applyOp(tier map[string]interface{}, rel string, op Op) error {
	switch op.Operation {
	case "", "set":
		SetNestedValue(tier, rel, DeepCopyValue(op.Value))
	case "increment":
		base := 0.0
		if cur, ok := GetNestedValue(tier, rel); ok && cur != nil {
			f, isNum := toNumber(cur)
			if !isNum {
				return workflows.NewError(workflows.ErrCodeValidation, "cannot increment %s: current value is %T, not a number", op.Path, cur)
			}
			base = f
		}
		delta := 1.0
		if op.Value != nil {
			f, isNum := toNumber(op.Value)
			if !isNum {
				return workflows.NewError(workflows.ErrCodeValidation, "increment amount for %s must be a number, got %T", op.Path, op.Value)
			}
			delta = f
		}
		SetNestedValue(tier, rel, base+delta)
	case "append":
		var list []interface{}
		if cur, ok := GetNestedValue(tier, rel); ok && cur != nil {
			existing, isList := cur.([]interface{})
			if !isList {
				return workflows.NewError(workflows.ErrCodeValidation, "cannot append to %s: current value is %T, not a list", op.Path, cur)
			}
			list = existing
		}
		SetNestedValue(tier, rel, append(list, DeepCopyValue(op.Value)))
	default:
		return workflows.NewError(workflows.ErrCodeValidation, "unknown update operation %q for %s", op.Operation, op.Path)
	}
	return nil
}

func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func touches(watch, changed []string) bool {
	for _, w := range watch {
		for _, c := range changed {
			if PathsOverlap(w, c) {
				return true
			}
		}
	}
	return false
}

func evalField(f ComputedField, snap *Snapshot) (interface{}, error) {
	values := make([]interface{}, len(f.From))
	for i, src := range f.From {
		values[i] = resolveSource(snap, src)
	}
	var input interface{}
	if len(values) == 1 {
		input = values[0]
	} else {
		input = values
	}
	return expr.Transform(f.Transform, input)
}

func resolveSource(snap *Snapshot, src string) interface{} {
	head, rest, cut := strings.Cut(src, ".")
	switch head {
	case "state":
		if !cut {
			return snap.State
		}
		return sourceValue(snap.State, rest)
	case "inputs":
		if !cut {
			return snap.Inputs
		}
		return sourceValue(snap.Inputs, rest)
	case "computed":
		if !cut {
			return snap.Computed
		}
		return sourceValue(snap.Computed, rest)
	}
	for _, tier := range []map[string]interface{}{snap.Computed, snap.State, snap.Inputs} {
		if v, ok := GetNestedValue(tier, src); ok {
			return v
		}
	}
	return expr.Undefined
}

func sourceValue(tier map[string]interface{}, path string) interface{} {
	if v, ok := GetNestedValue(tier, path); ok {
		return v
	}
	return expr.Undefined
}

// compileFields orders fields so every computed dependency evaluates before
// its dependents and precomputes the qualified paths each field watches.
func compileFields(fields []ComputedField) []compiledField {
	sorted := make([]ComputedField, len(fields))
	copy(sorted, fields)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	names := make(map[string]bool, len(sorted))
	byName := make(map[string]ComputedField, len(sorted))
	for _, f := range sorted {
		names[f.Name] = true
		byName[f.Name] = f
	}

	indegree := make(map[string]int, len(sorted))
	dependents := make(map[string][]string, len(sorted))
	for _, f := range sorted {
		indegree[f.Name] += 0
		for _, src := range f.From {
			if dep, ok := computedDep(src, names); ok && dep != f.Name {
				dependents[dep] = append(dependents[dep], f.Name)
				indegree[f.Name]++
			}
		}
	}

	queue := make([]string, 0, len(sorted))
	for _, f := range sorted {
		if indegree[f.Name] == 0 {
			queue = append(queue, f.Name)
		}
	}

	order := make([]compiledField, 0, len(sorted))
	placed := make(map[string]bool, len(sorted))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		placed[name] = true
		order = append(order, compile(byName[name], names))
		next := dependents[name]
		sort.Strings(next)
		for _, dep := range next {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	// Cycles are rejected at validation; keep any leftovers in name order so
	// a bad definition degrades instead of wedging.
	for _, f := range sorted {
		if !placed[f.Name] {
			order = append(order, compile(f, names))
		}
	}
	return order
}

func computedDep(src string, names map[string]bool) (string, bool) {
	if rest, ok := strings.CutPrefix(src, "computed."); ok {
		head, _, _ := strings.Cut(rest, ".")
		return head, true
	}
	if !strings.Contains(src, ".") && names[src] {
		return src, true
	}
	return "", false
}

func compile(f ComputedField, names map[string]bool) compiledField {
	watch := make([]string, 0, len(f.From))
	for _, src := range f.From {
		switch {
		case src == "state" || src == "inputs" || src == "computed",
			strings.HasPrefix(src, "state."),
			strings.HasPrefix(src, "inputs."),
			strings.HasPrefix(src, "computed."):
			watch = append(watch, src)
		case names[src]:
			watch = append(watch, "computed."+src)
		default:
			// Bare names follow the flattened precedence; only state writes
			// can change them after init.
			watch = append(watch, "state."+src)
		}
	}
	return compiledField{ComputedField: f, watch: watch}
}
