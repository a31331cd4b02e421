package state

import (
	"reflect"
	"sync"
	"testing"

	"foreman/internal/workflows"
)

func initStore(t *testing.T, fields []ComputedField, defaults, inputs map[string]interface{}) (*Store, *Snapshot) {
	t.Helper()
	s := NewStore()
	snap, fieldErrs := s.Init("wf_test", fields, defaults, inputs)
	if len(fieldErrs) != 0 {
		t.Fatalf("Init computed errors: %+v", fieldErrs)
	}
	return s, snap
}

func TestInitSeedsTiersAndComputed(t *testing.T) {
	// z_base must evaluate before a_total even though name order says
	// otherwise.
	fields := []ComputedField{
		{Name: "a_total", From: []string{"computed.z_base"}, Transform: "input + 1"},
		{Name: "z_base", From: []string{"state.counter"}, Transform: "input * 2"},
	}
	_, snap := initStore(t, fields,
		map[string]interface{}{"counter": float64(3)},
		map[string]interface{}{"env": "prod"},
	)

	if got := snap.Inputs["env"]; got != "prod" {
		t.Errorf("inputs.env = %v, want prod", got)
	}
	if got := snap.Computed["z_base"]; got != float64(6) {
		t.Errorf("computed.z_base = %v, want 6", got)
	}
	if got := snap.Computed["a_total"]; got != float64(7) {
		t.Errorf("computed.a_total = %v, want 7", got)
	}
}

func TestUpdateOperations(t *testing.T) {
	s, _ := initStore(t, nil, map[string]interface{}{
		"counter": float64(1),
		"log":     []interface{}{"a"},
	}, nil)

	res, err := s.Update("wf_test", []Op{
		{Path: "state.name", Operation: "set", Value: "deploy"},
		{Path: "state.counter", Operation: "increment"},
		{Path: "state.counter", Operation: "increment", Value: float64(3)},
		{Path: "state.log", Operation: "append", Value: "b"},
		{Path: "state.fresh", Operation: "increment"},
		{Path: "state.bucket", Operation: "append", Value: float64(1)},
	})
	if err != nil {
		t.Fatalf("Update error: %v", err)
	}

	snap := res.Snapshot
	if got := snap.State["name"]; got != "deploy" {
		t.Errorf("state.name = %v, want deploy", got)
	}
	if got := snap.State["counter"]; got != float64(5) {
		t.Errorf("state.counter = %v, want 5", got)
	}
	if got := snap.State["log"]; !reflect.DeepEqual(got, []interface{}{"a", "b"}) {
		t.Errorf("state.log = %v, want [a b]", got)
	}
	if got := snap.State["fresh"]; got != float64(1) {
		t.Errorf("state.fresh = %v, want 1 (increment seeds from 0)", got)
	}
	if got := snap.State["bucket"]; !reflect.DeepEqual(got, []interface{}{float64(1)}) {
		t.Errorf("state.bucket = %v, want [1]", got)
	}

	wantChanged := []string{
		"state.name", "state.counter", "state.counter",
		"state.log", "state.fresh", "state.bucket",
	}
	if !reflect.DeepEqual(res.ChangedPaths, wantChanged) {
		t.Errorf("ChangedPaths = %v, want %v", res.ChangedPaths, wantChanged)
	}
}

func TestUpdateCreatesNestedPaths(t *testing.T) {
	s, _ := initStore(t, nil, map[string]interface{}{}, nil)

	res, err := s.Update("wf_test", []Op{
		{Path: "state.deploy.region.count", Operation: "set", Value: float64(2)},
	})
	if err != nil {
		t.Fatalf("Update error: %v", err)
	}
	got, ok := GetNestedValue(res.Snapshot.State, "deploy.region.count")
	if !ok || got != float64(2) {
		t.Errorf("state.deploy.region.count = %v (ok=%v), want 2", got, ok)
	}
}

func TestUpdateIsAtomic(t *testing.T) {
	s, _ := initStore(t, nil, map[string]interface{}{
		"counter": float64(1),
		"name":    "deploy",
	}, nil)

	_, err := s.Update("wf_test", []Op{
		{Path: "state.counter", Operation: "set", Value: float64(9)},
		{Path: "state.name", Operation: "increment"},
	})
	if workflows.CodeOf(err) != workflows.ErrCodeValidation {
		t.Fatalf("error code = %v, want VALIDATION_ERROR", workflows.CodeOf(err))
	}

	snap, _ := s.Read("wf_test")
	if got := snap.State["counter"]; got != float64(1) {
		t.Errorf("failed group leaked a write: counter = %v, want 1", got)
	}
}

func TestUpdatePathErrors(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"inputs tier", "inputs.env"},
		{"computed tier", "computed.total"},
		{"bare path", "counter"},
		{"unknown tier", "foo.bar"},
		{"tier only", "state"},
		{"empty", ""},
	}

	s, _ := initStore(t, nil, map[string]interface{}{"counter": float64(0)}, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Update("wf_test", []Op{{Path: tt.path, Value: float64(1)}})
			if workflows.CodeOf(err) != workflows.ErrCodeInvalidPath {
				t.Errorf("Update(%q) code = %v, want INVALID_PATH", tt.path, workflows.CodeOf(err))
			}
		})
	}
}

func TestUpdateTypeErrors(t *testing.T) {
	tests := []struct {
		name string
		op   Op
	}{
		{"increment string", Op{Path: "state.name", Operation: "increment"}},
		{"increment by string", Op{Path: "state.counter", Operation: "increment", Value: "x"}},
		{"append to number", Op{Path: "state.counter", Operation: "append", Value: float64(1)}},
		{"unknown operation", Op{Path: "state.counter", Operation: "merge", Value: float64(1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := initStore(t, nil, map[string]interface{}{
				"counter": float64(1),
				"name":    "deploy",
			}, nil)
			_, err := s.Update("wf_test", []Op{tt.op})
			if workflows.CodeOf(err) != workflows.ErrCodeValidation {
				t.Errorf("code = %v, want VALIDATION_ERROR", workflows.CodeOf(err))
			}
		})
	}
}

func TestComputedCascade(t *testing.T) {
	fields := []ComputedField{
		{Name: "doubled", From: []string{"state.counter"}, Transform: "input * 2"},
		{Name: "label", From: []string{"computed.doubled"}, Transform: "'v' + input"},
		{Name: "unrelated", From: []string{"state.other"}, Transform: "input"},
	}
	s, _ := initStore(t, fields, map[string]interface{}{
		"counter": float64(1),
		"other":   "x",
	}, nil)

	res, err := s.Update("wf_test", []Op{
		{Path: "state.counter", Operation: "set", Value: float64(4)},
	})
	if err != nil {
		t.Fatalf("Update error: %v", err)
	}

	if got := res.Snapshot.Computed["doubled"]; got != float64(8) {
		t.Errorf("computed.doubled = %v, want 8", got)
	}
	if got := res.Snapshot.Computed["label"]; got != "v8" {
		t.Errorf("computed.label = %v, want v8", got)
	}

	want := []string{"state.counter", "computed.doubled", "computed.label"}
	if !reflect.DeepEqual(res.ChangedPaths, want) {
		t.Errorf("ChangedPaths = %v, want %v", res.ChangedPaths, want)
	}
}

func TestComputedNotReevaluatedWhenSourcesUntouched(t *testing.T) {
	fields := []ComputedField{
		{Name: "doubled", From: []string{"state.counter"}, Transform: "input * 2"},
	}
	s, _ := initStore(t, fields, map[string]interface{}{
		"counter": float64(1),
	}, nil)

	res, err := s.Update("wf_test", []Op{
		{Path: "state.other", Operation: "set", Value: "x"},
	})
	if err != nil {
		t.Fatalf("Update error: %v", err)
	}
	for _, p := range res.ChangedPaths {
		if p == "computed.doubled" {
			t.Errorf("computed.doubled re-evaluated on unrelated write: %v", res.ChangedPaths)
		}
	}
}

func TestComputedErrorDoesNotBlockCommit(t *testing.T) {
	fields := []ComputedField{
		{Name: "broken", From: []string{"state.counter"}, Transform: "input.toUpperCase()"},
	}
	s := NewStore()
	_, fieldErrs := s.Init("wf_test", fields, map[string]interface{}{"counter": float64(1)}, nil)
	if len(fieldErrs) != 1 || fieldErrs[0].Field != "broken" {
		t.Fatalf("Init field errors = %+v, want one for broken", fieldErrs)
	}

	res, err := s.Update("wf_test", []Op{
		{Path: "state.counter", Operation: "set", Value: float64(2)},
	})
	if err != nil {
		t.Fatalf("Update error: %v", err)
	}
	if len(res.FieldErrors) != 1 {
		t.Fatalf("FieldErrors = %+v, want one entry", res.FieldErrors)
	}
	if got := res.Snapshot.State["counter"]; got != float64(2) {
		t.Errorf("commit blocked by computed error: counter = %v, want 2", got)
	}
	if _, ok := res.Snapshot.Computed["broken"]; ok {
		t.Error("broken computed field should be absent from snapshot")
	}
}

func TestFlattenedPrecedence(t *testing.T) {
	fields := []ComputedField{
		{Name: "x", From: []string{"state.x"}, Transform: "'computed'"},
	}
	s, _ := initStore(t, fields,
		map[string]interface{}{"x": "state", "only_state": true},
		map[string]interface{}{"x": "input", "only_input": true},
	)

	flat, ok := s.Flattened("wf_test")
	if !ok {
		t.Fatal("Flattened returned not found")
	}
	if got := flat["x"]; got != "computed" {
		t.Errorf("flattened x = %v, want computed to shadow state and inputs", got)
	}
	if flat["only_state"] != true || flat["only_input"] != true {
		t.Errorf("flattened view missing tier-unique keys: %v", flat)
	}
}

func TestReadPath(t *testing.T) {
	fields := []ComputedField{
		{Name: "total", From: []string{"state.counter"}, Transform: "input + 10"},
	}
	s, _ := initStore(t, fields,
		map[string]interface{}{"counter": float64(5), "meta": map[string]interface{}{"env": "prod"}},
		map[string]interface{}{"region": "us-east-1"},
	)

	tests := []struct {
		path string
		want interface{}
	}{
		{"state.counter", float64(5)},
		{"state.meta.env", "prod"},
		{"inputs.region", "us-east-1"},
		{"computed.total", float64(15)},
		{"counter", float64(5)},
		{"total", float64(15)},
	}
	for _, tt := range tests {
		got, ok := s.ReadPath("wf_test", tt.path)
		if !ok || !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ReadPath(%q) = %v (ok=%v), want %v", tt.path, got, ok, tt.want)
		}
	}

	if _, ok := s.ReadPath("wf_test", "state.missing"); ok {
		t.Error("ReadPath(state.missing) should report absence")
	}
}

func TestSnapshotsAreImmutable(t *testing.T) {
	s, before := initStore(t, nil, map[string]interface{}{"counter": float64(1)}, nil)

	if _, err := s.Update("wf_test", []Op{
		{Path: "state.counter", Operation: "set", Value: float64(2)},
	}); err != nil {
		t.Fatalf("Update error: %v", err)
	}

	if got := before.State["counter"]; got != float64(1) {
		t.Errorf("earlier snapshot mutated: counter = %v, want 1", got)
	}
}

func TestConcurrentIncrementsSerialise(t *testing.T) {
	s, _ := initStore(t, nil, map[string]interface{}{"counter": float64(0)}, nil)

	const n = 25
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if _, err := s.Update("wf_test", []Op{
				{Path: "state.counter", Operation: "increment"},
			}); err != nil {
				t.Errorf("Update error: %v", err)
			}
		}()
	}
	wg.Wait()

	snap, _ := s.Read("wf_test")
	if got := snap.State["counter"]; got != float64(n) {
		t.Errorf("counter = %v, want %d", got, n)
	}
}

func TestDeleteAndMissingWorkflow(t *testing.T) {
	s, _ := initStore(t, nil, map[string]interface{}{}, nil)
	s.Delete("wf_test")

	if _, ok := s.Read("wf_test"); ok {
		t.Error("Read after Delete should report not found")
	}
	_, err := s.Update("wf_test", []Op{{Path: "state.x", Value: float64(1)}})
	if workflows.CodeOf(err) != workflows.ErrCodeNotFound {
		t.Errorf("Update after Delete code = %v, want NOT_FOUND", workflows.CodeOf(err))
	}
}

func TestWholeTierSource(t *testing.T) {
	fields := []ComputedField{
		{Name: "state_keys", From: []string{"state"}, Transform: "Object.keys(input).length"},
	}
	s, _ := initStore(t, fields, map[string]interface{}{"a": float64(1)}, nil)

	res, err := s.Update("wf_test", []Op{
		{Path: "state.b", Operation: "set", Value: float64(2)},
	})
	if err != nil {
		t.Fatalf("Update error: %v", err)
	}
	if got := res.Snapshot.Computed["state_keys"]; got != float64(2) {
		t.Errorf("computed.state_keys = %v, want 2", got)
	}
}
