package expr

import (
	"reflect"
	"testing"
)

func templateScope() map[string]interface{} {
	return map[string]interface{}{
		"state": map[string]interface{}{
			"counter": float64(5),
			"items":   []interface{}{"a", "b"},
			"user":    map[string]interface{}{"name": "sam"},
		},
		"computed": map[string]interface{}{
			"doubled": float64(10),
		},
		"loop": map[string]interface{}{
			"item":  "file.txt",
			"index": float64(0),
			"total": float64(3),
		},
	}
}

func TestExpandString(t *testing.T) {
	tests := []struct {
		name     string
		template string
		want     interface{}
	}{
		{"no placeholders", "plain text", "plain text"},
		{"interpolation", "c={{state.counter}} d={{computed.doubled}}", "c=5 d=10"},
		{"whole placeholder keeps type", "{{state.items}}", []interface{}{"a", "b"}},
		{"whole placeholder number", "{{state.counter}}", float64(5)},
		{"whole placeholder with spaces", "{{ state.counter }}", float64(5)},
		{"expression inside", "total: {{state.counter * 2}}", "total: 10"},
		{"method call", "first={{state.items.join('/')}}", "first=a/b"},
		{"loop bindings", "{{loop.index + 1}}/{{loop.total}}: {{loop.item}}", "1/3: file.txt"},
		{"ternary", "{{state.counter > 3 ? 'hot' : 'cold'}}", "hot"},
		{"absent renders empty", "value=[{{state.missing}}]", "value=[]"},
		{"whole placeholder absent", "{{state.missing}}", nil},
		{"adjacent placeholders", "{{state.counter}}{{computed.doubled}}", "510"},
		{"nested path", "hi {{state.user.name}}", "hi sam"},
		{"string literal with braces", "{{'}}' == '}}' ? 'x' : 'y'}}", "x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, errs := ExpandString(tt.template, templateScope())
			if len(errs) > 0 {
				t.Fatalf("ExpandString(%q) errors: %v", tt.template, errs)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ExpandString(%q) = %#v, want %#v", tt.template, got, tt.want)
			}
		})
	}
}

func TestExpandStringNeverFails(t *testing.T) {
	tests := []struct {
		name     string
		template string
		want     interface{}
		wantErrs int
	}{
		{"parse error renders empty", "x={{state.counter +}}", "x=", 1},
		{"eval error renders empty", "x={{1 / 0}}", "x=", 1},
		{"unterminated placeholder kept literal", "x={{state.counter", "x={{state.counter", 1},
		{"good and bad placeholders", "{{state.counter}} {{1/0}}", "5 ", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, errs := ExpandString(tt.template, templateScope())
			if len(errs) != tt.wantErrs {
				t.Errorf("ExpandString(%q) errors = %v, want %d", tt.template, errs, tt.wantErrs)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ExpandString(%q) = %#v, want %#v", tt.template, got, tt.want)
			}
		})
	}
}

func TestExpandTree(t *testing.T) {
	in := map[string]interface{}{
		"message": "count: {{state.counter}}",
		"items":   "{{state.items}}",
		"nested": map[string]interface{}{
			"deep": []interface{}{"{{computed.doubled}}", "literal"},
		},
		"number": float64(7),
	}

	got, errs := ExpandTree(in, templateScope())
	if len(errs) > 0 {
		t.Fatalf("ExpandTree errors: %v", errs)
	}

	want := map[string]interface{}{
		"message": "count: 5",
		"items":   []interface{}{"a", "b"},
		"nested": map[string]interface{}{
			"deep": []interface{}{float64(10), "literal"},
		},
		"number": float64(7),
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ExpandTree = %#v, want %#v", got, want)
	}

	// the input tree must not be mutated
	if in["items"] != "{{state.items}}" {
		t.Error("ExpandTree mutated its input")
	}
}

func TestTemplateRefs(t *testing.T) {
	tests := []struct {
		template string
		want     []string
	}{
		{"no placeholders", nil},
		{"{{state.counter}}", []string{"state.counter"}},
		{"{{state.a}} and {{state.b.c}}", []string{"state.a", "state.b.c"}},
		{"{{state.a}} twice {{state.a}}", []string{"state.a"}},
		{"{{state.items.length > 2 ? inputs.x : 0}}", []string{"state.items.length", "inputs.x"}},
	}

	for _, tt := range tests {
		t.Run(tt.template, func(t *testing.T) {
			got := TemplateRefs(tt.template)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("TemplateRefs(%q) = %v, want %v", tt.template, got, tt.want)
			}
		})
	}
}

func TestTreeRefs(t *testing.T) {
	tree := map[string]interface{}{
		"message": "{{state.out}}",
		"nested":  []interface{}{"{{state.out}}", "{{inputs.env}}"},
	}
	got := TreeRefs(tree)

	if len(got) != 2 {
		t.Fatalf("TreeRefs = %v, want 2 unique refs", got)
	}
	seen := map[string]bool{}
	for _, ref := range got {
		seen[ref] = true
	}
	if !seen["state.out"] || !seen["inputs.env"] {
		t.Errorf("TreeRefs = %v, want state.out and inputs.env", got)
	}
}
