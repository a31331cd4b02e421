package expr

import (
	"fmt"
	"strings"
)

// ExpandString expands {{ ... }} placeholders in a template against a scope.
// A template that consists of exactly one placeholder yields the
// expression's typed value (so `items: "{{state.items}}"` stays a list);
// anything else renders to a string. Expansion never fails: absent values
// render empty and malformed placeholders render empty with the parse or
// eval error collected for the caller to report.
func ExpandString(template string, scope map[string]interface{}) (interface{}, []error) {
	if !strings.Contains(template, "{{") {
		return template, nil
	}

	var (
		b          strings.Builder
		errs       []error
		wholeMatch bool
		single     interface{}
	)

	i := 0
	for i < len(template) {
		open := strings.Index(template[i:], "{{")
		if open < 0 {
			b.WriteString(template[i:])
			break
		}
		open += i
		b.WriteString(template[i:open])

		exprEnd, ok := findPlaceholderEnd(template, open+2)
		if !ok {
			errs = append(errs, fmt.Errorf("unterminated placeholder in %q", template))
			b.WriteString(template[open:])
			break
		}

		src := strings.TrimSpace(template[open+2 : exprEnd])
		val := evalPlaceholder(src, scope, &errs)

		if open == 0 && exprEnd+2 == len(template) {
			wholeMatch = true
			single = val
		}
		b.WriteString(Render(val))
		i = exprEnd + 2
	}

	if wholeMatch {
		return normalizeSingle(single), errs
	}
	return b.String(), errs
}

func evalPlaceholder(src string, scope map[string]interface{}, errs *[]error) interface{} {
	if src == "" {
		return Undefined
	}
	parsed, err := Parse(src)
	if err != nil {
		*errs = append(*errs, err)
		return Undefined
	}
	val, err := parsed.Eval(scope)
	if err != nil {
		*errs = append(*errs, err)
		return Undefined
	}
	return val
}

// normalizeSingle maps a whole-placeholder result to its wire value: the
// absence sentinel leaves the engine as nil.
func normalizeSingle(v interface{}) interface{} {
	if IsUndefined(v) {
		return nil
	}
	return v
}

// findPlaceholderEnd scans for the closing }} while respecting string
// literals inside the expression.
func findPlaceholderEnd(s string, from int) (int, bool) {
	i := from
	for i < len(s)-1 {
		c := s[i]
		if c == '\'' || c == '"' {
			i = skipString(s, i)
			continue
		}
		if c == '}' && s[i+1] == '}' {
			return i, true
		}
		i++
	}
	return 0, false
}

func skipString(s string, start int) int {
	quote := s[start]
	i := start + 1
	for i < len(s) {
		if s[i] == '\\' {
			i += 2
			continue
		}
		if s[i] == quote {
			return i + 1
		}
		i++
	}
	return i
}

// ExpandTree deep-expands every string in a value tree, returning a new tree.
// Maps and slices are copied; unexpanded values are shared.
func ExpandTree(v interface{}, scope map[string]interface{}) (interface{}, []error) {
	switch t := v.(type) {
	case string:
		return ExpandString(t, scope)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		var errs []error
		for k, child := range t {
			expanded, childErrs := ExpandTree(child, scope)
			out[k] = expanded
			errs = append(errs, childErrs...)
		}
		return out, errs
	case []interface{}:
		out := make([]interface{}, len(t))
		var errs []error
		for i, child := range t {
			expanded, childErrs := ExpandTree(child, scope)
			out[i] = expanded
			errs = append(errs, childErrs...)
		}
		return out, errs
	}
	return v, nil
}

// TemplateRefs returns the paths referenced by a template's placeholders.
// Placeholders that fail to parse contribute nothing.
func TemplateRefs(template string) []string {
	if !strings.Contains(template, "{{") {
		return nil
	}
	seen := make(map[string]bool)
	var out []string

	i := 0
	for i < len(template) {
		open := strings.Index(template[i:], "{{")
		if open < 0 {
			break
		}
		open += i
		exprEnd, ok := findPlaceholderEnd(template, open+2)
		if !ok {
			break
		}
		src := strings.TrimSpace(template[open+2 : exprEnd])
		if parsed, err := Parse(src); err == nil {
			for _, ref := range parsed.Refs() {
				if !seen[ref] {
					seen[ref] = true
					out = append(out, ref)
				}
			}
		}
		i = exprEnd + 2
	}
	return out
}

// TreeRefs collects template references across a whole value tree.
func TreeRefs(v interface{}) []string {
	seen := make(map[string]bool)
	var out []string
	var walk func(interface{})
	walk = func(v interface{}) {
		switch t := v.(type) {
		case string:
			for _, ref := range TemplateRefs(t) {
				if !seen[ref] {
					seen[ref] = true
					out = append(out, ref)
				}
			}
		case map[string]interface{}:
			for _, child := range t {
				walk(child)
			}
		case []interface{}:
			for _, child := range t {
				walk(child)
			}
		}
	}
	walk(v)
	return out
}
