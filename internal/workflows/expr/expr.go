// Package expr implements the expression language used by workflow
// definitions: template placeholders ({{ ... }}), step conditions, and
// computed-field transforms. The language is a small expression subset
// (property access, arithmetic, comparisons, ternary, a fixed method set,
// Math.* and Object.* helpers) evaluated against a scope map. Absent
// references resolve to the Undefined sentinel rather than erroring, so
// template expansion never fails on missing data.
package expr

import (
	"fmt"
	"sync"
)

// Undefined is the absence sentinel. Reads of paths that were never written
// evaluate to it; it is falsy, renders as the empty string, and poisons
// arithmetic.
var Undefined = undefinedValue{}

type undefinedValue struct{}

// IsUndefined reports whether v is the absence sentinel.
func IsUndefined(v interface{}) bool {
	_, ok := v.(undefinedValue)
	return ok
}

// Expr is a parsed expression. Expressions are immutable and safe for
// concurrent evaluation.
type Expr struct {
	src  string
	root node
}

// Source returns the original expression text.
func (e *Expr) Source() string { return e.src }

type cacheEntry struct {
	expr *Expr
	err  error
}

var parseCache sync.Map // source text -> cacheEntry

// Parse compiles an expression, caching the result keyed by source text.
func Parse(src string) (*Expr, error) {
	if cached, ok := parseCache.Load(src); ok {
		entry := cached.(cacheEntry)
		return entry.expr, entry.err
	}

	expr, err := parse(src)
	parseCache.Store(src, cacheEntry{expr: expr, err: err})
	return expr, err
}

func parse(src string) (*Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	root, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	if !p.atEOF() {
		tok := p.peek()
		return nil, fmt.Errorf("unexpected %q at offset %d in %q", tok.text, tok.pos, src)
	}
	return &Expr{src: src, root: root}, nil
}

// Eval evaluates the expression against a scope. Unknown identifiers resolve
// to Undefined; genuine failures (bad operand types, unknown methods,
// division by zero) return an error.
func (e *Expr) Eval(scope map[string]interface{}) (interface{}, error) {
	ev := &evaluator{env: &env{vars: scope}}
	return ev.eval(e.root)
}

// Refs returns the dot-separated paths the expression statically references.
// Dynamic accesses report their longest static prefix. Used to decide whether
// a captured result is read before the next client step.
func (e *Expr) Refs() []string {
	seen := make(map[string]bool)
	var out []string
	collectRefs(e.root, func(path string) {
		if path == "" || seen[path] {
			return
		}
		seen[path] = true
		out = append(out, path)
	})
	return out
}

// Transform evaluates a transform expression with the source value bound to
// the `input` variable. Computed fields with multiple sources bind the list
// of source values.
func Transform(src string, input interface{}) (interface{}, error) {
	expr, err := Parse(src)
	if err != nil {
		return nil, err
	}
	return expr.Eval(map[string]interface{}{"input": input})
}

// EvalCondition evaluates an expression and applies truthiness.
func EvalCondition(src string, scope map[string]interface{}) (bool, error) {
	expr, err := Parse(src)
	if err != nil {
		return false, err
	}
	val, err := expr.Eval(scope)
	if err != nil {
		return false, err
	}
	return Truthy(val), nil
}
