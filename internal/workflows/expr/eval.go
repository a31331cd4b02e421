package expr

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"unicode/utf8"
)

type env struct {
	vars   map[string]interface{}
	parent *env
}

func (e *env) lookup(name string) (interface{}, bool) {
	for scope := e; scope != nil; scope = scope.parent {
		if v, ok := scope.vars[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// fnValue is an arrow function closed over its defining environment.
type fnValue struct {
	param string
	body  node
	env   *env
}

// nsValue marks the Math / Object builtin namespaces.
type nsValue string

// methodValue is a method handle bound to its receiver, produced by member
// access and consumed by calls.
type methodValue struct {
	recv interface{}
	name string
}

type evaluator struct {
	env *env
}

func (ev *evaluator) eval(n node) (interface{}, error) {
	switch t := n.(type) {
	case numberLit:
		return t.val, nil
	case stringLit:
		return t.val, nil
	case boolLit:
		return t.val, nil
	case nullLit:
		return nil, nil

	case listLit:
		out := make([]interface{}, len(t.elems))
		for i, e := range t.elems {
			v, err := ev.eval(e)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil

	case identRef:
		if v, ok := ev.env.lookup(t.name); ok {
			return v, nil
		}
		if t.name == "Math" || t.name == "Object" {
			return nsValue(t.name), nil
		}
		return Undefined, nil

	case memberRef:
		obj, err := ev.eval(t.obj)
		if err != nil {
			return nil, err
		}
		return ev.member(obj, t.name)

	case indexExpr:
		obj, err := ev.eval(t.obj)
		if err != nil {
			return nil, err
		}
		key, err := ev.eval(t.key)
		if err != nil {
			return nil, err
		}
		return indexValue(obj, key), nil

	case callExpr:
		callee, err := ev.eval(t.callee)
		if err != nil {
			return nil, err
		}
		args := make([]interface{}, len(t.args))
		for i, a := range t.args {
			v, err := ev.eval(a)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		return ev.call(callee, args)

	case unaryExpr:
		operand, err := ev.eval(t.operand)
		if err != nil {
			return nil, err
		}
		switch t.op {
		case "!":
			return !Truthy(operand), nil
		case "-":
			if IsUndefined(operand) {
				return Undefined, nil
			}
			f, ok := toFloat(operand)
			if !ok {
				return nil, fmt.Errorf("cannot negate %s", typeName(operand))
			}
			return -f, nil
		}
		return nil, fmt.Errorf("unknown unary operator %q", t.op)

	case binaryExpr:
		return ev.binary(t)

	case condExpr:
		cond, err := ev.eval(t.cond)
		if err != nil {
			return nil, err
		}
		if Truthy(cond) {
			return ev.eval(t.then)
		}
		return ev.eval(t.els)

	case arrowFn:
		return fnValue{param: t.param, body: t.body, env: ev.env}, nil
	}

	return nil, fmt.Errorf("unknown expression node %T", n)
}

func (ev *evaluator) binary(b binaryExpr) (interface{}, error) {
	// short-circuit operators return operand values, which makes
	// `x || fallback` usable for defaults
	if b.op == "&&" || b.op == "||" {
		left, err := ev.eval(b.left)
		if err != nil {
			return nil, err
		}
		if b.op == "&&" && !Truthy(left) {
			return left, nil
		}
		if b.op == "||" && Truthy(left) {
			return left, nil
		}
		return ev.eval(b.right)
	}

	left, err := ev.eval(b.left)
	if err != nil {
		return nil, err
	}
	right, err := ev.eval(b.right)
	if err != nil {
		return nil, err
	}

	switch b.op {
	case "==":
		return looseEqual(left, right), nil
	case "!=":
		return !looseEqual(left, right), nil
	}

	if IsUndefined(left) || IsUndefined(right) {
		switch b.op {
		case "<", "<=", ">", ">=":
			return false, nil
		default:
			return Undefined, nil
		}
	}

	if b.op == "+" {
		if ls, ok := left.(string); ok {
			return ls + Render(right), nil
		}
		if rs, ok := right.(string); ok {
			return Render(left) + rs, nil
		}
	}

	switch b.op {
	case "<", "<=", ">", ">=":
		return compareValues(b.op, left, right)
	}

	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if !lok || !rok {
		return nil, fmt.Errorf("cannot apply %q to %s and %s", b.op, typeName(left), typeName(right))
	}

	switch b.op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return lf / rf, nil
	case "%":
		if rf == 0 {
			return nil, fmt.Errorf("modulo by zero")
		}
		return math.Mod(lf, rf), nil
	}

	return nil, fmt.Errorf("unknown operator %q", b.op)
}

func compareValues(op string, left, right interface{}) (interface{}, error) {
	if ls, ok := left.(string); ok {
		if rs, ok := right.(string); ok {
			switch op {
			case "<":
				return ls < rs, nil
			case "<=":
				return ls <= rs, nil
			case ">":
				return ls > rs, nil
			case ">=":
				return ls >= rs, nil
			}
		}
	}

	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if !lok || !rok {
		return nil, fmt.Errorf("cannot compare %s with %s", typeName(left), typeName(right))
	}
	switch op {
	case "<":
		return lf < rf, nil
	case "<=":
		return lf <= rf, nil
	case ">":
		return lf > rf, nil
	case ">=":
		return lf >= rf, nil
	}
	return nil, fmt.Errorf("unknown comparison %q", op)
}

func (ev *evaluator) call(callee interface{}, args []interface{}) (interface{}, error) {
	switch fn := callee.(type) {
	case methodValue:
		return ev.callMethod(fn.recv, fn.name, args)
	case fnValue:
		if len(args) == 0 {
			return ev.callFn(fn, Undefined, nil)
		}
		return ev.callFn(fn, args[0], args[1:])
	}
	if IsUndefined(callee) {
		return Undefined, nil
	}
	return nil, fmt.Errorf("%s is not callable", typeName(callee))
}

// callFn invokes an arrow function with the element bound to its parameter.
// Extra positional args (the element index from filter/map) are discarded
// unless the body references them by convention is not supported.
func (ev *evaluator) callFn(fn fnValue, arg interface{}, _ []interface{}) (interface{}, error) {
	child := &env{vars: map[string]interface{}{fn.param: arg}, parent: fn.env}
	inner := &evaluator{env: child}
	return inner.eval(fn.body)
}

// member resolves property access. Map keys win over method names; absent
// values yield Undefined so templates never fail on missing data.
func (ev *evaluator) member(obj interface{}, name string) (interface{}, error) {
	if IsUndefined(obj) || obj == nil {
		return Undefined, nil
	}

	if ns, ok := obj.(nsValue); ok {
		return methodValue{recv: ns, name: name}, nil
	}

	switch t := obj.(type) {
	case map[string]interface{}:
		if v, ok := t[name]; ok {
			return v, nil
		}
		if name == "length" {
			return float64(len(t)), nil
		}
	case []interface{}:
		if name == "length" {
			return float64(len(t)), nil
		}
	case string:
		if name == "length" {
			return float64(utf8.RuneCountInString(t)), nil
		}
	}

	if methodExists(obj, name) {
		return methodValue{recv: obj, name: name}, nil
	}
	return Undefined, nil
}

func indexValue(obj, key interface{}) interface{} {
	if IsUndefined(obj) || obj == nil {
		return Undefined
	}
	switch t := obj.(type) {
	case []interface{}:
		if idx, ok := toFloat(key); ok {
			i := int(idx)
			if i >= 0 && i < len(t) {
				return t[i]
			}
		}
		return Undefined
	case map[string]interface{}:
		if k, ok := key.(string); ok {
			if v, ok := t[k]; ok {
				return v
			}
		}
		return Undefined
	case string:
		if idx, ok := toFloat(key); ok {
			runes := []rune(t)
			i := int(idx)
			if i >= 0 && i < len(runes) {
				return string(runes[i])
			}
		}
		return Undefined
	}
	return Undefined
}

// Truthy applies the language's truthiness rules: false, 0, "", null and
// absence are falsy; everything else, including empty lists, is truthy.
func Truthy(v interface{}) bool {
	if v == nil || IsUndefined(v) {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != ""
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	return true
}

func looseEqual(a, b interface{}) bool {
	if IsUndefined(a) {
		a = nil
	}
	if IsUndefined(b) {
		b = nil
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}

	switch at := a.(type) {
	case string:
		bs, ok := b.(string)
		return ok && at == bs
	case bool:
		bb, ok := b.(bool)
		return ok && at == bb
	}

	return reflect.DeepEqual(a, b)
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}

// Render converts a value to its string form for template interpolation.
// Numbers drop trailing zeros, absence renders empty, and composites render
// as compact JSON.
func Render(v interface{}) string {
	if v == nil || IsUndefined(v) {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	}
	if f, ok := toFloat(v); ok {
		return formatNumber(f)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func formatNumber(f float64) string {
	if math.IsNaN(f) {
		return "NaN"
	}
	if math.IsInf(f, 0) {
		if f > 0 {
			return "Infinity"
		}
		return "-Infinity"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func typeName(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case undefinedValue:
		return "undefined"
	case string:
		return "string"
	case bool:
		return "boolean"
	case map[string]interface{}:
		return "object"
	case []interface{}:
		return "list"
	case fnValue:
		return "function"
	case nsValue:
		return "namespace"
	case methodValue:
		return "method"
	}
	if _, ok := toFloat(v); ok {
		return "number"
	}
	return fmt.Sprintf("%T", v)
}
