package expr

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

var stringMethods = map[string]bool{
	"includes": true, "endsWith": true, "startsWith": true,
	"toUpperCase": true, "toLowerCase": true, "split": true,
	"trim": true, "slice": true, "concat": true,
}

var listMethods = map[string]bool{
	"join": true, "slice": true, "filter": true, "map": true,
	"concat": true, "includes": true,
}

func methodExists(recv interface{}, name string) bool {
	switch recv.(type) {
	case string:
		return stringMethods[name]
	case []interface{}:
		return listMethods[name]
	}
	return false
}

func (ev *evaluator) callMethod(recv interface{}, name string, args []interface{}) (interface{}, error) {
	switch t := recv.(type) {
	case nsValue:
		if t == "Math" {
			return callMath(name, args)
		}
		return callObject(name, args)
	case string:
		return ev.callStringMethod(t, name, args)
	case []interface{}:
		return ev.callListMethod(t, name, args)
	}
	return nil, fmt.Errorf("no method .%s on %s", name, typeName(recv))
}

func (ev *evaluator) callStringMethod(s, name string, args []interface{}) (interface{}, error) {
	switch name {
	case "includes":
		return strings.Contains(s, Render(argAt(args, 0))), nil
	case "endsWith":
		return strings.HasSuffix(s, Render(argAt(args, 0))), nil
	case "startsWith":
		return strings.HasPrefix(s, Render(argAt(args, 0))), nil
	case "toUpperCase":
		return strings.ToUpper(s), nil
	case "toLowerCase":
		return strings.ToLower(s), nil
	case "trim":
		return strings.TrimSpace(s), nil
	case "split":
		parts := strings.Split(s, Render(argAt(args, 0)))
		out := make([]interface{}, len(parts))
		for i, p := range parts {
			out[i] = p
		}
		return out, nil
	case "concat":
		var b strings.Builder
		b.WriteString(s)
		for _, a := range args {
			b.WriteString(Render(a))
		}
		return b.String(), nil
	case "slice":
		runes := []rune(s)
		start, end := sliceBounds(len(runes), args)
		return string(runes[start:end]), nil
	}
	return nil, fmt.Errorf("no method .%s on string", name)
}

func (ev *evaluator) callListMethod(list []interface{}, name string, args []interface{}) (interface{}, error) {
	switch name {
	case "join":
		sep := ","
		if len(args) > 0 {
			sep = Render(args[0])
		}
		parts := make([]string, len(list))
		for i, v := range list {
			parts[i] = Render(v)
		}
		return strings.Join(parts, sep), nil

	case "slice":
		start, end := sliceBounds(len(list), args)
		out := make([]interface{}, end-start)
		copy(out, list[start:end])
		return out, nil

	case "includes":
		for _, v := range list {
			if looseEqual(v, argAt(args, 0)) {
				return true, nil
			}
		}
		return false, nil

	case "concat":
		out := make([]interface{}, len(list))
		copy(out, list)
		for _, a := range args {
			if sub, ok := a.([]interface{}); ok {
				out = append(out, sub...)
				continue
			}
			out = append(out, a)
		}
		return out, nil

	case "filter":
		fn, ok := argAt(args, 0).(fnValue)
		if !ok {
			return nil, fmt.Errorf(".filter expects a function argument")
		}
		var out []interface{}
		for _, v := range list {
			keep, err := ev.callFn(fn, v, nil)
			if err != nil {
				return nil, err
			}
			if Truthy(keep) {
				out = append(out, v)
			}
		}
		if out == nil {
			out = []interface{}{}
		}
		return out, nil

	case "map":
		fn, ok := argAt(args, 0).(fnValue)
		if !ok {
			return nil, fmt.Errorf(".map expects a function argument")
		}
		out := make([]interface{}, len(list))
		for i, v := range list {
			mapped, err := ev.callFn(fn, v, nil)
			if err != nil {
				return nil, err
			}
			out[i] = mapped
		}
		return out, nil
	}
	return nil, fmt.Errorf("no method .%s on list", name)
}

func callMath(name string, args []interface{}) (interface{}, error) {
	nums := make([]float64, 0, len(args))
	for _, a := range args {
		if IsUndefined(a) {
			return Undefined, nil
		}
		f, ok := toFloat(a)
		if !ok {
			return nil, fmt.Errorf("Math.%s expects numbers, got %s", name, typeName(a))
		}
		nums = append(nums, f)
	}

	switch name {
	case "min", "max":
		if len(nums) == 0 {
			return nil, fmt.Errorf("Math.%s expects at least one argument", name)
		}
		out := nums[0]
		for _, f := range nums[1:] {
			if (name == "min" && f < out) || (name == "max" && f > out) {
				out = f
			}
		}
		return out, nil
	case "round":
		if len(nums) != 1 {
			return nil, fmt.Errorf("Math.round expects one argument")
		}
		// half rounds up, matching the script convention
		return math.Floor(nums[0] + 0.5), nil
	case "floor":
		if len(nums) != 1 {
			return nil, fmt.Errorf("Math.floor expects one argument")
		}
		return math.Floor(nums[0]), nil
	case "ceil":
		if len(nums) != 1 {
			return nil, fmt.Errorf("Math.ceil expects one argument")
		}
		return math.Ceil(nums[0]), nil
	}
	return nil, fmt.Errorf("unknown function Math.%s", name)
}

func callObject(name string, args []interface{}) (interface{}, error) {
	arg := argAt(args, 0)
	if IsUndefined(arg) || arg == nil {
		return []interface{}{}, nil
	}
	m, ok := arg.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("Object.%s expects an object, got %s", name, typeName(arg))
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	switch name {
	case "keys":
		out := make([]interface{}, len(keys))
		for i, k := range keys {
			out[i] = k
		}
		return out, nil
	case "values":
		out := make([]interface{}, len(keys))
		for i, k := range keys {
			out[i] = m[k]
		}
		return out, nil
	case "entries":
		out := make([]interface{}, len(keys))
		for i, k := range keys {
			out[i] = []interface{}{k, m[k]}
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown function Object.%s", name)
}

func argAt(args []interface{}, i int) interface{} {
	if i < len(args) {
		return args[i]
	}
	return Undefined
}

// sliceBounds resolves slice(start, end) arguments with negative offsets
// counted from the end, clamped to the valid range.
func sliceBounds(length int, args []interface{}) (int, int) {
	start, end := 0, length
	if len(args) > 0 {
		if f, ok := toFloat(args[0]); ok {
			start = resolveOffset(int(f), length)
		}
	}
	if len(args) > 1 && !IsUndefined(args[1]) {
		if f, ok := toFloat(args[1]); ok {
			end = resolveOffset(int(f), length)
		}
	}
	if end < start {
		end = start
	}
	return start, end
}

func resolveOffset(i, length int) int {
	if i < 0 {
		i += length
	}
	if i < 0 {
		return 0
	}
	if i > length {
		return length
	}
	return i
}
