package expr

type node interface{}

type numberLit struct{ val float64 }

type stringLit struct{ val string }

type boolLit struct{ val bool }

type nullLit struct{}

type listLit struct{ elems []node }

type identRef struct{ name string }

type memberRef struct {
	obj  node
	name string
}

type indexExpr struct {
	obj node
	key node
}

type callExpr struct {
	callee node
	args   []node
}

type unaryExpr struct {
	op      string
	operand node
}

type binaryExpr struct {
	op    string
	left  node
	right node
}

type condExpr struct {
	cond node
	then node
	els  node
}

type arrowFn struct {
	param string
	body  node
}

// staticPath renders an access chain as a dotted path when every link is a
// literal member or string index. Returns false for dynamic chains.
func staticPath(n node) (string, bool) {
	switch t := n.(type) {
	case identRef:
		return t.name, true
	case memberRef:
		base, ok := staticPath(t.obj)
		if !ok {
			return "", false
		}
		return base + "." + t.name, true
	case indexExpr:
		key, ok := t.key.(stringLit)
		if !ok {
			return "", false
		}
		base, okBase := staticPath(t.obj)
		if !okBase {
			return "", false
		}
		return base + "." + key.val, true
	}
	return "", false
}

func collectRefs(n node, emit func(string)) {
	switch t := n.(type) {
	case identRef, memberRef, indexExpr:
		if path, ok := staticPath(t); ok {
			if root := pathRoot(path); root != "Math" && root != "Object" {
				emit(path)
			}
			return
		}
		switch inner := t.(type) {
		case memberRef:
			collectRefs(inner.obj, emit)
		case indexExpr:
			collectRefs(inner.obj, emit)
			collectRefs(inner.key, emit)
		}
	case listLit:
		for _, e := range t.elems {
			collectRefs(e, emit)
		}
	case callExpr:
		// a method call reads its receiver: emit the receiver path, not
		// the method name
		if m, ok := t.callee.(memberRef); ok {
			collectRefs(m.obj, emit)
		} else {
			collectRefs(t.callee, emit)
		}
		for _, a := range t.args {
			collectRefs(a, emit)
		}
	case unaryExpr:
		collectRefs(t.operand, emit)
	case binaryExpr:
		collectRefs(t.left, emit)
		collectRefs(t.right, emit)
	case condExpr:
		collectRefs(t.cond, emit)
		collectRefs(t.then, emit)
		collectRefs(t.els, emit)
	case arrowFn:
		collectRefs(t.body, emit)
	}
}

func pathRoot(path string) string {
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			return path[:i]
		}
	}
	return path
}
