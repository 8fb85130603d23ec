package plan

import (
	"fmt"
	"strings"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

// funcKey identifies a def or lambda by where it is written.
type funcKey struct {
	file      string
	line, col int32
}

func keyOf(pos syntax.Position) funcKey {
	return funcKey{file: pos.Filename(), line: pos.Line, col: pos.Col}
}

// scanCaptures records the enclosing-function locals every nested def and
// lambda of src refers to. A source that does not resolve is skipped; the
// interpreter reports the same error when it runs the file.
func (h *Host) scanCaptures(filename string, src []byte) {
	file, err := syntax.Parse(filename, src, 0)
	if err != nil {
		return
	}
	predeclared := h.predeclared()
	if err := resolve.File(file, predeclared.Has, starlark.Universe.Has); err != nil {
		return
	}

	found := make(map[funcKey][]string)
	syntax.Walk(file, func(n syntax.Node) bool {
		var fn *resolve.Function
		switch n := n.(type) {
		case *syntax.DefStmt:
			fn, _ = n.Function.(*resolve.Function)
		case *syntax.LambdaExpr:
			fn, _ = n.Function.(*resolve.Function)
		}
		if fn != nil && len(fn.FreeVars) > 0 {
			names := make([]string, len(fn.FreeVars))
			for i, b := range fn.FreeVars {
				names[i] = b.First.Name
			}
			found[keyOf(fn.Pos)] = names
		}
		return true
	})

	h.mu.Lock()
	for k, names := range found {
		h.captures[k] = names
	}
	h.mu.Unlock()
}

// captured returns the enclosing locals fn closes over.
func (h *Host) captured(fn starlark.Callable) []string {
	f, ok := fn.(*starlark.Function)
	if !ok {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.captures[keyOf(f.Position())]
}

// errCaptures rejects a background block that shares variables with the
// function that starts it.
func errCaptures(builtin string, fn starlark.Callable, names []string) error {
	return fmt.Errorf("%s: %s refers to %s of the enclosing function; pass them as arguments so the block gets a copy",
		builtin, fn.Name(), strings.Join(names, ", "))
}

// copyValue returns a deep copy of the mutable containers in v. Immutable
// and host values are shared.
func copyValue(v starlark.Value) (starlark.Value, error) {
	switch v := v.(type) {
	case *starlark.List:
		elems := make([]starlark.Value, v.Len())
		for i := range elems {
			c, err := copyValue(v.Index(i))
			if err != nil {
				return nil, err
			}
			elems[i] = c
		}
		return starlark.NewList(elems), nil
	case starlark.Tuple:
		out := make(starlark.Tuple, len(v))
		for i, e := range v {
			c, err := copyValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	case *starlark.Dict:
		out := starlark.NewDict(v.Len())
		for _, item := range v.Items() {
			c, err := copyValue(item[1])
			if err != nil {
				return nil, err
			}
			if err := out.SetKey(item[0], c); err != nil {
				return nil, err
			}
		}
		return out, nil
	case *starlark.Set:
		out := new(starlark.Set)
		iter := v.Iterate()
		defer iter.Done()
		var x starlark.Value
		for iter.Next(&x) {
			if err := out.Insert(x); err != nil {
				return nil, err
			}
		}
		return out, nil
	case *starlarkstruct.Struct:
		fields := make(starlark.StringDict)
		for _, name := range v.AttrNames() {
			attr, err := v.Attr(name)
			if err != nil {
				return nil, err
			}
			c, err := copyValue(attr)
			if err != nil {
				return nil, err
			}
			fields[name] = c
		}
		return starlarkstruct.FromStringDict(v.Constructor(), fields), nil
	default:
		return v, nil
	}
}
