package fiber

// Scope holds the variables visible to plan code. A future gets a deep copy
// of its creator's scope, so assignments on either side stay private.
type Scope map[string]any

// Copy returns a deep copy of s. Maps and slices are copied recursively;
// other values are copied by assignment.
func (s Scope) Copy() Scope {
	if s == nil {
		return Scope{}
	}
	out := make(Scope, len(s))
	for k, v := range s {
		out[k] = deepCopy(v)
	}
	return out
}

func deepCopy(v any) any {
	switch val := v.(type) {
	case Scope:
		return val.Copy()
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = deepCopy(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopy(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, item := range val {
			out[k] = item
		}
		return out
	default:
		return v
	}
}
