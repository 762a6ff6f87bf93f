package patch

// Clone deep-copies the containers of a tree. Scalars are shared.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = Clone(child)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = Clone(child)
		}
		return out
	default:
		return v
	}
}

// Lookup returns the node at path.
func Lookup(tree any, path Path) (any, bool) {
	node, depth := walk(tree, path)
	if depth != len(path) {
		return nil, false
	}
	return node, true
}

// walk descends as far as path allows and returns the last node reached and
// how many keys were consumed.
func walk(tree any, path Path) (any, int) {
	node := tree
	for i, key := range path {
		next, ok := child(node, key)
		if !ok {
			return node, i
		}
		node = next
	}
	return node, len(path)
}

func child(node any, key Key) (any, bool) {
	switch n := node.(type) {
	case map[string]any:
		v, ok := n[key.mapKey()]
		return v, ok
	case []any:
		i, ok := key.arrayIndex()
		if !ok || i >= len(n) {
			return nil, false
		}
		return n[i], true
	default:
		return nil, false
	}
}

// setAt stores v at an existing path and returns the (possibly new) root.
func setAt(root any, path Path, v any) any {
	if len(path) == 0 {
		return v
	}
	parent, _ := Lookup(root, path.Parent())
	last := path[len(path)-1]
	switch p := parent.(type) {
	case map[string]any:
		p[last.mapKey()] = v
	case []any:
		if i, ok := last.arrayIndex(); ok && i < len(p) {
			p[i] = v
		}
	}
	return root
}
