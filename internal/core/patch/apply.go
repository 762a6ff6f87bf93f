package patch

import "fmt"

// Result is the outcome of a successful Apply.
type Result struct {
	Tree     any
	Revision Revision
	// Changed is the compacted set of paths whose value may differ from the
	// input tree. Array inserts and removals report the array itself, since the
	// indices of later siblings shift.
	Changed []Path
}

// Apply applies batch to tree, which must be at revision baseline. Either every
// operation succeeds and the new tree is returned, or an *ApplyError is
// returned and tree is left exactly as it was.
func Apply(tree any, baseline Revision, batch Batch) (Result, error) {
	if err := batch.Validate(); err != nil {
		return Result{}, &ApplyError{Index: -1, Err: err}
	}
	if batch.From != baseline {
		return Result{}, &ApplyError{
			Index: -1,
			Err:   fmt.Errorf("%w: batch starts at %d, tree is at %d", ErrBaselineMismatch, batch.From, baseline),
		}
	}

	scratch := Clone(tree)
	changed := make([]Path, 0, len(batch.Operations))
	for i, op := range batch.Operations {
		next, changedPath, at, err := applyOp(scratch, op)
		if err != nil {
			return Result{}, &ApplyError{Index: i, Op: op, At: at, Err: err}
		}
		scratch = next
		changed = append(changed, changedPath)
	}

	return Result{
		Tree:     scratch,
		Revision: batch.To,
		Changed:  Compact(changed),
	}, nil
}

// applyOp mutates root in place where it can and returns the new root, the
// path reported as changed, and on failure the path where the walk stopped.
func applyOp(root any, op Operation) (any, Path, Path, error) {
	path := op.Path
	if path.IsRoot() {
		switch op.Op {
		case OpReplace:
			return Clone(op.Value), Path{}, nil, nil
		case OpAdd:
			return nil, nil, Path{}, ErrPathConflict
		default:
			return nil, nil, Path{}, fmt.Errorf("%w: cannot remove the root", ErrMalformed)
		}
	}

	parentPath := path.Parent()
	parent, depth := walk(root, parentPath)
	if depth != len(parentPath) {
		return nil, nil, parentPath[:depth+1].Clone(), ErrPathNotFound
	}
	last := path[len(path)-1]

	switch p := parent.(type) {
	case map[string]any:
		key := last.mapKey()
		_, exists := p[key]
		switch op.Op {
		case OpAdd:
			if exists {
				return nil, nil, path, ErrPathConflict
			}
			p[key] = Clone(op.Value)
		case OpReplace:
			if !exists {
				return nil, nil, path, ErrPathNotFound
			}
			p[key] = Clone(op.Value)
		case OpRemove:
			if !exists {
				return nil, nil, path, ErrPathNotFound
			}
			delete(p, key)
		}
		return root, path, nil, nil

	case []any:
		i, ok := last.arrayIndex()
		if !ok {
			return nil, nil, path, ErrPathNotFound
		}
		switch op.Op {
		case OpAdd:
			if i > len(p) {
				return nil, nil, path, ErrPathNotFound
			}
			grown := make([]any, 0, len(p)+1)
			grown = append(grown, p[:i]...)
			grown = append(grown, Clone(op.Value))
			grown = append(grown, p[i:]...)
			return setAt(root, parentPath, grown), parentPath, nil, nil
		case OpReplace:
			if i >= len(p) {
				return nil, nil, path, ErrPathNotFound
			}
			p[i] = Clone(op.Value)
			return root, path, nil, nil
		case OpRemove:
			if i >= len(p) {
				return nil, nil, path, ErrPathNotFound
			}
			shrunk := make([]any, 0, len(p)-1)
			shrunk = append(shrunk, p[:i]...)
			shrunk = append(shrunk, p[i+1:]...)
			return setAt(root, parentPath, shrunk), parentPath, nil, nil
		}
	}

	// the parent is a scalar, so nothing below it can exist
	return nil, nil, path, ErrPathNotFound
}
