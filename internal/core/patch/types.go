// Package patch holds the revisioned patch model of the mirrored state tree and
// the all-or-nothing applier that moves a tree from one revision to the next.
//
// A tree is a JSON-shaped value: map[string]any, []any, or a scalar. The
// applier never mutates the tree it is given; it works on a scratch copy and
// returns the new tree only when every operation of a batch succeeded.
package patch

import (
	"fmt"
	"strconv"
)

// Revision is the server-assigned counter identifying a point-in-time tree.
type Revision uint64

func (r Revision) String() string {
	return strconv.FormatUint(uint64(r), 10)
}

// OpKind is the closed set of structural edits.
type OpKind uint8

const (
	OpInvalid OpKind = iota
	OpAdd
	OpReplace
	OpRemove
)

func (k OpKind) String() string {
	switch k {
	case OpAdd:
		return "add"
	case OpReplace:
		return "replace"
	case OpRemove:
		return "remove"
	default:
		return "invalid"
	}
}

// ParseOpKind maps a wire name to its OpKind.
func ParseOpKind(s string) (OpKind, error) {
	switch s {
	case "add":
		return OpAdd, nil
	case "replace":
		return OpReplace, nil
	case "remove":
		return OpRemove, nil
	default:
		return OpInvalid, fmt.Errorf("%w: unknown op %q", ErrMalformed, s)
	}
}

// Operation is a single edit. Value is ignored for OpRemove.
type Operation struct {
	Op    OpKind
	Path  Path
	Value any
}

func Add(path Path, value any) Operation {
	return Operation{Op: OpAdd, Path: path, Value: value}
}

func Replace(path Path, value any) Operation {
	return Operation{Op: OpReplace, Path: path, Value: value}
}

func Remove(path Path) Operation {
	return Operation{Op: OpRemove, Path: path}
}

func (o Operation) String() string {
	return o.Op.String() + " " + o.Path.String()
}

// Validate checks the operation's shape without looking at any tree.
func (o Operation) Validate() error {
	switch o.Op {
	case OpAdd, OpReplace:
	case OpRemove:
		if o.Path.IsRoot() {
			return fmt.Errorf("%w: cannot remove the root", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: invalid op kind %d", ErrMalformed, o.Op)
	}
	return nil
}

// Batch moves the tree from revision From to revision To. To is usually
// From+1 but spans more when the server coalesces patches.
type Batch struct {
	From       Revision    `json:"fromRevision"`
	To         Revision    `json:"toRevision"`
	Operations []Operation `json:"operations"`
}

// Validate checks revision ordering and every operation's shape.
func (b Batch) Validate() error {
	if b.To <= b.From {
		return fmt.Errorf("%w: toRevision %d does not follow fromRevision %d", ErrMalformed, b.To, b.From)
	}
	for i, op := range b.Operations {
		if err := op.Validate(); err != nil {
			return fmt.Errorf("operation %d: %w", i, err)
		}
	}
	return nil
}

func (b Batch) String() string {
	return fmt.Sprintf("%d->%d (%d ops)", b.From, b.To, len(b.Operations))
}

// Dump is a complete serialization of the canonical tree.
type Dump struct {
	Revision Revision `json:"revision"`
	Tree     any      `json:"tree"`
}
