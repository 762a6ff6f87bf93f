package patch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Key is one step of a Path: either an object field or an array index.
type Key struct {
	name    string
	index   int
	isIndex bool
}

// Field returns a key addressing an object member.
func Field(name string) Key {
	return Key{name: name}
}

// Index returns a key addressing an array element.
func Index(i int) Key {
	return Key{index: i, isIndex: true}
}

func (k Key) IsIndex() bool {
	return k.isIndex
}

// String renders the key the way it appears in a rendered path.
func (k Key) String() string {
	if k.isIndex {
		return strconv.Itoa(k.index)
	}
	return k.name
}

// Equal compares keys by their rendered form, so Field("0") equals Index(0).
func (k Key) Equal(other Key) bool {
	if k.isIndex && other.isIndex {
		return k.index == other.index
	}
	return k.String() == other.String()
}

// mapKey is the member name used when the key addresses an object.
func (k Key) mapKey() string {
	return k.String()
}

// arrayIndex is the element index used when the key addresses an array. Field
// keys are accepted when they spell a non-negative decimal integer.
func (k Key) arrayIndex() (int, bool) {
	if k.isIndex {
		return k.index, k.index >= 0
	}
	i, err := strconv.Atoi(k.name)
	if err != nil || i < 0 || strconv.Itoa(i) != k.name {
		return 0, false
	}
	return i, true
}

func (k Key) MarshalJSON() ([]byte, error) {
	if k.isIndex {
		return []byte(strconv.Itoa(k.index)), nil
	}
	return json.Marshal(k.name)
}

func (k *Key) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		*k = Field(name)
		return nil
	}
	i, err := strconv.Atoi(string(data))
	if err != nil || i < 0 {
		return fmt.Errorf("%w: path key %s is neither a string nor a non-negative integer", ErrMalformed, data)
	}
	*k = Index(i)
	return nil
}

// Path locates a node in the tree. The empty path is the root.
type Path []Key

// ParsePath builds a path from a slash separated string such as
// "/package-data/bitcoind/0". Segments made of digits become index keys.
// Both "" and "/" denote the root.
func ParsePath(s string) Path {
	s = strings.Trim(s, "/")
	if s == "" {
		return Path{}
	}
	parts := strings.Split(s, "/")
	p := make(Path, len(parts))
	for i, part := range parts {
		if n, err := strconv.Atoi(part); err == nil && n >= 0 && strconv.Itoa(n) == part {
			p[i] = Index(n)
		} else {
			p[i] = Field(part)
		}
	}
	return p
}

// P is shorthand for building a path from strings and ints.
func P(keys ...any) Path {
	p := make(Path, len(keys))
	for i, k := range keys {
		switch v := k.(type) {
		case int:
			p[i] = Index(v)
		case string:
			p[i] = Field(v)
		case Key:
			p[i] = v
		default:
			p[i] = Field(fmt.Sprint(v))
		}
	}
	return p
}

func (p Path) String() string {
	if len(p) == 0 {
		return "/"
	}
	var sb strings.Builder
	for _, k := range p {
		sb.WriteByte('/')
		sb.WriteString(k.String())
	}
	return sb.String()
}

func (p Path) IsRoot() bool {
	return len(p) == 0
}

// Parent returns the path without its last key. The root is its own parent.
func (p Path) Parent() Path {
	if len(p) == 0 {
		return p
	}
	return p[:len(p)-1]
}

func (p Path) Equal(other Path) bool {
	return len(p) == len(other) && p.HasPrefix(other)
}

// HasPrefix reports whether prefix is p itself or one of its ancestors.
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i, k := range prefix {
		if !k.Equal(p[i]) {
			return false
		}
	}
	return true
}

// Overlaps reports whether a change at one path can affect the value at the
// other, i.e. whether either is a prefix of the other.
func (p Path) Overlaps(other Path) bool {
	return p.HasPrefix(other) || other.HasPrefix(p)
}

// Clone returns a copy that does not share its backing array with p.
func (p Path) Clone() Path {
	out := make(Path, len(p))
	copy(out, p)
	return out
}

// Compact removes duplicates and every path that has an ancestor in the set,
// keeping the order of first appearance.
func Compact(paths []Path) []Path {
	out := make([]Path, 0, len(paths))
	for i, candidate := range paths {
		covered := false
		for j, other := range paths {
			if i == j {
				continue
			}
			if candidate.HasPrefix(other) && (len(other) < len(candidate) || j < i) {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, candidate)
		}
	}
	return out
}
