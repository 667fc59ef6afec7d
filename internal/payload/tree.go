package payload

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	// ErrEmpty is returned when there is no document to decode.
	ErrEmpty = errors.New("payload is empty")
	// ErrInvalidJSON is returned when the payload is not valid JSON.
	ErrInvalidJSON = errors.New("payload is not valid JSON")
)

// Tree is a decoded JSON document. The zero Tree is absent: every lookup on
// it yields an absent Value.
type Tree struct {
	root gjson.Result
	ok   bool
}

// Decode parses s into a Tree. A JSON null document decodes to an absent
// tree without error.
func Decode(s string) (Tree, error) {
	if strings.TrimSpace(s) == "" {
		return Tree{}, ErrEmpty
	}
	if !gjson.Valid(s) {
		return Tree{}, ErrInvalidJSON
	}
	root := gjson.Parse(s)
	if root.Type == gjson.Null {
		return Tree{}, nil
	}
	return Tree{root: root, ok: true}, nil
}

// Present reports whether the tree holds a document.
func (t Tree) Present() bool {
	return t.ok
}

// Root returns the document root.
func (t Tree) Root() Value {
	if !t.ok {
		return Value{}
	}
	return Value{r: t.root}
}

// Get navigates a dotted path from the root. It never fails.
func (t Tree) Get(path string) Value {
	return t.Root().Get(path)
}

// Value is a node reached by navigation. Navigating through a missing or
// non-object node yields another absent Value rather than an error.
type Value struct {
	r gjson.Result
}

// Get navigates a dotted path below v.
func (v Value) Get(path string) Value {
	if !v.r.Exists() {
		return Value{}
	}
	return Value{r: v.r.Get(path)}
}

// Exists reports whether the node is in the document, null included.
func (v Value) Exists() bool {
	return v.r.Exists()
}

// Present reports whether the node exists and is not null.
func (v Value) Present() bool {
	return v.r.Exists() && v.r.Type != gjson.Null
}

func (v Value) IsObject() bool {
	return v.r.IsObject()
}

func (v Value) IsArray() bool {
	return v.r.IsArray()
}

// Str returns the node when it is a JSON string.
func (v Value) Str() (string, bool) {
	if v.r.Type != gjson.String {
		return "", false
	}
	return v.r.Str, true
}

// String converts scalars to text. Absent and null nodes yield "".
func (v Value) String() string {
	if !v.Present() {
		return ""
	}
	return v.r.String()
}

// Array returns the elements of an array node, or nil.
func (v Value) Array() []Value {
	if !v.r.IsArray() {
		return nil
	}
	items := v.r.Array()
	out := make([]Value, len(items))
	for i, item := range items {
		out[i] = Value{r: item}
	}
	return out
}

// Interface returns the node as a plain Go value: nil for absent and null,
// int64 for integral numbers, float64 for other numbers, and maps/slices
// for containers.
func (v Value) Interface() any {
	switch v.r.Type {
	case gjson.Null:
		return nil
	case gjson.Number:
		if i := v.r.Int(); float64(i) == v.r.Num {
			return i
		}
		return v.r.Num
	default:
		return v.r.Value()
	}
}
