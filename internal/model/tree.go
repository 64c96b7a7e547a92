package model

import (
	"fmt"
	"strings"
)

// Segment is one element of a TreePath. Only the field-name shape is
// currently defined; index/key segments can be added later without
// changing TreePath's representation.
type Segment struct {
	Field string
}

// TreePath is an ordered sequence of segments; an empty path denotes the root.
type TreePath []Segment

// FieldPath builds a TreePath from plain field names, the common case.
func FieldPath(names ...string) TreePath {
	p := make(TreePath, len(names))
	for i, n := range names {
		p[i] = Segment{Field: n}
	}
	return p
}

func (p TreePath) String() string {
	names := make([]string, len(p))
	for i, s := range p {
		names[i] = s.Field
	}
	return strings.Join(names, ".")
}

// Equal reports whether p and other denote the same path.
func (p TreePath) Equal(other TreePath) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i].Field != other[i].Field {
			return false
		}
	}
	return true
}

// StructureKind tags a Structure node as either an interior struct or a leaf value.
type StructureKind int

const (
	StructureStruct StructureKind = iota
	StructureValue
)

// Structure describes the shape of the data tree recursively.
type Structure struct {
	Kind   StructureKind
	Fields []StructureField // ordered, only meaningful when Kind == StructureStruct
	Value  string           // leaf type tag, only meaningful when Kind == StructureValue
}

// StructureField is one named child of a struct Structure, in declaration order.
type StructureField struct {
	Name string
	Type Structure
}

// FieldNames returns the ordered field names of a struct Structure.
func (s Structure) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Field looks up a child Structure by name.
func (s Structure) Field(name string) (Structure, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f.Type, true
		}
	}
	return Structure{}, false
}

// DataRefKind tags which variant a DataRef holds.
type DataRefKind int

const (
	RefUnassigned DataRefKind = iota
	RefNull
	RefValue
	RefTree
)

// DataRef is a tagged leaf or interior reference in the data tree.
type DataRef struct {
	Kind DataRefKind
	Hash Hash // meaningful for RefValue (dataset blob) and RefTree (child Tree node)
}

func Unassigned() DataRef       { return DataRef{Kind: RefUnassigned} }
func Null() DataRef             { return DataRef{Kind: RefNull} }
func Value(h Hash) DataRef      { return DataRef{Kind: RefValue, Hash: h} }
func TreeRef(h Hash) DataRef    { return DataRef{Kind: RefTree, Hash: h} }
func (r DataRef) IsUnassigned() bool { return r.Kind == RefUnassigned }

// Tree is one node of the data tree: a mapping from field name to DataRef.
// The set of keys must equal the corresponding Structure's struct keys.
type Tree struct {
	Fields map[string]DataRef
}

func NewTree() Tree { return Tree{Fields: make(map[string]DataRef)} }

// Get resolves a single field of the tree, or (zero, false) if absent.
func (t Tree) Get(field string) (DataRef, bool) {
	r, ok := t.Fields[field]
	return r, ok
}

// With returns a copy of t with field set to ref — the building block of
// copy-path-to-root structural sharing: callers rebuild only the spine from
// the mutated leaf to the root, reusing every sibling subtree untouched.
func (t Tree) With(field string, ref DataRef) Tree {
	out := Tree{Fields: make(map[string]DataRef, len(t.Fields))}
	for k, v := range t.Fields {
		out.Fields[k] = v
	}
	out.Fields[field] = ref
	return out
}

// ErrStructuralViolation is returned when a TreePath walk finds a DataRef
// shape that disagrees with its position (e.g. a `tree` ref at a leaf path).
type ErrStructuralViolation struct {
	Path TreePath
}

func (e *ErrStructuralViolation) Error() string {
	return fmt.Sprintf("structural violation at path %q", e.Path.String())
}
