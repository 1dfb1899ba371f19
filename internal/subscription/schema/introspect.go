package schema

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Cardinality of a child field.
type Cardinality string

const (
	Single         Cardinality = "single"
	OptionalSingle Cardinality = "optional"
	List           Cardinality = "list"
	Union          Cardinality = "union"
)

// ScalarField is a field persisted as value rows.
type ScalarField struct {
	Name     string
	Kind     ScalarKind
	List     bool
	Optional bool
}

// ChildField is a field persisted as relation edges to child blocks.
type ChildField struct {
	Name string
	// Types holds the persisted block names a child may have, in declaration order.
	Types    []string
	List     bool
	Optional bool
}

// Cardinality classifies the field. A list of union members is still a list.
func (f ChildField) Cardinality() Cardinality {
	switch {
	case f.List:
		return List
	case len(f.Types) > 1:
		return Union
	case f.Optional:
		return OptionalSingle
	default:
		return Single
	}
}

// Accepts reports whether a child persisted as typeName may fill this field.
func (f ChildField) Accepts(typeName string) bool {
	for _, t := range f.Types {
		if t == typeName {
			return true
		}
	}
	return false
}

// Required reports whether a single-valued child must be present.
func (f ChildField) Required() bool {
	return !f.List && !f.Optional
}

// Fields is the classified, ordered view of a BlockType.
type Fields struct {
	Scalars  []ScalarField
	Children []ChildField

	scalarIdx map[string]int
	childIdx  map[string]int
}

// Scalar looks up a scalar field by name.
func (f *Fields) Scalar(name string) (ScalarField, bool) {
	i, ok := f.scalarIdx[name]
	if !ok {
		return ScalarField{}, false
	}
	return f.Scalars[i], true
}

// Child looks up a child field by name.
func (f *Fields) Child(name string) (ChildField, bool) {
	i, ok := f.childIdx[name]
	if !ok {
		return ChildField{}, false
	}
	return f.Children[i], true
}

var introspected sync.Map // *BlockType -> *Fields

// Introspect classifies t's fields (inherited ones first, in declaration order)
// into scalar and child fields. Results are memoized per *BlockType; callers must
// treat the returned value as read-only.
//
// A type expression is a scalar kind or a block name, optionally wrapped in one
// optional(...) and then one list(...); union(A, B) lists alternative block names.
// A field is a child field iff its element type is a block name.
func Introspect(t *BlockType) (*Fields, error) {
	if t == nil {
		return nil, fmt.Errorf("introspect: nil block type")
	}
	if cached, ok := introspected.Load(t); ok {
		return cached.(*Fields), nil
	}
	fields, err := introspect(t, map[*BlockType]bool{})
	if err != nil {
		return nil, err
	}
	actual, _ := introspected.LoadOrStore(t, fields)
	return actual.(*Fields), nil
}

// MustIntrospect is Introspect for types already accepted by a registry.
func MustIntrospect(t *BlockType) *Fields {
	f, err := Introspect(t)
	if err != nil {
		panic(err)
	}
	return f
}

// field is the unified intermediate form used while merging inherited fields.
type field struct {
	scalar *ScalarField
	child  *ChildField
}

func (f field) name() string {
	if f.scalar != nil {
		return f.scalar.Name
	}
	return f.child.Name
}

func introspect(t *BlockType, seen map[*BlockType]bool) (*Fields, error) {
	merged, err := mergedFields(t, seen)
	if err != nil {
		return nil, err
	}
	out := &Fields{scalarIdx: map[string]int{}, childIdx: map[string]int{}}
	for _, f := range merged {
		if f.scalar != nil {
			out.scalarIdx[f.scalar.Name] = len(out.Scalars)
			out.Scalars = append(out.Scalars, *f.scalar)
		} else {
			out.childIdx[f.child.Name] = len(out.Children)
			out.Children = append(out.Children, *f.child)
		}
	}
	return out, nil
}

// mergedFields returns t's effective fields: inherited ones in the order the
// Extends chain declared them, redeclarations replacing in place, new ones last.
func mergedFields(t *BlockType, seen map[*BlockType]bool) ([]field, error) {
	if seen[t] {
		return nil, fmt.Errorf("block type %s: extends cycle", t.Name)
	}
	seen[t] = true

	var merged []field
	index := map[string]int{}
	if t.Extends != nil {
		if t.Extends.Kind != t.Kind {
			return nil, fmt.Errorf("block type %s: kind differs from %s", t.Name, t.Extends.Name)
		}
		parent, err := mergedFields(t.Extends, seen)
		if err != nil {
			return nil, err
		}
		for _, f := range parent {
			index[f.name()] = len(merged)
			merged = append(merged, f)
		}
	}

	own := map[string]bool{}
	for _, decl := range t.Fields {
		if decl.Name == "" {
			return nil, fmt.Errorf("block type %s: field without a name", t.Name)
		}
		if own[decl.Name] {
			return nil, fmt.Errorf("block type %s: field %s declared twice", t.Name, decl.Name)
		}
		own[decl.Name] = true

		f, err := classify(decl)
		if err != nil {
			return nil, fmt.Errorf("block type %s: %w", t.Name, err)
		}
		if i, ok := index[decl.Name]; ok {
			if err := checkNarrowing(merged[i], f); err != nil {
				return nil, fmt.Errorf("block type %s narrows %s: %w", t.Name, t.Extends.Name, err)
			}
			merged[i] = f
			continue
		}
		index[decl.Name] = len(merged)
		merged = append(merged, f)
	}
	return merged, nil
}

// checkNarrowing enforces that a stricter variant keeps the looser variant's field
// shape and never relaxes a required field.
func checkNarrowing(looser, stricter field) error {
	switch {
	case looser.scalar != nil && stricter.scalar != nil:
		l, s := looser.scalar, stricter.scalar
		if l.Kind != s.Kind || l.List != s.List {
			return fmt.Errorf("field %s changes type", l.Name)
		}
		if !l.Optional && s.Optional {
			return fmt.Errorf("field %s becomes optional", l.Name)
		}
	case looser.child != nil && stricter.child != nil:
		l, s := looser.child, stricter.child
		if l.List != s.List {
			return fmt.Errorf("field %s changes cardinality", l.Name)
		}
		if !l.Optional && s.Optional {
			return fmt.Errorf("field %s becomes optional", l.Name)
		}
		for _, name := range s.Types {
			if !l.Accepts(name) {
				return fmt.Errorf("field %s adds block type %s", l.Name, name)
			}
		}
	default:
		return fmt.Errorf("field %s switches between scalar and block", looser.name())
	}
	return nil
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func classify(decl FieldDecl) (field, error) {
	expr := strings.Join(strings.Fields(decl.Type), "")
	if expr == "" {
		return field{}, fmt.Errorf("field %s: empty type", decl.Name)
	}

	var optional, list bool
	if inner, ok := unwrap(expr, "optional"); ok {
		optional, expr = true, inner
	}
	if inner, ok := unwrap(expr, "list"); ok {
		list, expr = true, inner
	}
	members := []string{expr}
	if inner, ok := unwrap(expr, "union"); ok {
		members = strings.Split(inner, ",")
	}

	seen := map[string]bool{}
	for _, m := range members {
		if !identRe.MatchString(m) {
			return field{}, fmt.Errorf("field %s: invalid type expression %q", decl.Name, decl.Type)
		}
		if seen[m] {
			return field{}, fmt.Errorf("field %s: union member %s repeated", decl.Name, m)
		}
		seen[m] = true
	}

	if kind, ok := ParseScalarKind(members[0]); ok {
		if len(members) > 1 {
			return field{}, fmt.Errorf("field %s: union members must be block types", decl.Name)
		}
		return field{scalar: &ScalarField{Name: decl.Name, Kind: kind, List: list, Optional: optional}}, nil
	}
	for _, m := range members {
		if _, ok := ParseScalarKind(m); ok {
			return field{}, fmt.Errorf("field %s: union members must be block types", decl.Name)
		}
	}
	return field{child: &ChildField{Name: decl.Name, Types: members, List: list, Optional: optional}}, nil
}

func unwrap(expr, wrapper string) (string, bool) {
	prefix := wrapper + "("
	if strings.HasPrefix(expr, prefix) && strings.HasSuffix(expr, ")") {
		return expr[len(prefix) : len(expr)-1], true
	}
	return "", false
}
