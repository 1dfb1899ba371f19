package schema

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	dErrors "orchestrator/pkg/domain-errors"
)

// Validate checks field-level type and presence rules for one constructed node of
// type t. values holds canonical scalar values (lists as []any); children maps each
// child field to the persisted block names of the children currently set.
//
// Errors: CodeSchemaValidation listing every violation.
func Validate(t *BlockType, values map[string]any, children map[string][]string) error {
	fields, err := Introspect(t)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeSchemaValidation, "invalid block type")
	}

	var problems []string
	for _, f := range fields.Scalars {
		v, ok := values[f.Name]
		if !ok || v == nil {
			if !f.Optional && !f.List {
				problems = append(problems, fmt.Sprintf("field %s is required", f.Name))
			}
			continue
		}
		if f.List {
			items, isList := v.([]any)
			if !isList {
				problems = append(problems, fmt.Sprintf("field %s must be a list", f.Name))
				continue
			}
			for i, item := range items {
				if !isCanonical(f.Kind, item) {
					problems = append(problems, fmt.Sprintf("field %s[%d]: %T is not a %s", f.Name, i, item, f.Kind))
				}
			}
			continue
		}
		if !isCanonical(f.Kind, v) {
			problems = append(problems, fmt.Sprintf("field %s: %T is not a %s", f.Name, v, f.Kind))
		}
	}
	for name := range values {
		if _, ok := fields.Scalar(name); !ok {
			problems = append(problems, fmt.Sprintf("unknown field %s", name))
		}
	}

	for _, f := range fields.Children {
		names := children[f.Name]
		if !f.List {
			if len(names) > 1 {
				problems = append(problems, fmt.Sprintf("field %s holds %d blocks", f.Name, len(names)))
			}
			if len(names) == 0 && f.Required() {
				problems = append(problems, fmt.Sprintf("field %s is required", f.Name))
			}
		}
		for _, name := range names {
			if !f.Accepts(name) {
				problems = append(problems, fmt.Sprintf("field %s does not accept block %s", f.Name, name))
			}
		}
	}
	for name := range children {
		if _, ok := fields.Child(name); !ok {
			problems = append(problems, fmt.Sprintf("unknown field %s", name))
		}
	}

	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return dErrors.Newf(dErrors.CodeSchemaValidation, "%s: %s", t.Name, strings.Join(problems, "; "))
}

func isCanonical(kind ScalarKind, v any) bool {
	switch kind {
	case KindString:
		_, ok := v.(string)
		return ok
	case KindInt:
		_, ok := v.(int64)
		return ok
	case KindFloat:
		_, ok := v.(float64)
		return ok
	case KindBool:
		_, ok := v.(bool)
		return ok
	case KindUUID:
		_, ok := v.(uuid.UUID)
		return ok
	case KindTime:
		_, ok := v.(time.Time)
		return ok
	}
	return false
}
