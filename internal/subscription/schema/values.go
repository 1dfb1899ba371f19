package schema

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ScalarKind is the logical type of a scalar field. Each kind has one canonical Go
// representation used in memory: string, int64, float64, bool, uuid.UUID, time.Time.
type ScalarKind string

const (
	KindString ScalarKind = "string"
	KindInt    ScalarKind = "int"
	KindFloat  ScalarKind = "float"
	KindBool   ScalarKind = "bool"
	KindUUID   ScalarKind = "uuid"
	KindTime   ScalarKind = "time"
)

// ParseScalarKind reports whether name is a scalar kind.
func ParseScalarKind(name string) (ScalarKind, bool) {
	switch k := ScalarKind(name); k {
	case KindString, KindInt, KindFloat, KindBool, KindUUID, KindTime:
		return k, true
	}
	return "", false
}

// Normalize converts convenient Go values into the kind's canonical form.
func Normalize(kind ScalarKind, v any) (any, error) {
	switch kind {
	case KindString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case KindInt:
		switch n := v.(type) {
		case int64:
			return n, nil
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		}
	case KindFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		}
	case KindBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case KindUUID:
		if u, ok := v.(uuid.UUID); ok {
			return u, nil
		}
	case KindTime:
		if t, ok := v.(time.Time); ok {
			return t.Round(0).UTC(), nil
		}
	}
	return nil, fmt.Errorf("%T is not a valid %s value", v, kind)
}

// Format renders a canonical value as value_text.
func Format(kind ScalarKind, v any) (string, error) {
	v, err := Normalize(kind, v)
	if err != nil {
		return "", err
	}
	switch kind {
	case KindString:
		return v.(string), nil
	case KindInt:
		return strconv.FormatInt(v.(int64), 10), nil
	case KindFloat:
		return strconv.FormatFloat(v.(float64), 'g', -1, 64), nil
	case KindBool:
		return strconv.FormatBool(v.(bool)), nil
	case KindUUID:
		return v.(uuid.UUID).String(), nil
	default:
		return v.(time.Time).Format(time.RFC3339Nano), nil
	}
}

// Coerce parses value_text into the kind's canonical value.
func Coerce(kind ScalarKind, text string) (any, error) {
	switch kind {
	case KindString:
		return text, nil
	case KindInt:
		return strconv.ParseInt(text, 10, 64)
	case KindFloat:
		return strconv.ParseFloat(text, 64)
	case KindBool:
		return strconv.ParseBool(text)
	case KindUUID:
		return uuid.Parse(text)
	case KindTime:
		t, err := time.Parse(time.RFC3339Nano, text)
		if err != nil {
			return nil, err
		}
		return t.UTC(), nil
	}
	return nil, fmt.Errorf("unknown scalar kind %q", kind)
}
