package memory

import (
	"fmt"
	"reflect"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// matches evaluates the subset of the MongoDB query language the scheduler
// and the job engine use: equality (with array membership), dotted paths,
// and the $in, $nin, $ne, $exists and $size operators.
func matches(doc bson.M, filter bson.M) (bool, error) {
	for key, cond := range filter {
		val, found := lookup(doc, key)
		ok, err := matchCondition(val, found, cond)
		if err != nil {
			return false, fmt.Errorf("field %q: %w", key, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func matchCondition(val any, found bool, cond any) (bool, error) {
	ops, isOps := operators(cond)
	if !isOps {
		return found && equalOrContains(val, cond), nil
	}
	for op, arg := range ops {
		switch op {
		case "$in":
			candidates, ok := asSlice(arg)
			if !ok {
				return false, fmt.Errorf("$in needs an array")
			}
			if !found || !anyEqual(val, candidates) {
				return false, nil
			}
		case "$nin":
			candidates, ok := asSlice(arg)
			if !ok {
				return false, fmt.Errorf("$nin needs an array")
			}
			if found && anyEqual(val, candidates) {
				return false, nil
			}
		case "$ne":
			if found && equalOrContains(val, arg) {
				return false, nil
			}
		case "$exists":
			want, _ := arg.(bool)
			if found != want {
				return false, nil
			}
		case "$size":
			items, ok := asSlice(val)
			if !found || !ok || !numbersEqual(len(items), arg) {
				return false, nil
			}
		default:
			return false, fmt.Errorf("unsupported operator %s", op)
		}
	}
	return true, nil
}

// operators returns cond as an operator document when every key starts
// with "$".
func operators(cond any) (map[string]any, bool) {
	m, ok := asMap(cond)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

func anyEqual(val any, candidates []any) bool {
	for _, c := range candidates {
		if equalOrContains(val, c) {
			return true
		}
	}
	return false
}

// equalOrContains follows MongoDB semantics: an array field matches a
// scalar if any element equals it, and matches an array only exactly.
func equalOrContains(val, want any) bool {
	if equal(val, want) {
		return true
	}
	if _, wantIsSlice := asSlice(want); wantIsSlice {
		return false
	}
	if items, ok := asSlice(val); ok {
		for _, item := range items {
			if equal(item, want) {
				return true
			}
		}
	}
	return false
}

func equal(a, b any) bool {
	as, aIsSlice := asSlice(a)
	bs, bIsSlice := asSlice(b)
	if aIsSlice || bIsSlice {
		if !aIsSlice || !bIsSlice || len(as) != len(bs) {
			return false
		}
		for i := range as {
			if !equal(as[i], bs[i]) {
				return false
			}
		}
		return true
	}
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	return reflect.DeepEqual(a, b)
}

func numbersEqual(n int, v any) bool {
	f, ok := toFloat(v)
	return ok && f == float64(n)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

func asSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case primitive.A:
		return s, true
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, item := range s {
			out[i] = item
		}
		return out, true
	}
	return nil, false
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case bson.M:
		return m, true
	case map[string]any:
		return m, true
	case bson.D:
		return m.Map(), true
	}
	return nil, false
}

// lookup resolves a dotted path inside a document.
func lookup(doc bson.M, path string) (any, bool) {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
