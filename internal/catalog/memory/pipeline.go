package memory

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// aggregate runs a pipeline over docs. Only the stages used for manifest
// resolution are supported: $match, $lookup, $unwind, $replaceWith and
// $group with $first accumulators.
func (s *Store) aggregate(docs []bson.M, stages []bson.M) ([]bson.M, error) {
	var err error
	for i, stage := range stages {
		if len(stage) != 1 {
			return nil, fmt.Errorf("stage %d: expected exactly one operator", i)
		}
		for op, spec := range stage {
			switch op {
			case "$match":
				docs, err = stageMatch(docs, spec)
			case "$lookup":
				docs, err = s.stageLookup(docs, spec)
			case "$unwind":
				docs, err = stageUnwind(docs, spec)
			case "$replaceWith":
				docs, err = stageReplaceWith(docs, spec)
			case "$group":
				docs, err = stageGroup(docs, spec)
			default:
				err = fmt.Errorf("unsupported stage %s", op)
			}
			if err != nil {
				return nil, fmt.Errorf("stage %d (%s): %w", i, op, err)
			}
		}
	}
	return docs, nil
}

func stageMatch(docs []bson.M, spec any) ([]bson.M, error) {
	filter, ok := asMap(spec)
	if !ok {
		return nil, fmt.Errorf("expected a filter document")
	}
	var out []bson.M
	for _, doc := range docs {
		ok, err := matches(doc, filter)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (s *Store) stageLookup(docs []bson.M, spec any) ([]bson.M, error) {
	m, ok := asMap(spec)
	if !ok {
		return nil, fmt.Errorf("expected a lookup document")
	}
	from, _ := m["from"].(string)
	localField, _ := m["localField"].(string)
	foreignField, _ := m["foreignField"].(string)
	as, _ := m["as"].(string)
	if from == "" || localField == "" || foreignField == "" || as == "" {
		return nil, fmt.Errorf("from, localField, foreignField and as are required")
	}

	foreign := s.snapshot(from)
	out := make([]bson.M, 0, len(docs))
	for _, doc := range docs {
		local, _ := lookup(doc, localField)
		joined := bson.A{}
		for _, f := range foreign {
			fv, found := lookup(f, foreignField)
			if found && joinMatches(local, fv) {
				joined = append(joined, f)
			}
		}
		next := shallowCopy(doc)
		next[as] = joined
		out = append(out, next)
	}
	return out, nil
}

// joinMatches treats both sides as sets, as $lookup does for array fields.
func joinMatches(local, foreign any) bool {
	locals, ok := asSlice(local)
	if !ok {
		locals = []any{local}
	}
	for _, l := range locals {
		if equalOrContains(foreign, l) {
			return true
		}
	}
	return false
}

func stageUnwind(docs []bson.M, spec any) ([]bson.M, error) {
	path, ok := spec.(string)
	if !ok {
		m, isMap := asMap(spec)
		if !isMap {
			return nil, fmt.Errorf("expected a field path")
		}
		path, _ = m["path"].(string)
	}
	field, err := fieldRef(path)
	if err != nil {
		return nil, err
	}

	var out []bson.M
	for _, doc := range docs {
		val, _ := lookup(doc, field)
		items, isSlice := asSlice(val)
		if !isSlice {
			if val != nil {
				out = append(out, doc)
			}
			continue
		}
		for _, item := range items {
			next := shallowCopy(doc)
			next[field] = item
			out = append(out, next)
		}
	}
	return out, nil
}

func stageReplaceWith(docs []bson.M, spec any) ([]bson.M, error) {
	path, ok := spec.(string)
	if !ok {
		return nil, fmt.Errorf("expected a field path")
	}
	field, err := fieldRef(path)
	if err != nil {
		return nil, err
	}
	out := make([]bson.M, 0, len(docs))
	for _, doc := range docs {
		val, _ := lookup(doc, field)
		m, ok := asMap(val)
		if !ok {
			return nil, fmt.Errorf("%s is not a document", path)
		}
		out = append(out, bson.M(m))
	}
	return out, nil
}

func stageGroup(docs []bson.M, spec any) ([]bson.M, error) {
	m, ok := asMap(spec)
	if !ok {
		return nil, fmt.Errorf("expected a group document")
	}
	keyPath, ok := m["_id"].(string)
	if !ok {
		return nil, fmt.Errorf("_id must be a field path")
	}
	keyField, err := fieldRef(keyPath)
	if err != nil {
		return nil, err
	}

	type group struct {
		key any
		doc bson.M
	}
	var groups []*group
	for _, doc := range docs {
		key, _ := lookup(doc, keyField)
		var g *group
		for _, existing := range groups {
			if equal(existing.key, key) {
				g = existing
				break
			}
		}
		if g != nil {
			continue
		}
		g = &group{key: key, doc: bson.M{"_id": key}}
		for name, acc := range m {
			if name == "_id" {
				continue
			}
			accSpec, ok := asMap(acc)
			if !ok {
				return nil, fmt.Errorf("accumulator %s must be a document", name)
			}
			firstPath, ok := accSpec["$first"].(string)
			if !ok || len(accSpec) != 1 {
				return nil, fmt.Errorf("accumulator %s: only $first is supported", name)
			}
			firstField, err := fieldRef(firstPath)
			if err != nil {
				return nil, err
			}
			g.doc[name], _ = lookup(doc, firstField)
		}
		groups = append(groups, g)
	}

	out := make([]bson.M, 0, len(groups))
	for _, g := range groups {
		out = append(out, g.doc)
	}
	return out, nil
}

func fieldRef(path string) (string, error) {
	if !strings.HasPrefix(path, "$") || len(path) < 2 {
		return "", fmt.Errorf("invalid field path %q", path)
	}
	return path[1:], nil
}

func shallowCopy(doc bson.M) bson.M {
	out := make(bson.M, len(doc)+1)
	for k, v := range doc {
		out[k] = v
	}
	return out
}
