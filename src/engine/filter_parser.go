package engine

import (
	"strings"

	"kitedb/src/models"
)

// Comparison operators usable inside a field condition.
const (
	OpEq  = "$eq"
	OpNe  = "$ne"
	OpGt  = "$gt"
	OpGte = "$gte"
	OpLt  = "$lt"
	OpLte = "$lte"
)

// Match evaluates a query tree against a document. Every top-level key of
// the query is a conjunct. Malformed queries and unknown operators yield a
// validation error.
func Match(doc models.Document, query models.Document) (bool, error) {
	// Sorted keys keep error reporting deterministic.
	for _, key := range query.Keys() {
		cond := query[key]
		var (
			ok  bool
			err error
		)
		switch {
		case key == "$and":
			ok, err = matchAll(doc, key, cond)
		case key == "$or":
			ok, err = matchAny(doc, key, cond)
		case key == "$not":
			var sub models.Document
			sub, err = conditionObject(key, cond)
			if err == nil {
				ok, err = Match(doc, sub)
				ok = !ok
			}
		case strings.HasPrefix(key, "$"):
			return false, validationErrorf("match", "unknown top-level operator: %s", key)
		default:
			ok, err = matchField(doc, key, cond)
		}
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func matchAll(doc models.Document, op string, cond models.Value) (bool, error) {
	conds, err := conditionList(op, cond)
	if err != nil {
		return false, err
	}
	for _, c := range conds {
		ok, err := Match(doc, c)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchAny(doc models.Document, op string, cond models.Value) (bool, error) {
	conds, err := conditionList(op, cond)
	if err != nil {
		return false, err
	}
	for _, c := range conds {
		ok, err := Match(doc, c)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// conditionList validates the whole list up front so a malformed entry is
// reported even when an earlier entry already decides the result.
func conditionList(op string, cond models.Value) ([]models.Document, error) {
	items, ok := cond.AsArray()
	if !ok {
		return nil, validationErrorf("match", "operator '%s' requires a list of conditions, got %s", op, cond.Kind())
	}
	if len(items) == 0 {
		return nil, validationErrorf("match", "operator '%s' requires at least one condition", op)
	}
	conds := make([]models.Document, len(items))
	for i, item := range items {
		c, err := conditionObject(op, item)
		if err != nil {
			return nil, err
		}
		conds[i] = c
	}
	return conds, nil
}

func conditionObject(op string, cond models.Value) (models.Document, error) {
	c, ok := cond.AsObject()
	if !ok {
		return nil, validationErrorf("match", "each condition in '%s' must be an object, got %s", op, cond.Kind())
	}
	if len(c) == 0 {
		return nil, validationErrorf("match", "empty condition in '%s' operator", op)
	}
	return c, nil
}

// matchField resolves a dotted path and checks the condition against the
// value found there. A missing path never matches.
func matchField(doc models.Document, path string, cond models.Value) (bool, error) {
	operators, isObject := cond.AsObject()
	if isObject {
		// operators are validated even when the path is absent
		for op := range operators {
			if !isComparisonOperator(op) {
				return false, validationErrorf("match", "unsupported operator: %s", op)
			}
		}
	}

	val, found := doc.Lookup(path)
	if !found {
		return false, nil
	}
	if !isObject {
		return val.Equal(cond), nil
	}
	for _, op := range operators.Keys() {
		if !compareValues(val, op, operators[op]) {
			return false, nil
		}
	}
	return true, nil
}

func isComparisonOperator(op string) bool {
	switch op {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte:
		return true
	}
	return false
}

// compareValues applies one comparison operator. Ordering operators on
// values without a common natural ordering are false.
func compareValues(val models.Value, op string, expected models.Value) bool {
	switch op {
	case OpEq:
		return val.Equal(expected)
	case OpNe:
		return !val.Equal(expected)
	}

	cmp, ok := val.Compare(expected)
	if !ok {
		return false
	}
	switch op {
	case OpGt:
		return cmp > 0
	case OpGte:
		return cmp >= 0
	case OpLt:
		return cmp < 0
	case OpLte:
		return cmp <= 0
	}
	return false
}
