package simsrv

import "strings"

// matchFilter evaluates the subset of the query grammar the client
// generates: predicates of the forms prop='value', prop like '%value%'
// and prop has ('id'), joined by a single " and " or " or " operator.
func matchFilter(obj Object, filter string) bool {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return true
	}
	if parts := strings.Split(filter, " or "); len(parts) > 1 {
		for _, part := range parts {
			if matchPredicate(obj, part) {
				return true
			}
		}
		return false
	}
	for _, part := range strings.Split(filter, " and ") {
		if !matchPredicate(obj, part) {
			return false
		}
	}
	return true
}

func matchPredicate(obj Object, predicate string) bool {
	predicate = strings.TrimSpace(predicate)

	if property, value, ok := splitOperator(predicate, " like "); ok {
		needle := strings.Trim(value, "'")
		needle = strings.Trim(needle, "%")
		actual, _ := obj[property].(string)
		return strings.Contains(actual, needle)
	}
	if property, value, ok := splitOperator(predicate, " has "); ok {
		id := strings.Trim(value, "()'")
		rel, _ := obj[property].(map[string]any)
		if rel == nil {
			return false
		}
		return containsString(stringList(rel["sysObjects"]), id)
	}
	if property, value, ok := splitOperator(predicate, "="); ok {
		expected := strings.Trim(value, "'")
		actual, _ := obj[property].(string)
		return actual == expected
	}
	return false
}

func splitOperator(predicate, operator string) (property, value string, ok bool) {
	index := strings.Index(predicate, operator)
	if index < 0 {
		return "", "", false
	}
	return strings.TrimSpace(predicate[:index]), strings.TrimSpace(predicate[index+len(operator):]), true
}
