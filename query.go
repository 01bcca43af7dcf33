package appstax

import (
	"fmt"
	"strings"
)

// Query builds a filter string in the backend's query grammar. Predicates
// are joined with the logical operator ("and" unless changed).
type Query struct {
	LogicalOperator string

	predicates []string
}

func NewQuery() *Query {
	return &Query{LogicalOperator: "and"}
}

func (q *Query) StringEquals(property, value string) *Query {
	q.predicates = append(q.predicates, fmt.Sprintf("%s='%s'", property, value))
	return q
}

func (q *Query) StringContains(property, value string) *Query {
	q.predicates = append(q.predicates, fmt.Sprintf("%s like '%%%s%%'", property, value))
	return q
}

// RelationHas matches objects whose relation property contains the given
// object id.
func (q *Query) RelationHas(property, id string) *Query {
	q.predicates = append(q.predicates, fmt.Sprintf("%s has ('%s')", property, id))
	return q
}

func (q *Query) QueryString() string {
	operator := q.LogicalOperator
	if operator == "" {
		operator = "and"
	}
	return strings.Join(q.predicates, " "+operator+" ")
}
