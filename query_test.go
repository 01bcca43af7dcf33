package appstax

import "testing"

func TestQueryStringEquals(t *testing.T) {
	q := NewQuery().StringEquals("name", "bob")
	if got := q.QueryString(); got != "name='bob'" {
		t.Fatalf("unexpected query: %q", got)
	}
}

func TestQueryCombinesWithAnd(t *testing.T) {
	q := NewQuery().StringEquals("name", "bob").StringEquals("city", "oslo")
	if got := q.QueryString(); got != "name='bob' and city='oslo'" {
		t.Fatalf("unexpected query: %q", got)
	}
}

func TestQueryContainsWithOr(t *testing.T) {
	q := NewQuery()
	q.LogicalOperator = "or"
	q.StringContains("name", "bo").StringContains("title", "bo")
	if got := q.QueryString(); got != "name like '%bo%' or title like '%bo%'" {
		t.Fatalf("unexpected query: %q", got)
	}
}

func TestQueryRelationHas(t *testing.T) {
	q := NewQuery().RelationHas("friends", "id-123")
	if got := q.QueryString(); got != "friends has ('id-123')" {
		t.Fatalf("unexpected query: %q", got)
	}
}

func TestQueryEmpty(t *testing.T) {
	if got := NewQuery().QueryString(); got != "" {
		t.Fatalf("expected empty query, got %q", got)
	}
}
