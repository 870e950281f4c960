package expand

import (
	"reflect"
	"testing"

	"remta.dev/remta/internal/lookup"
)

type mapTable map[string][]string

func (m mapTable) Lookup(key string) (*lookup.Result, bool, error) {
	vs, ok := m[key]
	if !ok {
		return nil, false, nil
	}
	return &lookup.Result{Values: vs}, true, nil
}

func TestListNoMatch(t *testing.T) {
	got := List("q1", mapTable{}, "alice@example.com")
	want := []string{"alice@example.com"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestListFanOut(t *testing.T) {
	tbl := mapTable{
		"list@example.com": {"alice@example.com", "bob@example.com"},
	}
	got := List("q1", tbl, "list@example.com")
	want := []string{"alice@example.com", "bob@example.com"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestListSelfReferenceShortcut(t *testing.T) {
	tbl := mapTable{
		// Expands to itself plus one other address -- should stop
		// immediately and keep both, rather than looping.
		"list@example.com": {"list@example.com", "alice@example.com"},
	}
	got := List("q1", tbl, "list@example.com")
	want := []string{"list@example.com", "alice@example.com"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestListRecursiveChain(t *testing.T) {
	tbl := mapTable{
		"a@example.com": {"b@example.com"},
		"b@example.com": {"c@example.com"},
	}
	got := List("q1", tbl, "a@example.com")
	want := []string{"c@example.com"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestListRevisitsAppendedSlots(t *testing.T) {
	tbl := mapTable{
		"list@example.com": {"sub@example.com"},
		"sub@example.com":  {"alice@example.com", "bob@example.com"},
	}
	got := List("q1", tbl, "list@example.com")
	want := []string{"alice@example.com", "bob@example.com"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
