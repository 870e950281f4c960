package localdeliver

import (
	"strings"
	"testing"
)

func newTestDB(t *testing.T, content string) *AliasDB {
	t.Helper()
	table, err := parseAliases(strings.NewReader(content))
	if err != nil {
		t.Fatalf("parseAliases: %v", err)
	}
	return &AliasDB{table: table}
}

func TestExpandNoAlias(t *testing.T) {
	db := newTestDB(t, "")
	_, ok, err := db.Expand("bob")
	if err != nil || ok {
		t.Fatalf("Expand = (_, %v, %v), want (_, false, nil)", ok, err)
	}
}

func TestExpandFanOut(t *testing.T) {
	db := newTestDB(t, "staff: alice@example.com, bob@example.com\n")
	rs, ok, err := db.Expand("staff")
	if err != nil || !ok {
		t.Fatalf("Expand = (_, %v, %v), want (_, true, nil)", ok, err)
	}
	if len(rs) != 2 {
		t.Fatalf("Expand = %v, want 2 recipients", rs)
	}
}

func TestExpandSelfReferenceFallsThrough(t *testing.T) {
	db := newTestDB(t, "joe: joe\n")
	rs, ok, err := db.Expand("joe")
	if err != nil {
		t.Fatalf("Expand err = %v, want nil", err)
	}
	if ok || rs != nil {
		t.Fatalf("Expand = (%v, %v), want (nil, false) for self-reference", rs, ok)
	}
}

func TestExpandIndirectSelfReferenceFallsThrough(t *testing.T) {
	db := newTestDB(t, "joe: bob\nbob: joe\n")
	rs, ok, err := db.Expand("joe")
	if err != nil {
		t.Fatalf("Expand err = %v, want nil", err)
	}
	if ok || rs != nil {
		t.Fatalf("Expand = (%v, %v), want (nil, false) for indirect self-reference", rs, ok)
	}
}

func TestExpandRecursiveChain(t *testing.T) {
	db := newTestDB(t, "a: b\nb: c\nc: carol@example.com\n")
	rs, ok, err := db.Expand("a")
	if err != nil || !ok {
		t.Fatalf("Expand = (_, %v, %v)", ok, err)
	}
	if len(rs) != 1 || rs[0].Addr != "carol@example.com" {
		t.Errorf("Expand = %v, want [carol@example.com]", rs)
	}
}

func TestExpandPipeRecipient(t *testing.T) {
	db := newTestDB(t, "digest: | /usr/bin/digest-collector\n")
	rs, ok, err := db.Expand("digest")
	if err != nil || !ok {
		t.Fatalf("Expand = (_, %v, %v)", ok, err)
	}
	if len(rs) != 1 || rs[0].Type != PIPE || rs[0].Addr != "/usr/bin/digest-collector" {
		t.Errorf("Expand = %v, want one pipe recipient", rs)
	}
}

func TestOwnerOf(t *testing.T) {
	db := newTestDB(t, "owner-staff: admin@example.com\n")
	addr, ok := db.OwnerOf("staff")
	if !ok || addr != "admin@example.com" {
		t.Errorf("OwnerOf = (%q, %v), want (admin@example.com, true)", addr, ok)
	}
}

func TestExpandDepthCapExceeded(t *testing.T) {
	db := NewAliasDB()
	table := map[string][]Recipient{}
	for i := 0; i < maxAliasDepth+5; i++ {
		table[keyN(i)] = []Recipient{{Addr: keyN(i + 1), Type: EMAIL}}
	}
	db.table = table

	_, _, err := db.Expand(keyN(0))
	if err != ErrRecursionLimitExceeded {
		t.Fatalf("Expand err = %v, want ErrRecursionLimitExceeded", err)
	}
}

func keyN(i int) string {
	return "chain" + string(rune('a'+i%26)) + string(rune('0'+i/26))
}
