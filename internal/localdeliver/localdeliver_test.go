package localdeliver

import (
	"os"
	"path/filepath"
	"testing"

	"remta.dev/remta/internal/pipedeliver"
)

func newTestAgent(t *testing.T, aliasContent string, users map[string]*User) *Agent {
	t.Helper()
	db := NewAliasDB()
	if aliasContent != "" {
		path := filepath.Join(t.TempDir(), "aliases")
		if err := os.WriteFile(path, []byte(aliasContent), 0644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		if err := db.Load(path); err != nil {
			t.Fatalf("Load: %v", err)
		}
	}

	a := NewAgent(db)
	a.Resolve = func(user string) (*User, bool) {
		u, ok := users[user]
		return u, ok
	}
	a.PipeTransport = func(command string) *pipedeliver.Transport { return nil }
	return a
}

func newMailboxUser(t *testing.T) *User {
	t.Helper()
	dir := t.TempDir()
	return &User{
		Name:    "bob",
		UID:     os.Getuid(),
		GID:     os.Getgid(),
		Mailbox: Mailbox{Path: filepath.Join(dir, "mbox"), Policy: PolicyHome, UID: os.Getuid(), GID: os.Getgid()},
	}
}

func TestDeliverDirectToMailbox(t *testing.T) {
	u := newMailboxUser(t)
	a := newTestAgent(t, "", map[string]*User{"bob": u})

	out := a.Deliver("alice@example.com", "bob@example.com", []byte("hi\n"))
	if out.Err != nil {
		t.Fatalf("Deliver: %v", out.Err)
	}

	got, err := os.ReadFile(u.Mailbox.Path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "hi\n" {
		t.Errorf("mailbox contents = %q, want %q", got, "hi\n")
	}
}

func TestDeliverUnknownUserBounces(t *testing.T) {
	a := newTestAgent(t, "", map[string]*User{})
	out := a.Deliver("alice@example.com", "nobody@example.com", []byte("hi\n"))
	if out.Err == nil || !out.Permanent {
		t.Fatalf("Deliver to unknown user = %+v, want permanent error", out)
	}
}

func TestDeliverExpandsAliasFanOut(t *testing.T) {
	bob := newMailboxUser(t)
	carol := newMailboxUser(t)
	a := newTestAgent(t, "staff: bob@example.com, carol@example.com\n",
		map[string]*User{"bob": bob, "carol": carol})

	out := a.Deliver("alice@example.com", "staff@example.com", []byte("memo\n"))
	if out.Err != nil {
		t.Fatalf("Deliver: %v", out.Err)
	}

	for _, u := range []*User{bob, carol} {
		got, err := os.ReadFile(u.Mailbox.Path)
		if err != nil || string(got) != "memo\n" {
			t.Errorf("mailbox for %s = %q, %v; want \"memo\\n\"", u.Name, got, err)
		}
	}
}

func TestDeliverSelfReferenceFallsThroughToAccount(t *testing.T) {
	bob := newMailboxUser(t)
	a := newTestAgent(t, "bob: bob\n", map[string]*User{"bob": bob})

	out := a.Deliver("alice@example.com", "bob@example.com", []byte("hi\n"))
	if out.Err != nil {
		t.Fatalf("Deliver: %v", out.Err)
	}
	got, err := os.ReadFile(bob.Mailbox.Path)
	if err != nil || string(got) != "hi\n" {
		t.Errorf("mailbox = %q, %v; want delivery to fall through", got, err)
	}
}

func TestDeliverOwnerRewritesSender(t *testing.T) {
	bob := newMailboxUser(t)
	a := newTestAgent(t, "owner-staff: admin@example.com\nstaff: bob@example.com\n",
		map[string]*User{"bob": bob})

	out := a.Deliver("alice@example.com", "staff@example.com", []byte("hi\n"))
	if out.Err != nil {
		t.Fatalf("Deliver: %v", out.Err)
	}
	// No observable side effect of the sender rewrite here beyond
	// successful delivery; the rewritten sender only matters for the
	// nested pipe/account calls, exercised by the fan-out test above.
}

func TestDeliverDuplicateSuppressed(t *testing.T) {
	bob := newMailboxUser(t)
	a := newTestAgent(t, "staff: bob@example.com, bob@example.com\n", map[string]*User{"bob": bob})

	out := a.Deliver("alice@example.com", "staff@example.com", []byte("hi\n"))
	if out.Err != nil {
		t.Fatalf("Deliver: %v", out.Err)
	}
	got, err := os.ReadFile(bob.Mailbox.Path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "hi\n" {
		t.Errorf("mailbox contents = %q, want single delivery \"hi\\n\"", got)
	}
}
