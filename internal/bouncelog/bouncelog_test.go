package bouncelog

import (
	"strings"
	"testing"

	"remta.dev/remta/internal/qfile"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	root, err := qfile.NewRoot(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return &Log{Root: root}
}

func TestAppendAndRead(t *testing.T) {
	l := newTestLog(t)
	id := "ABC123"

	if err := l.Append(qfile.Defer, id, "alice@example.com", "451 try again"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Append(qfile.Defer, id, "bob@example.com", "451 try again"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	records, err := l.Read(qfile.Defer, id)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %v, want 2", records)
	}
	if records[0].Recipient != "alice@example.com" || records[1].Recipient != "bob@example.com" {
		t.Errorf("records = %+v", records)
	}
}

func TestReadMissingFile(t *testing.T) {
	l := newTestLog(t)
	records, err := l.Read(qfile.Bounce, "NOSUCHID")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if records != nil {
		t.Errorf("records = %v, want nil", records)
	}
}

func TestTombstoneIsIdempotent(t *testing.T) {
	l := newTestLog(t)
	id := "DEF456"

	l.Append(qfile.Bounce, id, "alice@example.com", "550 no such user")
	l.Append(qfile.Bounce, id, "bob@example.com", "550 no such user")

	records, err := l.Read(qfile.Bounce, id)
	if err != nil {
		t.Fatal(err)
	}

	if err := l.Tombstone(qfile.Bounce, id, records[0]); err != nil {
		t.Fatalf("Tombstone: %v", err)
	}
	if err := l.Tombstone(qfile.Bounce, id, records[0]); err != nil {
		t.Fatalf("second Tombstone: %v", err)
	}

	remaining, err := l.Read(qfile.Bounce, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 1 || remaining[0].Recipient != "bob@example.com" {
		t.Errorf("remaining = %+v", remaining)
	}
}

func TestForgeDoesNotTouchDisk(t *testing.T) {
	l := newTestLog(t)
	rec := Forge("carol@example.com", "synthetic reason")

	if err := l.Tombstone(qfile.Bounce, "NOFILE", rec); err != nil {
		t.Fatalf("Tombstone on a forged record should be a no-op, got: %v", err)
	}
}

func TestStatusCode(t *testing.T) {
	if got := StatusCode(qfile.Bounce); got != "5.0.0" {
		t.Errorf("Bounce StatusCode = %q", got)
	}
	if got := StatusCode(qfile.Defer); got != "4.0.0" {
		t.Errorf("Defer StatusCode = %q", got)
	}
}

func TestDSNCompose(t *testing.T) {
	d := &DSN{
		OurDomain:    "example.com",
		MessageID:    "dsn-1@example.com",
		Destination:  "sender@example.com",
		Permanent:    []Record{{Recipient: "bob@example.net", Reason: "550 no such user"}},
		OriginalData: []byte("Subject: hi\r\n\r\nbody\r\n"),
	}

	out, err := d.Compose("boundary123")
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	s := string(out)
	if !strings.Contains(s, "bob@example.net") {
		t.Errorf("DSN missing failed recipient: %s", s)
	}
	if !strings.Contains(s, "multipart/report") {
		t.Errorf("DSN missing multipart/report content type: %s", s)
	}
	if strings.Contains(strings.ReplaceAll(s, "\r\n", ""), "\n") {
		t.Errorf("DSN contains a bare LF line ending, want CRLF throughout: %q", s)
	}
	if !strings.HasPrefix(s, "From: ") || !strings.Contains(s, "\r\nTo: ") {
		t.Errorf("DSN headers not CRLF-separated: %s", s)
	}
}

func TestUnlinkMissingIsNotError(t *testing.T) {
	l := newTestLog(t)
	if err := l.Unlink(qfile.Bounce, "NOSUCHID"); err != nil {
		t.Fatalf("Unlink on missing file: %v", err)
	}
}
