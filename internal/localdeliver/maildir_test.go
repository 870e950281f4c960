package localdeliver

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDeliverToMaildir(t *testing.T) {
	root := t.TempDir() + "/"
	if err := deliverToMaildir(root, []byte("hello")); err != nil {
		t.Fatalf("deliverToMaildir: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(root, "new"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("new/ has %d entries, want 1", len(entries))
	}

	got, err := os.ReadFile(filepath.Join(root, "new", entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("content = %q, want %q", got, "hello")
	}

	tmpEntries, _ := os.ReadDir(filepath.Join(root, "tmp"))
	if len(tmpEntries) != 0 {
		t.Errorf("tmp/ has %d leftover entries, want 0", len(tmpEntries))
	}
}
