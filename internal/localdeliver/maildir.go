package localdeliver

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// deliverToMaildir writes data into the maildir at root (a path ending in
// "/"), following the standard write-to-tmp-then-rename-to-new protocol so
// a reader never observes a partially written message.
func deliverToMaildir(root string, data []byte) error {
	for _, sub := range []string{"tmp", "new", "cur"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0700); err != nil {
			return temporaryError{err}
		}
	}

	name := fmt.Sprintf("%d.%s.%s", time.Now().UnixNano(), uuid.NewString(), "remta")
	tmpPath := filepath.Join(root, "tmp", name)

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return classifyOpenErr(err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return classifyWriteErr(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return classifyWriteErr(err)
	}

	newPath := filepath.Join(root, "new", name)
	if err := os.Rename(tmpPath, newPath); err != nil {
		return temporaryError{err}
	}
	return nil
}
