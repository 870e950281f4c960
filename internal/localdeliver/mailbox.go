package localdeliver

import (
	"fmt"
	"os"
	"syscall"

	"github.com/gofrs/flock"
)

// MailboxPolicy selects which of the four mailbox-ownership rules
// (§4.7.1) applies to a destination path. Deliver opens and locks the
// file under the calling process's own uid/gid whatever the policy; the
// policy selects only the owner the file is given with Chown afterwards.
type MailboxPolicy int

const (
	// PolicyHome: the destination is under the recipient's home directory.
	// The file is owned by the recipient's uid/gid.
	PolicyHome MailboxPolicy = iota
	// PolicySpoolWorldWritable: the spool directory is world-writable.
	// The file is owned by the recipient's uid/gid.
	PolicySpoolWorldWritable
	// PolicySpoolGroupWritable: the spool directory is group-writable only.
	// The file is owned by the recipient's uid and the spool's gid.
	PolicySpoolGroupWritable
	// PolicyRootChown: neither of the above; the file is chowned to the
	// recipient's uid/gid.
	PolicyRootChown
)

// Mailbox describes one mailbox-file delivery destination and its
// least-privilege policy.
type Mailbox struct {
	Path       string
	Policy     MailboxPolicy
	UID, GID   int // recipient's uid/gid
	SpoolGID   int // used only by PolicySpoolGroupWritable
	UseDotLock bool
}

// temporaryError marks a mailbox write failure that should be retried
// (the queue manager will defer the recipient) rather than bounced.
type temporaryError struct{ error }

// IsTemporary reports whether err represents a deferrable mailbox failure
// (EAGAIN/ENOSPC per §4.7.1), as opposed to a permanent one.
func IsTemporary(err error) bool {
	_, ok := err.(temporaryError)
	return ok
}

// Deliver appends data to the mailbox file, creating it if necessary,
// applying the locking and least-privilege rules of §4.7.1.
func (m *Mailbox) Deliver(data []byte) error {
	var lock *flock.Flock
	if m.UseDotLock {
		lock = flock.New(m.Path + ".lock")
		if err := lock.Lock(); err != nil {
			return temporaryError{fmt.Errorf("dot-lock %s: %w", m.Path, err)}
		}
		defer lock.Unlock()
	}

	f, err := os.OpenFile(m.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return classifyOpenErr(err)
	}
	defer f.Close()

	if err := applyOwnership(f, m); err != nil {
		return err
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return temporaryError{fmt.Errorf("flock %s: %w", m.Path, err)}
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	if err := checkSafeToWrite(f); err != nil {
		return err
	}

	if _, err := f.Write(data); err != nil {
		return classifyWriteErr(err)
	}
	return nil
}

// applyOwnership implements the policy table: it calls Chown on every
// delivery to give the file the uid/gid the policy names. It does not
// change the identity the process opened the file under.
func applyOwnership(f *os.File, m *Mailbox) error {
	switch m.Policy {
	case PolicyHome, PolicySpoolWorldWritable:
		return f.Chown(m.UID, m.GID)
	case PolicySpoolGroupWritable:
		return f.Chown(m.UID, m.SpoolGID)
	case PolicyRootChown:
		return f.Chown(m.UID, m.GID)
	default:
		return fmt.Errorf("mailbox: unknown policy %v", m.Policy)
	}
}

// checkSafeToWrite enforces the pre-write fstat check: the destination
// must be a regular file with no execute bit set, so delivery can't be
// redirected into executing a script by pointing the mailbox path at one.
func checkSafeToWrite(f *os.File) error {
	fi, err := f.Stat()
	if err != nil {
		return temporaryError{err}
	}
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("mailbox: %s is not a regular file", f.Name())
	}
	if fi.Mode().Perm()&0111 != 0 {
		return fmt.Errorf("mailbox: %s has an execute bit set, refusing to deliver", f.Name())
	}
	return nil
}

func classifyOpenErr(err error) error {
	if os.IsPermission(err) {
		return err
	}
	if pe, ok := err.(*os.PathError); ok {
		if isRetryableErrno(pe.Err) {
			return temporaryError{err}
		}
	}
	return err
}

func classifyWriteErr(err error) error {
	if pe, ok := err.(*os.PathError); ok {
		if isRetryableErrno(pe.Err) {
			return temporaryError{err}
		}
	}
	if isRetryableErrno(err) {
		return temporaryError{err}
	}
	return err
}

// isRetryableErrno reports whether err is EAGAIN or ENOSPC, the two
// conditions §4.7.1 names as defer-worthy rather than bounce-worthy.
func isRetryableErrno(err error) bool {
	errno, ok := err.(syscall.Errno)
	if !ok {
		return false
	}
	return errno == syscall.EAGAIN || errno == syscall.ENOSPC
}
