package qfile

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Dir is one of the queue directories a message can live in.
type Dir string

// The queue directories. Transitions between them are effected by rename
// only (§3, §5).
const (
	Maildrop Dir = "maildrop" // submitter staging
	Incoming Dir = "incoming" // post-cleanup, awaiting the queue manager
	Active   Dir = "active"   // currently scheduled
	Deferred Dir = "deferred" // retry later
	Hold     Dir = "hold"     // administratively paused
	Corrupt  Dir = "corrupt"  // unparseable

	// Side-file directories: one file per message ID, not queue files.
	Bounce Dir = "bounce"
	Defer  Dir = "defer"
)

var allDirs = []Dir{Maildrop, Incoming, Active, Deferred, Hold, Corrupt, Bounce, Defer}

// fsyncOnClose controls whether Commit fsyncs before setting the commit
// bit. It is a build-time (flag-time) choice per §4.1.
var fsyncOnClose = flag.Bool("queue_fsync", true,
	"fsync queue files before considering them committed")

// Root is the on-disk root of all queue directories.
type Root struct {
	path string
}

// NewRoot creates (if needed) and returns a Root rooted at path.
func NewRoot(path string) (*Root, error) {
	r := &Root{path: path}
	for _, d := range allDirs {
		if err := os.MkdirAll(r.DirPath(d), 0700); err != nil {
			return nil, fmt.Errorf("creating %s: %v", d, err)
		}
	}
	return r, nil
}

// DirPath returns the filesystem path of the given queue directory.
func (r *Root) DirPath(d Dir) string {
	return filepath.Join(r.path, string(d))
}

// Path returns the filesystem path of queue id "id" within directory "d".
func (r *Root) Path(d Dir, id string) string {
	return filepath.Join(r.DirPath(d), id)
}

// idChars are the only characters allowed in a queue ID (§6).
const idChars = "0123456789ABCDEF"

var idMu sync.Mutex

// newQueueID derives an ID from the given file's inode number and the
// current time, matching the historical scheme: high bits of time, low
// bits of inode, so IDs trend monotonic while staying unique per inode
// reuse. The caller retries with a fresh temp file on collision.
func newQueueID(info fs.FileInfo) string {
	idMu.Lock()
	defer idMu.Unlock()

	ino := inodeOf(info)
	t := uint64(time.Now().UnixNano())
	mix := (t << 8) ^ (ino * 2654435761)
	return strings.ToUpper(strconv.FormatUint(mix, 16))
}

// Enter creates a new, writable queue file in directory d, returning its
// handle. The file is created mode 0600; the caller must call Commit to
// set the execute bit once the content has been fully and correctly
// written, and Close to finish.
func Enter(r *Root, d Dir) (*Handle, error) {
	dir := r.DirPath(d)

	for attempt := 0; attempt < 10; attempt++ {
		tmp, err := os.CreateTemp(dir, ".entering-")
		if err != nil {
			return nil, err
		}
		info, err := tmp.Stat()
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return nil, err
		}

		id := newQueueID(info)
		finalPath := filepath.Join(dir, id)

		if err := os.Link(tmp.Name(), finalPath); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			if os.IsExist(err) {
				continue // id collision, retry with a new temp file
			}
			return nil, err
		}
		os.Remove(tmp.Name())

		if err := tmp.Chmod(0600); err != nil {
			tmp.Close()
			os.Remove(finalPath)
			return nil, err
		}

		return &Handle{f: tmp, root: r, dir: d, id: id, w: bufio.NewWriter(tmp)}, nil
	}

	return nil, fmt.Errorf("qfile: could not allocate a unique queue id")
}

// Open opens an existing queue file for reading.
func Open(r *Root, d Dir, id string) (*Handle, error) {
	f, err := os.Open(r.Path(d, id))
	if err != nil {
		return nil, err
	}
	return &Handle{f: f, root: r, dir: d, id: id, br: bufio.NewReader(f)}, nil
}

// Handle is an open queue file, either for writing (from Enter) or reading
// (from Open).
type Handle struct {
	f    *os.File
	root *Root
	dir  Dir
	id   string
	w    *bufio.Writer
	br   *bufio.Reader
}

// ID returns the queue id of this file.
func (h *Handle) ID() string { return h.id }

// Dir returns the queue directory this handle currently refers to.
func (h *Handle) Dir() Dir { return h.dir }

// WriteRecord appends one record to a handle opened via Enter.
func (h *Handle) WriteRecord(t Type, payload []byte) error {
	return WriteRecord(h.w, t, payload)
}

// ReadRecord reads the next record from a handle opened via Open.
func (h *Handle) ReadRecord() (Type, []byte, error) {
	return ReadRecord(h.br)
}

// Seek repositions a read handle, for resuming at a recipient offset.
func (h *Handle) Seek(offset int64) error {
	if _, err := h.f.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	h.br.Reset(h.f)
	return nil
}

// Offset returns the current read offset, for recording where unread
// recipients start (QMessage.rcpt_offset in §3).
func (h *Handle) Offset() (int64, error) {
	pos, err := h.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	return pos - int64(h.br.Buffered()), nil
}

// Commit flushes buffered writes, optionally fsyncs, and sets the
// owner-execute bit: the on-disk marker that this file is fully and
// correctly written (§4.1). Any failure here demotes the result to a
// write error per §7 and the file must not be treated as committed.
func (h *Handle) Commit() error {
	if h.w != nil {
		if err := h.w.Flush(); err != nil {
			return err
		}
	}
	if *fsyncOnClose {
		if err := h.f.Sync(); err != nil {
			return err
		}
	}
	return h.f.Chmod(0700)
}

// Close closes the underlying file.
func (h *Handle) Close() error {
	return h.f.Close()
}

// Rename moves the queue file from its current directory to "to". This is
// assumed atomic on the same filesystem; on failure the caller retains
// ownership of the file in its original directory (§4.1, §5).
func (h *Handle) Rename(to Dir) error {
	newPath := h.root.Path(to, h.id)
	if err := os.Rename(h.root.Path(h.dir, h.id), newPath); err != nil {
		return err
	}
	h.dir = to
	return nil
}

// Rename moves queue id "id" from one directory to another directly,
// without an open handle.
func Rename(r *Root, from, to Dir, id string) error {
	return os.Rename(r.Path(from, id), r.Path(to, id))
}

// Remove deletes a queue file and (best-effort) its side files.
func Remove(r *Root, d Dir, id string) error {
	err := os.Remove(r.Path(d, id))
	os.Remove(r.Path(Bounce, id))
	os.Remove(r.Path(Defer, id))
	return err
}

// SetNextAttempt records when a deferred queue file next becomes
// eligible for a retry, by setting its modification time. A sealed
// queue file's records can't be amended in place (the format has no
// append-after-End provision), so the next-attempt stamp lives in the
// filesystem metadata instead of a queue-file record, the same place
// the warning-time backoff ultimately has to be observable from a
// directory scan without opening every file.
func SetNextAttempt(r *Root, d Dir, id string, when time.Time) error {
	return os.Chtimes(r.Path(d, id), when, when)
}

// NextAttempt returns the next-attempt stamp most recently set by
// SetNextAttempt. If none was ever set, it returns the file's last
// modification time, which is not in the future, so the file is
// eligible immediately.
func NextAttempt(r *Root, d Dir, id string) (time.Time, error) {
	info, err := os.Stat(r.Path(d, id))
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// openForWrite opens an existing queue file for an in-place tombstone
// write. It does not go through Handle/Enter since the file is already
// committed and sealed; only single-byte overwrites are permitted on it.
func openForWrite(r *Root, d Dir, id string) (*os.File, error) {
	return os.OpenFile(r.Path(d, id), os.O_WRONLY, 0)
}

// IsCommitted reports whether the on-disk file has the commit bit set.
func IsCommitted(info os.FileInfo) bool {
	return info.Mode()&0100 != 0
}

// Scan returns the committed queue IDs present in directory d, discarding
// (best-effort unlinking) any file that lacks the commit bit -- it is
// considered partially written, per §4.1 and invariant 1 in §8.
func Scan(r *Root, d Dir) ([]string, error) {
	entries, err := os.ReadDir(r.DirPath(d))
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !IsCommitted(info) {
			os.Remove(filepath.Join(r.DirPath(d), e.Name()))
			continue
		}
		ids = append(ids, e.Name())
	}
	return ids, nil
}
