package qfile

import (
	"io/fs"
	"syscall"
)

// inodeOf extracts the inode number backing info, for queue ID derivation
// (§4.1: "an ID derived from the inode number and the current timestamp").
func inodeOf(info fs.FileInfo) uint64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return uint64(st.Ino)
	}
	return 0
}
