package localdeliver

import (
	"os"
	"strings"
	"syscall"
)

// ReadForwardFile reads a .forward/:include: file. When aliasDBOwnedByRoot
// is true, the file is only trusted if it's owned by fileOwnerUID -- an
// include file owned by someone else could otherwise be used to gain the
// default account's delivery privileges (§4.7, step 3).
func ReadForwardFile(path string, fileOwnerUID int, aliasDBOwnedByRoot bool) ([]Recipient, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if aliasDBOwnedByRoot {
		sys, ok := fi.Sys().(*syscall.Stat_t)
		if ok && int(sys.Uid) != fileOwnerUID {
			return nil, os.ErrPermission
		}
	}

	// A forward file has no left-hand side: every non-empty, non-comment
	// line is itself a recipient list (unlike an aliases(5) "user: ..."
	// table), so it gets its own, simpler line parser.
	return parseForwardLines(path)
}

func parseForwardLines(path string) ([]Recipient, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []Recipient
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, parseRHS(line)...)
	}
	return out, nil
}
