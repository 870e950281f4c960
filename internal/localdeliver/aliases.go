package localdeliver

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"remta.dev/remta/internal/normalize"
)

// RType is the kind of a resolved alias recipient.
type RType string

const (
	EMAIL RType = "(email)"
	PIPE  RType = "(pipe)"
)

// Recipient is one entry an alias expanded to.
type Recipient struct {
	Addr string
	Type RType
}

// ErrRecursionLimitExceeded is returned when alias expansion recurses past
// maxAliasDepth. Unlike a self-referencing alias (which falls through to
// user delivery per historical sendmail/Postfix semantics), exceeding the
// depth cap is always an error. Any loop revisits an alias already seen
// and is handled as a self-reference, so the cap is reached only by a
// chain of maxAliasDepth distinct aliases.
var ErrRecursionLimitExceeded = fmt.Errorf("alias recursion limit exceeded")

// maxAliasDepth bounds alias expansion recursion (§4.7, "depth cap ~100").
const maxAliasDepth = 100

// AliasDB is an in-memory aliases(5)-style database: "user: recipient,
// recipient" or "user: | command" lines, one database per domain.
type AliasDB struct {
	mu    sync.RWMutex
	table map[string][]Recipient // lower-cased user -> recipients
}

// NewAliasDB returns an empty database.
func NewAliasDB() *AliasDB {
	return &AliasDB{table: map[string][]Recipient{}}
}

// Load parses path and replaces the database contents.
func (db *AliasDB) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	table, err := parseAliases(f)
	if err != nil {
		return fmt.Errorf("parsing %q: %v", path, err)
	}

	db.mu.Lock()
	db.table = table
	db.mu.Unlock()
	return nil
}

func parseAliases(r io.Reader) (map[string][]Recipient, error) {
	table := map[string][]Recipient{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		sp := strings.SplitN(line, ":", 2)
		if len(sp) != 2 {
			continue
		}

		user := strings.ToLower(strings.TrimSpace(sp[0]))
		rawRHS := strings.TrimSpace(sp[1])
		if user == "" || rawRHS == "" {
			continue
		}

		table[user] = parseRHS(rawRHS)
	}
	return table, scanner.Err()
}

func parseRHS(raw string) []Recipient {
	if strings.HasPrefix(raw, "|") {
		cmd := strings.TrimSpace(raw[1:])
		if cmd == "" {
			return nil
		}
		return []Recipient{{Addr: cmd, Type: PIPE}}
	}

	var rs []Recipient
	for _, a := range strings.Split(raw, ",") {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		norm, _ := normalize.Addr(a)
		rs = append(rs, Recipient{Addr: norm, Type: EMAIL})
	}
	return rs
}

// lookup returns the direct expansion of user, and whether an entry exists.
func (db *AliasDB) lookup(user string) ([]Recipient, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	rs, ok := db.table[strings.ToLower(user)]
	return rs, ok
}

// Expand resolves addr recursively against the database. If addr has no
// alias entry, Expand returns (nil, false, nil): the caller should fall
// through to normal user/mailbox delivery. If the expansion is
// self-referencing (any alias name already visited during this expansion
// reappears, whether it is addr itself or an intermediate alias),
// Expand returns (nil, false, nil) too, matching historical sendmail
// semantics that treat "user: user" as "deliver to the user", not a loop
// error -- see spec.md §4.7 and §9's open question about whether that
// behavior is preferred or merely tolerated.
func (db *AliasDB) Expand(user string) ([]Recipient, bool, error) {
	rs, _, err := db.expand(user, 0, map[string]bool{})
	if err != nil {
		return nil, false, err
	}
	if rs == nil {
		return nil, false, nil
	}
	return rs, true, nil
}

func (db *AliasDB) expand(user string, depth int, seen map[string]bool) ([]Recipient, bool, error) {
	if depth >= maxAliasDepth {
		return nil, false, ErrRecursionLimitExceeded
	}

	key := strings.ToLower(user)
	direct, ok := db.lookup(key)
	if !ok {
		return nil, false, nil
	}

	if seen[key] {
		// Self-reference: fall through to user delivery for the entire
		// expansion, not just this branch.
		return nil, true, nil
	}
	seen[key] = true

	var out []Recipient
	for _, r := range direct {
		if r.Type != EMAIL {
			out = append(out, r)
			continue
		}
		sub, selfRef, err := db.expand(r.Addr, depth+1, seen)
		if err != nil {
			return nil, false, err
		}
		if selfRef {
			return nil, true, nil
		}
		if sub == nil {
			out = append(out, r)
			continue
		}
		out = append(out, sub...)
	}
	return out, false, nil
}

// OwnerOf returns the "owner-<alias>" envelope-sender-rewrite address for
// user, if such an alias exists in the database.
func (db *AliasDB) OwnerOf(user string) (string, bool) {
	rs, ok := db.lookup("owner-" + strings.ToLower(user))
	if !ok || len(rs) != 1 || rs[0].Type != EMAIL {
		return "", false
	}
	return rs[0].Addr, true
}
