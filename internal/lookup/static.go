package lookup

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
)

// fileTable is a flat "key value" (or "key: value") text table, reloaded
// wholesale on Reload. It backs both the "hash:" and "static:" schemes:
// "hash:" reads a file on disk, "static:" takes the entries inline as
// "k1=v1,k2=v2" in the spec string, for tables small enough to live in
// the daemon config.
type fileTable struct {
	mu      sync.RWMutex
	entries map[string][]string
}

func init() {
	Register("hash", newHashTable)
	Register("static", newStaticTable)
}

func newHashTable(path string) (Table, error) {
	t := &fileTable{}
	if err := t.reload(path); err != nil {
		return nil, err
	}
	return t, nil
}

func newStaticTable(spec string) (Table, error) {
	t := &fileTable{entries: map[string][]string{}}
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("lookup: malformed static entry %q", pair)
		}
		t.entries[strings.TrimSpace(k)] = SplitValues(v)
	}
	return t, nil
}

func (t *fileTable) Lookup(key string) (*Result, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	vs, ok := t.entries[key]
	if !ok {
		return nil, false, nil
	}
	return &Result{Values: vs}, true, nil
}

// Reload re-reads the backing file, if this table has one, replacing its
// contents atomically. Static (inline) tables are a no-op.
func (t *fileTable) Reload(path string) error {
	if path == "" {
		return nil
	}
	return t.reload(path)
}

func (t *fileTable) reload(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	entries := map[string][]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			k, v, ok = strings.Cut(line, " ")
			if !ok {
				continue
			}
		}
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		entries[k] = SplitValues(v)
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	t.entries = entries
	t.mu.Unlock()
	return nil
}
