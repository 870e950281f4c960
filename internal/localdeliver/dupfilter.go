package localdeliver

import (
	"container/list"
	"sync"
)

// dupFilterSize bounds the fingerprint cache so a long-running expansion
// (or daemon) doesn't grow it without limit.
const dupFilterSize = 4096

// dupFilter suppresses a second delivery attempt to the same destination
// within one recipient expansion (§4.7, step 1): each fingerprint is either
// "uid:path" for mailbox/maildir destinations, or "pipe:user:command" for
// pipe deliveries.
type dupFilter struct {
	mu    sync.Mutex
	keys  map[string]*list.Element
	order *list.List
}

func newDupFilter() *dupFilter {
	return &dupFilter{
		keys:  map[string]*list.Element{},
		order: list.New(),
	}
}

// Seen records fp and reports whether it had already been recorded. A
// caller should skip delivery (and report success) when Seen returns true.
func (d *dupFilter) Seen(fp string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.keys[fp]; ok {
		return true
	}

	if d.order.Len() >= dupFilterSize {
		oldest := d.order.Front()
		if oldest != nil {
			d.order.Remove(oldest)
			delete(d.keys, oldest.Value.(string))
		}
	}

	d.keys[fp] = d.order.PushBack(fp)
	return false
}
