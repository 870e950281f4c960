// Package qmgr implements the Queue Manager (§4.5): a single-threaded
// event loop that admits queue files into the active queue, schedules
// their recipients onto per-destination queues, and dispatches delivery
// work through the supervisor's worker pool.
//
// The Job/Peer/Queue/Entry relationship is mutually referential (§9,
// "Cyclic graphs"): rather than model it with owning pointers, every
// value lives in one arena per object kind and is referred to elsewhere
// by a stable integer handle. Only the arena itself ever frees storage,
// when the Queue Manager releases a handle (EntryDone, maybeReleaseJob,
// dead-Queue eviction) -- this avoids reference cycles between the
// objects.
package qmgr

// jobHandle, peerHandle, queueHandle, and entryHandle are opaque
// references into their respective arenas. The zero value is never a
// valid handle.
type (
	jobHandle   uint64
	peerHandle  uint64
	queueHandle uint64
	entryHandle uint64
)

// arena is a generic handle -> value store with monotonically increasing
// handles, so a handle is never reused for the lifetime of the process
// (avoiding ABA confusion after a slot is freed and reallocated).
type arena[H ~uint64, T any] struct {
	next  uint64
	items map[H]*T
}

func newArena[H ~uint64, T any]() *arena[H, T] {
	return &arena[H, T]{items: map[H]*T{}}
}

func (a *arena[H, T]) alloc(v *T) H {
	a.next++
	h := H(a.next)
	a.items[h] = v
	return h
}

func (a *arena[H, T]) get(h H) (*T, bool) {
	v, ok := a.items[h]
	return v, ok
}

func (a *arena[H, T]) free(h H) {
	delete(a.items, h)
}

func (a *arena[H, T]) len() int {
	return len(a.items)
}
