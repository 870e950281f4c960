package qmgr

import "time"

// Job is the in-core delivery state of one queued message (Postfix's
// QMGR_MESSAGE). It is shared by every Peer the message has been routed
// through, one per destination Transport/Queue pair.
type Job struct {
	QueueID  string
	Dir      string // the queue directory the file currently lives in (§3)
	From     string
	Size     int64

	// VerpLeft and VerpRight bracket the mangled recipient address in the
	// envelope sender handed to the delivery agent, historical sendmail
	// "-V" semantics (§4.1's VERP record). Both empty means no VERP
	// rewriting for this Job.
	VerpLeft  string
	VerpRight string

	// rcptOffset is the byte offset of the first not-yet-read recipient
	// record in the queue file; 0 means every recipient has been read
	// into memory (§4.5.2, §4.5.5).
	rcptOffset int64

	// refcount counts the Peers ever created for this Job (one per Queue
	// this message has recipients for). It is never decremented; release
	// of the Job is driven by doneRecipients (see maybeReleaseJob).
	refcount int

	// selectedEntries counts Entries belonging to this Job currently in
	// some Queue's busy list.
	selectedEntries int

	peers []peerHandle

	totalRecipients int
	doneRecipients  int // tombstoned, one way or another
	bouncedAny      bool
}

// Peer binds one Job to one destination Queue (Postfix's QMGR_QUEUE
// reference held by a message). It mirrors the subset of the Queue's
// todo list that belongs to this Job, so entry_select can pull "the
// next entry for this peer" in O(1) rather than scanning the whole
// Queue.
type Peer struct {
	job   jobHandle
	queue queueHandle

	todo []entryHandle // this peer's share of queue.todo, FIFO order
}

// Queue holds the recipients routed to one next-hop destination
// (Postfix's QMGR_QUEUE). todo/busy hold Entry handles; busyRefcount and
// todoRefcount are the corresponding recipient-slot tallies used by the
// window accounting in §4.5.2/§4.5.3.
type Queue struct {
	NextHop string

	todo []entryHandle
	busy []entryHandle

	busyRefcount int
	todoRefcount int

	window int // max concurrently busy recipient slots for this queue

	// dead marks this queue as having crossed the failure threshold of
	// §4.5.4: window is forced to 0 until deadUntil passes.
	dead      bool
	deadUntil time.Time
	deadDelay time.Duration

	// blockerStamp, when equal to the owning Transport's current
	// blockerTag, marks this queue (and any Job blocked behind it) as a
	// known-blocked candidate, so the scheduler can skip it without
	// re-checking busyRefcount==window every time (§4.5.3).
	blockerStamp int64
}

// Entry aggregates up to recipientLimit recipients of one message bound
// for one Queue (Postfix's QMGR_ENTRY).
type Entry struct {
	job        jobHandle
	peer       peerHandle
	queue      queueHandle
	recipients []string
}

// Transport is a user-configured delivery mechanism (SMTP, local, pipe;
// opaque to this package beyond its name and scheduling parameters) and
// owns one Queue per next-hop identifier routed through it.
type Transport struct {
	Name string

	RecipientLimit int // max recipients aggregated per Entry
	Window         int // default per-queue window

	queues map[string]queueHandle // next-hop -> queue

	// blockerTag is always odd and incremented by 2 on any change that
	// restores slack to the transport (§4.5.3): jobs stamped with a
	// stale tag are known-good candidates again.
	blockerTag int64

	jobList        []jobHandle // candidate scan order
	candidateCursor int
}

func newTransport(name string, recipientLimit, window int) *Transport {
	return &Transport{
		Name:           name,
		RecipientLimit: recipientLimit,
		Window:         window,
		queues:         map[string]queueHandle{},
		blockerTag:     1,
	}
}
