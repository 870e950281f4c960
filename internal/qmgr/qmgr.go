package qmgr

import (
	"strings"
	"sync"
	"time"

	"remta.dev/remta/internal/qfile"
	"remta.dev/remta/internal/trace"
)

// Router maps a recipient address to the Transport and next-hop
// identifier it should be delivered through. What determines the
// mapping (MX lookup, local-domain table, static config) is opaque to
// this package, per spec.md §4.5.2.
type Router func(recipient string) (transport, nextHop string)

// Notifier is how the Queue Manager reports per-recipient and
// per-message outcomes to the Bounce/Defer Logger (§4.8) without this
// package importing it directly.
type Notifier interface {
	RecipientBounced(queueID, recipient, reason string)
	RecipientDeferred(queueID, recipient, reason string)
}

// defaultRecipientLimit and defaultWindow are used for transports the
// caller hasn't explicitly configured via Configure.
const (
	defaultRecipientLimit = 50
	defaultWindow         = 10
)

// deadThreshold is a per-site consecutive-failure count for §4.5.4.
// Nothing in this package reads it: MarkQueueDead marks a Queue dead on
// every call and keeps no failure count. The exact backoff schedule
// (min/max delay) is an explicit Open Question in spec.md §9 ("do not
// guess"); minDelay/maxDelay below are this package's own reasonable
// defaults, exposed as fields so a caller can override them, not a
// transcription of any documented value.
const deadThreshold = 4

// QueueManager holds every in-core arena and drives admission,
// scheduling, and finalization (§4.5).
type QueueManager struct {
	Root     *qfile.Root
	Route    Router
	Notifier Notifier

	ActiveCap int // max queue files admitted into "active" at once

	MinDelay time.Duration
	MaxDelay time.Duration

	// RcptLimit bounds in-core Queue count: once the number of dead
	// Queues exceeds 2*RcptLimit, they are eagerly destroyed (§4.5.4).
	RcptLimit int

	mu sync.Mutex

	jobs    *arena[jobHandle, Job]
	peers   *arena[peerHandle, Peer]
	queues  *arena[queueHandle, Queue]
	entries *arena[entryHandle, Entry]

	transports   map[string]*Transport
	jobByQueueID map[string]jobHandle
}

// New returns a QueueManager ready to admit and schedule mail.
func New(root *qfile.Root, route Router, notifier Notifier) *QueueManager {
	return &QueueManager{
		Root:         root,
		Route:        route,
		Notifier:     notifier,
		ActiveCap:    1000,
		MinDelay:     5 * time.Minute,
		MaxDelay:     4 * time.Hour,
		RcptLimit:    defaultRecipientLimit,
		jobs:         newArena[jobHandle, Job](),
		peers:        newArena[peerHandle, Peer](),
		queues:       newArena[queueHandle, Queue](),
		entries:      newArena[entryHandle, Entry](),
		transports:   map[string]*Transport{},
		jobByQueueID: map[string]jobHandle{},
	}
}

// Configure sets the recipient-aggregation limit and concurrency window
// for a named transport, creating it if necessary.
func (m *QueueManager) Configure(transport string, recipientLimit, window int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transport(transport, recipientLimit, window)
}

func (m *QueueManager) transport(name string, recipientLimit, window int) *Transport {
	t, ok := m.transports[name]
	if !ok {
		if recipientLimit <= 0 {
			recipientLimit = defaultRecipientLimit
		}
		if window <= 0 {
			window = defaultWindow
		}
		t = newTransport(name, recipientLimit, window)
		m.transports[name] = t
	}
	return t
}

// AdmitScan moves eligible queue files from "incoming" and "deferred"
// into "active", subject to ActiveCap, and routes their recipients onto
// per-destination Queues (§4.5.1). A deferred message is eligible once
// its recorded next-attempt time (qfile.NextAttempt) has elapsed.
func (m *QueueManager) AdmitScan(now time.Time) ([]string, error) {
	var admitted []string

	for _, dir := range []qfile.Dir{qfile.Incoming, qfile.Deferred} {
		ids, err := qfile.Scan(m.Root, dir)
		if err != nil {
			return admitted, err
		}
		for _, id := range ids {
			if m.activeCount()+len(admitted) >= m.ActiveCap {
				return admitted, nil
			}

			h, err := qfile.Open(m.Root, dir, id)
			if err != nil {
				continue
			}
			env, _, err := qfile.ReadMessage(h)
			h.Close()
			if err != nil {
				// Corrupt queue file: rename to corrupt, no further
				// action (§4.5.6).
				qfile.Rename(m.Root, dir, qfile.Corrupt, id)
				continue
			}

			if dir == qfile.Deferred {
				next, err := qfile.NextAttempt(m.Root, dir, id)
				if err == nil && next.After(now) {
					continue // not yet eligible for retry
				}
			}

			oh, err := qfile.Open(m.Root, dir, id)
			if err != nil {
				continue
			}
			if err := oh.Rename(qfile.Active); err != nil {
				oh.Close()
				continue
			}
			oh.Close()

			m.admitEnvelope(env)
			admitted = append(admitted, id)
		}
	}
	return admitted, nil
}

func (m *QueueManager) activeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobByQueueID)
}

// admitEnvelope creates (or refreshes) the in-core Job for env and
// routes its pending recipients onto Peers/Entries (§4.5.2).
func (m *QueueManager) admitEnvelope(env *qfile.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jh, ok := m.jobByQueueID[env.ID]
	if !ok {
		j := &Job{
			QueueID:   env.ID,
			Dir:       string(qfile.Active),
			From:      env.From,
			Size:      env.Size,
			VerpLeft:  env.VerpLeft,
			VerpRight: env.VerpRight,
		}
		jh = m.jobs.alloc(j)
		m.jobByQueueID[env.ID] = jh
	}
	job, _ := m.jobs.get(jh)
	job.totalRecipients = len(env.Recipients)

	type routeKey struct{ transport, nextHop string }
	grouped := map[routeKey][]string{}

	for _, rcpt := range env.Recipients {
		if rcpt.Status == qfile.Delivered {
			job.doneRecipients++
			continue
		}
		transport, nextHop := m.Route(rcpt.Address)
		grouped[routeKey{transport, nextHop}] = append(grouped[routeKey{transport, nextHop}], rcpt.Address)
	}

	for rk, rcpts := range grouped {
		t := m.transport(rk.transport, 0, 0)
		qh, ok := t.queues[rk.nextHop]
		if !ok {
			q := &Queue{NextHop: rk.nextHop, window: t.Window}
			qh = m.queues.alloc(q)
			t.queues[rk.nextHop] = qh
		}

		ph := m.peerFor(jh, qh, job, t)

		for i := 0; i < len(rcpts); i += t.RecipientLimit {
			end := i + t.RecipientLimit
			if end > len(rcpts) {
				end = len(rcpts)
			}
			e := &Entry{job: jh, peer: ph, queue: qh, recipients: rcpts[i:end]}
			eh := m.entries.alloc(e)

			q, _ := m.queues.get(qh)
			q.todo = append(q.todo, eh)
			q.todoRefcount += len(e.recipients)

			peer, _ := m.peers.get(ph)
			peer.todo = append(peer.todo, eh)
		}
	}
}

// peerFor returns the Peer binding job to queue, creating it (and
// registering the job on the owning transport's candidate list) if this
// is the first time this message has routed recipients there.
func (m *QueueManager) peerFor(jh jobHandle, qh queueHandle, job *Job, t *Transport) peerHandle {
	for _, ph := range job.peers {
		if p, ok := m.peers.get(ph); ok && p.queue == qh {
			return ph
		}
	}
	p := &Peer{job: jh, queue: qh}
	ph := m.peers.alloc(p)
	job.peers = append(job.peers, ph)
	job.refcount++
	t.jobList = append(t.jobList, jh)
	return ph
}

// SelectEntry implements qmgr_entry_select(peer): it pulls the first
// Entry from the peer's list, moving it from the queue's todo to its
// busy list and updating every refcount §4.5.2 names.
func (m *QueueManager) SelectEntry(ph peerHandle) (entryHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	peer, ok := m.peers.get(ph)
	if !ok || len(peer.todo) == 0 {
		return 0, false
	}
	queue, ok := m.queues.get(peer.queue)
	if !ok || queue.dead || queue.busyRefcount >= queue.window {
		return 0, false
	}

	eh := peer.todo[0]
	peer.todo = peer.todo[1:]
	queue.todo = removeEntry(queue.todo, eh)
	queue.busy = append(queue.busy, eh)

	entry, _ := m.entries.get(eh)
	n := len(entry.recipients)
	queue.busyRefcount += n
	queue.todoRefcount -= n

	if job, ok := m.jobs.get(entry.job); ok {
		job.selectedEntries++
	}

	return eh, true
}

// UnselectEntry implements qmgr_entry_unselect: the symmetric inverse of
// SelectEntry, used when a delivery worker rejects the entry or its slot
// is cancelled before any outcome is known.
func (m *QueueManager) UnselectEntry(eh entryHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries.get(eh)
	if !ok {
		return
	}
	queue, _ := m.queues.get(entry.queue)
	peer, _ := m.peers.get(entry.peer)

	queue.busy = removeEntry(queue.busy, eh)
	queue.todo = append([]entryHandle{eh}, queue.todo...)
	if peer != nil {
		peer.todo = append([]entryHandle{eh}, peer.todo...)
	}

	n := len(entry.recipients)
	queue.busyRefcount -= n
	queue.todoRefcount += n

	if job, ok := m.jobs.get(entry.job); ok {
		job.selectedEntries--
	}
}

// EntryInfo returns the queue ID, envelope sender, and recipient list a
// selected Entry carries, so a caller dispatching it to a delivery
// worker doesn't need to read the queue file itself.
func (m *QueueManager) EntryInfo(eh entryHandle) (queueID, from string, recipients []string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries.get(eh)
	if !ok {
		return "", "", nil, false
	}
	job, ok := m.jobs.get(entry.job)
	if !ok {
		return "", "", nil, false
	}
	return job.QueueID, job.From, append([]string(nil), entry.recipients...), true
}

// EntryVerp returns the VERP delimiter pair (§4.1's Verp record) carried
// by a selected Entry's Job, if any. Both strings empty means the
// message has no VERP rewriting configured.
func (m *QueueManager) EntryVerp(eh entryHandle) (left, right string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries.get(eh)
	if !ok {
		return "", "", false
	}
	job, ok := m.jobs.get(entry.job)
	if !ok {
		return "", "", false
	}
	return job.VerpLeft, job.VerpRight, true
}

// VerpSender computes the per-recipient envelope sender for a VERP
// message (historical sendmail "-V" semantics): left and right bracket
// the recipient address with its "@" mangled to "=", e.g. recipient
// "user@example.com" with left "bounces-" and right "@lists.example.org"
// produces "bounces-user=example.com@lists.example.org".
func VerpSender(left, right, recipient string) string {
	return left + strings.Replace(recipient, "@", "=", 1) + right
}

// EntryOutcome records what happened to one recipient on a completed
// Entry, as reported by the delivery worker.
type EntryOutcome struct {
	Recipient string
	Delivered bool
	Permanent bool // only meaningful when !Delivered
	Reason    string
}

// EntryDone implements qmgr_entry_done: applies the delivery worker's
// reported outcome for every recipient on the entry, removes the entry
// from the queue's busy list, and runs the recipient-slot rebalance of
// §4.5.2/§4.5.3.
func (m *QueueManager) EntryDone(eh entryHandle, outcomes []EntryOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries.get(eh)
	if !ok {
		return
	}
	queue, _ := m.queues.get(entry.queue)
	job, _ := m.jobs.get(entry.job)

	queue.busy = removeEntry(queue.busy, eh)
	n := len(entry.recipients)
	queue.busyRefcount -= n
	if job != nil {
		job.selectedEntries--
	}

	for _, o := range outcomes {
		if job == nil {
			continue
		}
		switch {
		case o.Delivered:
			job.doneRecipients++
		case o.Permanent:
			job.doneRecipients++
			job.bouncedAny = true
			if m.Notifier != nil {
				m.Notifier.RecipientBounced(job.QueueID, o.Recipient, o.Reason)
			}
		default:
			// Soft failure: no tombstone, left for the next deferred
			// admission round (§4.5.6).
			if m.Notifier != nil {
				m.Notifier.RecipientDeferred(job.QueueID, o.Recipient, o.Reason)
			}
		}
	}

	m.entries.free(eh)
	m.rebalance(entry.queue, queue)

	if job != nil {
		m.maybeReleaseJob(entry.job, job)
	}
}

// rebalance implements §4.5.3's slack-restoration rule: when a queue
// that still has pending work regains spare window, the owning
// transport's blocker tag advances (always kept odd, +2), the candidate
// cursor resets to the head of the job list, and the queue's own
// blocker stamp is cleared, so previously-skipped jobs are reconsidered
// without a full rescan.
func (m *QueueManager) rebalance(qh queueHandle, queue *Queue) {
	if queue.window > queue.busyRefcount && len(queue.todo) > 0 {
		for _, t := range m.transports {
			if _, ok := t.queues[queue.NextHop]; ok {
				t.blockerTag += 2
				t.candidateCursor = 0
			}
		}
		queue.blockerStamp = 0
	}
}

// maybeReleaseJob does nothing until every recipient the job ever had has
// reached a final state; then it frees all of the job's Peers and the Job
// itself. The queue file is not touched here: that is Finalize (§4.5.5).
func (m *QueueManager) maybeReleaseJob(jh jobHandle, job *Job) {
	if job.doneRecipients < job.totalRecipients {
		return
	}

	for _, ph := range job.peers {
		m.peers.free(ph)
	}
	job.peers = nil
	delete(m.jobByQueueID, job.QueueID)
	m.jobs.free(jh)
}

// MarkQueueDead implements §4.5.4's dead state: each call marks the
// Queue dead at once. It does not count consecutive failures and does
// not consult deadThreshold. Its window is forced to 0 and a backoff timer (doubling from MinDelay up to
// MaxDelay) is armed; its entries remain on todo and are only
// re-examined once the timer expires.
func (m *QueueManager) MarkQueueDead(qh queueHandle, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues.get(qh)
	if !ok {
		return
	}
	q.dead = true
	q.window = 0
	if q.deadDelay == 0 {
		q.deadDelay = m.MinDelay
	} else {
		q.deadDelay *= 2
		if q.deadDelay > m.MaxDelay {
			q.deadDelay = m.MaxDelay
		}
	}
	q.deadUntil = now.Add(q.deadDelay)

	m.evictDeadQueuesLocked()
}

// ReviveDeadQueues restores window on any dead Queue whose timer has
// expired, so its entries become candidates again.
func (m *QueueManager) ReviveDeadQueues(now time.Time, defaultWindowFor func(nextHop string) int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.transports {
		for nh, qh := range t.queues {
			q, ok := m.queues.get(qh)
			if !ok || !q.dead || now.Before(q.deadUntil) {
				continue
			}
			q.dead = false
			if defaultWindowFor != nil {
				q.window = defaultWindowFor(nh)
			} else {
				q.window = t.Window
			}
		}
	}
}

// evictDeadQueuesLocked enforces the 2*RcptLimit bound on in-core Queue
// count by eagerly destroying empty dead Queues once the total crosses
// it (§4.5.4). Queues with pending entries are never evicted outright;
// their entries would otherwise be orphaned.
func (m *QueueManager) evictDeadQueuesLocked() {
	limit := 2 * m.RcptLimit
	if limit <= 0 || m.queues.len() <= limit {
		return
	}
	for _, t := range m.transports {
		for nh, qh := range t.queues {
			q, ok := m.queues.get(qh)
			if !ok || !q.dead || len(q.todo) > 0 || len(q.busy) > 0 {
				continue
			}
			delete(t.queues, nh)
			m.queues.free(qh)
			if m.queues.len() <= limit {
				return
			}
		}
	}
}

// NextCandidate scans a transport's job list starting at its candidate
// cursor for the first Peer with ready work whose Queue isn't known
// blocked this round, implementing the O(1)-skip behavior of §4.5.3.
func (m *QueueManager) NextCandidate(transport string) (peerHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transports[transport]
	if !ok || len(t.jobList) == 0 {
		return 0, false
	}

	start := t.candidateCursor
	for i := 0; i < len(t.jobList); i++ {
		idx := (start + i) % len(t.jobList)
		jh := t.jobList[idx]
		job, ok := m.jobs.get(jh)
		if !ok {
			continue
		}
		for _, ph := range job.peers {
			peer, ok := m.peers.get(ph)
			if !ok || len(peer.todo) == 0 {
				continue
			}
			q, ok := m.queues.get(peer.queue)
			if !ok || q.dead || q.blockerStamp == t.blockerTag {
				continue
			}
			if q.busyRefcount >= q.window {
				q.blockerStamp = t.blockerTag
				continue
			}
			t.candidateCursor = idx
			return ph, true
		}
	}
	return 0, false
}

func removeEntry(list []entryHandle, eh entryHandle) []entryHandle {
	for i, e := range list {
		if e == eh {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// FinalizeOutcome is what Finalize decided to do with a queue file once
// its Job's refcount reached zero.
type FinalizeOutcome string

const (
	Unlinked FinalizeOutcome = "unlinked"
	Bounced  FinalizeOutcome = "bounced"
	Deferred FinalizeOutcome = "deferred"
)

// Finalize implements §4.5.5 for a message whose in-core job has been
// fully released: if every recipient on disk is tombstoned, the queue
// file (and its bounce/defer side files) are unlinked. Otherwise, if
// the bounce side file is non-empty and the retry budget is exhausted,
// the caller should bounce the remaining recipients (the side-file
// writing itself is the Bounce/Defer Logger's job, invoked by the
// caller after Finalize returns Bounced); otherwise the queue file is
// renamed to deferred and its next-attempt stamp (qfile.SetNextAttempt,
// the file's modification time) is set to now+warnInterval.
func Finalize(root *qfile.Root, id string, dir qfile.Dir, env *qfile.Envelope, bounceSideFileNonEmpty, retryBudgetExhausted bool, now time.Time, warnInterval time.Duration) (FinalizeOutcome, error) {
	tr := trace.New("QueueManager.Finalize", id)
	defer tr.Finish()

	allDone := true
	for _, r := range env.Recipients {
		if r.Status != qfile.Delivered {
			allDone = false
			break
		}
	}
	if allDone {
		if err := qfile.Remove(root, dir, id); err != nil {
			return "", tr.Errorf("unlinking %s: %v", id, err)
		}
		return Unlinked, nil
	}

	if bounceSideFileNonEmpty && retryBudgetExhausted {
		return Bounced, nil
	}

	if err := qfile.Rename(root, dir, qfile.Deferred, id); err != nil {
		return "", tr.Errorf("deferring %s: %v", id, err)
	}
	if err := qfile.SetNextAttempt(root, qfile.Deferred, id, now.Add(warnInterval)); err != nil {
		return "", tr.Errorf("setting next-attempt stamp for %s: %v", id, err)
	}
	return Deferred, nil
}
