package qmgr

import (
	"testing"
	"time"

	"remta.dev/remta/internal/qfile"
)

type fakeNotifier struct {
	bounced, deferred []string
}

func (f *fakeNotifier) RecipientBounced(queueID, recipient, reason string) {
	f.bounced = append(f.bounced, recipient)
}
func (f *fakeNotifier) RecipientDeferred(queueID, recipient, reason string) {
	f.deferred = append(f.deferred, recipient)
}

func staticRouter(transport, nextHop string) Router {
	return func(string) (string, string) { return transport, nextHop }
}

func newTestManager(t *testing.T, route Router) *QueueManager {
	t.Helper()
	root, err := qfile.NewRoot(t.TempDir())
	if err != nil {
		t.Fatalf("NewRoot: %v", err)
	}
	return New(root, route, &fakeNotifier{})
}

func TestAdmitEnvelopeRoutesRecipientsIntoEntries(t *testing.T) {
	m := newTestManager(t, staticRouter("smtp", "example.com"))
	m.Configure("smtp", 2, 10)

	env := &qfile.Envelope{
		ID:   "Q1",
		From: "sender@example.com",
		Recipients: []qfile.RecipientRecord{
			{Address: "a@example.com", Status: qfile.Pending},
			{Address: "b@example.com", Status: qfile.Pending},
			{Address: "c@example.com", Status: qfile.Pending},
		},
	}
	m.admitEnvelope(env)

	jh, ok := m.jobByQueueID["Q1"]
	if !ok {
		t.Fatal("job not registered")
	}
	job, _ := m.jobs.get(jh)
	if len(job.peers) != 1 {
		t.Fatalf("job has %d peers, want 1", len(job.peers))
	}

	peer, _ := m.peers.get(job.peers[0])
	if len(peer.todo) != 2 { // 3 recipients, limit 2 -> 2 entries
		t.Fatalf("peer has %d todo entries, want 2", len(peer.todo))
	}
}

func TestSelectEntryMovesToBusy(t *testing.T) {
	m := newTestManager(t, staticRouter("smtp", "example.com"))
	m.Configure("smtp", 10, 1)

	env := &qfile.Envelope{ID: "Q1", Recipients: []qfile.RecipientRecord{
		{Address: "a@example.com", Status: qfile.Pending},
	}}
	m.admitEnvelope(env)

	jh := m.jobByQueueID["Q1"]
	job, _ := m.jobs.get(jh)
	ph := job.peers[0]

	eh, ok := m.SelectEntry(ph)
	if !ok {
		t.Fatal("SelectEntry returned false")
	}

	peer, _ := m.peers.get(ph)
	if len(peer.todo) != 0 {
		t.Errorf("peer.todo still has %d entries, want 0", len(peer.todo))
	}

	entry, _ := m.entries.get(eh)
	queue, _ := m.queues.get(entry.queue)
	if queue.busyRefcount != 1 {
		t.Errorf("busyRefcount = %d, want 1", queue.busyRefcount)
	}
	if len(queue.busy) != 1 {
		t.Errorf("queue.busy has %d entries, want 1", len(queue.busy))
	}
}

func TestSelectEntryBlockedAtWindow(t *testing.T) {
	m := newTestManager(t, staticRouter("smtp", "example.com"))
	m.Configure("smtp", 1, 1) // window 1, recipient limit 1 -> 2 entries

	env := &qfile.Envelope{ID: "Q1", Recipients: []qfile.RecipientRecord{
		{Address: "a@example.com", Status: qfile.Pending},
		{Address: "b@example.com", Status: qfile.Pending},
	}}
	m.admitEnvelope(env)

	jh := m.jobByQueueID["Q1"]
	job, _ := m.jobs.get(jh)
	ph := job.peers[0]

	if _, ok := m.SelectEntry(ph); !ok {
		t.Fatal("first SelectEntry should succeed")
	}
	if _, ok := m.SelectEntry(ph); ok {
		t.Fatal("second SelectEntry should be blocked by window")
	}
}

func TestUnselectEntryRestoresTodo(t *testing.T) {
	m := newTestManager(t, staticRouter("smtp", "example.com"))
	m.Configure("smtp", 10, 5)

	env := &qfile.Envelope{ID: "Q1", Recipients: []qfile.RecipientRecord{
		{Address: "a@example.com", Status: qfile.Pending},
	}}
	m.admitEnvelope(env)
	jh := m.jobByQueueID["Q1"]
	job, _ := m.jobs.get(jh)
	ph := job.peers[0]

	eh, _ := m.SelectEntry(ph)
	m.UnselectEntry(eh)

	peer, _ := m.peers.get(ph)
	if len(peer.todo) != 1 {
		t.Fatalf("peer.todo has %d entries after unselect, want 1", len(peer.todo))
	}
	entry, _ := m.entries.get(eh)
	queue, _ := m.queues.get(entry.queue)
	if queue.busyRefcount != 0 {
		t.Errorf("busyRefcount = %d, want 0", queue.busyRefcount)
	}
}

func TestEntryDoneDeliveredReleasesJob(t *testing.T) {
	m := newTestManager(t, staticRouter("smtp", "example.com"))
	m.Configure("smtp", 10, 5)

	env := &qfile.Envelope{ID: "Q1", Recipients: []qfile.RecipientRecord{
		{Address: "a@example.com", Status: qfile.Pending},
	}}
	m.admitEnvelope(env)
	jh := m.jobByQueueID["Q1"]
	job, _ := m.jobs.get(jh)
	ph := job.peers[0]

	eh, _ := m.SelectEntry(ph)
	m.EntryDone(eh, []EntryOutcome{{Recipient: "a@example.com", Delivered: true}})

	if _, ok := m.jobByQueueID["Q1"]; ok {
		t.Error("job should have been released after its only recipient was delivered")
	}
}

func TestEntryDoneBounceNotifiesAndCompletes(t *testing.T) {
	notifier := &fakeNotifier{}
	m := newTestManager(t, staticRouter("smtp", "example.com"))
	m.Notifier = notifier
	m.Configure("smtp", 10, 5)

	env := &qfile.Envelope{ID: "Q1", Recipients: []qfile.RecipientRecord{
		{Address: "a@example.com", Status: qfile.Pending},
	}}
	m.admitEnvelope(env)
	jh := m.jobByQueueID["Q1"]
	job, _ := m.jobs.get(jh)
	ph := job.peers[0]

	eh, _ := m.SelectEntry(ph)
	m.EntryDone(eh, []EntryOutcome{{Recipient: "a@example.com", Permanent: true, Reason: "no such user"}})

	if len(notifier.bounced) != 1 || notifier.bounced[0] != "a@example.com" {
		t.Errorf("bounced = %v, want [a@example.com]", notifier.bounced)
	}
}

func TestEntryDoneDeferLeavesJobOpen(t *testing.T) {
	notifier := &fakeNotifier{}
	m := newTestManager(t, staticRouter("smtp", "example.com"))
	m.Notifier = notifier
	m.Configure("smtp", 10, 5)

	env := &qfile.Envelope{ID: "Q1", Recipients: []qfile.RecipientRecord{
		{Address: "a@example.com", Status: qfile.Pending},
	}}
	m.admitEnvelope(env)
	jh := m.jobByQueueID["Q1"]
	job, _ := m.jobs.get(jh)
	ph := job.peers[0]

	eh, _ := m.SelectEntry(ph)
	m.EntryDone(eh, []EntryOutcome{{Recipient: "a@example.com", Delivered: false, Reason: "4.2.1 try later"}})

	if len(notifier.deferred) != 1 {
		t.Errorf("deferred = %v, want one entry", notifier.deferred)
	}
	if _, ok := m.jobByQueueID["Q1"]; !ok {
		t.Error("job should remain open after a soft failure")
	}
}

func TestRebalanceAdvancesBlockerTag(t *testing.T) {
	m := newTestManager(t, staticRouter("smtp", "example.com"))
	m.Configure("smtp", 1, 1)

	env := &qfile.Envelope{ID: "Q1", Recipients: []qfile.RecipientRecord{
		{Address: "a@example.com", Status: qfile.Pending},
		{Address: "b@example.com", Status: qfile.Pending},
	}}
	m.admitEnvelope(env)
	jh := m.jobByQueueID["Q1"]
	job, _ := m.jobs.get(jh)
	ph := job.peers[0]

	eh1, _ := m.SelectEntry(ph)
	tBefore := m.transports["smtp"].blockerTag

	m.EntryDone(eh1, []EntryOutcome{{Recipient: "a@example.com", Delivered: true}})

	tAfter := m.transports["smtp"].blockerTag
	if tAfter <= tBefore {
		t.Errorf("blockerTag = %d after rebalance, want > %d", tAfter, tBefore)
	}
	if tAfter%2 != 1 {
		t.Errorf("blockerTag = %d, want odd", tAfter)
	}
}

func TestMarkQueueDeadAndRevive(t *testing.T) {
	m := newTestManager(t, staticRouter("smtp", "example.com"))
	m.Configure("smtp", 10, 5)
	m.MinDelay = time.Minute
	m.MaxDelay = time.Hour

	env := &qfile.Envelope{ID: "Q1", Recipients: []qfile.RecipientRecord{
		{Address: "a@example.com", Status: qfile.Pending},
	}}
	m.admitEnvelope(env)
	jh := m.jobByQueueID["Q1"]
	job, _ := m.jobs.get(jh)
	ph := job.peers[0]
	peer, _ := m.peers.get(ph)
	qh := peer.queue

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.MarkQueueDead(qh, now)

	q, _ := m.queues.get(qh)
	if !q.dead || q.window != 0 {
		t.Fatalf("queue not marked dead: %+v", q)
	}
	if q.deadDelay != m.MinDelay {
		t.Errorf("deadDelay = %v, want %v", q.deadDelay, m.MinDelay)
	}

	m.MarkQueueDead(qh, now.Add(time.Second))
	if q.deadDelay != 2*m.MinDelay {
		t.Errorf("deadDelay after second failure = %v, want %v", q.deadDelay, 2*m.MinDelay)
	}

	m.ReviveDeadQueues(q.deadUntil.Add(time.Second), nil)
	if q.dead {
		t.Error("queue should have revived after its timer expired")
	}
}

func TestFinalizeUnlinksWhenAllDone(t *testing.T) {
	root, err := qfile.NewRoot(t.TempDir())
	if err != nil {
		t.Fatalf("NewRoot: %v", err)
	}

	h, err := qfile.Enter(root, qfile.Active)
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}
	env := &qfile.Envelope{ID: h.ID(), From: "s@example.com", Recipients: []qfile.RecipientRecord{
		{Address: "a@example.com", Status: qfile.Pending},
	}}
	if err := qfile.WriteEnvelope(h, env); err != nil {
		t.Fatalf("WriteEnvelope: %v", err)
	}
	if err := qfile.WriteContent(h, []byte("body")); err != nil {
		t.Fatalf("WriteContent: %v", err)
	}
	if err := qfile.WriteExtracted(h, qfile.ExtractedInfo{}); err != nil {
		t.Fatalf("WriteExtracted: %v", err)
	}
	if err := h.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	h.Close()

	env.Recipients[0].Status = qfile.Delivered

	outcome, err := Finalize(root, h.ID(), qfile.Active, env, false, false, time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if outcome != Unlinked {
		t.Errorf("outcome = %v, want Unlinked", outcome)
	}
}

func TestFinalizeDefersWhenRecipientsRemain(t *testing.T) {
	root, err := qfile.NewRoot(t.TempDir())
	if err != nil {
		t.Fatalf("NewRoot: %v", err)
	}

	h, err := qfile.Enter(root, qfile.Active)
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}
	env := &qfile.Envelope{ID: h.ID(), From: "s@example.com", Recipients: []qfile.RecipientRecord{
		{Address: "a@example.com", Status: qfile.Pending},
	}}
	qfile.WriteEnvelope(h, env)
	qfile.WriteContent(h, []byte("body"))
	qfile.WriteExtracted(h, qfile.ExtractedInfo{})
	h.Commit()
	h.Close()

	outcome, err := Finalize(root, h.ID(), qfile.Active, env, false, false, time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if outcome != Deferred {
		t.Errorf("outcome = %v, want Deferred", outcome)
	}

	if _, err := qfile.Open(root, qfile.Deferred, h.ID()); err != nil {
		t.Errorf("queue file not found in deferred: %v", err)
	}
}

func TestFinalizeBouncesWhenBudgetExhausted(t *testing.T) {
	root, err := qfile.NewRoot(t.TempDir())
	if err != nil {
		t.Fatalf("NewRoot: %v", err)
	}
	h, err := qfile.Enter(root, qfile.Active)
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}
	env := &qfile.Envelope{ID: h.ID(), Recipients: []qfile.RecipientRecord{
		{Address: "a@example.com", Status: qfile.Pending},
	}}
	qfile.WriteEnvelope(h, env)
	qfile.WriteContent(h, []byte("body"))
	qfile.WriteExtracted(h, qfile.ExtractedInfo{})
	h.Commit()
	h.Close()

	outcome, err := Finalize(root, h.ID(), qfile.Active, env, true, true, time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if outcome != Bounced {
		t.Errorf("outcome = %v, want Bounced", outcome)
	}
}

func TestVerpSender(t *testing.T) {
	cases := []struct {
		left, right, recipient, want string
	}{
		{"bounces-", "@lists.example.org", "user@example.com", "bounces-user=example.com@lists.example.org"},
		{"", "", "user@example.com", "user=example.com"},
	}
	for _, c := range cases {
		if got := VerpSender(c.left, c.right, c.recipient); got != c.want {
			t.Errorf("VerpSender(%q, %q, %q) = %q, want %q", c.left, c.right, c.recipient, got, c.want)
		}
	}
}

func TestEntryVerpCarriesJobDelimiters(t *testing.T) {
	m := newTestManager(t, staticRouter("smtp", "example.com"))
	m.Configure("smtp", 10, 1)

	env := &qfile.Envelope{
		ID:        "Q1",
		VerpLeft:  "bounces-",
		VerpRight: "@lists.example.org",
		Recipients: []qfile.RecipientRecord{
			{Address: "a@example.com", Status: qfile.Pending},
		},
	}
	m.admitEnvelope(env)

	ph, ok := m.NextCandidate("smtp")
	if !ok {
		t.Fatal("no candidate")
	}
	eh, ok := m.SelectEntry(ph)
	if !ok {
		t.Fatal("SelectEntry failed")
	}
	left, right, ok := m.EntryVerp(eh)
	if !ok {
		t.Fatal("EntryVerp: not found")
	}
	if left != "bounces-" || right != "@lists.example.org" {
		t.Errorf("EntryVerp = (%q, %q), want (%q, %q)", left, right, "bounces-", "@lists.example.org")
	}
}
