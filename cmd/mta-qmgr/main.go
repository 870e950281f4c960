// mta-qmgr is the resident Queue Manager (§4.5): it holds every in-core
// arena, runs admission scans over incoming/deferred, schedules Entries
// onto delivery agents over the inter-process protocol of §6, and
// finalizes queue files whose recipients have all reached a final
// state, composing and resubmitting DSNs for the ones that bounce.
//
// Unlike the delivery agents and mta-smtpd/mta-cleanup, this process is
// NOT forked per connection: the Supervisor starts it once, with
// wakeup=0 or a coarse periodic wakeup, and it runs for the life of the
// system (§4.4's "resident" service kind).
package main

import (
	"flag"
	"path/filepath"
	"strings"
	"time"

	"blitiri.com.ar/go/log"

	"remta.dev/remta/internal/bouncelog"
	"remta.dev/remta/internal/cleanup"
	"remta.dev/remta/internal/config"
	"remta.dev/remta/internal/deliveryrpc"
	"remta.dev/remta/internal/envelope"
	"remta.dev/remta/internal/localrpc"
	"remta.dev/remta/internal/maillog"
	"remta.dev/remta/internal/qfile"
	"remta.dev/remta/internal/qmgr"
	"remta.dev/remta/internal/set"
	"remta.dev/remta/internal/triggerbus"
)

var (
	configDir    = flag.String("config_dir", "/etc/remta", "configuration directory")
	localDomains = flag.String("local_domains", "", "comma-separated list of locally-delivered domains")
)

// frontEndServices are master.cf entries this process never dials: they
// accept inbound work (SMTP submission, the cleanup RPC front door), not
// outbound delivery, so they aren't transports a Router can name.
var frontEndServices = set.NewString("smtpd", "cleanup", "qmgr")

func main() {
	flag.Parse()
	log.Init()

	c, err := config.Load(filepath.Join(*configDir, "main.cf"))
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	config.LogConfig(c)

	root, err := qfile.NewRoot(c.QueueDir)
	if err != nil {
		log.Fatalf("opening queue root %q: %v", c.QueueDir, err)
	}

	services, err := config.LoadServices(filepath.Join(*configDir, "master.cf"))
	if err != nil {
		log.Fatalf("loading service table: %v", err)
	}
	transportSockets := map[string]string{}
	for _, svc := range services {
		if svc.Type != config.Unix || frontEndServices.Has(svc.Name) {
			continue
		}
		transportSockets[svc.Name] = svc.Endpoint()
	}
	if len(transportSockets) == 0 {
		log.Fatalf("no delivery-agent services found in the service table")
	}

	var locals *set.String
	if *localDomains != "" {
		locals = set.NewString()
		for _, d := range strings.Split(*localDomains, ",") {
			locals.Add(strings.TrimSpace(d))
		}
	}

	blog := &bouncelog.Log{Root: root}
	notifier := &logNotifier{log: blog}

	mgr := qmgr.New(root, makeRouter(locals, transportSockets), notifier)
	mgr.ActiveCap = c.ActiveQueueCap
	mgr.RcptLimit = c.RcptLimit
	mgr.MinDelay = c.MinDelay
	mgr.MaxDelay = c.MaxDelay

	trigger := triggerbus.NewSocket(filepath.Join(c.QueueDir, "trigger.sock"))
	wakeups, err := trigger.ListenAndServe()
	if err != nil {
		log.Fatalf("listening on trigger socket: %v", err)
	}

	submitter := &cleanup.Cleanup{Root: root, Trigger: trigger}

	go admissionLoop(mgr, wakeups)
	for name, path := range transportSockets {
		go dispatchLoop(mgr, root, c.QueueDir, name, path)
	}
	go finalizeLoop(mgr, root, blog, submitter, c)

	log.Infof("mta-qmgr: ready, transports=%v", transportNames(transportSockets))
	select {}
}

func transportNames(m map[string]string) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	return names
}

// makeRouter implements §4.5.2's recipient-to-destination mapping: a
// recipient in a locally-delivered domain goes to the "local" transport;
// everything else goes to "smtp", keyed by its own domain as the next
// hop (one Queue per destination domain, §4.5.1).
func makeRouter(locals *set.String, sockets map[string]string) qmgr.Router {
	return func(recipient string) (transport, nextHop string) {
		domain := envelope.DomainOf(recipient)
		if locals != nil && locals.Has(domain) {
			if _, ok := sockets["local"]; ok {
				return "local", ""
			}
		}
		return "smtp", domain
	}
}

// logNotifier adapts the Bounce/Defer Logger to qmgr.Notifier (§4.8):
// every permanent or transient per-recipient failure the Queue Manager
// reports is appended to the matching side file.
type logNotifier struct {
	log *bouncelog.Log
}

func (n *logNotifier) RecipientBounced(queueID, recipient, reason string) {
	if err := n.log.Append(qfile.Bounce, queueID, recipient, reason); err != nil {
		log.Errorf("%s: recording bounce for %s: %v", queueID, recipient, err)
	}
}

func (n *logNotifier) RecipientDeferred(queueID, recipient, reason string) {
	if err := n.log.Append(qfile.Defer, queueID, recipient, reason); err != nil {
		log.Errorf("%s: recording defer for %s: %v", queueID, recipient, err)
	}
}

// admissionLoop runs AdmitScan on a coarse timer and whenever a trigger
// wakeup arrives (§4.2, §4.5.1).
func admissionLoop(mgr *qmgr.QueueManager, wakeups <-chan triggerbus.Command) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	scan := func() {
		admitted, err := mgr.AdmitScan(time.Now())
		if err != nil {
			log.Errorf("admission scan: %v", err)
			return
		}
		if len(admitted) > 0 {
			log.Infof("admitted %d message(s): %v", len(admitted), admitted)
		}
	}

	scan()
	for {
		select {
		case <-ticker.C:
			scan()
		case _, ok := <-wakeups:
			if !ok {
				return
			}
			scan()
		}
	}
}

// dispatchLoop drives one transport's candidate list (§4.5.3): it pulls
// the next schedulable Entry, ships it to the transport's delivery
// agent over localrpc, and feeds the outcome back into the Queue
// Manager. The selected entry handle is only ever held in a local
// variable with its type inferred from SelectEntry, never named, since
// qmgr keeps it unexported.
func dispatchLoop(mgr *qmgr.QueueManager, root *qfile.Root, queueDir, transport, socketPath string) {
	client := localrpc.NewClient(socketPath)
	idle := 0
	for {
		ph, ok := mgr.NextCandidate(transport)
		if !ok {
			idle++
			time.Sleep(backoff(idle))
			continue
		}
		idle = 0

		eh, ok := mgr.SelectEntry(ph)
		if !ok {
			continue
		}

		queueID, from, recipients, ok := mgr.EntryInfo(eh)
		if !ok {
			mgr.UnselectEntry(eh)
			continue
		}
		verpLeft, verpRight, _ := mgr.EntryVerp(eh)

		// A VERP message (§4.1's Verp record, historical sendmail "-V")
		// encodes each recipient into its own envelope sender, so it
		// cannot be aggregated into one batched request the way
		// non-VERP entries are; dispatch one request per recipient.
		var results []deliveryrpc.Result
		if verpLeft == "" && verpRight == "" {
			req := deliveryrpc.Request{
				QueueDir:   queueDir,
				Dir:        string(qfile.Active),
				QueueID:    queueID,
				From:       from,
				Recipients: recipients,
			}

			outV, err := client.CallWithValues(deliveryrpc.Method, deliveryrpc.EncodeRequest(req))
			if err != nil {
				log.Errorf("%s: dispatch to %s failed: %v", queueID, transport, err)
				outcomes := make([]qmgr.EntryOutcome, len(recipients))
				for i, r := range recipients {
					outcomes[i] = qmgr.EntryOutcome{Recipient: r, Delivered: false, Permanent: false, Reason: err.Error()}
				}
				mgr.EntryDone(eh, outcomes)
				continue
			}
			results = deliveryrpc.DecodeResults(outV)
		} else {
			for _, r := range recipients {
				req := deliveryrpc.Request{
					QueueDir:   queueDir,
					Dir:        string(qfile.Active),
					QueueID:    queueID,
					From:       qmgr.VerpSender(verpLeft, verpRight, r),
					Recipients: []string{r},
				}
				outV, err := client.CallWithValues(deliveryrpc.Method, deliveryrpc.EncodeRequest(req))
				if err != nil {
					log.Errorf("%s: verp dispatch to %s for %s failed: %v", queueID, transport, r, err)
					results = append(results, deliveryrpc.Result{Recipient: r, Status: deliveryrpc.StatusTemp, Reason: err.Error()})
					continue
				}
				results = append(results, deliveryrpc.DecodeResults(outV)...)
			}
		}

		records := recipientRecords(root, queueID)

		outcomes := make([]qmgr.EntryOutcome, 0, len(results))
		for _, r := range results {
			if r.Status == deliveryrpc.StatusOK || r.Status == deliveryrpc.StatusPerm {
				if rec, ok := records[r.Recipient]; ok {
					if err := qfile.TombstoneRecipient(root, qfile.Active, queueID, rec); err != nil {
						log.Errorf("%s: tombstoning %s: %v", queueID, r.Recipient, err)
					}
				}
			}
			outcomes = append(outcomes, qmgr.EntryOutcome{
				Recipient: r.Recipient,
				Delivered: r.Status == deliveryrpc.StatusOK,
				Permanent: r.Status == deliveryrpc.StatusPerm,
				Reason:    r.Reason,
			})
		}
		mgr.EntryDone(eh, outcomes)
	}
}

func backoff(idleRounds int) time.Duration {
	d := time.Duration(idleRounds) * 50 * time.Millisecond
	if d > time.Second {
		d = time.Second
	}
	if d < 50*time.Millisecond {
		d = 50 * time.Millisecond
	}
	return d
}

func recipientRecords(root *qfile.Root, queueID string) map[string]qfile.RecipientRecord {
	h, err := qfile.Open(root, qfile.Active, queueID)
	if err != nil {
		return nil
	}
	defer h.Close()
	env, _, err := qfile.ReadMessage(h)
	if err != nil {
		return nil
	}
	out := make(map[string]qfile.RecipientRecord, len(env.Recipients))
	for _, r := range env.Recipients {
		out[r.Address] = r
	}
	return out
}

// finalizeLoop periodically sweeps the active directory for messages
// whose retry budget has run out or whose recipients are all in a final
// state, unlinking, bouncing (composing and resubmitting a DSN), or
// deferring each one per §4.5.5.
func finalizeLoop(mgr *qmgr.QueueManager, root *qfile.Root, blog *bouncelog.Log, submitter *cleanup.Cleanup, c *config.Config) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		ids, err := qfile.Scan(root, qfile.Active)
		if err != nil {
			log.Errorf("finalize: scanning active: %v", err)
			continue
		}
		for _, id := range ids {
			finalizeOne(root, blog, submitter, c, id)
		}
	}
}

func finalizeOne(root *qfile.Root, blog *bouncelog.Log, submitter *cleanup.Cleanup, c *config.Config, id string) {
	h, err := qfile.Open(root, qfile.Active, id)
	if err != nil {
		return
	}
	env, data, err := qfile.ReadMessage(h)
	h.Close()
	if err != nil {
		return
	}

	allDone := true
	for _, r := range env.Recipients {
		if r.Status != qfile.Delivered {
			allDone = false
			break
		}
	}
	lifetimeExceeded := time.Since(env.ArrivalTime) > c.MaxQueueLifetime
	if !allDone && !lifetimeExceeded {
		return // still actively being scheduled, nothing to finalize yet
	}

	bounceRecords, _ := blog.Read(qfile.Bounce, id)
	deferRecords, _ := blog.Read(qfile.Defer, id)

	outcome, err := qmgr.Finalize(root, id, qfile.Active, env, len(bounceRecords) > 0, lifetimeExceeded, time.Now(), c.WarnInterval)
	if err != nil {
		log.Errorf("%s: finalize: %v", id, err)
		return
	}

	switch outcome {
	case qmgr.Unlinked:
		log.Infof("%s: all recipients delivered, unlinked", id)
		maillog.QueueLoop(id, env.From, 0)
	case qmgr.Bounced:
		bounceMessage(root, blog, submitter, c, id, env, data, bounceRecords, deferRecords)
		maillog.QueueLoop(id, env.From, 0)
	case qmgr.Deferred:
		log.Infof("%s: deferred, next attempt after %s", id, c.WarnInterval)
		maillog.QueueLoop(id, env.From, c.WarnInterval)
	}
}

// bounceMessage composes a DSN for every still-failing recipient and
// resubmits it through Cleanup under the null-sender identity, then
// removes the original queue file and its side files.
func bounceMessage(root *qfile.Root, blog *bouncelog.Log, submitter *cleanup.Cleanup, c *config.Config, id string, env *qfile.Envelope, data []byte, bounceRecords, deferRecords []bouncelog.Record) {
	dsn := &bouncelog.DSN{
		OurDomain:    c.Hostname,
		MessageID:    id + ".dsn@" + c.Hostname,
		Destination:  env.From,
		Permanent:    bounceRecords,
		Transient:    deferRecords,
		OriginalData: data,
	}
	msg, err := dsn.Compose("remta-dsn-" + id)
	if err != nil {
		log.Errorf("%s: composing DSN: %v", id, err)
		return
	}

	if env.From != "" {
		if _, err := submitter.Process(&cleanup.Submission{
			From:       "",
			Recipients: []string{env.From},
			Data:       msg,
		}); err != nil {
			log.Errorf("%s: resubmitting DSN: %v", id, err)
			return
		}
	}

	blog.Unlink(qfile.Bounce, id)
	blog.Unlink(qfile.Defer, id)
	if err := qfile.Remove(root, qfile.Active, id); err != nil {
		log.Errorf("%s: removing bounced queue file: %v", id, err)
	}
}
