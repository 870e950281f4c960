// mta-smtp is the SMTP Delivery Agent (§4.6): the Queue Manager dials
// this service's socket once per Entry; the Supervisor forks one
// process per connection (§4.4), handing it the socket on fd 3. This
// process reads one deliver request, opens the named queue file
// directly off the shared spool to get the message content, attempts
// each listed recipient in turn, reports outcomes, and exits.
package main

import (
	"flag"
	"net"
	"net/url"
	"os"
	"path/filepath"

	"blitiri.com.ar/go/log"

	"remta.dev/remta/internal/config"
	"remta.dev/remta/internal/deliveryrpc"
	"remta.dev/remta/internal/localrpc"
	"remta.dev/remta/internal/maillog"
	"remta.dev/remta/internal/qfile"
	"remta.dev/remta/internal/smtpout"
	"remta.dev/remta/internal/trace"
)

var configDir = flag.String("config_dir", "/etc/remta", "configuration directory")

func main() {
	flag.Parse()
	log.Init()

	c, err := config.Load(filepath.Join(*configDir, "main.cf"))
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	var self []net.IP
	if addrs, err := net.InterfaceAddrs(); err != nil {
		log.Errorf("listing interface addresses: %v", err)
	} else {
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok {
				self = append(self, ipn.IP)
			}
		}
	}

	agent := &smtpout.Agent{
		HelloDomain: c.Hostname,
		Resolver:    &smtpout.Resolver{MaxCandidates: 5, SelfAddrs: self},
	}

	srv := localrpc.NewServer()
	srv.Register(deliveryrpc.Method, func(tr *trace.Trace, inV url.Values) (url.Values, error) {
		req := deliveryrpc.DecodeRequest(inV)

		root, err := qfile.NewRoot(req.QueueDir)
		if err != nil {
			return nil, err
		}
		h, err := qfile.Open(root, qfile.Dir(req.Dir), req.QueueID)
		if err != nil {
			return nil, err
		}
		_, data, err := qfile.ReadMessage(h)
		h.Close()
		if err != nil {
			return nil, err
		}

		var results []deliveryrpc.Result
		for _, rcpt := range req.Recipients {
			out := agent.Deliver(req.From, rcpt, data)
			maillog.SendAttempt(req.QueueID, req.From, rcpt, out.Err, out.Permanent)
			results = append(results, toResult(rcpt, out.Err, out.Permanent))
		}
		return deliveryrpc.EncodeResults(results), nil
	})

	conn, err := net.FileConn(os.NewFile(3, "smtp-deliver-conn"))
	if err != nil {
		log.Fatalf("mta-smtp: fd 3 is not a usable connection: %v", err)
	}
	srv.ServeConn(conn)
}

func toResult(rcpt string, err error, permanent bool) deliveryrpc.Result {
	if err == nil {
		return deliveryrpc.Result{Recipient: rcpt, Status: deliveryrpc.StatusOK}
	}
	status := deliveryrpc.StatusTemp
	if permanent {
		status = deliveryrpc.StatusPerm
	}
	return deliveryrpc.Result{Recipient: rcpt, Status: status, Reason: err.Error()}
}
