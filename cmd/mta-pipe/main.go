// mta-pipe is a standalone Pipe Delivery Agent (§4.7.2): unlike the
// alias/.forward pipe fallthrough inside mta-local, this is a top-level
// transport a destination can be routed to directly (e.g. a dedicated
// "procmail" or site-local gateway transport configured in master.cf).
// Forked one connection at a time by the Supervisor (§4.4).
package main

import (
	"flag"
	"net"
	"net/url"
	"os"
	"os/user"
	"strconv"
	"time"

	"blitiri.com.ar/go/log"

	"remta.dev/remta/internal/deliveryrpc"
	"remta.dev/remta/internal/localrpc"
	"remta.dev/remta/internal/maillog"
	"remta.dev/remta/internal/pipedeliver"
	"remta.dev/remta/internal/qfile"
	"remta.dev/remta/internal/trace"
)

var (
	binary    = flag.String("binary", "/usr/bin/procmail", "command this transport pipes messages into")
	runAsUser = flag.String("run_as", "nobody", "unprivileged account the command runs as")
	timeLimit = flag.Duration("time_limit", 30*time.Second, "how long to wait for the command to finish")
	delim     = flag.String("recipient_delimiter", "+", "address-extension delimiter, e.g. \"+\" in user+tag@")
)

func main() {
	flag.Parse()
	log.Init()

	u, err := user.Lookup(*runAsUser)
	if err != nil {
		log.Fatalf("looking up run_as user %q: %v", *runAsUser, err)
	}
	uid, _ := strconv.Atoi(u.Uid)
	gid, _ := strconv.Atoi(u.Gid)

	transport := &pipedeliver.Transport{
		Binary:    *binary,
		UID:       uid,
		GID:       gid,
		TimeLimit: *timeLimit,
		Delim:     *delim,
		Preprocess: pipedeliver.Preprocess{
			PrependReturnPath: true,
		},
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

		out := pipedeliver.Deliver(transport, req.From, req.NextHop, req.Recipients, data)

		for _, r := range req.Recipients {
			maillog.SendAttempt(req.QueueID, req.From, r, out.Err, out.Permanent)
		}

		status := deliveryrpc.StatusOK
		reason := ""
		if out.Err != nil {
			reason = out.Err.Error()
			if out.Permanent {
				status = deliveryrpc.StatusPerm
			} else {
				status = deliveryrpc.StatusTemp
			}
		}
		// One command invocation serves every recipient in the entry;
		// its single outcome applies to all of them (§4.7.2).
		results := make([]deliveryrpc.Result, len(req.Recipients))
		for i, r := range req.Recipients {
			results[i] = deliveryrpc.Result{Recipient: r, Status: status, Reason: reason}
		}
		return deliveryrpc.EncodeResults(results), nil
	})

	conn, err := net.FileConn(os.NewFile(3, "pipe-deliver-conn"))
	if err != nil {
		log.Fatalf("mta-pipe: fd 3 is not a usable connection: %v", err)
	}
	srv.ServeConn(conn)
}
