// mta-cleanup exposes the Cleanup component (§4.3) over the inter-process
// protocol described in §6, for submission paths that aren't already an
// in-process SMTP session: the sendmail CLI and DSN resubmission.
//
// Like the other Unix-type services, the Supervisor forks one of these
// per accepted connection, handing it the socket on fd 3 (§4.4); this
// process serves exactly one "submit" request and exits.
package main

import (
	"flag"
	"net"
	"net/url"
	"os"
	"path/filepath"

	"blitiri.com.ar/go/log"

	"remta.dev/remta/internal/cleanup"
	"remta.dev/remta/internal/config"
	"remta.dev/remta/internal/localrpc"
	"remta.dev/remta/internal/qfile"
	"remta.dev/remta/internal/trace"
	"remta.dev/remta/internal/triggerbus"
)

var configDir = flag.String("config_dir", "/etc/remta", "configuration directory")

func main() {
	flag.Parse()
	log.Init()

	c, err := config.Load(filepath.Join(*configDir, "main.cf"))
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	root, err := qfile.NewRoot(c.QueueDir)
	if err != nil {
		log.Fatalf("opening queue root %q: %v", c.QueueDir, err)
	}

	clean := &cleanup.Cleanup{
		Root:    root,
		Trigger: triggerbus.NewSocket(filepath.Join(c.QueueDir, "trigger.sock")),
	}

	rpc := localrpc.NewServer()
	rpc.Register("submit", func(tr *trace.Trace, in url.Values) (url.Values, error) {
		sub := &cleanup.Submission{
			From:       in.Get("from"),
			Recipients: in["rcpt"],
			Data:       []byte(in.Get("data")),
		}
		if vl, vr := in.Get("verp-left"), in.Get("verp-right"); vl != "" || vr != "" {
			sub.Attrs = map[string]string{"verp-left": vl, "verp-right": vr}
		}
		id, err := clean.Process(sub)
		if err != nil {
			return nil, err
		}
		out := url.Values{}
		out.Set("id", id)
		return out, nil
	})

	conn, err := net.FileConn(os.NewFile(3, "cleanup-conn"))
	if err != nil {
		log.Fatalf("mta-cleanup: fd 3 is not a usable connection: %v", err)
	}
	rpc.ServeConn(conn)
}
