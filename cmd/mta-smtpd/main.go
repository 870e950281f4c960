// mta-smtpd is the inbound SMTP service (§6): the Supervisor forks one
// of these per accepted connection, handing it the socket on fd 3.
package main

import (
	"flag"
	"net"
	"os"
	"path/filepath"

	"blitiri.com.ar/go/log"

	"remta.dev/remta/internal/cleanup"
	"remta.dev/remta/internal/config"
	"remta.dev/remta/internal/lookup"
	"remta.dev/remta/internal/qfile"
	"remta.dev/remta/internal/set"
	"remta.dev/remta/internal/smtpd"
	"remta.dev/remta/internal/triggerbus"
)

var (
	configDir    = flag.String("config_dir", "/etc/remta", "configuration directory")
	localDomains = flag.String("local_domains", "", "comma-separated list of locally-delivered domains")
)

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

	trigger := triggerbus.NewSocket(filepath.Join(c.QueueDir, "trigger.sock"))

	clean := &cleanup.Cleanup{
		Root:    root,
		Trigger: trigger,
	}

	var locals *set.String
	if *localDomains != "" {
		locals = set.NewString()
		for _, d := range lookup.SplitValues(*localDomains) {
			locals.Add(d)
		}
	}

	srv := &smtpd.Server{
		Hostname:     c.Hostname,
		MaxDataSize:  c.MaxDataSizeMb * 1024 * 1024,
		LocalDomains: locals,
		Submit:       clean,
	}

	conn, err := net.FileConn(os.NewFile(3, "smtp-conn"))
	if err != nil {
		log.Fatalf("mta-smtpd: fd 3 is not a usable connection: %v", err)
	}

	srv.Serve(conn)
}
