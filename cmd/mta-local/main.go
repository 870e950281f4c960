// mta-local is the Local Delivery Agent (§4.7): forked one connection at
// a time by the Supervisor (§4.4), it expands each recipient through
// the aliases database (-aliases), resolves the result to a system
// account via the user database, and delivers to a mailbox, a maildir,
// a .forward chain, or a pipe transport.
package main

import (
	"flag"
	"net"
	"net/url"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"time"

	"blitiri.com.ar/go/log"

	"remta.dev/remta/internal/config"
	"remta.dev/remta/internal/deliveryrpc"
	"remta.dev/remta/internal/localrpc"
	"remta.dev/remta/internal/localdeliver"
	"remta.dev/remta/internal/maillog"
	"remta.dev/remta/internal/pipedeliver"
	"remta.dev/remta/internal/qfile"
	"remta.dev/remta/internal/trace"
)

var (
	configDir   = flag.String("config_dir", "/etc/remta", "configuration directory")
	aliasesPath = flag.String("aliases", "/etc/aliases", "path to the aliases database")
	mailSpool   = flag.String("mail_spool_dir", "/var/mail", "mbox-style spool directory")
	pipeUser    = flag.String("pipe_user", "nobody", "unprivileged account .forward/alias pipe commands run as")
)

// pipeTransport builds the Transport a .forward/alias "|command" entry
// runs under: always the unprivileged pipeUser account, never root,
// per pipedeliver's own refusal to run privileged (§4.7.2).
func pipeTransport(binary string) *pipedeliver.Transport {
	u, err := user.Lookup(*pipeUser)
	if err != nil {
		return nil
	}
	uid, _ := strconv.Atoi(u.Uid)
	gid, _ := strconv.Atoi(u.Gid)
	return &pipedeliver.Transport{
		Binary:    binary,
		UID:       uid,
		GID:       gid,
		TimeLimit: 30 * time.Second,
		Preprocess: pipedeliver.Preprocess{
			PrependFromLine: true,
		},
	}
}

func resolveUser(name string) (*localdeliver.User, bool) {
	u, err := user.Lookup(name)
	if err != nil {
		return nil, false
	}
	uid, _ := strconv.Atoi(u.Uid)
	gid, _ := strconv.Atoi(u.Gid)

	fwd := filepath.Join(u.HomeDir, ".forward")
	if _, err := os.Stat(fwd); err != nil {
		fwd = ""
	}

	return &localdeliver.User{
		Name: name,
		UID:  uid,
		GID:  gid,
		Mailbox: localdeliver.Mailbox{
			Path:       filepath.Join(*mailSpool, name),
			Policy:     localdeliver.PolicySpoolGroupWritable,
			UID:        uid,
			GID:        gid,
			UseDotLock: true,
		},
		Forward: fwd,
	}, true
}

func main() {
	flag.Parse()
	log.Init()

	_, err := config.Load(filepath.Join(*configDir, "main.cf"))
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	aliases := localdeliver.NewAliasDB()
	if err := aliases.Load(*aliasesPath); err != nil {
		log.Errorf("loading aliases from %s: %v (continuing without them)", *aliasesPath, err)
	}

	agent := localdeliver.NewAgent(aliases)
	agent.Resolve = resolveUser
	agent.PipeTransport = pipeTransport

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
			results = append(results, deliveryrpc.Result{Recipient: rcpt, Status: status, Reason: reason})
		}
		return deliveryrpc.EncodeResults(results), nil
	})

	conn, err := net.FileConn(os.NewFile(3, "local-deliver-conn"))
	if err != nil {
		log.Fatalf("mta-local: fd 3 is not a usable connection: %v", err)
	}
	srv.ServeConn(conn)
}
