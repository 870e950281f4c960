// Package smtpd implements the inbound SMTP server side of Submission
// (§6): HELO/EHLO, MAIL FROM, RCPT TO, DATA, RSET, NOOP, and QUIT. It
// intentionally does not speak STARTTLS, AUTH, or DKIM -- those are
// explicit Non-goals -- so it is a small fraction of the size of the
// teacher's internal/smtpsrv, which covers all of them.
//
// The Supervisor forks one process per accepted connection and hands it
// the socket on a fixed descriptor (§4.4); accordingly Server has no
// listener or accept loop of its own; Serve handles exactly one
// connection to completion and returns.
package smtpd

import (
	"net"
	"time"

	"remta.dev/remta/internal/cleanup"
	"remta.dev/remta/internal/set"
)

// Submitter is satisfied by *cleanup.Cleanup; it's an interface here so
// callers can stand up a fake one in tests without a real queue root.
type Submitter interface {
	Process(sub *cleanup.Submission) (string, error)
}

// Server holds the configuration shared by every connection handled by
// this process.
type Server struct {
	Hostname    string
	MaxDataSize int64

	// LocalDomains is consulted only for logging/diagnostics; this
	// server does not restrict relaying (no access-control Non-goal
	// carve-out is named in the spec beyond STARTTLS/AUTH/DKIM, so
	// policy enforcement is left to Cleanup's mapping pipeline instead
	// of the SMTP front door).
	LocalDomains *set.String

	Submit Submitter

	CommandTimeout time.Duration
	DataTimeout    time.Duration
}

// Serve handles one connection end-to-end: greeting, command loop, and
// either QUIT or an I/O error. It always closes conn before returning.
func (s *Server) Serve(conn net.Conn) {
	c := &session{
		srv:  s,
		conn: conn,
	}
	c.handle()
}
