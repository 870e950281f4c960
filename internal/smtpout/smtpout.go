// Package smtpout implements the SMTP Delivery Agent (§4.6): one
// delivery request becomes one session attempt against one candidate
// host at a time, falling back through the next candidate on
// connect/banner/EHLO failure.
package smtpout

import (
	"fmt"
	"net"
	"time"

	"remta.dev/remta/internal/envelope"
	"remta.dev/remta/internal/expvarom"
	"remta.dev/remta/internal/smtp"
	"remta.dev/remta/internal/trace"
)

var (
	dialTimeout  = 1 * time.Minute
	totalTimeout = 10 * time.Minute

	smtpPort = "25"
)

var (
	deliveryResults = expvarom.NewMap("smtpout/deliveryResults",
		"result", "count of outgoing SMTP delivery attempts by result")
)

// Outcome is the result of one delivery attempt.
type Outcome struct {
	Err       error
	Permanent bool // true: bounce the recipient; false: defer and retry
}

// Agent delivers queued mail over outgoing SMTP, implementing the
// START -> RESOLVE_MX -> CONNECT -> BANNER -> EHLO -> MAIL -> RCPT ->
// DATA -> CONTENT -> DOT -> QUIT -> DONE state machine of §4.6.
type Agent struct {
	HelloDomain string
	Resolver    *Resolver
}

// Deliver sends one message from "from" to "to", trying each resolved
// candidate in turn until one succeeds, one fails permanently, or all
// have failed transiently.
func (a *Agent) Deliver(from, to string, data []byte) Outcome {
	tr := trace.New("SMTPOut.Deliver", to)
	defer tr.Finish()

	domain := envelope.DomainOf(to)

	hosts, bestMXIsLocal, err := a.Resolver.ResolveMX(domain)
	if err != nil {
		permanent := IsSelfLoop(err) || !IsRetryable(err)
		deliveryResults.Add(resultKey(permanent), 1)
		return Outcome{Err: tr.Errorf("resolving %s: %v", domain, err), Permanent: permanent}
	}
	if bestMXIsLocal {
		// The best-MX-transport override applies. This agent does not
		// deliver locally, and no caller hands the message to local
		// delivery on this outcome: it is a transient failure whose
		// error names the local route.
		deliveryResults.Add("best-mx-local", 1)
		return Outcome{Err: fmt.Errorf("smtpout: best MX for %s is local, route via local delivery", domain), Permanent: false}
	}

	if from == "<>" {
		from = ""
	}

	var lastErr error
	for _, host := range hosts {
		outcome := a.attempt(tr, host, from, to, data)
		if outcome.Err == nil {
			deliveryResults.Add("sent", 1)
			return outcome
		}
		if outcome.Permanent {
			deliveryResults.Add("permanent", 1)
			return outcome
		}
		lastErr = outcome.Err
		tr.Errorf("%q returned transient error: %v", host, outcome.Err)
	}

	deliveryResults.Add("transient", 1)
	return Outcome{Err: tr.Errorf("all candidate hosts failed (last: %v)", lastErr), Permanent: false}
}

func resultKey(permanent bool) string {
	if permanent {
		return "permanent"
	}
	return "transient"
}

func (a *Agent) attempt(tr *trace.Trace, host, from, to string, data []byte) Outcome {
	conn, err := net.DialTimeout("tcp", host+":"+smtpPort, dialTimeout)
	if err != nil {
		return Outcome{Err: tr.Errorf("dial %s: %v", host, err)}
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(totalTimeout))

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		return Outcome{Err: tr.Errorf("creating client for %s: %v", host, err)}
	}

	if err := c.Hello(a.HelloDomain); err != nil {
		return Outcome{Err: tr.Errorf("EHLO/HELO to %s: %v", host, err)}
	}

	if err := c.MailAndRcpt(from, to); err != nil {
		return Outcome{Err: tr.Errorf("MAIL/RCPT to %s: %v", host, err), Permanent: smtp.IsPermanent(err)}
	}

	w, err := c.Data()
	if err != nil {
		return Outcome{Err: tr.Errorf("DATA to %s: %v", host, err), Permanent: smtp.IsPermanent(err)}
	}
	if _, err := w.Write(data); err != nil {
		return Outcome{Err: tr.Errorf("writing content to %s: %v", host, err), Permanent: smtp.IsPermanent(err)}
	}
	if err := w.Close(); err != nil {
		return Outcome{Err: tr.Errorf("closing DATA to %s: %v", host, err), Permanent: smtp.IsPermanent(err)}
	}

	_ = c.Quit()
	tr.Debugf("delivered to %s", host)
	return Outcome{}
}
