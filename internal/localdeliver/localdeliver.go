// Package localdeliver implements the Local Delivery Agent (§4.7):
// duplicate filtering, alias expansion, and terminal delivery to a
// mailbox, a maildir, or a pipe transport.
package localdeliver

import (
	"fmt"
	"strings"

	"remta.dev/remta/internal/envelope"
	"remta.dev/remta/internal/pipedeliver"
	"remta.dev/remta/internal/trace"
)

// User describes one local account's delivery destination and identity,
// as resolved by the caller (typically from a passwd-like lookup) before
// handing the recipient to Agent.Deliver.
type User struct {
	Name     string
	UID, GID int
	Mailbox  Mailbox // Path ending in "/" means maildir-style delivery.
	Forward  string  // Path to a .forward file, if any; empty means none.
}

// Outcome is the result of attempting one recipient's delivery.
type Outcome struct {
	Err       error
	Permanent bool
}

// Agent dispatches local deliveries: one Agent instance is intended to
// live for one queue-file's lifetime, since its duplicate filter's state
// is scoped to a single recipient expansion (§4.7, step 1).
type Agent struct {
	Aliases *AliasDB
	// Resolve looks up a local user's delivery destination by its mailbox
	// name (the left-hand side after any alias/forward expansion).
	Resolve func(user string) (*User, bool)
	// PipeTransport maps the first word of a pipe alias's command (the
	// binary) to the configured Transport that runs it; nil means none.
	PipeTransport func(command string) *pipedeliver.Transport

	dup *dupFilter
}

// NewAgent returns an Agent ready to deliver recipients for one message.
func NewAgent(aliases *AliasDB) *Agent {
	return &Agent{Aliases: aliases, dup: newDupFilter()}
}

// Deliver dispatches one recipient. from is the envelope sender, addr its
// local-delivery recipient address, and data the full message content.
func (a *Agent) Deliver(from, addr string, data []byte) Outcome {
	tr := trace.New("LocalDeliver.Deliver", addr)
	defer tr.Finish()

	user := strings.ToLower(envelope.UserOf(addr))
	return a.deliverUser(tr, from, user, addr, data)
}

func (a *Agent) deliverUser(tr *trace.Trace, from, user, origAddr string, data []byte) Outcome {
	if owner, ok := a.Aliases.OwnerOf(user); ok {
		from = owner
	}

	rcpts, hasAlias, err := a.Aliases.Expand(user)
	if err != nil {
		return Outcome{Err: tr.Errorf("expanding alias %s: %v", user, err), Permanent: true}
	}

	if !hasAlias {
		return a.deliverToAccount(tr, from, user, data)
	}

	var lastErr error
	permanent := false
	delivered := 0
	for _, r := range rcpts {
		switch r.Type {
		case PIPE:
			out := a.deliverPipe(tr, from, user, r.Addr, data)
			if out.Err != nil {
				lastErr, permanent = out.Err, out.Permanent
				continue
			}
		case EMAIL:
			out := a.deliverUser(tr, from, strings.ToLower(envelope.UserOf(r.Addr)), r.Addr, data)
			if out.Err != nil {
				lastErr, permanent = out.Err, out.Permanent
				continue
			}
		}
		delivered++
	}
	if lastErr != nil && delivered == 0 {
		return Outcome{Err: lastErr, Permanent: permanent}
	}
	return Outcome{}
}

func (a *Agent) deliverToAccount(tr *trace.Trace, from, user string, data []byte) Outcome {
	u, ok := a.Resolve(user)
	if !ok {
		return Outcome{Err: tr.Errorf("unknown local user %q", user), Permanent: true}
	}

	if u.Forward != "" {
		rcpts, err := ReadForwardFile(u.Forward, u.UID, true)
		if err == nil && len(rcpts) > 0 {
			return a.deliverForwardRecipients(tr, from, user, rcpts, data)
		}
		// A missing or empty .forward file is not an error: fall through
		// to ordinary mailbox delivery.
	}

	fp := fmt.Sprintf("%d:%s", u.UID, u.Mailbox.Path)
	if a.dup.Seen(fp) {
		tr.Debugf("duplicate suppressed for %s", fp)
		return Outcome{}
	}

	if strings.HasSuffix(u.Mailbox.Path, "/") {
		return a.deliverMaildir(tr, &u.Mailbox, data)
	}

	mb := u.Mailbox
	if err := mb.Deliver(data); err != nil {
		return Outcome{Err: tr.Error(err), Permanent: !IsTemporary(err)}
	}
	return Outcome{}
}

func (a *Agent) deliverForwardRecipients(tr *trace.Trace, from, user string, rcpts []Recipient, data []byte) Outcome {
	var lastErr error
	permanent := false
	delivered := 0
	for _, r := range rcpts {
		var out Outcome
		switch r.Type {
		case PIPE:
			out = a.deliverPipe(tr, from, user, r.Addr, data)
		case EMAIL:
			out = a.deliverUser(tr, from, strings.ToLower(envelope.UserOf(r.Addr)), r.Addr, data)
		}
		if out.Err != nil {
			lastErr, permanent = out.Err, out.Permanent
			continue
		}
		delivered++
	}
	if lastErr != nil && delivered == 0 {
		return Outcome{Err: lastErr, Permanent: permanent}
	}
	return Outcome{}
}

func (a *Agent) deliverPipe(tr *trace.Trace, from, user, command string, data []byte) Outcome {
	fp := fmt.Sprintf("pipe:%s:%s", user, command)
	if a.dup.Seen(fp) {
		return Outcome{}
	}

	fields := strings.Fields(command)
	if len(fields) == 0 {
		return Outcome{Err: tr.Errorf("empty pipe command for %s", user), Permanent: true}
	}

	t := a.PipeTransport(fields[0])
	if t == nil {
		return Outcome{Err: tr.Errorf("no transport configured for pipe command %q", fields[0]), Permanent: true}
	}
	t.Args = append([]string{}, fields[1:]...)

	out := pipedeliver.Deliver(t, from, "", []string{user}, data)
	return Outcome{Err: out.Err, Permanent: out.Permanent}
}

func (a *Agent) deliverMaildir(tr *trace.Trace, mb *Mailbox, data []byte) Outcome {
	if err := deliverToMaildir(mb.Path, data); err != nil {
		return Outcome{Err: tr.Error(err), Permanent: !IsTemporary(err)}
	}
	return Outcome{}
}
