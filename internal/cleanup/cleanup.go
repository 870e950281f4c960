// Package cleanup implements the Cleanup component (§4.3): it turns a
// raw submission stream into a canonical queue file in the incoming
// queue, running every recipient through the address mapping pipeline
// and the content through a header parser along the way.
package cleanup

import (
	"bytes"
	"fmt"
	"time"

	"blitiri.com.ar/go/log"

	"remta.dev/remta/internal/expand"
	"remta.dev/remta/internal/lookup"
	"remta.dev/remta/internal/qfile"
	"remta.dev/remta/internal/triggerbus"
)

// errMask accumulates the recoverable-error bits seen while processing
// one message, mirroring the original CLEANUP_STAT_* flags: a bad
// address mapping or header doesn't abort the run, it just determines
// whether the file is ultimately queued, discarded, or quarantined.
type errMask int

const (
	statOK     errMask = 0
	statWrite  errMask = 1 << iota // table-layer or I/O failure
	statBadHdr                     // unparseable header
)

// Submission is the raw input to one cleanup run: an envelope plus the
// unparsed message content, as handed off by a submission agent.
type Submission struct {
	From       string
	Recipients []string
	OrigRcpt   map[string]string // recipient -> ORCP, if supplied (DSN extension)
	Data       []byte            // full RFC 5322 message, CRLF-terminated lines
	Attrs      map[string]string
}

// Cleanup describes where a Cleanup instance reads and writes its queue
// files.
type Cleanup struct {
	Root *qfile.Root

	// SenderPipeline/RecipientPipeline are the one-to-one mapping
	// pipelines (§4.3.1) applied to the envelope sender and each
	// recipient, and to address-bearing headers.
	SenderPipeline    *lookup.Pipeline
	RecipientPipeline *lookup.Pipeline

	// ExpandTable drives one-to-many recipient expansion (§4.3.2). A
	// nil table means expansion is a no-op (single-recipient passthrough).
	ExpandTable lookup.Table

	// Trigger notifies the Queue Manager once a message lands in
	// incoming. May be nil in tests.
	Trigger interface{ Send(triggerbus.Command) }
}

// addressHeaders are the headers whose bodies are address lists subject
// to the same mapping pipeline as envelope addresses.
var addressHeaders = [][]byte{
	[]byte("to:"), []byte("cc:"), []byte("bcc:"),
	[]byte("from:"), []byte("reply-to:"),
}

// Process runs one submission through the full cleanup pipeline,
// returning the queue ID of the resulting file. On any error recorded
// in the error mask, the partially-written file is either dropped
// (recoverable, small blast radius) or filed into the corrupt queue
// (content could not be parsed at all).
func (c *Cleanup) Process(sub *Submission) (string, error) {
	h, err := qfile.Enter(c.Root, qfile.Maildrop)
	if err != nil {
		return "", fmt.Errorf("cleanup: allocating queue file: %v", err)
	}
	id := h.ID()

	mask, env, extracted, body := c.build(id, sub)

	if mask&statBadHdr != 0 {
		h.Close()
		if err := qfile.Rename(c.Root, qfile.Maildrop, qfile.Corrupt, id); err != nil {
			return id, fmt.Errorf("cleanup: filing %s to corrupt: %v", id, err)
		}
		return id, fmt.Errorf("cleanup: %s: unparseable message, filed to corrupt", id)
	}

	if err := qfile.WriteEnvelope(h, env); err != nil {
		h.Close()
		qfile.Remove(c.Root, qfile.Maildrop, id)
		return id, err
	}
	if err := qfile.WriteContent(h, body); err != nil {
		h.Close()
		qfile.Remove(c.Root, qfile.Maildrop, id)
		return id, err
	}
	if err := qfile.WriteExtracted(h, extracted); err != nil {
		h.Close()
		qfile.Remove(c.Root, qfile.Maildrop, id)
		return id, err
	}

	if mask&statWrite != 0 {
		h.Close()
		qfile.Remove(c.Root, qfile.Maildrop, id)
		return id, fmt.Errorf("cleanup: %s: recoverable mapping error, discarded", id)
	}

	if err := h.Commit(); err != nil {
		h.Close()
		qfile.Remove(c.Root, qfile.Maildrop, id)
		return id, fmt.Errorf("cleanup: %s: commit: %v", id, err)
	}
	if err := h.Close(); err != nil {
		return id, err
	}

	if err := qfile.Rename(c.Root, qfile.Maildrop, qfile.Incoming, id); err != nil {
		return id, fmt.Errorf("cleanup: %s: rename to incoming: %v", id, err)
	}

	if c.Trigger != nil {
		c.Trigger.Send(triggerbus.Wakeup)
	}
	log.Infof("%s: queued, from=%s, nrcpt=%d", id, env.From, len(env.Recipients))
	return id, nil
}

// build runs the mapping/expansion pipelines and header parser, without
// touching disk, so callers can decide what to do with a bad result
// before committing anything.
func (c *Cleanup) build(id string, sub *Submission) (errMask, *qfile.Envelope, qfile.ExtractedInfo, []byte) {
	var mask errMask

	from := sub.From
	if c.SenderPipeline != nil {
		rewritten, err := c.SenderPipeline.Rewrite(id, from)
		if err != nil {
			log.Errorf("%s: sender mapping: %v", id, err)
			mask |= statWrite
		} else {
			from = rewritten
		}
	}

	env := &qfile.Envelope{
		ID:          id,
		ArrivalTime: time.Now(),
		From:        from,
		OrigRcpt:    map[string]string{},
		Attrs:       sub.Attrs,
		VerpLeft:    sub.Attrs["verp-left"],
		VerpRight:   sub.Attrs["verp-right"],
	}

	for _, rcpt := range sub.Recipients {
		final := rcpt
		if c.RecipientPipeline != nil {
			rewritten, err := c.RecipientPipeline.Rewrite(id, final)
			if err != nil {
				log.Errorf("%s: recipient mapping for %s: %v", id, rcpt, err)
				mask |= statWrite
				final = rewritten
			} else {
				final = rewritten
			}
		}

		expanded := []string{final}
		if c.ExpandTable != nil {
			expanded = expand.List(id, c.ExpandTable, final)
		}

		for _, addr := range expanded {
			env.Recipients = append(env.Recipients, qfile.RecipientRecord{
				Address: addr,
				Status:  qfile.Pending,
			})
			if orig, ok := sub.OrigRcpt[rcpt]; ok {
				env.OrigRcpt[addr] = orig
			}
		}
	}

	body, extracted, hdrMask := c.rewriteHeaders(id, sub.Data)
	mask |= hdrMask

	return mask, env, extracted, body
}

// rewriteHeaders parses the header section line by line (folded lines
// joined to their parent), rewrites address-bearing header bodies
// through the recipient pipeline, and pulls out the three extracted-info
// fields the queue file records alongside the body (§6).
func (c *Cleanup) rewriteHeaders(id string, data []byte) ([]byte, qfile.ExtractedInfo, errMask) {
	var extracted qfile.ExtractedInfo
	var mask errMask

	if bytes.IndexByte(data, 0) != -1 {
		// A NUL byte anywhere in the message means whatever produced it
		// is not honoring RFC 5322 framing; don't try to parse headers
		// out of it at all.
		return nil, extracted, statBadHdr
	}

	headerEnd := bytes.Index(data, []byte("\r\n\r\n"))
	if headerEnd == -1 {
		// No blank-line terminator found; treat the whole thing as
		// headers with an empty body rather than failing outright --
		// a message with no body is unusual but not corrupt.
		headerEnd = len(data)
	}
	header := data[:headerEnd]
	var bodyStart int
	if headerEnd+4 <= len(data) {
		bodyStart = headerEnd + 4
	} else {
		bodyStart = headerEnd
	}
	body := data[bodyStart:]

	lines := splitHeaderLines(header)
	var out bytes.Buffer
	for _, line := range lines {
		lower := bytes.ToLower(line)
		switch {
		case bytes.HasPrefix(lower, []byte("return-receipt-to:")):
			extracted.ReturnReceipt = headerValue(line)
		case bytes.HasPrefix(lower, []byte("errors-to:")):
			extracted.ErrorsTo = headerValue(line)
		case bytes.HasPrefix(lower, []byte("x-priority:")):
			extracted.Priority = headerValue(line)
		}

		if c.RecipientPipeline != nil && isAddressHeader(lower) {
			line = c.rewriteAddressHeader(id, line, &mask)
		}

		out.Write(line)
		out.WriteString("\r\n")
	}
	out.WriteString("\r\n")
	out.Write(body)

	return out.Bytes(), extracted, mask
}

func isAddressHeader(lowerLine []byte) bool {
	for _, h := range addressHeaders {
		if bytes.HasPrefix(lowerLine, h) {
			return true
		}
	}
	return false
}

func headerValue(line []byte) string {
	i := bytes.IndexByte(line, ':')
	if i == -1 {
		return ""
	}
	return string(bytes.TrimSpace(line[i+1:]))
}

// rewriteAddressHeader replaces every comma-separated address in an
// address-bearing header's body with its mapped form, preserving the
// header name. The body is rebuilt as one space followed by the trimmed
// addresses joined with ", ", so the original whitespace and folding are
// not kept.
func (c *Cleanup) rewriteAddressHeader(id string, line []byte, mask *errMask) []byte {
	i := bytes.IndexByte(line, ':')
	if i == -1 {
		return line
	}
	name, value := line[:i+1], string(line[i+1:])

	parts := splitAddressList(value)
	for i, a := range parts {
		trimmed := trimSpaceKeepCase(a)
		if trimmed == "" {
			continue
		}
		rewritten, err := c.RecipientPipeline.Rewrite(id, trimmed)
		if err != nil {
			log.Errorf("%s: header %s mapping: %v", id, name, err)
			*mask |= statWrite
			continue
		}
		parts[i] = rewritten
	}

	return append(append([]byte{}, name...), []byte(" "+joinComma(parts))...)
}

func splitAddressList(s string) []string {
	return lookup.SplitValues(s)
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

func trimSpaceKeepCase(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t') {
		end--
	}
	return s[start:end]
}

// splitHeaderLines splits a CRLF header block into logical (unfolded)
// header lines: a continuation line (starting with space or tab) is
// joined onto the previous one, matching RFC 5322 folding.
func splitHeaderLines(header []byte) [][]byte {
	var lines [][]byte
	for _, raw := range bytes.Split(header, []byte("\r\n")) {
		if len(raw) == 0 {
			continue
		}
		if (raw[0] == ' ' || raw[0] == '\t') && len(lines) > 0 {
			last := lines[len(lines)-1]
			lines[len(lines)-1] = append(append(last, '\r', '\n'), raw...)
			continue
		}
		lines = append(lines, append([]byte{}, raw...))
	}
	return lines
}

