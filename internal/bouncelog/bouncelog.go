// Package bouncelog implements the Bounce/Defer Logger (§4.8): one
// append-only side file per message per outcome kind (bounce or defer),
// holding one record per failed recipient, plus DSN composition that
// turns those records into a multipart report re-submitted through
// Cleanup.
package bouncelog

import (
	"bufio"
	"bytes"
	"fmt"
	"net/mail"
	"os"
	"strings"
	"text/template"
	"time"

	"remta.dev/remta/internal/qfile"
)

// tombstoneByte overwrites a record's leading byte to mark it dead; '#'
// is chosen because it also makes a tombstoned record look like a
// comment line to anyone tailing the file by hand.
const tombstoneByte = '#'

// Record is one failed-recipient entry, either read from a side file or
// forged in memory for a non-DSN notification.
type Record struct {
	Recipient string
	Reason    string
	offset    int64 // -1 for forged records: nothing to tombstone
}

// Log manages the bounce/ and defer/ side files for a Root.
type Log struct {
	Root *qfile.Root
}

// Append adds one failed-recipient record to the side file for id in
// directory dir (qfile.Bounce or qfile.Defer), creating the file if
// needed.
func (l *Log) Append(dir qfile.Dir, id, recipient, reason string) error {
	path := l.Root.Path(dir, id)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("bouncelog: opening %s: %v", path, err)
	}
	defer f.Close()

	line := fmt.Sprintf("%s: %s\n", recipient, sanitizeReason(reason))
	_, err = f.WriteString(line)
	return err
}

// sanitizeReason collapses embedded newlines so a single malicious or
// buggy reason string can't inject extra records into the side file.
func sanitizeReason(reason string) string {
	return strings.ReplaceAll(strings.ReplaceAll(reason, "\r", " "), "\n", " ")
}

// Read returns the live (non-tombstoned) records in the side file for
// id in directory dir. A missing file is not an error: it simply means
// no recipient has failed that way yet.
func (l *Log) Read(dir qfile.Dir, id string) ([]Record, error) {
	path := l.Root.Path(dir, id)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []Record
	var offset int64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		lineLen := int64(len(line)) + 1 // +1 for the newline the scanner ate
		if len(line) == 0 || line[0] == tombstoneByte {
			offset += lineLen
			continue
		}
		recipient, reason, ok := strings.Cut(string(line), ": ")
		if ok {
			records = append(records, Record{
				Recipient: recipient,
				Reason:    reason,
				offset:    offset,
			})
		}
		offset += lineLen
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// Tombstone marks rec as dead in its side file, idempotently (§8
// round-trip law: tombstoning twice is equivalent to tombstoning once).
func (l *Log) Tombstone(dir qfile.Dir, id string, rec Record) error {
	if rec.offset < 0 {
		return nil // forged record, nothing on disk to touch
	}
	path := l.Root.Path(dir, id)
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.WriteAt([]byte{tombstoneByte}, rec.offset)
	return err
}

// Forge constructs an in-memory record without touching any file, for
// composing a non-DSN notification (e.g. a delay warning draft) that
// never gets persisted as a side-file line.
func Forge(recipient, reason string) Record {
	return Record{Recipient: recipient, Reason: reason, offset: -1}
}

// StatusCode returns the class of enhanced status code implied by the
// queue directory a record lives in: 5.x.x for a permanent bounce,
// 4.x.x for a transient defer. The rest of the code is attached by the
// caller that classified the specific failure; this only fixes the
// class digit, derived from the directory name per §4.8.
func StatusCode(dir qfile.Dir) string {
	if dir == qfile.Bounce {
		return "5.0.0"
	}
	return "4.0.0"
}

// Unlink removes the side file for id in directory dir, called once a
// notification has been successfully composed and enqueued (§4.8: "on
// success, unlink the side file"). Warning-only flushes must not call
// this -- they retain the side file so later flushes still see the
// records.
func (l *Log) Unlink(dir qfile.Dir, id string) error {
	err := os.Remove(l.Root.Path(dir, id))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// DSN composes a delivery status notification for a message, given its
// original envelope/content and the live failure records to report.
// Grounded on the teacher's internal/queue/dsn.go template, generalized
// from a single transport's recipient-status model to the record shape
// this package reads off disk.
type DSN struct {
	OurDomain    string
	MessageID    string // our own new Message-ID for the DSN, caller-supplied
	Destination  string // envelope sender of the original message: where the DSN goes
	Permanent    []Record
	Transient    []Record
	OriginalData []byte
}

const maxOrigMsgLen = 256 * 1024

// Compose renders the DSN as a full RFC 5322 message ready for
// submission through Cleanup under the reserved null-sender identity.
func (d *DSN) Compose(boundary string) ([]byte, error) {
	orig := d.OriginalData
	if len(orig) > maxOrigMsgLen {
		orig = orig[:maxOrigMsgLen]
	}

	info := dsnInfo{
		OurDomain:         d.OurDomain,
		Destination:       d.Destination,
		MessageID:         d.MessageID,
		Date:              time.Now().Format(time.RFC1123Z),
		FailedRecipients:  d.Permanent,
		PendingRecipients: d.Transient,
		OriginalMessage:   string(orig),
		OriginalMessageID: getMessageID(d.OriginalData),
		Boundary:          boundary,
	}
	for _, r := range d.Permanent {
		info.FailedTo = append(info.FailedTo, r.Recipient)
	}
	for _, r := range d.Transient {
		info.FailedTo = append(info.FailedTo, r.Recipient)
	}

	buf := &bytes.Buffer{}
	if err := dsnTemplate.Execute(buf, info); err != nil {
		return nil, err
	}
	// The template is written with bare "\n" line endings for
	// readability; cleanup.Submission.Data is documented CRLF-terminated,
	// and rewriteHeaders' header/body split specifically looks for
	// "\r\n\r\n", so normalize before handing this off.
	return []byte(strings.ReplaceAll(buf.String(), "\n", "\r\n")), nil
}

func getMessageID(data []byte) string {
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return ""
	}
	return msg.Header.Get("Message-ID")
}

type dsnInfo struct {
	OurDomain         string
	Destination       string
	MessageID         string
	Date              string
	FailedTo          []string
	FailedRecipients  []Record
	PendingRecipients []Record
	OriginalMessage   string
	OriginalMessageID string
	Boundary          string
}

var dsnTemplate = template.Must(
	template.New("dsn").Parse(
		`From: Mail Delivery System <postmaster-dsn@{{.OurDomain}}>
To: <{{.Destination}}>
Subject: Mail delivery failed: returning message to sender
Message-ID: <{{.MessageID}}>
Date: {{.Date}}
In-Reply-To: {{.OriginalMessageID}}
References: {{.OriginalMessageID}}
X-Failed-Recipients: {{range .FailedTo}}{{.}}, {{end}}
Auto-Submitted: auto-replied
MIME-Version: 1.0
Content-Type: multipart/report; report-type=delivery-status;
    boundary="{{.Boundary}}"


--{{.Boundary}}
Content-Type: text/plain; charset="utf-8"
Content-Disposition: inline
Content-Description: Notification
Content-Transfer-Encoding: 8bit

Delivery of your message to the following recipient(s) failed:

{{range .FailedTo}}  - {{.}}
{{end}}
Technical details:
{{- range .FailedRecipients}}
- "{{.Recipient}}" failed permanently with error:
    {{.Reason}}
{{- end}}
{{- range .PendingRecipients}}
- "{{.Recipient}}" failed repeatedly and timed out, last error:
    {{.Reason}}
{{- end}}


--{{.Boundary}}
Content-Type: message/global-delivery-status
Content-Description: Delivery Report
Content-Transfer-Encoding: 8bit

Reporting-MTA: dns; {{.OurDomain}}

{{range .FailedRecipients -}}
Final-Recipient: utf-8; {{.Recipient}}
Action: failed
Status: 5.0.0
Diagnostic-Code: smtp; {{.Reason}}
{{end}}
{{range .PendingRecipients -}}
Final-Recipient: utf-8; {{.Recipient}}
Action: delayed
Status: 4.0.0
Diagnostic-Code: smtp; {{.Reason}}
{{end}}

--{{.Boundary}}
Content-Type: message/rfc822
Content-Description: Undelivered Message
Content-Transfer-Encoding: 8bit

{{.OriginalMessage}}

--{{.Boundary}}--
`))
