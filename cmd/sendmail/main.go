// sendmail is the local MUA/script-facing submission front door (§6): a
// sendmail-compatible CLI that either submits a message read from
// standard input, lists the queue (-bp, "mailq"), triggers a retry
// sweep of the whole queue (-q; there is no per-site -qR<site> form),
// reports on the aliases database (-bi, "newaliases"), or speaks the
// SMTP protocol directly over stdin/stdout (-bs).
//
// Argument parsing uses docopt, matching the teacher's own choice of
// library for its command-line tools (see go.mod), rather than
// hand-rolling sendmail's traditional single-dash bundled-flag syntax
// on top of the standard flag package.
package main

import (
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/docopt/docopt-go"

	"blitiri.com.ar/go/log"

	"remta.dev/remta/internal/cleanup"
	"remta.dev/remta/internal/config"
	"remta.dev/remta/internal/localrpc"
	"remta.dev/remta/internal/qfile"
	"remta.dev/remta/internal/smtpd"
	"remta.dev/remta/internal/triggerbus"
)

// sysexits.h codes for this CLI (§6); internal/pipedeliver
// keeps its own copy private to classify child exit statuses, so this
// is not a duplicate import, just the same small vocabulary reused at a
// different layer.
const (
	exOK        = 0
	exUsage     = 64
	exNoInput   = 66
	exSoftware  = 70
	exTempFail  = 75
	exNoPerm    = 77
)

const usage = `remta sendmail-compatible submission CLI.

Usage:
  sendmail [-f <from>] [-t] [-i] [-v] [-V <verp>] [--] [<recipient>...]
  sendmail -bs
  sendmail -bp
  sendmail -bi
  sendmail -q
  sendmail -h | --help

Options:
  -f <from>    Envelope sender address [default: ].
  -t           Read recipients from the To/Cc/Bcc headers instead of argv.
  -i           Accepted for compatibility; a lone "." never ends input here.
  -v           Verbose: log what's being done to standard error.
  -V <verp>    VERP-encode the envelope sender per recipient, bracketing
               the mangled recipient address with the two halves of
               <verp> split on the first "@" [default: ].
  -bs          Speak SMTP on standard input/output instead of submitting.
  -bp          Print a summary of the mail queue ("mailq").
  -bi          Rebuild the aliases database ("newaliases").
  -q           Flush the queue: wake the Queue Manager for an immediate pass.
  -h --help    Show this message.
`

func main() {
	configDir := os.Getenv("MAIL_CONFIG")
	if configDir == "" {
		configDir = "/etc/remta"
	}
	if os.Getenv("MAIL_VERBOSE") != "" || os.Getenv("MAIL_DEBUG") != "" {
		log.Init()
	}

	// Invoked as "mailq" or "newaliases", behave like -bp or -bi.
	args := os.Args[1:]
	switch filepath.Base(os.Args[0]) {
	case "mailq":
		args = []string{"-bp"}
	case "newaliases":
		args = []string{"-bi"}
	}

	opts, err := docopt.ParseArgs(usage, args, "remta-sendmail 1.0")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exUsage)
	}

	c, err := config.Load(filepath.Join(configDir, "main.cf"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "sendmail: loading config: %v\n", err)
		os.Exit(exSoftware)
	}
	root, err := qfile.NewRoot(c.QueueDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sendmail: opening queue %q: %v\n", c.QueueDir, err)
		os.Exit(exSoftware)
	}

	switch {
	case truthy(opts["-bp"]):
		os.Exit(mailq(root))
	case truthy(opts["-bi"]):
		os.Exit(newaliases())
	case truthy(opts["-q"]):
		os.Exit(flushQueue(c))
	case truthy(opts["-bs"]):
		os.Exit(serveStdin(c, root))
	default:
		os.Exit(submit(opts, configDir, c, root))
	}
}

func truthy(v interface{}) bool {
	b, _ := v.(bool)
	return b
}

// submit reads an RFC 5322 message from standard input and hands it to
// the cleanup service over localrpc, the same "submit" method
// cmd/mta-cleanup registers (§4.3, §6).
func submit(opts docopt.Opts, configDir string, c *config.Config, root *qfile.Root) int {
	from, _ := opts.String("-f")

	var recipients []string
	if rs, ok := opts["<recipient>"].([]string); ok {
		recipients = rs
	}

	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sendmail: reading message: %v\n", err)
		return exNoInput
	}
	data = toCRLF(data)

	if truthy(opts["-t"]) {
		recipients = append(recipients, recipientsFromHeaders(data)...)
	}
	if len(recipients) == 0 {
		fmt.Fprintln(os.Stderr, "sendmail: no recipients given")
		return exUsage
	}

	socketPath, err := cleanupSocket(configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sendmail: %v\n", err)
		return exSoftware
	}

	verpLeft, verpRight := "", ""
	if v, _ := opts.String("-V"); v != "" {
		verpLeft, verpRight = splitVerp(v)
	}

	id, err := submitAll(socketPath, from, recipients, data, verpLeft, verpRight)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sendmail: could not queue message: %v\n", err)
		return exTempFail
	}
	fmt.Printf("%s: queued\n", id)
	return exOK
}

// splitVerp splits a "-V" argument into its VERP left/right halves on
// the first "@", keeping the "@" with the right half so VerpRight is
// ready to append directly after the mangled recipient's domain
// (matching internal/qmgr.VerpSender's bracketing).
func splitVerp(v string) (left, right string) {
	i := strings.IndexByte(v, '@')
	if i < 0 {
		return v, ""
	}
	return v[:i], v[i:]
}

// submitAll calls the cleanup service's "submit" method with every
// recipient in one "rcpt" multi-value field, so they all land in the
// same queue file (§4.3). A non-empty verpLeft/verpRight is carried as
// named attributes so internal/cleanup can persist them onto the
// envelope's Verp record (§4.1).
func submitAll(socketPath, from string, recipients []string, data []byte, verpLeft, verpRight string) (string, error) {
	v := url.Values{}
	v.Set("from", from)
	v.Set("data", string(data))
	for _, r := range recipients {
		v.Add("rcpt", r)
	}
	if verpLeft != "" || verpRight != "" {
		v.Set("verp-left", verpLeft)
		v.Set("verp-right", verpRight)
	}

	outV, err := localrpc.NewClient(socketPath).CallWithValues("submit", v)
	if err != nil {
		return "", err
	}
	return outV.Get("id"), nil
}

func cleanupSocket(configDir string) (string, error) {
	services, err := config.LoadServices(filepath.Join(configDir, "master.cf"))
	if err != nil {
		return "", fmt.Errorf("loading service table: %v", err)
	}
	for _, svc := range services {
		if svc.Name == "cleanup" && svc.Type == config.Unix {
			return svc.Endpoint(), nil
		}
	}
	return "", fmt.Errorf("no %q service configured in the service table", "cleanup")
}

// recipientsFromHeaders extracts addresses out of To/Cc/Bcc header
// bodies for -t mode. It's intentionally simple (comma-split, no
// RFC 5322 display-name/comment parsing) since the full address-list
// parser lives in internal/cleanup's header rewrite path, not here.
func recipientsFromHeaders(data []byte) []string {
	headerEnd := strings.Index(string(data), "\r\n\r\n")
	if headerEnd == -1 {
		headerEnd = len(data)
	}
	header := string(data[:headerEnd])

	var out []string
	for _, line := range strings.Split(header, "\r\n") {
		lower := strings.ToLower(line)
		if !strings.HasPrefix(lower, "to:") && !strings.HasPrefix(lower, "cc:") && !strings.HasPrefix(lower, "bcc:") {
			continue
		}
		_, body, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		for _, addr := range strings.Split(body, ",") {
			addr = strings.TrimSpace(addr)
			if i := strings.LastIndexByte(addr, '<'); i >= 0 && strings.HasSuffix(addr, ">") {
				addr = addr[i+1 : len(addr)-1]
			}
			if addr != "" {
				out = append(out, addr)
			}
		}
	}
	return out
}

// toCRLF normalizes bare LF line endings to CRLF: piped-in mail from
// local tools is often LF-only, but cleanup.Submission.Data is
// documented as CRLF-terminated (§6).
func toCRLF(data []byte) []byte {
	s := strings.ReplaceAll(string(data), "\r\n", "\n")
	s = strings.ReplaceAll(s, "\n", "\r\n")
	return []byte(s)
}

// mailq implements -bp: a short per-message summary of every queue
// directory that holds live mail, rendered as a lipgloss table.
func mailq(root *qfile.Root) int {
	type row struct {
		id, size, age, from string
		rcpts                int
	}
	var rows []row

	for _, dir := range []qfile.Dir{qfile.Active, qfile.Incoming, qfile.Deferred, qfile.Hold} {
		ids, err := qfile.Scan(root, dir)
		if err != nil {
			continue
		}
		for _, id := range ids {
			h, err := qfile.Open(root, dir, id)
			if err != nil {
				continue
			}
			env, _, err := qfile.ReadMessage(h)
			h.Close()
			if err != nil {
				continue
			}
			pending := 0
			for _, r := range env.Recipients {
				if r.Status == qfile.Pending {
					pending++
				}
			}
			rows = append(rows, row{
				id:    id,
				size:  fmt.Sprintf("%d", env.Size),
				age:   time.Since(env.ArrivalTime).Round(time.Second).String(),
				from:  env.From,
				rcpts: pending,
			})
		}
	}

	if len(rows) == 0 {
		fmt.Println("Mail queue is empty")
		return exOK
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].id < rows[j].id })

	header := lipgloss.NewStyle().Bold(true).Underline(true)
	cell := lipgloss.NewStyle().PaddingRight(2)

	fmt.Println(header.Render(fmt.Sprintf("%-16s %8s %10s %4s  %s", "ID", "SIZE", "AGE", "RCPT", "FROM")))
	for _, r := range rows {
		fmt.Println(cell.Render(fmt.Sprintf("%-16s %8s %10s %4d  %s", r.id, r.size, r.age, r.rcpts, r.from)))
	}
	return exOK
}

// newaliases implements -bi. Rebuilding the aliases database is
// mta-local's concern at load time (it re-reads /etc/aliases on every
// fork, being a one-shot process, §4.7), so there is no persistent
// index for this CLI to rebuild; it only prints a notice and does not
// open or check the aliases file.
func newaliases() int {
	fmt.Println("remta: aliases are read fresh by each delivery, nothing to rebuild")
	return exOK
}

// flushQueue implements -q: poke the Queue Manager's trigger socket for
// an immediate admission-and-schedule pass (§4.2).
func flushQueue(c *config.Config) int {
	triggerbus.NewSocket(filepath.Join(c.QueueDir, "trigger.sock")).Send(triggerbus.ScanAll)
	return exOK
}

// serveStdin implements -bs: run the SMTP server directly over
// standard input/output, for callers that pipe a raw SMTP dialog in
// (rare, but part of the sendmail-compatible surface, §6).
func serveStdin(c *config.Config, root *qfile.Root) int {
	submitter := &cleanup.Cleanup{
		Root:    root,
		Trigger: triggerbus.NewSocket(filepath.Join(c.QueueDir, "trigger.sock")),
	}
	srv := &smtpd.Server{
		Hostname:    c.Hostname,
		MaxDataSize: c.MaxDataSizeMb * 1024 * 1024,
		Submit:      submitter,
	}
	srv.Serve(stdioConn{})
	return exOK
}

// stdioConn adapts os.Stdin/os.Stdout to net.Conn so internal/smtpd's
// Server, which only knows how to Serve a connection, can run directly
// over a pipe instead of a socket.
type stdioConn struct{}

func (stdioConn) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdioConn) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdioConn) Close() error                { return nil }
func (stdioConn) LocalAddr() net.Addr         { return stdioAddr{} }
func (stdioConn) RemoteAddr() net.Addr        { return stdioAddr{} }
func (stdioConn) SetDeadline(time.Time) error { return nil }
func (stdioConn) SetReadDeadline(time.Time) error  { return nil }
func (stdioConn) SetWriteDeadline(time.Time) error { return nil }

type stdioAddr struct{}

func (stdioAddr) Network() string { return "stdio" }
func (stdioAddr) String() string  { return "stdio" }
