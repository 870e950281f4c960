package smtpd

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/mail"
	"strings"
	"time"

	"blitiri.com.ar/go/log"

	"remta.dev/remta/internal/cleanup"
	"remta.dev/remta/internal/envelope"
	"remta.dev/remta/internal/maillog"
	"remta.dev/remta/internal/trace"
)

const maxRecipients = 100

// session holds the per-connection state for one SMTP dialog.
type session struct {
	srv  *Server
	conn net.Conn

	reader *bufio.Reader
	writer *bufio.Writer
	tr     *trace.Trace

	heloDomain string
	from       string
	rcpt       []string
}

func (c *session) handle() {
	defer c.conn.Close()

	c.tr = trace.New("SMTPD.Conn", c.conn.RemoteAddr().String())
	defer c.tr.Finish()

	c.reader = bufio.NewReader(c.conn)
	c.writer = bufio.NewWriter(c.conn)

	cmdTimeout := c.srv.CommandTimeout
	if cmdTimeout == 0 {
		cmdTimeout = 5 * time.Minute
	}

	c.conn.SetDeadline(time.Now().Add(cmdTimeout))
	c.printfLine("220 %s ESMTP", c.srv.Hostname)

	var errCount int
	for {
		c.conn.SetDeadline(time.Now().Add(cmdTimeout))

		cmd, params, err := c.readCommand()
		if err != nil {
			if err != io.EOF {
				c.tr.Errorf("reading command: %v", err)
			}
			return
		}

		var code int
		var msg string

		switch cmd {
		case "HELO":
			code, msg = c.HELO(params)
		case "EHLO":
			code, msg = c.EHLO(params)
		case "NOOP":
			code, msg = 250, "2.0.0 OK"
		case "RSET":
			c.reset()
			code, msg = 250, "2.0.0 OK"
		case "MAIL":
			code, msg = c.MAIL(params)
		case "RCPT":
			code, msg = c.RCPT(params)
		case "DATA":
			code, msg = c.DATA()
		case "QUIT":
			c.writeResponse(221, "2.0.0 Bye")
			return
		default:
			code, msg = 500, "5.5.1 Unknown command"
		}

		if err := c.writeResponse(code, msg); err != nil {
			return
		}
		if code >= 500 {
			errCount++
			if errCount >= 10 {
				c.writeResponse(421, "4.5.0 Too many errors, closing connection")
				return
			}
		}
	}
}

func (c *session) reset() {
	c.from = ""
	c.rcpt = nil
}

func (c *session) HELO(params string) (int, string) {
	if strings.TrimSpace(params) == "" {
		return 501, "5.5.4 HELO requires a domain argument"
	}
	c.heloDomain = strings.Fields(params)[0]
	return 250, fmt.Sprintf("%s", c.srv.Hostname)
}

func (c *session) EHLO(params string) (int, string) {
	if strings.TrimSpace(params) == "" {
		return 501, "5.5.4 EHLO requires a domain argument"
	}
	c.heloDomain = strings.Fields(params)[0]
	c.printfLine("250-%s", c.srv.Hostname)
	return 250, "8BITMIME"
}

func (c *session) MAIL(params string) (int, string) {
	if !strings.HasPrefix(strings.ToLower(params), "from:") {
		return 500, "5.5.2 Syntax: MAIL FROM:<address>"
	}
	c.reset()

	raw := strings.TrimSpace(params[5:])
	raw = strings.SplitN(raw, " ", 2)[0]

	if raw == "<>" {
		c.from = "<>"
		return 250, "2.1.0 OK"
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil || addr.Address == "" {
		return 501, "5.1.7 Sender address malformed"
	}
	c.from = addr.Address
	return 250, "2.1.0 OK"
}

func (c *session) RCPT(params string) (int, string) {
	if !strings.HasPrefix(strings.ToLower(params), "to:") {
		return 500, "5.5.2 Syntax: RCPT TO:<address>"
	}
	if c.from == "" {
		return 503, "5.5.1 Sender not yet given"
	}
	if len(c.rcpt) >= maxRecipients {
		return 452, "4.5.3 Too many recipients"
	}

	raw := strings.TrimSpace(params[3:])
	raw = strings.SplitN(raw, " ", 2)[0]

	addr, err := mail.ParseAddress(raw)
	if err != nil || addr.Address == "" {
		return 501, "5.1.3 Malformed destination address"
	}
	c.rcpt = append(c.rcpt, addr.Address)

	local := c.srv.LocalDomains != nil && envelope.DomainIn(addr.Address, c.srv.LocalDomains)
	c.tr.Debugf("rcpt %s local=%v", addr.Address, local)
	return 250, "2.1.5 OK"
}

func (c *session) DATA() (int, string) {
	if c.heloDomain == "" {
		return 503, "5.5.1 Say HELO first"
	}
	if c.from == "" {
		return 503, "5.5.1 Sender not yet given"
	}
	if len(c.rcpt) == 0 {
		return 503, "5.5.1 Need at least one recipient"
	}

	if err := c.writeResponse(354, "Go ahead"); err != nil {
		return 554, fmt.Sprintf("5.4.0 %v", err)
	}

	maxSize := c.srv.MaxDataSize
	if maxSize <= 0 {
		maxSize = 50 * 1024 * 1024
	}
	if d := c.srv.DataTimeout; d > 0 {
		c.conn.SetDeadline(time.Now().Add(d))
	}

	data, err := readUntilDot(c.reader, maxSize)
	if err == errMessageTooLarge {
		return 552, "5.3.4 Message too big"
	}
	if err != nil {
		return 554, fmt.Sprintf("5.4.0 error reading message: %v", err)
	}

	sub := &cleanup.Submission{
		From:       c.from,
		Recipients: append([]string(nil), c.rcpt...),
		Data:       data,
	}

	id, err := c.srv.Submit.Process(sub)
	if err != nil {
		log.Errorf("%s: rejected from=%s nrcpt=%d: %v", id, c.from, len(c.rcpt), err)
		maillog.Rejected(c.conn.RemoteAddr(), c.from, c.rcpt, err.Error())
		return 451, fmt.Sprintf("4.3.0 could not queue message: %v", err)
	}

	c.tr.Printf("queued %s from=%s nrcpt=%d", id, c.from, len(c.rcpt))
	maillog.Queued(c.conn.RemoteAddr(), c.from, c.rcpt, id)
	c.reset()
	return 250, "2.0.0 " + id + " Queued"
}

func (c *session) readCommand() (cmd, params string, err error) {
	line, err := c.readLine()
	if err != nil {
		return "", "", err
	}
	sp := strings.SplitN(line, " ", 2)
	cmd = strings.ToUpper(sp[0])
	if len(sp) == 2 {
		params = sp[1]
	}
	return cmd, params, nil
}

func (c *session) readLine() (string, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (c *session) writeResponse(code int, msg string) error {
	if err := c.printfLine("%d %s", code, msg); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *session) printfLine(format string, args ...interface{}) error {
	if _, err := fmt.Fprintf(c.writer, format+"\r\n", args...); err != nil {
		return err
	}
	return c.writer.Flush()
}
