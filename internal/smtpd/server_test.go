package smtpd

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"

	"remta.dev/remta/internal/cleanup"
)

type fakeSubmitter struct {
	lastSub *cleanup.Submission
	id      string
	err     error
}

func (f *fakeSubmitter) Process(sub *cleanup.Submission) (string, error) {
	f.lastSub = sub
	if f.err != nil {
		return "", f.err
	}
	return f.id, nil
}

func runSession(t *testing.T, srv *Server) (client *bufio.ReadWriter, done chan struct{}) {
	t.Helper()
	serverConn, clientConn := net.Pipe()

	done = make(chan struct{})
	go func() {
		srv.Serve(serverConn)
		close(done)
	}()

	client = bufio.NewReadWriter(bufio.NewReader(clientConn), bufio.NewWriter(clientConn))
	t.Cleanup(func() { clientConn.Close() })
	return client, done
}

func expectLine(t *testing.T, rw *bufio.ReadWriter, wantPrefix string) string {
	t.Helper()
	line, err := rw.ReadString('\n')
	if err != nil {
		t.Fatalf("reading line: %v", err)
	}
	if !strings.HasPrefix(line, wantPrefix) {
		t.Fatalf("line = %q, want prefix %q", line, wantPrefix)
	}
	return line
}

func send(t *testing.T, rw *bufio.ReadWriter, line string) {
	t.Helper()
	fmt.Fprintf(rw, "%s\r\n", line)
	rw.Flush()
}

func TestFullDialogQueues(t *testing.T) {
	sub := &fakeSubmitter{id: "1A2B3C"}
	srv := &Server{Hostname: "mx.example.com", Submit: sub}

	rw, done := runSession(t, srv)
	expectLine(t, rw, "220 ")

	send(t, rw, "EHLO client.example.com")
	expectLine(t, rw, "250-")
	expectLine(t, rw, "250 ")

	send(t, rw, "MAIL FROM:<alice@example.com>")
	expectLine(t, rw, "250 ")

	send(t, rw, "RCPT TO:<bob@example.net>")
	expectLine(t, rw, "250 ")

	send(t, rw, "DATA")
	expectLine(t, rw, "354 ")

	send(t, rw, "Subject: hi")
	send(t, rw, "")
	send(t, rw, "body")
	send(t, rw, ".")
	line := expectLine(t, rw, "250 ")
	if !strings.Contains(line, "1A2B3C") {
		t.Errorf("response missing queue id: %q", line)
	}

	if sub.lastSub == nil {
		t.Fatal("Submit.Process was never called")
	}
	if sub.lastSub.From != "alice@example.com" {
		t.Errorf("From = %q", sub.lastSub.From)
	}
	if len(sub.lastSub.Recipients) != 1 || sub.lastSub.Recipients[0] != "bob@example.net" {
		t.Errorf("Recipients = %v", sub.lastSub.Recipients)
	}
	if !strings.Contains(string(sub.lastSub.Data), "Subject: hi") {
		t.Errorf("Data = %q", sub.lastSub.Data)
	}

	send(t, rw, "QUIT")
	expectLine(t, rw, "221 ")
	<-done
}

func TestRcptBeforeMailRejected(t *testing.T) {
	srv := &Server{Hostname: "mx.example.com", Submit: &fakeSubmitter{}}
	rw, _ := runSession(t, srv)
	expectLine(t, rw, "220 ")

	send(t, rw, "HELO client")
	expectLine(t, rw, "250 ")

	send(t, rw, "RCPT TO:<bob@example.net>")
	expectLine(t, rw, "503 ")

	send(t, rw, "QUIT")
	expectLine(t, rw, "221 ")
}

func TestDataTooLarge(t *testing.T) {
	srv := &Server{Hostname: "mx.example.com", Submit: &fakeSubmitter{id: "X"}, MaxDataSize: 4}
	rw, _ := runSession(t, srv)
	expectLine(t, rw, "220 ")

	send(t, rw, "HELO client")
	expectLine(t, rw, "250 ")
	send(t, rw, "MAIL FROM:<a@example.com>")
	expectLine(t, rw, "250 ")
	send(t, rw, "RCPT TO:<b@example.com>")
	expectLine(t, rw, "250 ")
	send(t, rw, "DATA")
	expectLine(t, rw, "354 ")
	send(t, rw, "0123456789")
	send(t, rw, ".")
	expectLine(t, rw, "552 ")

	send(t, rw, "QUIT")
	expectLine(t, rw, "221 ")
}
