// Package triggerbus implements the tiny asynchronous wakeup protocol used
// to poke sleeping services (§4.2). It is best-effort: dropped wakeups are
// tolerated, because pollers also wake on a coarse periodic timer.
//
// Two transports are supported: a named pipe, where a single byte is
// written and the open never blocks the writer on a missing reader, and a
// connection-oriented Unix socket, where the client connects, writes a
// small fixed buffer, and closes without waiting for a reply.
package triggerbus

import (
	"net"
	"os"
	"time"

	"blitiri.com.ar/go/log"
)

// Command is a single-octet wakeup request. Multi-byte payloads, when
// used, are plain concatenations of single octets with no framing.
type Command byte

// Well-known commands.
const (
	Wakeup        Command = 'W'
	FlushDeferred Command = 'F'
	ScanAll       Command = 'A'
)

// FIFO is a named-pipe trigger endpoint.
type FIFO struct {
	Path string
}

// NewFIFO creates the named pipe at path if it doesn't already exist.
func NewFIFO(path string) (*FIFO, error) {
	if err := mkfifo(path, 0600); err != nil && !os.IsExist(err) {
		return nil, err
	}
	return &FIFO{Path: path}, nil
}

// Send writes cmd to the fifo. The open is non-blocking and the writer
// never waits for a reader; a missing reader is not an error worth
// surfacing to callers, only logging.
func (f *FIFO) Send(cmd Command) {
	fd, err := os.OpenFile(f.Path, os.O_WRONLY|os.O_NONBLOCK, 0)
	if err != nil {
		log.Debugf("triggerbus: fifo %s open: %v", f.Path, err)
		return
	}
	defer fd.Close()

	fd.SetWriteDeadline(time.Now().Add(1 * time.Second))
	if _, err := fd.Write([]byte{byte(cmd)}); err != nil {
		log.Debugf("triggerbus: fifo %s write: %v", f.Path, err)
	}
}

// Listen returns a channel of received commands, read from the fifo
// forever until the process exits. Readers should treat gaps as normal.
func (f *FIFO) Listen() <-chan Command {
	ch := make(chan Command, 8)
	go func() {
		for {
			fd, err := os.OpenFile(f.Path, os.O_RDONLY, 0)
			if err != nil {
				log.Errorf("triggerbus: fifo %s open for read: %v", f.Path, err)
				time.Sleep(1 * time.Second)
				continue
			}
			buf := make([]byte, 1)
			for {
				n, err := fd.Read(buf)
				if err != nil {
					break
				}
				if n > 0 {
					ch <- Command(buf[0])
				}
			}
			fd.Close()
		}
	}()
	return ch
}

// Socket is a connection-oriented Unix-domain trigger endpoint.
type Socket struct {
	Path string
}

// NewSocket returns a trigger client/server bound to the given socket path.
func NewSocket(path string) *Socket {
	return &Socket{Path: path}
}

// Send connects, writes cmd, and disconnects without waiting for a reply.
func (s *Socket) Send(cmd Command) {
	conn, err := net.DialTimeout("unix", s.Path, 1*time.Second)
	if err != nil {
		log.Debugf("triggerbus: socket %s dial: %v", s.Path, err)
		return
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(1 * time.Second))
	if _, err := conn.Write([]byte{byte(cmd)}); err != nil {
		log.Debugf("triggerbus: socket %s write: %v", s.Path, err)
	}
}

// ListenAndServe accepts connections on the socket and forwards each
// command byte received to the returned channel. It returns at once:
// accepting runs in a background goroutine, which closes the channel
// when Accept fails.
func (s *Socket) ListenAndServe() (<-chan Command, error) {
	os.Remove(s.Path)
	lis, err := net.Listen("unix", s.Path)
	if err != nil {
		return nil, err
	}

	ch := make(chan Command, 8)
	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				close(ch)
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 1)
				conn.SetReadDeadline(time.Now().Add(1 * time.Second))
				n, err := conn.Read(buf)
				if err == nil && n > 0 {
					ch <- Command(buf[0])
				}
			}()
		}
	}()
	return ch, nil
}
