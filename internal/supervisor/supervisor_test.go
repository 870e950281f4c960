package supervisor

import (
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"remta.dev/remta/internal/config"
)

type fakeListener struct {
	mu     sync.Mutex
	closed bool
	accept chan net.Conn
}

func newFakeListener() *fakeListener {
	return &fakeListener{accept: make(chan net.Conn, 8)}
}

func (l *fakeListener) Accept() (net.Conn, error) {
	c, ok := <-l.accept
	if !ok {
		return nil, net.ErrClosed
	}
	return c, nil
}

func (l *fakeListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.accept)
	}
	return nil
}

func (l *fakeListener) Addr() net.Addr { return &net.UnixAddr{Name: "fake", Net: "unix"} }

func baseSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	s := &Supervisor{
		ThrottleTime:        50 * time.Millisecond,
		DefaultProcessLimit: 2,
		WatchdogInterval:    time.Hour,
		MailOwner:           "mail",
		services:            map[string]*service{},
	}
	return s
}

func TestApplyStartsAndRetiresServices(t *testing.T) {
	s := baseSupervisor(t)

	var listenedFor []string
	lis := newFakeListener()
	s.listenFunc = func(cfg config.Service) (net.Listener, error) {
		listenedFor = append(listenedFor, cfg.Name)
		return lis, nil
	}
	s.forkFunc = func(*Supervisor, config.Service, *os.File) (int, error) { return 1, nil }

	err := s.Apply([]config.Service{
		{Name: "smtp", Type: config.Inet, MaxProc: 5, Command: "mta-smtpd"},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(listenedFor) != 1 || listenedFor[0] != "smtp" {
		t.Fatalf("listenFunc calls = %v", listenedFor)
	}

	s.mu.Lock()
	svc := s.services["smtp"]
	s.mu.Unlock()
	if svc.state != Available {
		t.Errorf("state = %v, want Available", svc.state)
	}

	// Reloading with an empty table should retire it.
	if err := s.Apply(nil); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	s.mu.Lock()
	state := s.services["smtp"].state
	s.mu.Unlock()
	if state != Retired {
		t.Errorf("state after empty reload = %v, want Retired", state)
	}
}

func TestMaxProcDefaultsWhenUnset(t *testing.T) {
	s := baseSupervisor(t)
	s.DefaultProcessLimit = 7
	if got := s.maxProc(config.Service{MaxProc: 0}); got != 7 {
		t.Errorf("maxProc = %d, want 7", got)
	}
	if got := s.maxProc(config.Service{MaxProc: 3}); got != 3 {
		t.Errorf("maxProc = %d, want 3", got)
	}
}

func TestResidentIsFifoOnly(t *testing.T) {
	if !resident(config.Service{Name: "qmgr", Type: config.Fifo}) {
		t.Error("fifo service should be resident")
	}
	if resident(config.Service{Name: "smtp", Type: config.Inet}) {
		t.Error("inet service should not be resident")
	}
}

func TestHandleExitAbnormalWithinThrottleWindowThrottles(t *testing.T) {
	s := baseSupervisor(t)
	svc := &service{
		cfg:      config.Service{Name: "smtp"},
		state:    Available,
		children: map[int]*child{42: {pid: 42, startedAt: time.Now()}},
	}

	var ws syscall.WaitStatus
	// Simulate a non-zero exit status.
	ws = 1 << 8

	s.handleExitLocked(svc, 42, ws)

	if svc.state != Throttled {
		t.Errorf("state = %v, want Throttled", svc.state)
	}
	if _, stillThere := svc.children[42]; stillThere {
		t.Error("exited child should be removed from the live set")
	}
}

func TestHandleExitNormalStaysAvailable(t *testing.T) {
	s := baseSupervisor(t)
	svc := &service{
		cfg:      config.Service{Name: "smtp"},
		state:    Available,
		children: map[int]*child{42: {pid: 42, startedAt: time.Now().Add(-time.Hour)}},
	}

	var ws syscall.WaitStatus // zero value: exited 0

	s.handleExitLocked(svc, 42, ws)

	if svc.state != Available {
		t.Errorf("state = %v, want Available", svc.state)
	}
}

func TestHandleExitLongLivedAbnormalDoesNotThrottle(t *testing.T) {
	s := baseSupervisor(t)
	s.ThrottleTime = time.Millisecond
	svc := &service{
		cfg:      config.Service{Name: "smtp"},
		state:    Available,
		children: map[int]*child{42: {pid: 42, startedAt: time.Now().Add(-time.Hour)}},
	}

	var ws syscall.WaitStatus = 1 << 8

	s.handleExitLocked(svc, 42, ws)

	if svc.state != Available {
		t.Errorf("state = %v, want Available (exit was abnormal but outside the throttle window)", svc.state)
	}
}

func TestResolveCommand(t *testing.T) {
	if got := resolveCommand("/usr/libexec/remta", "mta-smtpd"); got != filepath.Join("/usr/libexec/remta", "mta-smtpd") {
		t.Errorf("resolveCommand = %q", got)
	}
	if got := resolveCommand("/usr/libexec/remta", "/opt/custom/mta-smtpd"); got != "/opt/custom/mta-smtpd" {
		t.Errorf("resolveCommand should leave an absolute path alone, got %q", got)
	}
}
