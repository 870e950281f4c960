// Package supervisor implements the Supervisor (§4.4): a single-threaded,
// event-driven process that holds a pidfile lock, listens on every
// configured service's endpoint, and forks a child to handle each
// accepted connection -- generalizing Postfix's master(8) to the
// Unix/Inet/Fifo service table described in §6.
package supervisor

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"blitiri.com.ar/go/log"
	"blitiri.com.ar/go/systemd"
	"github.com/gofrs/flock"

	"remta.dev/remta/internal/config"
	"remta.dev/remta/internal/maillog"
	"remta.dev/remta/internal/safeio"
)

// State is a service's position in the per-service state machine (§4.4).
type State int

const (
	Available State = iota
	Throttled
	Retired
)

func (s State) String() string {
	switch s {
	case Available:
		return "available"
	case Throttled:
		return "throttled"
	case Retired:
		return "retired"
	default:
		return "unknown"
	}
}

// resident reports whether cfg is started immediately and kept running
// for the Supervisor's whole lifetime rather than forked per accepted
// connection, exempting it from the per-child max_use/max_idle limits
// (§4.4: "The Queue Manager is exempt from these limits -- it is
// resident"). Fifo-type services carry no accept loop of their own (the
// Trigger Bus wakes their one resident consumer instead, see
// internal/triggerbus), so every Fifo service is resident by construction.
func resident(cfg config.Service) bool {
	return cfg.Type == config.Fifo
}

type child struct {
	pid       int
	startedAt time.Time
}

type service struct {
	cfg   config.Service
	state State

	listener net.Listener // nil for resident (Fifo) services

	children map[int]*child

	throttleDeadline time.Time
}

// Supervisor drives the service state machine described above.
type Supervisor struct {
	BinDir              string // directory the service Command is resolved against
	ThrottleTime        time.Duration
	DefaultProcessLimit int
	WatchdogInterval    time.Duration
	MailOwner           string

	mu       sync.Mutex
	services map[string]*service

	pidLock *flock.Flock

	sig chan os.Signal
	fed chan struct{}

	listenFunc func(cfg config.Service) (net.Listener, error)
	forkFunc   func(s *Supervisor, cfg config.Service, connFile *os.File) (int, error)

	// sdListeners holds any sockets systemd passed us via LISTEN_FDS,
	// keyed by FileDescriptorName (expected to match the service name in
	// master.cf). Consumed (one at a time) by defaultListen instead of
	// binding a fresh socket, so a systemd unit using
	// Sockets=mta-smtpd.socket gets socket activation for free.
	sdListeners map[string][]net.Listener
}

// New creates a Supervisor and acquires the exclusive pidfile lock at
// pidPath, refusing to start a second instance against the same queue
// (§4.4's "holding a pidfile lock").
func New(pidPath string) (*Supervisor, error) {
	lock := flock.New(pidPath)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking pidfile %q: %v", pidPath, err)
	}
	if !ok {
		return nil, fmt.Errorf("pidfile %q is already locked by another instance", pidPath)
	}
	if err := safeio.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("writing pidfile %q: %v", pidPath, err)
	}

	sdListeners, err := systemd.Listeners()
	if err != nil {
		log.Errorf("systemd socket activation: %v (falling back to binding sockets ourselves)", err)
		sdListeners = nil
	}

	s := &Supervisor{
		ThrottleTime:        60 * time.Second,
		DefaultProcessLimit: 50,
		WatchdogInterval:    1000 * time.Second,
		MailOwner:           "mail",
		services:            map[string]*service{},
		pidLock:             lock,
		sig:                 make(chan os.Signal, 16),
		fed:                 make(chan struct{}, 1),
		sdListeners:         sdListeners,
	}
	s.listenFunc = s.defaultListen
	s.forkFunc = defaultFork
	return s, nil
}

// FromDaemonConfig applies the shared daemon settings (§9's "configuration
// dictionary ... replaced atomically on SIGHUP") onto a freshly created
// Supervisor.
func (s *Supervisor) FromDaemonConfig(c *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ThrottleTime = c.ServiceThrottleTime
	s.DefaultProcessLimit = c.DefaultProcessLimit
	s.WatchdogInterval = c.WatchdogInterval
	s.MailOwner = c.MailOwner
}

// Close releases the pidfile lock. The pidfile itself is left behind;
// removing a lock-held file out from under another process would be
// racy, and a stale file with no lock held is harmless.
func (s *Supervisor) Close() error {
	return s.pidLock.Unlock()
}

// Apply reconciles the live service set against a freshly loaded table
// (§4.4's SIGHUP handling): services no longer present transition to
// Retired (no new children, existing ones sent SIGTERM); new services
// start Available; services present in both have their caps updated and,
// if previously Throttled only because of a now-corrected config, are
// left to clear on their own deadline rather than force-rearmed here.
func (s *Supervisor) Apply(table []config.Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := map[string]bool{}
	for _, cfg := range table {
		seen[cfg.Name] = true

		if existing, ok := s.services[cfg.Name]; ok {
			existing.cfg = cfg
			if existing.state == Retired {
				existing.state = Available
				if err := s.armLocked(existing); err != nil {
					return fmt.Errorf("restarting service %q: %v", cfg.Name, err)
				}
			}
			continue
		}

		svc := &service{cfg: cfg, state: Available, children: map[int]*child{}}
		s.services[cfg.Name] = svc
		if err := s.armLocked(svc); err != nil {
			return fmt.Errorf("starting service %q: %v", cfg.Name, err)
		}
	}

	for name, svc := range s.services {
		if seen[name] || svc.state == Retired {
			continue
		}
		s.retireLocked(svc)
	}
	return nil
}

// armLocked starts a resident service immediately, or binds the listener
// for an accept-driven one and launches its accept loop. Callers must
// hold s.mu.
func (s *Supervisor) armLocked(svc *service) error {
	if resident(svc.cfg) {
		go s.superviseResident(svc)
		return nil
	}

	lis, err := s.listenFunc(svc.cfg)
	if err != nil {
		return err
	}
	svc.listener = lis
	maillog.Listening(fmt.Sprintf("%s (%s)", svc.cfg.Name, lis.Addr()))
	go s.acceptLoop(svc)
	return nil
}

// retireLocked disarms a service's listener (if any) and sends SIGTERM
// to its live children, without waiting for them to exit (§4.4).
func (s *Supervisor) retireLocked(svc *service) {
	svc.state = Retired
	if svc.listener != nil {
		svc.listener.Close()
		svc.listener = nil
	}
	for pid := range svc.children {
		syscall.Kill(pid, syscall.SIGTERM)
	}
}

func (s *Supervisor) maxProc(cfg config.Service) int {
	if cfg.MaxProc > 0 {
		return cfg.MaxProc
	}
	return s.DefaultProcessLimit
}

// acceptLoop runs for the life of an accept-driven service's listener,
// forking one child per accepted connection up to its process limit.
func (s *Supervisor) acceptLoop(svc *service) {
	for {
		conn, err := svc.listener.Accept()
		if err != nil {
			return // listener closed by retireLocked, or a fatal accept error
		}
		s.dispatch(svc, conn)
	}
}

// dispatch hands one accepted connection to a freshly forked child on a
// fixed descriptor, subject to the service's state and process limit.
func (s *Supervisor) dispatch(svc *service, conn net.Conn) {
	connFile, closeConn, err := connToFile(conn)
	if err != nil {
		log.Errorf("supervisor: %s: could not extract fd from connection: %v", svc.cfg.Name, err)
		conn.Close()
		return
	}
	defer closeConn()

	s.mu.Lock()
	if svc.state != Available || len(svc.children) >= s.maxProc(svc.cfg) {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.mu.Unlock()

	pid, err := s.forkFunc(s, svc.cfg, connFile)
	conn.Close()
	if err != nil {
		log.Errorf("supervisor: %s: fork failed: %v", svc.cfg.Name, err)
		return
	}

	s.mu.Lock()
	svc.children[pid] = &child{pid: pid, startedAt: time.Now()}
	s.mu.Unlock()
}

// superviseResident starts a Fifo-type (resident) service once, and
// restarts it immediately whenever it exits, subject to the same
// throttle rule as any other service -- it is exempt from max_use/
// max_idle, not from the abnormal-exit throttle.
func (s *Supervisor) superviseResident(svc *service) {
	for {
		s.mu.Lock()
		if svc.state == Retired {
			s.mu.Unlock()
			return
		}
		if svc.state == Throttled {
			deadline := svc.throttleDeadline
			s.mu.Unlock()
			time.Sleep(time.Until(deadline))
			s.mu.Lock()
			svc.state = Available
		}
		s.mu.Unlock()

		pid, err := s.forkFunc(s, svc.cfg, nil)
		if err != nil {
			log.Errorf("supervisor: %s: fork failed: %v", svc.cfg.Name, err)
			time.Sleep(s.ThrottleTime)
			continue
		}

		s.mu.Lock()
		svc.children[pid] = &child{pid: pid, startedAt: time.Now()}
		s.mu.Unlock()

		s.waitOne(svc, pid)
	}
}

// waitOne blocks for the specific child pid to exit (used by the resident
// path, which owns its single child directly rather than going through
// SIGCHLD-driven reaping).
func (s *Supervisor) waitOne(svc *service, pid int) {
	var ws syscall.WaitStatus
	_, err := syscall.Wait4(pid, &ws, 0, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handleExitLocked(svc, pid, ws)
}

func connToFile(conn net.Conn) (*os.File, func(), error) {
	type filer interface {
		File() (*os.File, error)
	}
	fc, ok := conn.(filer)
	if !ok {
		return nil, func() {}, fmt.Errorf("connection type %T has no File()", conn)
	}
	f, err := fc.File()
	if err != nil {
		return nil, func() {}, err
	}
	return f, func() { f.Close() }, nil
}

// takeSystemdListener pops one systemd-provided listener for name, if any
// remain. Callers must hold s.mu (defaultListen always runs under
// armLocked).
func (s *Supervisor) takeSystemdListener(name string) net.Listener {
	ls := s.sdListeners[name]
	if len(ls) == 0 {
		return nil
	}
	s.sdListeners[name] = ls[1:]
	return ls[0]
}

func (s *Supervisor) defaultListen(cfg config.Service) (net.Listener, error) {
	if lis := s.takeSystemdListener(cfg.Name); lis != nil {
		return lis, nil
	}
	switch cfg.Type {
	case config.Inet:
		return net.Listen("tcp", cfg.Endpoint())
	case config.Unix:
		path := cfg.Endpoint()
		os.Remove(path)
		return net.Listen("unix", path)
	default:
		return nil, fmt.Errorf("service type %q has no listener", cfg.Type)
	}
}

// defaultFork execs the service's configured command, handing connFile to
// the child on fd 3 (os.ExtraFiles[0]). If connFile is nil (the resident
// path), the child is expected to obtain its own endpoint (e.g. opening
// the Fifo itself).
func defaultFork(s *Supervisor, cfg config.Service, connFile *os.File) (int, error) {
	cmd := exec.Command(resolveCommand(s.BinDir, cfg.Command), cfg.Args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if connFile != nil {
		cmd.ExtraFiles = []*os.File{connFile}
	}

	attr := &syscall.SysProcAttr{}
	if cfg.Chroot {
		attr.Chroot = "."
	}
	if cfg.Unpriv {
		u, err := user.Lookup(s.MailOwner)
		if err != nil {
			return 0, fmt.Errorf("looking up mail owner %q: %v", s.MailOwner, err)
		}
		uid, _ := strconv.ParseUint(u.Uid, 10, 32)
		gid, _ := strconv.ParseUint(u.Gid, 10, 32)
		attr.Credential = &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}
	}
	cmd.SysProcAttr = attr

	if err := cmd.Start(); err != nil {
		return 0, err
	}
	// The child is reaped by reapAll on SIGCHLD, or by waitOne on the
	// resident path, so its exit status reaches handleExitLocked.
	return cmd.Process.Pid, nil
}

func resolveCommand(binDir, command string) string {
	if binDir == "" || filepath.IsAbs(command) {
		return command
	}
	return filepath.Join(binDir, command)
}

// Run installs signal handling and the watchdog, then blocks until
// SIGTERM. Signal delivery uses a self-pipe in spirit (§9's "Signal-
// driven reconfiguration" note): os/signal's channel is itself a safe
// hand-off out of the async-signal context, so the classic write-a-byte-
// to-a-pipe trick is unnecessary in Go -- the channel read below is that
// same hand-off, not a polled flag.
func (s *Supervisor) Run(reload func() ([]config.Service, error)) error {
	signal.Notify(s.sig, syscall.SIGHUP, syscall.SIGCHLD, syscall.SIGTERM)
	defer signal.Stop(s.sig)

	watchdog := time.NewTicker(s.WatchdogInterval)
	defer watchdog.Stop()

	for {
		select {
		case sig := <-s.sig:
			switch sig {
			case syscall.SIGHUP:
				if reload == nil {
					continue
				}
				table, err := reload()
				if err != nil {
					log.Errorf("supervisor: reload failed, keeping current config: %v", err)
					continue
				}
				if err := s.Apply(table); err != nil {
					log.Errorf("supervisor: applying reloaded config: %v", err)
				}
			case syscall.SIGCHLD:
				s.reapAll()
			case syscall.SIGTERM:
				s.terminateAll()
				return nil
			}
			s.feed()
		case <-watchdog.C:
			select {
			case <-s.fed:
				// Serviced since the last tick: reset and continue.
			default:
				log.Fatalf("supervisor: watchdog starved for %s, aborting", s.WatchdogInterval)
			}
		}
	}
}

func (s *Supervisor) feed() {
	select {
	case s.fed <- struct{}{}:
	default:
	}
}

// reapAll drains every exited, not-yet-reaped child via a non-blocking
// wait loop, and applies the Throttled-on-abnormal-exit rule of §4.4.
func (s *Supervisor) reapAll() {
	for {
		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}

		s.mu.Lock()
		for _, svc := range s.services {
			if _, ok := svc.children[pid]; ok {
				s.handleExitLocked(svc, pid, ws)
				break
			}
		}
		s.mu.Unlock()
	}
}

// handleExitLocked applies one child's exit to its service's state.
// Callers must hold s.mu (reapAll does; waitOne takes it itself).
func (s *Supervisor) handleExitLocked(svc *service, pid int, ws syscall.WaitStatus) {
	c, ok := svc.children[pid]
	if !ok {
		c = &child{pid: pid, startedAt: time.Now()}
	}
	delete(svc.children, pid)

	abnormal := ws.ExitStatus() != 0 || ws.Signaled()
	if abnormal && time.Since(c.startedAt) < s.ThrottleTime {
		svc.state = Throttled
		svc.throttleDeadline = time.Now().Add(s.ThrottleTime)
		if svc.listener != nil {
			svc.listener.Close()
			svc.listener = nil
		}
		log.Errorf("supervisor: %s (pid %d) exited abnormally within throttle window, throttling until %s",
			svc.cfg.Name, pid, svc.throttleDeadline)
		return
	}

	if svc.state == Throttled && time.Now().After(svc.throttleDeadline) {
		svc.state = Available
		if svc.listener == nil && !resident(svc.cfg) {
			if lis, err := s.listenFunc(svc.cfg); err == nil {
				svc.listener = lis
				go s.acceptLoop(svc)
			}
		}
	}
}

func (s *Supervisor) terminateAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, svc := range s.services {
		if svc.listener != nil {
			svc.listener.Close()
		}
		for pid := range svc.children {
			syscall.Kill(pid, syscall.SIGTERM)
		}
	}
}

// Snapshot returns the current state of every service, for the "postfix
// status"-style introspection the CLI or monitoring server may want.
func (s *Supervisor) Snapshot() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]State, len(s.services))
	for name, svc := range s.services {
		out[name] = svc.state
	}
	return out
}
