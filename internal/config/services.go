package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServiceType is the transport a service's Supervisor-managed listener
// accepts connections on (§6).
type ServiceType string

const (
	Unix ServiceType = "unix"
	Inet ServiceType = "inet"
	Fifo ServiceType = "fifo"
)

// Service is one line of the Supervisor's configuration file: "name type
// private unpriv chroot wakeup maxproc command [args...]" (§6, §4.4).
type Service struct {
	Name    string
	Type    ServiceType
	Private bool // endpoint is not reachable outside this host's Supervisor
	Unpriv  bool // child drops to an unprivileged user before exec
	Chroot  bool // child chroots into the queue directory before exec

	// Wakeup is how often the Supervisor forks this service even with no
	// pending connection (0 disables wakeup forking: accept-driven only).
	Wakeup int

	// MaxProc bounds concurrently live children for this service; 0 means
	// the Supervisor's configured default process limit applies.
	MaxProc int

	Command string
	Args    []string
}

// Endpoint is the listen address or path this service's Supervisor-owned
// listener binds: for Unix/Fifo, a path relative to the queue directory;
// for Inet, a host:port pair. The service's Name doubles as its endpoint
// identifier, matching master.cf's convention of naming a service after
// what it listens on.
func (s Service) Endpoint() string { return s.Name }

// LoadServices parses the Supervisor service table at path. Blank lines
// and lines starting with "#" are ignored. LoadServices is also used to
// re-read the table on SIGHUP (§4.4).
func LoadServices(path string) ([]Service, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading service table %q: %v", path, err)
	}
	defer f.Close()

	var services []Service
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		svc, err := parseServiceLine(line)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %v", path, lineNo, err)
		}
		services = append(services, svc)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading service table %q: %v", path, err)
	}
	return services, nil
}

// parseServiceLine parses one "name type private unpriv chroot wakeup
// maxproc command [args...]" line. "-" in a numeric/boolean field means
// "use the default"; the caller (Supervisor) is responsible for applying
// defaults where the zero value returned here means exactly that.
func parseServiceLine(line string) (Service, error) {
	fields := strings.Fields(line)
	if len(fields) < 8 {
		return Service{}, fmt.Errorf("expected at least 8 fields, got %d: %q", len(fields), line)
	}

	typ := ServiceType(fields[1])
	switch typ {
	case Unix, Inet, Fifo:
	default:
		return Service{}, fmt.Errorf("unknown service type %q", fields[1])
	}

	private, err := parseYN(fields[2])
	if err != nil {
		return Service{}, fmt.Errorf("private field: %v", err)
	}
	unpriv, err := parseYN(fields[3])
	if err != nil {
		return Service{}, fmt.Errorf("unpriv field: %v", err)
	}
	chroot, err := parseYN(fields[4])
	if err != nil {
		return Service{}, fmt.Errorf("chroot field: %v", err)
	}

	wakeup := 0
	if fields[5] != "-" {
		if n, err := strconv.Atoi(fields[5]); err == nil {
			wakeup = n
		} else {
			d, err := time.ParseDuration(fields[5])
			if err != nil {
				return Service{}, fmt.Errorf("wakeup field %q: %v", fields[5], err)
			}
			wakeup = int(d.Seconds())
		}
	}

	maxProc := 0
	if fields[6] != "-" {
		n, err := strconv.Atoi(fields[6])
		if err != nil {
			return Service{}, fmt.Errorf("maxproc field %q: %v", fields[6], err)
		}
		maxProc = n
	}

	return Service{
		Name:    fields[0],
		Type:    typ,
		Private: private,
		Unpriv:  unpriv,
		Chroot:  chroot,
		Wakeup:  wakeup,
		MaxProc: maxProc,
		Command: fields[7],
		Args:    fields[8:],
	}, nil
}

func parseYN(field string) (bool, error) {
	switch field {
	case "y":
		return true, nil
	case "n", "-":
		return false, nil
	default:
		return false, fmt.Errorf("expected y, n or -, got %q", field)
	}
}
