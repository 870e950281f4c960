// Package config implements remta's on-disk configuration formats: the
// flat daemon settings file (Postfix's main.cf style, §9 "global mutable
// state" note) and the Supervisor's per-service table (§6, in services.go).
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"blitiri.com.ar/go/log"
)

// Config holds daemon-wide settings shared by the Queue Manager, Cleanup,
// and the delivery agents. Unlike the teacher's protobuf-encoded config
// (dropped, see DESIGN.md), this is a flat "name = value" text format, one
// setting per line, matching Postfix's main.cf rather than chasquid's
// chasquid.conf.
type Config struct {
	QueueDir string
	Hostname string

	MaxDataSizeMb int64

	MinDelay         time.Duration
	MaxDelay         time.Duration
	WarnInterval     time.Duration
	MaxQueueLifetime time.Duration

	RcptLimit      int
	ActiveQueueCap int

	MonitoringAddress string

	// MailOwner is the unprivileged user Supervisor children configured
	// with unpriv=y drop to before exec (§4.4, §6).
	MailOwner string

	// ServiceThrottleTime and DefaultProcessLimit feed the Supervisor
	// directly (§4.4): how long a service stays Throttled after a child
	// exits abnormally shortly after fork, and the process limit applied
	// to a service whose table entry says "-" for maxproc.
	ServiceThrottleTime time.Duration
	DefaultProcessLimit int

	WatchdogInterval time.Duration
}

var defaultConfig = Config{
	QueueDir: "/var/spool/remta",

	MaxDataSizeMb: 50,

	MinDelay:         5 * time.Minute,
	MaxDelay:         4 * time.Hour,
	WarnInterval:     4 * time.Hour,
	MaxQueueLifetime: 5 * 24 * time.Hour,

	RcptLimit:      50,
	ActiveQueueCap: 1000,

	MailOwner: "mail",

	ServiceThrottleTime: 60 * time.Second,
	DefaultProcessLimit: 50,

	WatchdogInterval: 1000 * time.Second,
}

// Load reads the daemon config at path, applying its settings on top of
// defaultConfig. A missing file is not an error: an empty configuration
// directory is valid and yields every default.
func Load(path string) (*Config, error) {
	c := defaultConfig

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return finishLoad(&c)
		}
		return nil, fmt.Errorf("reading config %q: %v", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("%s:%d: malformed line %q", path, lineNo, line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if err := applySetting(&c, key, value); err != nil {
			return nil, fmt.Errorf("%s:%d: %v", path, lineNo, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading config %q: %v", path, err)
	}

	return finishLoad(&c)
}

func finishLoad(c *Config) (*Config, error) {
	if c.Hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("could not get hostname: %v", err)
		}
		c.Hostname = h
	}
	return c, nil
}

func applySetting(c *Config, key, value string) error {
	switch key {
	case "queue_directory":
		c.QueueDir = value
	case "myhostname":
		c.Hostname = value
	case "max_data_size_mb":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid max_data_size_mb %q: %v", value, err)
		}
		c.MaxDataSizeMb = n
	case "min_delay":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid min_delay %q: %v", value, err)
		}
		c.MinDelay = d
	case "max_delay":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid max_delay %q: %v", value, err)
		}
		c.MaxDelay = d
	case "warn_interval":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid warn_interval %q: %v", value, err)
		}
		c.WarnInterval = d
	case "max_queue_lifetime":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid max_queue_lifetime %q: %v", value, err)
		}
		c.MaxQueueLifetime = d
	case "rcpt_limit":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid rcpt_limit %q: %v", value, err)
		}
		c.RcptLimit = n
	case "active_queue_cap":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid active_queue_cap %q: %v", value, err)
		}
		c.ActiveQueueCap = n
	case "monitoring_address":
		c.MonitoringAddress = value
	case "mail_owner":
		c.MailOwner = value
	case "service_throttle_time":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid service_throttle_time %q: %v", value, err)
		}
		c.ServiceThrottleTime = d
	case "default_process_limit":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid default_process_limit %q: %v", value, err)
		}
		c.DefaultProcessLimit = n
	case "watchdog_interval":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid watchdog_interval %q: %v", value, err)
		}
		c.WatchdogInterval = d
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
	return nil
}

// LogConfig logs the given configuration, in a human-friendly way.
func LogConfig(c *Config) {
	log.Infof("Configuration:")
	log.Infof("  Hostname: %q", c.Hostname)
	log.Infof("  Queue directory: %q", c.QueueDir)
	log.Infof("  Max data size (MB): %d", c.MaxDataSizeMb)
	log.Infof("  Retry backoff: min=%s max=%s", c.MinDelay, c.MaxDelay)
	log.Infof("  Warn interval: %s", c.WarnInterval)
	log.Infof("  Max queue lifetime: %s", c.MaxQueueLifetime)
	log.Infof("  Recipient limit: %d", c.RcptLimit)
	log.Infof("  Active queue cap: %d", c.ActiveQueueCap)
	log.Infof("  Monitoring address: %q", c.MonitoringAddress)
	log.Infof("  Mail owner: %q", c.MailOwner)
	log.Infof("  Service throttle time: %s", c.ServiceThrottleTime)
	log.Infof("  Default process limit: %d", c.DefaultProcessLimit)
	log.Infof("  Watchdog interval: %s", c.WatchdogInterval)
}
