// mta-master is the Supervisor process (§4.4): it reads the daemon
// config and service table, then forks and babysits every other
// component (mta-qmgr, mta-cleanup, mta-smtpd, and the delivery
// agents) for the life of the system.
package main

import (
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"blitiri.com.ar/go/log"

	"remta.dev/remta/internal/config"
	"remta.dev/remta/internal/supervisor"
)

var (
	configDir = flag.String("config_dir", "/etc/remta", "configuration directory")
	binDir    = flag.String("bin_dir", "/usr/libexec/remta", "directory holding the component binaries")
	pidFile   = flag.String("pid_file", "/var/run/remta/mta-master.pid", "pidfile path, also used as the lock preventing two masters")
)

func main() {
	flag.Parse()
	log.Init()
	parseVersionInfo()

	log.Infof("mta-master starting")

	c, err := config.Load(filepath.Join(*configDir, "main.cf"))
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	config.LogConfig(c)

	s, err := supervisor.New(*pidFile)
	if err != nil {
		log.Fatalf("starting supervisor: %v", err)
	}
	defer s.Close()
	s.BinDir = *binDir
	s.FromDaemonConfig(c)

	reload := func() ([]config.Service, error) {
		return config.LoadServices(filepath.Join(*configDir, "master.cf"))
	}

	table, err := reload()
	if err != nil {
		log.Fatalf("loading service table: %v", err)
	}
	if err := s.Apply(table); err != nil {
		log.Fatalf("starting services: %v", err)
	}

	launchMonitoringServer(c.MonitoringAddress, s)

	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT)
		<-ch
		log.Infof("mta-master: SIGINT, shutting down")
		os.Exit(0)
	}()

	if err := s.Run(reload); err != nil {
		log.Fatalf("supervisor exited: %v", err)
	}
}
