// Monitoring HTTP server, generalized from the teacher's single-process
// chasquid.go/monitoring.go to the Supervisor: no in-process queue to
// render (that lives in mta-qmgr, a separate process), so the status
// page lists service states instead.
package main

import (
	"context"
	"expvar"
	"flag"
	"fmt"
	"html/template"
	"net/http"
	"os"
	"runtime"
	"runtime/debug"
	"sort"
	"time"

	"blitiri.com.ar/go/log"
	nettrace "golang.org/x/net/trace"

	"remta.dev/remta/internal/expvarom"
	"remta.dev/remta/internal/supervisor"

	// Registers pprof's handlers on http.DefaultServeMux.
	_ "net/http/pprof"
)

func init() {
	nettrace.AuthRequest = func(req *http.Request) (any, sensitive bool) {
		return true, true
	}
}

var (
	version   = ""
	startTime = time.Time{}

	versionVar = expvar.NewString("remta/version")
)

func parseVersionInfo() {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	gitRev, dirty := "", false
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			gitRev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if gitRev != "" {
		version = fmt.Sprintf("%.9s", gitRev)
		if dirty {
			version += "-dirty"
		}
	}
	versionVar.Set(version)
}

func launchMonitoringServer(addr string, s *supervisor.Supervisor) {
	if addr == "" {
		return
	}
	log.Infof("monitoring HTTP server listening on %s", addr)

	osHostname, _ := os.Hostname()
	startTime = time.Now()

	indexData := struct {
		Version   string
		GoVersion string
		StartTime time.Time
		Hostname  string
	}{
		Version:   version,
		GoVersion: runtime.Version(),
		StartTime: startTime,
		Hostname:  osHostname,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if err := monitoringHTMLIndex.Execute(w, indexData); err != nil {
			log.Infof("monitoring handler error: %v", err)
		}
	})
	mux.HandleFunc("/debug/services", servicesHandler(s))
	mux.HandleFunc("/debug/flags", debugFlagsHandler)
	mux.HandleFunc("/debug/traces", nettrace.RenderTraces)
	mux.HandleFunc("/metrics", expvarom.MetricsHandler)
	mux.Handle("/debug/vars", http.DefaultServeMux)
	mux.Handle("/debug/pprof/", http.DefaultServeMux)

	srv := &http.Server{Addr: addr, Handler: mux}
	mux.HandleFunc("/exit", exitHandler(srv))

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("monitoring server failed: %v", err)
		}
	}()
}

var tmplFuncs = template.FuncMap{
	"since":         time.Since,
	"roundDuration": func(d time.Duration) time.Duration { return d.Round(time.Second) },
}

var monitoringHTMLIndex = template.Must(
	template.New("index").Funcs(tmplFuncs).Parse(
		`<!DOCTYPE html>
<html>
<head>
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Hostname}}: remta monitoring</title>
</head>
<body>
<h1>remta @{{.Hostname}}</h1>
<p>
remta {{.Version}}<br>
built with {{.GoVersion}}<br>
up for {{.StartTime | since | roundDuration}}<br>
</p>
<ul>
  <li><a href="/debug/services">service states</a>
  <li><a href="/debug/traces">traces</a>
  <li><a href="/debug/vars">expvar</a>, <a href="/metrics">openmetrics</a>
  <li><a href="/debug/flags">flags</a>
  <li><a href="/debug/pprof">pprof</a>
</ul>
</body>
</html>
`))

func servicesHandler(s *supervisor.Supervisor) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		snap := s.Snapshot()
		names := make([]string, 0, len(snap))
		for name := range snap {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "%-20s %s\n", name, snap[name])
		}
	}
}

func exitHandler(srv *http.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			http.Error(w, "use POST to exit", http.StatusMethodNotAllowed)
			return
		}
		log.Infof("received /exit")
		http.Error(w, "OK exiting", http.StatusOK)
		go func() {
			if err := srv.Shutdown(context.Background()); err != nil {
				log.Errorf("monitoring server shutdown: %v", err)
			}
			os.Exit(0)
		}()
	}
}

func debugFlagsHandler(w http.ResponseWriter, _ *http.Request) {
	visited := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		fmt.Fprintf(w, "-%s=%s\n", f.Name, f.Value.String())
		visited[f.Name] = true
	})
	fmt.Fprintf(w, "\n")
	flag.VisitAll(func(f *flag.Flag) {
		if !visited[f.Name] {
			fmt.Fprintf(w, "-%s=%s\n", f.Name, f.Value.String())
		}
	})
}
