// Package expvarom wraps expvar to also expose counters in OpenMetrics text
// format, in addition to the usual /debug/vars JSON.
package expvarom

import (
	"expvar"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// metric is the common interface implemented by the types in this package,
// used to render OpenMetrics output.
type metric interface {
	name() string
	help() string
	writeOpenMetrics(w *strings.Builder)
}

var (
	mu      sync.Mutex
	metrics []metric
)

func register(m metric) {
	mu.Lock()
	metrics = append(metrics, m)
	mu.Unlock()
}

// Int is a 64-bit integer counter, exported both via expvar and OpenMetrics.
type Int struct {
	*expvar.Int
	n string
	h string
}

// NewInt creates and publishes a new Int counter with the given name and
// help text.
func NewInt(name, help string) *Int {
	i := &Int{expvar.NewInt(name), name, help}
	register(i)
	return i
}

func (i *Int) name() string { return i.n }
func (i *Int) help() string { return i.h }

func (i *Int) writeOpenMetrics(w *strings.Builder) {
	fmt.Fprintf(w, "# HELP %s %s\n", metricName(i.n), i.h)
	fmt.Fprintf(w, "# TYPE %s counter\n", metricName(i.n))
	fmt.Fprintf(w, "%s %s\n", metricName(i.n), i.Int.String())
}

// Map is a string-keyed map of int64 counters, exported both via expvar and
// OpenMetrics, with a single label name shared by all the keys.
type Map struct {
	*expvar.Map
	n     string
	label string
	h     string
}

// NewMap creates and publishes a new Map, where each key is exposed under
// the metric label "label".
func NewMap(name, label, help string) *Map {
	m := &Map{expvar.NewMap(name), name, label, help}
	register(m)
	return m
}

// Add delta to the counter under the given key, creating it if needed.
func (m *Map) Add(key string, delta int64) {
	m.Map.Add(key, delta)
}

func (m *Map) name() string { return m.n }
func (m *Map) help() string { return m.h }

func (m *Map) writeOpenMetrics(w *strings.Builder) {
	fmt.Fprintf(w, "# HELP %s %s\n", metricName(m.n), m.h)
	fmt.Fprintf(w, "# TYPE %s counter\n", metricName(m.n))
	m.Map.Do(func(kv expvar.KeyValue) {
		fmt.Fprintf(w, "%s{%s=%q} %s\n",
			metricName(m.n), m.label, kv.Key, kv.Value.String())
	})
}

// metricName turns "chasquid/queue/putCount"-style expvar names into
// OpenMetrics-friendly identifiers.
func metricName(n string) string {
	r := strings.NewReplacer("/", "_", "-", "_", ".", "_")
	return r.Replace(n)
}

// MetricsHandler serves all registered metrics in OpenMetrics text format.
func MetricsHandler(w http.ResponseWriter, r *http.Request) {
	mu.Lock()
	snapshot := make([]metric, len(metrics))
	copy(snapshot, metrics)
	mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].name() < snapshot[j].name()
	})

	var b strings.Builder
	for _, m := range snapshot {
		m.writeOpenMetrics(&b)
	}
	b.WriteString("# EOF\n")

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Write([]byte(b.String()))
}
