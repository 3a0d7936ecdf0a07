package prometheus

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/MrEthical07/testuser"
	"github.com/MrEthical07/testuser/metrics/export/internaldefs"
)

const contentType = "text/plain; version=0.0.4; charset=utf-8"

type metricsSource interface {
	MetricsSnapshot() testuser.MetricsSnapshot
	EventsDropped() uint64
}

// PrometheusExporter renders engine metrics in Prometheus text exposition format.
type PrometheusExporter struct {
	source metricsSource
}

// NewPrometheusExporter creates an exporter reading from engine.
func NewPrometheusExporter(engine *testuser.Engine) *PrometheusExporter {
	return &PrometheusExporter{source: engine}
}

// NewPrometheusExporterFromSource creates an exporter from any snapshot source.
func NewPrometheusExporterFromSource(source metricsSource) *PrometheusExporter {
	return &PrometheusExporter{source: source}
}

// Handler serves the rendered metrics on GET and HEAD.
func (p *PrometheusExporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", contentType)
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write([]byte(p.Render()))
	})
}

// Render returns the current metrics as exposition text, or "" when metrics
// are disabled.
func (p *PrometheusExporter) Render() string {
	if p == nil || p.source == nil {
		return ""
	}

	snapshot := p.source.MetricsSnapshot()
	dropped := p.source.EventsDropped()
	if len(snapshot.Counters) == 0 && len(snapshot.Histograms) == 0 && dropped == 0 {
		return ""
	}

	w := &expoWriter{}
	w.Grow(4096)
	for _, def := range internaldefs.CounterDefs {
		w.header(def.Name, def.Help, "counter")
		w.sample(def.Name, "", snapshot.Counters[def.ID])
	}
	for _, def := range internaldefs.HistogramDefs {
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(snapshot.Histograms[def.ID]))
		w.header(def.Name, def.Help, "histogram")
		for i, le := range internaldefs.HistogramBounds {
			w.sample(def.Name+"_bucket", `le="`+le+`"`, cumulative[i])
		}
		w.sample(def.Name+"_count", "", cumulative[len(cumulative)-1])
		// Snapshots carry no sum.
		w.sample(def.Name+"_sum", "", 0)
	}
	w.header("testuser_events_dropped_total", "Lifecycle events dropped because the dispatcher buffer was full.", "counter")
	w.sample("testuser_events_dropped_total", "", dropped)

	return w.String()
}

type expoWriter struct {
	strings.Builder
}

func (w *expoWriter) header(name, help, typ string) {
	w.WriteString("# HELP ")
	w.WriteString(name)
	w.WriteByte(' ')
	w.WriteString(escapeHelp(help))
	w.WriteString("\n# TYPE ")
	w.WriteString(name)
	w.WriteByte(' ')
	w.WriteString(typ)
	w.WriteByte('\n')
}

func (w *expoWriter) sample(name, labels string, value uint64) {
	w.WriteString(name)
	if labels != "" {
		w.WriteByte('{')
		w.WriteString(labels)
		w.WriteByte('}')
	}
	w.WriteByte(' ')
	w.WriteString(strconv.FormatUint(value, 10))
	w.WriteByte('\n')
}

func escapeHelp(help string) string {
	help = strings.ReplaceAll(help, "\\", "\\\\")
	help = strings.ReplaceAll(help, "\n", "\\n")
	return help
}
