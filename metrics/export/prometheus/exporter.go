package prometheus

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kbgapp/kbgauth"
	"github.com/kbgapp/kbgauth/metrics/export/internaldefs"
)

// Source is satisfied by *kbgauth.Engine.
type Source interface {
	MetricsSnapshot() kbgauth.MetricsSnapshot
	AuditDropped() uint64
}

const contentType = "text/plain; version=0.0.4; charset=utf-8"

// Exporter renders engine counters in the Prometheus text format.
type Exporter struct {
	source Source
}

// New returns an exporter reading from source. A nil source renders nothing.
func New(source Source) *Exporter {
	return &Exporter{source: source}
}

// Handler serves the current snapshot on every request.
func (e *Exporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", contentType)
		_ = e.WriteTo(w)
	})
}

// Render returns the exposition text. Empty when metrics are disabled and
// nothing was dropped.
func (e *Exporter) Render() string {
	var b strings.Builder
	_ = e.WriteTo(&b)
	return b.String()
}

// WriteTo writes the exposition text to w.
func (e *Exporter) WriteTo(w io.Writer) error {
	if e == nil || e.source == nil {
		return nil
	}

	snap := e.source.MetricsSnapshot()
	dropped := e.source.AuditDropped()
	if len(snap.Counters) == 0 && len(snap.Histograms) == 0 && dropped == 0 {
		return nil
	}

	for _, def := range internaldefs.CounterDefs {
		if err := writeCounter(w, def.Name, def.Help, snap.Counters[def.ID]); err != nil {
			return err
		}
	}
	for _, def := range internaldefs.HistogramDefs {
		buckets := internaldefs.Cumulative(snap.Histograms[def.ID])
		if err := writeHistogram(w, def.Name, def.Help, buckets, snap.HistogramSums[def.ID]); err != nil {
			return err
		}
	}
	return writeCounter(w, "kbgauth_audit_dropped_total", "Audit events dropped under backpressure.", dropped)
}

func writeCounter(w io.Writer, name, help string, value uint64) error {
	_, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, escapeHelp(help), name, name, value)
	return err
}

func writeHistogram(w io.Writer, name, help string, cumulative internaldefs.Buckets, sum time.Duration) error {
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s histogram\n", name, escapeHelp(help), name); err != nil {
		return err
	}
	for i, le := range internaldefs.HistogramBounds {
		if _, err := fmt.Fprintf(w, "%s_bucket{le=%q} %d\n", name, le, cumulative[i]); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "%s_count %d\n%s_sum %s\n", name, cumulative[len(cumulative)-1], name,
		strconv.FormatFloat(sum.Seconds(), 'f', -1, 64))
	return err
}

var helpEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`)

func escapeHelp(help string) string {
	return helpEscaper.Replace(help)
}
