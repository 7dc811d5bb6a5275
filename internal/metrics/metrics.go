package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector provides a minimal Prometheus-compatible metrics exporter.
type Collector struct {
	startedAt time.Time

	invocationsTotal atomic.Uint64
	byVerb           sync.Map // string -> *atomic.Uint64
	toolFailures     atomic.Uint64

	refreshes          atomic.Uint64
	refreshesCoalesced atomic.Uint64
	refreshFailures    atomic.Uint64
	parseWarnings      atomic.Uint64
	subscriberReplaced atomic.Uint64
	hotplugEvents      atomic.Uint64
}

func New() *Collector {
	return &Collector{startedAt: time.Now().UTC()}
}

// ObserveInvocation counts one finished usbipd invocation. Nonzero exits and
// launch errors both count as failures.
func (c *Collector) ObserveInvocation(verb string, exitCode int, err error) {
	if c == nil {
		return
	}
	c.invocationsTotal.Add(1)
	if verb == "" {
		verb = "unknown"
	}
	ptr, _ := c.byVerb.LoadOrStore(verb, &atomic.Uint64{})
	ptr.(*atomic.Uint64).Add(1)
	if err != nil || exitCode != 0 {
		c.toolFailures.Add(1)
	}
}

func (c *Collector) IncRefresh() {
	if c == nil {
		return
	}
	c.refreshes.Add(1)
}

func (c *Collector) IncRefreshCoalesced() {
	if c == nil {
		return
	}
	c.refreshesCoalesced.Add(1)
}

func (c *Collector) IncRefreshFailure() {
	if c == nil {
		return
	}
	c.refreshFailures.Add(1)
}

func (c *Collector) AddParseWarnings(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.parseWarnings.Add(uint64(n))
}

func (c *Collector) IncSubscriberReplaced() {
	if c == nil {
		return
	}
	c.subscriberReplaced.Add(1)
}

func (c *Collector) IncHotplugEvent() {
	if c == nil {
		return
	}
	c.hotplugEvents.Add(1)
}

type HandlerOptions struct {
	AutoAttachActive   func() int
	SnapshotGeneration func() uint64
}

func (c *Collector) Handler(opts HandlerOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, "# HELP wslusb_up Whether wslusb is running.\n")
		fmt.Fprint(w, "# TYPE wslusb_up gauge\n")
		fmt.Fprint(w, "wslusb_up 1\n")

		fmt.Fprint(w, "# HELP wslusb_uptime_seconds Seconds since the collector was created.\n")
		fmt.Fprint(w, "# TYPE wslusb_uptime_seconds gauge\n")
		fmt.Fprintf(w, "wslusb_uptime_seconds %d\n", int64(time.Since(c.startedAt).Seconds()))

		fmt.Fprint(w, "# HELP wslusb_tool_invocations_total Total usbipd invocations.\n")
		fmt.Fprint(w, "# TYPE wslusb_tool_invocations_total counter\n")
		fmt.Fprintf(w, "wslusb_tool_invocations_total %d\n", c.invocationsTotal.Load())

		fmt.Fprint(w, "# HELP wslusb_tool_failures_total usbipd invocations that failed to launch or exited nonzero.\n")
		fmt.Fprint(w, "# TYPE wslusb_tool_failures_total counter\n")
		fmt.Fprintf(w, "wslusb_tool_failures_total %d\n", c.toolFailures.Load())

		fmt.Fprint(w, "# HELP wslusb_refreshes_total Device list fetches.\n")
		fmt.Fprint(w, "# TYPE wslusb_refreshes_total counter\n")
		fmt.Fprintf(w, "wslusb_refreshes_total %d\n", c.refreshes.Load())

		fmt.Fprint(w, "# HELP wslusb_refreshes_coalesced_total Refresh requests that shared an already queued fetch.\n")
		fmt.Fprint(w, "# TYPE wslusb_refreshes_coalesced_total counter\n")
		fmt.Fprintf(w, "wslusb_refreshes_coalesced_total %d\n", c.refreshesCoalesced.Load())

		fmt.Fprint(w, "# HELP wslusb_refresh_failures_total Device list fetches that failed.\n")
		fmt.Fprint(w, "# TYPE wslusb_refresh_failures_total counter\n")
		fmt.Fprintf(w, "wslusb_refresh_failures_total %d\n", c.refreshFailures.Load())

		fmt.Fprint(w, "# HELP wslusb_parse_warnings_total usbipd rows dropped while parsing.\n")
		fmt.Fprint(w, "# TYPE wslusb_parse_warnings_total counter\n")
		fmt.Fprintf(w, "wslusb_parse_warnings_total %d\n", c.parseWarnings.Load())

		fmt.Fprint(w, "# HELP wslusb_subscriber_replaced_total Snapshots replaced in a slow subscriber's queue.\n")
		fmt.Fprint(w, "# TYPE wslusb_subscriber_replaced_total counter\n")
		fmt.Fprintf(w, "wslusb_subscriber_replaced_total %d\n", c.subscriberReplaced.Load())

		fmt.Fprint(w, "# HELP wslusb_hotplug_events_total Debounced USB arrival/removal notifications.\n")
		fmt.Fprint(w, "# TYPE wslusb_hotplug_events_total counter\n")
		fmt.Fprintf(w, "wslusb_hotplug_events_total %d\n", c.hotplugEvents.Load())

		verbs := snapshotKeys(&c.byVerb)
		if len(verbs) > 0 {
			fmt.Fprint(w, "# HELP wslusb_tool_invocations_by_verb_total usbipd invocations by verb.\n")
			fmt.Fprint(w, "# TYPE wslusb_tool_invocations_by_verb_total counter\n")
			for _, v := range verbs {
				ptr, _ := c.byVerb.Load(v)
				n := uint64(0)
				if ptr != nil {
					n = ptr.(*atomic.Uint64).Load()
				}
				fmt.Fprintf(w, "wslusb_tool_invocations_by_verb_total{verb=\"%s\"} %d\n", escapeLabelValue(v), n)
			}
		}

		if opts.AutoAttachActive != nil {
			fmt.Fprint(w, "# HELP wslusb_auto_attach_sessions_active Running auto-attach watchers.\n")
			fmt.Fprint(w, "# TYPE wslusb_auto_attach_sessions_active gauge\n")
			fmt.Fprintf(w, "wslusb_auto_attach_sessions_active %d\n", opts.AutoAttachActive())
		}
		if opts.SnapshotGeneration != nil {
			fmt.Fprint(w, "# HELP wslusb_snapshot_generation Generation of the current device list.\n")
			fmt.Fprint(w, "# TYPE wslusb_snapshot_generation gauge\n")
			fmt.Fprintf(w, "wslusb_snapshot_generation %d\n", opts.SnapshotGeneration())
		}
	})
}

func snapshotKeys(m *sync.Map) []string {
	var out []string
	m.Range(func(k, _ any) bool {
		if s, ok := k.(string); ok {
			out = append(out, s)
		}
		return true
	})
	sort.Strings(out)
	return out
}

func escapeLabelValue(v string) string {
	// Prometheus text format label escaping for " and \ and newlines.
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\n", "\\n")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	return v
}
