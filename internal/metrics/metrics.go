// Package metrics exposes the proxy's operational counters through
// VictoriaMetrics/metrics, the same library used on the /metrics endpoint
// style the wider SpiNNaker tooling exports to its Prometheus scrapers.
package metrics

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// Counter names. Kept as simple snake_case strings, matching the convention
// VictoriaMetrics/metrics itself uses for its builtin process counters.
const (
	SessionsOpenedTotal = "sessions_opened_total"
	SessionsClosedTotal = "sessions_closed_total"

	ChannelsOpenedTotal = "channels_opened_total"
	ChannelsClosedTotal = "channels_closed_total"

	DatagramsInTotal  = "datagrams_in_total"
	DatagramsOutTotal = "datagrams_out_total"

	DropReasonUnauthorizedPeer = "drops_total{reason=\"unauthorized_peer\"}"
	DropReasonOversizedFrame   = "drops_total{reason=\"oversized_frame\"}"
	DropReasonSendBufferFull   = "drops_total{reason=\"send_buffer_full\"}"

	MalformedRequestsTotal    = "malformed_requests_total"
	ProtocolErrorRepliesTotal = "protocol_error_replies_total"

	BoardResolutionFailuresTotal = "board_resolution_failures_total"
)

// Registry is a thin wrapper around a VictoriaMetrics/metrics.Set, giving the
// rest of the proxy a small typed surface (Inc/Add) instead of reaching into
// the library's string-based API directly everywhere.
type Registry struct {
	set *metrics.Set
}

// New creates a Registry backed by its own metrics.Set, so counters from one
// proxy instance never collide with another's when embedded in a larger
// process (e.g. tests constructing multiple Sessions).
func New() *Registry {
	return &Registry{set: metrics.NewSet()}
}

func (r *Registry) Inc(name string) {
	if r == nil {
		return
	}
	r.set.GetOrCreateCounter(name).Inc()
}

func (r *Registry) Add(name string, delta uint64) {
	if r == nil || delta == 0 {
		return
	}
	r.set.GetOrCreateCounter(name).Add(int(delta))
}

// WritePrometheus writes every counter in the registry in Prometheus exposition
// format, for mounting under a /metrics handler.
func (r *Registry) WritePrometheus(w io.Writer) {
	r.set.WritePrometheus(w)
}
