// Package boardaddr implements the per-session Authorization Table: the
// static mapping from a board's logical (x, y) coordinate to its resolved
// IPv4 address, and the derived set of addresses a session is allowed to
// exchange UDP datagrams with.
package boardaddr

import (
	"context"
	"net"
	"net/netip"
	"sync"

	"github.com/rs/zerolog"

	"github.com/SpiNNakerManchester/spinnaker-udp-proxy/internal/metrics"
)

// Coordinate identifies an Ethernet-attached board within a job.
type Coordinate struct {
	X, Y uint32
}

// HostEntry is one (x, y, hostname) triple supplied by the job allocator at
// session open.
type HostEntry struct {
	X, Y     uint32
	Hostname string
}

// Table is the immutable, per-session board authorization table. It is safe
// for concurrent read access from multiple Channel receive loops.
type Table struct {
	jobID string

	mu        sync.RWMutex // guards nothing after NewTable returns; kept for documentation of the immutability contract
	byCoord   map[Coordinate]netip.Addr
	authorize map[netip.Addr]struct{}
}

// Resolver abstracts hostname resolution so tests can avoid real DNS.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// NewTable resolves every entry's hostname to an IPv4 address and builds the
// table. Entries whose hostname cannot be resolved to an IPv4 address are
// logged and skipped — this is not fatal to session open.
func NewTable(ctx context.Context, jobID string, entries []HostEntry, resolver Resolver, logger zerolog.Logger, m *metrics.Registry) *Table {
	t := &Table{
		jobID:     jobID,
		byCoord:   make(map[Coordinate]netip.Addr, len(entries)),
		authorize: make(map[netip.Addr]struct{}, len(entries)),
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	for _, e := range entries {
		addr, err := resolveIPv4(ctx, resolver, e.Hostname)
		if err != nil {
			logger.Warn().
				Str("job_id", jobID).
				Uint32("x", e.X).Uint32("y", e.Y).
				Str("hostname", e.Hostname).
				Err(err).
				Msg("boardaddr: unresolvable board hostname, skipping entry")
			m.Inc(metrics.BoardResolutionFailuresTotal)
			continue
		}
		c := Coordinate{X: e.X, Y: e.Y}
		t.byCoord[c] = addr
		t.authorize[addr] = struct{}{}
	}
	return t
}

func resolveIPv4(ctx context.Context, resolver Resolver, host string) (netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil && ip.Is4() {
		return ip, nil
	}
	addrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return netip.Addr{}, err
	}
	for _, a := range addrs {
		if ip4 := a.IP.To4(); ip4 != nil {
			addr, ok := netip.AddrFromSlice(ip4)
			if ok {
				return addr.Unmap(), nil
			}
		}
	}
	return netip.Addr{}, errNoIPv4(host)
}

type noIPv4Error string

func (e noIPv4Error) Error() string { return "boardaddr: no IPv4 address found for host " + string(e) }

func errNoIPv4(host string) error { return noIPv4Error(host) }

// Lookup returns the resolved IPv4 address for a board coordinate.
func (t *Table) Lookup(c Coordinate) (netip.Addr, bool) {
	addr, ok := t.byCoord[c]
	return addr, ok
}

// Authorized reports whether addr belongs to the session's authorized set,
// i.e. whether it is the resolved address of some board in this job.
func (t *Table) Authorized(addr netip.Addr) bool {
	_, ok := t.authorize[addr]
	return ok
}

// Len returns the number of successfully resolved board entries.
func (t *Table) Len() int {
	return len(t.byCoord)
}
