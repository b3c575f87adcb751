package relay

import (
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/SpiNNakerManchester/spinnaker-udp-proxy/internal/boardaddr"
	"github.com/SpiNNakerManchester/spinnaker-udp-proxy/internal/metrics"
	"github.com/SpiNNakerManchester/spinnaker-udp-proxy/internal/protocol"
)

// channelMode distinguishes the two socket disciplines a Channel may run
// under: connected sockets exchange datagrams with exactly one board
// address:port; unconnected sockets may exchange datagrams with any board in
// the session's Authorization Table.
type channelMode int

const (
	modeConnected channelMode = iota
	modeUnconnected
)

// frameSender is the narrow interface a Channel uses to hand outbound
// MESSAGE frames to the session's WebSocket Sender. Satisfied by *Session.
type frameSender interface {
	sendFrame(frame []byte) error
}

// Channel owns exactly one UDP socket for the lifetime of one OPEN/CLOSE
// pair. A connected Channel is bound with net.DialUDP to a single resolved
// board address and accepts datagrams only from that peer (enforced by the
// kernel). An unconnected Channel is bound locally with net.ListenUDP and may
// both send to and receive from any board address present in the session's
// Authorization Table.
type Channel struct {
	id     uint32
	mode   channelMode
	conn   *net.UDPConn
	header []byte // precomputed protocol.MessageHeader(id)

	table  *boardaddr.Table // nil for connected channels
	sender frameSender
	cfg    Config
	logger zerolog.Logger
	m      *metrics.Registry

	// onFault is invoked at most once, from the receive loop's own goroutine,
	// when the socket fails for a reason other than a read timeout or an
	// explicit Close(). It lets the Session drop the channel from its map
	// promptly instead of it lingering as a dead-but-open entry until the
	// whole session closes.
	onFault func()

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}

	datagramsIn  atomic.Uint64
	datagramsOut atomic.Uint64
}

// OpenConnected creates a Channel bound to a single board address:port and
// starts its receive loop. Callers supply the already-resolved IPv4 address
// (see boardaddr.Table.Lookup); OpenConnected itself does no name
// resolution or authorization check — the caller has already looked the
// coordinate up in the table.
func OpenConnected(id uint32, addr netip.Addr, port uint32, sender frameSender, cfg Config, logger zerolog.Logger, m *metrics.Registry, onFault func()) (*Channel, error) {
	raddr := &net.UDPAddr{IP: net.IP(addr.AsSlice()), Port: int(port)}
	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return nil, err
	}
	c := newChannel(id, modeConnected, conn, nil, sender, cfg, logger, m, onFault)
	go c.receiveLoop()
	return c, nil
}

// OpenUnconnected creates a Channel bound to a local ephemeral port that may
// exchange datagrams with any board address present in table. It fails with
// ErrUnsupportedUnconnected if cfg has no local bind address configured.
func OpenUnconnected(id uint32, table *boardaddr.Table, sender frameSender, cfg Config, logger zerolog.Logger, m *metrics.Registry, onFault func()) (*Channel, error) {
	if cfg.UnconnectedLocalIP == "" {
		return nil, ErrUnsupportedUnconnected
	}
	ip := net.ParseIP(cfg.UnconnectedLocalIP)
	if ip == nil {
		return nil, ErrSocketOpenFailure
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: ip, Port: 0})
	if err != nil {
		return nil, ErrSocketOpenFailure
	}
	c := newChannel(id, modeUnconnected, conn, table, sender, cfg, logger, m, onFault)
	go c.receiveLoop()
	return c, nil
}

func newChannel(id uint32, mode channelMode, conn *net.UDPConn, table *boardaddr.Table, sender frameSender, cfg Config, logger zerolog.Logger, m *metrics.Registry, onFault func()) *Channel {
	return &Channel{
		id:      id,
		mode:    mode,
		conn:    conn,
		header:  protocol.MessageHeader(id),
		table:   table,
		sender:  sender,
		cfg:     cfg,
		logger:  logger,
		m:       m,
		onFault: onFault,
		done:    make(chan struct{}),
	}
}

// ID returns the connection id this Channel was opened with.
func (c *Channel) ID() uint32 { return c.id }

// LocalAddr returns the address of the underlying local UDP socket, used to
// report a board's return port in an OPEN_UNCONNECTED reply.
func (c *Channel) LocalAddr() *net.UDPAddr {
	return c.conn.LocalAddr().(*net.UDPAddr)
}

// Send writes payload to the peer a connected Channel was opened against. It
// returns ErrIllegalOnUnconnected if the Channel is unconnected.
func (c *Channel) Send(payload []byte) error {
	if c.mode != modeConnected {
		return ErrIllegalOnUnconnected
	}
	if c.closed.Load() {
		return nil
	}
	_, err := c.conn.Write(payload)
	return err
}

// SendTo writes payload to the given board address:port from an unconnected
// Channel. It returns ErrIllegalOnConnected if the Channel is connected, and
// silently does nothing (per the unauthorized-destination rule) if addr is
// not present in the Channel's Authorization Table.
func (c *Channel) SendTo(addr netip.Addr, port uint32, payload []byte) error {
	if c.mode != modeUnconnected {
		return ErrIllegalOnConnected
	}
	if c.closed.Load() {
		return nil
	}
	if c.table != nil && !c.table.Authorized(addr) {
		c.m.Inc(metrics.DropReasonUnauthorizedPeer)
		return nil
	}
	raddr := &net.UDPAddr{IP: net.IP(addr.AsSlice()), Port: int(port)}
	_, err := c.conn.WriteToUDP(payload, raddr)
	return err
}

// Close closes the underlying socket and stops the receive loop. It is safe
// to call multiple times and from any goroutine.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		_ = c.conn.Close()
		<-c.done
		if c.cfg.LogChannelCounts {
			c.logger.Debug().
				Uint32("channel_id", c.id).
				Uint64("datagrams_in", c.datagramsIn.Load()).
				Uint64("datagrams_out", c.datagramsOut.Load()).
				Msg("channel closed")
		}
	})
}

// fault notifies the Session that this Channel's socket has failed on its
// own, outside of an explicit CLOSE request. It runs onFault on a separate
// goroutine because onFault ends up calling Close(), which waits on
// c.done — and c.done only closes once receiveLoop (fault's caller)
// actually returns.
func (c *Channel) fault() {
	if c.onFault != nil {
		go c.onFault()
	}
}

// receiveLoop reads datagrams from the UDP socket and forwards each as a
// MESSAGE frame to the session's sender, bounding every read with
// cfg.ReceiveTimeout so a Close() call is noticed promptly without needing a
// separate cancellation signal.
func (c *Channel) receiveLoop() {
	defer close(c.done)

	buf := make([]byte, c.cfg.UDPReadBufferBytes)
	for {
		if c.closed.Load() {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReceiveTimeout))

		if c.mode == modeConnected {
			n, err := c.conn.Read(buf)
			if err != nil {
				if isTimeout(err) {
					continue
				}
				if !c.closed.Load() {
					c.fault()
				}
				return
			}
			if n == len(buf) {
				// A UDP read that exactly fills the buffer means the kernel
				// discarded whatever didn't fit: the datagram arrived larger
				// than UDPReadBufferBytes. Forwarding a truncated payload
				// would corrupt it silently, so drop the whole thing instead.
				c.m.Inc(metrics.DropReasonOversizedFrame)
				continue
			}
			c.forward(buf[:n])
			continue
		}

		n, raddr, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if !c.closed.Load() {
				c.fault()
			}
			return
		}
		ap := raddr.AddrPort()
		if !ap.Addr().IsValid() || (c.table != nil && !c.table.Authorized(ap.Addr())) {
			// Datagram from an address outside the Authorization Table: drop
			// silently, per the unauthorized-datagram rule.
			c.m.Inc(metrics.DropReasonUnauthorizedPeer)
			continue
		}
		if n == len(buf) {
			c.m.Inc(metrics.DropReasonOversizedFrame)
			continue
		}
		c.forward(buf[:n])
	}
}

func (c *Channel) forward(payload []byte) {
	c.datagramsIn.Add(1)
	c.m.Inc(metrics.DatagramsInTotal)
	frame := make([]byte, len(c.header)+len(payload))
	copy(frame, c.header)
	copy(frame[len(c.header):], payload)
	if err := c.sender.sendFrame(frame); err != nil {
		return
	}
	c.datagramsOut.Add(1)
	c.m.Inc(metrics.DatagramsOutTotal)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
