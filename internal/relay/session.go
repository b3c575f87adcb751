package relay

import (
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/SpiNNakerManchester/spinnaker-udp-proxy/internal/boardaddr"
	"github.com/SpiNNakerManchester/spinnaker-udp-proxy/internal/metrics"
	"github.com/SpiNNakerManchester/spinnaker-udp-proxy/internal/protocol"
)

// Session owns every Channel opened over one WebSocket connection, decodes
// inbound opcodes, dispatches the corresponding operation, and issues
// channel ids. Exactly one Session exists per accepted job connection.
type Session struct {
	id     string
	jobID  string
	table  *boardaddr.Table
	cfg    Config
	logger zerolog.Logger
	m      *metrics.Registry

	sender *sender
	nextID atomic.Uint32

	mu       sync.Mutex
	closed   bool
	channels map[uint32]*Channel

	closeOnce   sync.Once
	done        chan struct{}
	closeCode   int
	closeReason string
}

// newSession constructs a Session bound to conn and starts its WebSocket
// Sender. Callers must arrange for conn to be closed once Done() fires.
func newSession(id, jobID string, conn *websocket.Conn, table *boardaddr.Table, cfg Config, logger zerolog.Logger, m *metrics.Registry) *Session {
	s := &Session{
		id:       id,
		jobID:    jobID,
		table:    table,
		cfg:      cfg,
		logger:   logger,
		m:        m,
		channels: make(map[uint32]*Channel),
		done:     make(chan struct{}),
	}
	s.sender = newSender(conn, cfg, m, func(err error) {
		s.logger.Warn().Str("session_id", id).Err(err).Msg("websocket send failed, closing session")
		s.initiateClose(websocket.CloseInternalServerErr, "websocket send failure")
	})
	go s.sender.run()
	return s
}

// ID returns the session's opaque id (not part of the wire protocol).
func (s *Session) ID() string { return s.id }

// Done reports when the session has decided to close; the caller (the HTTP
// handler's read loop) should stop reading and send a close frame using
// CloseInfo once this fires.
func (s *Session) Done() <-chan struct{} { return s.done }

// CloseInfo returns the WebSocket close code and reason text chosen when the
// session closed. Valid only after Done() has fired.
func (s *Session) CloseInfo() (code int, reason string) { return s.closeCode, s.closeReason }

// HandleClientMessage decodes and dispatches one inbound WebSocket message.
// It never returns an error to the caller: protocol-level faults close the
// session internally via initiateClose, which the caller observes through
// Done().
func (s *Session) HandleClientMessage(raw []byte) {
	op, err := protocol.PeekOpcode(raw)
	if err != nil {
		s.m.Inc(metrics.MalformedRequestsTotal)
		s.initiateClose(websocket.CloseUnsupportedData, "malformed request")
		return
	}
	body := raw[4:]
	switch op {
	case protocol.OpOpen:
		s.handleOpen(body)
	case protocol.OpClose:
		s.handleClose(body)
	case protocol.OpMessage:
		s.handleMessage(body)
	case protocol.OpOpenUnconnected:
		s.handleOpenUnconnected(body)
	case protocol.OpMessageTo:
		s.handleMessageTo(body)
	default:
		s.m.Inc(metrics.MalformedRequestsTotal)
		s.initiateClose(websocket.CloseUnsupportedData, "unknown opcode")
	}
}

func (s *Session) handleOpen(body []byte) {
	req, err := protocol.DecodeOpen(body)
	if err != nil {
		s.m.Inc(metrics.MalformedRequestsTotal)
		s.initiateClose(websocket.CloseUnsupportedData, "malformed OPEN request")
		return
	}
	if req.Port == 0 || req.Port > 65535 {
		s.replyError(req.Correlation, ErrInvalidPort)
		return
	}
	addr, ok := s.table.Lookup(boardaddr.Coordinate{X: req.X, Y: req.Y})
	if !ok {
		s.replyError(req.Correlation, ErrUnknownBoard)
		return
	}
	if s.channelCount() >= s.cfg.MaxChannelsPerSession {
		s.replyError(req.Correlation, ErrSocketOpenFailure)
		return
	}

	id := s.issueChannelID()
	ch, err := OpenConnected(id, addr, req.Port, s, s.cfg, s.logger, s.m, func() { s.onChannelFault(id) })
	if err != nil {
		s.replyError(req.Correlation, ErrSocketOpenFailure)
		return
	}
	s.addChannel(id, ch)
	s.m.Inc(metrics.ChannelsOpenedTotal)
	s.sendFrame(protocol.EncodeOpenReply(req.Correlation, id))
}

func (s *Session) handleClose(body []byte) {
	req, err := protocol.DecodeClose(body)
	if err != nil {
		s.m.Inc(metrics.MalformedRequestsTotal)
		s.initiateClose(websocket.CloseUnsupportedData, "malformed CLOSE request")
		return
	}
	ch := s.removeChannel(req.ChannelID)
	var replyID uint32
	if ch != nil {
		ch.Close()
		s.m.Inc(metrics.ChannelsClosedTotal)
		replyID = req.ChannelID
	}
	s.sendFrame(protocol.EncodeCloseReply(req.Correlation, replyID))
}

func (s *Session) handleMessage(body []byte) {
	req, err := protocol.DecodeMessage(body)
	if err != nil {
		s.m.Inc(metrics.MalformedRequestsTotal)
		s.initiateClose(websocket.CloseUnsupportedData, "malformed MESSAGE frame")
		return
	}
	ch := s.getChannel(req.ChannelID)
	if ch == nil {
		return // unknown or already-closed id: silent no-op
	}
	if ch.mode != modeConnected {
		s.sendFrame(protocol.EncodeErrorReply(0, wireErrorMessage(ErrIllegalOnUnconnected)))
		return
	}
	_ = ch.Send(req.Payload)
}

func (s *Session) handleOpenUnconnected(body []byte) {
	req, err := protocol.DecodeOpenUnconnected(body)
	if err != nil {
		s.m.Inc(metrics.MalformedRequestsTotal)
		s.initiateClose(websocket.CloseUnsupportedData, "malformed OPEN_UNCONNECTED request")
		return
	}
	if s.cfg.UnconnectedLocalIP == "" {
		s.replyError(req.Correlation, ErrUnsupportedUnconnected)
		return
	}
	if s.channelCount() >= s.cfg.MaxChannelsPerSession {
		s.replyError(req.Correlation, ErrSocketOpenFailure)
		return
	}

	id := s.issueChannelID()
	ch, err := OpenUnconnected(id, s.table, s, s.cfg, s.logger, s.m, func() { s.onChannelFault(id) })
	if err != nil {
		s.replyError(req.Correlation, ErrSocketOpenFailure)
		return
	}

	local := ch.LocalAddr()
	localAddr, ok := netip.AddrFromSlice(local.IP.To4())
	if !ok {
		ch.Close()
		s.replyError(req.Correlation, ErrSocketOpenFailure)
		return
	}

	s.addChannel(id, ch)
	s.m.Inc(metrics.ChannelsOpenedTotal)

	reply, err := protocol.EncodeOpenUnconnectedReply(req.Correlation, id, localAddr, uint32(local.Port))
	if err != nil {
		s.replyError(req.Correlation, ErrSocketOpenFailure)
		return
	}
	s.sendFrame(reply)
}

func (s *Session) handleMessageTo(body []byte) {
	req, err := protocol.DecodeMessageTo(body)
	if err != nil {
		s.m.Inc(metrics.MalformedRequestsTotal)
		s.initiateClose(websocket.CloseUnsupportedData, "malformed MESSAGE_TO frame")
		return
	}
	ch := s.getChannel(req.ChannelID)
	if ch == nil {
		return // unknown or already-closed id: silent no-op
	}
	if ch.mode != modeUnconnected {
		// correlation id 0: MESSAGE_TO carries none on the wire to echo.
		s.sendFrame(protocol.EncodeErrorReply(0, wireErrorMessage(ErrIllegalOnConnected)))
		return
	}
	if req.Port == 0 || req.Port > 65535 {
		s.sendFrame(protocol.EncodeErrorReply(0, wireErrorMessage(ErrInvalidPort)))
		return
	}
	addr, ok := s.table.Lookup(boardaddr.Coordinate{X: req.X, Y: req.Y})
	if !ok {
		s.sendFrame(protocol.EncodeErrorReply(0, wireErrorMessage(ErrUnknownBoard)))
		return
	}
	_ = ch.SendTo(addr, req.Port, req.Payload)
}

func (s *Session) replyError(correlation uint32, err error) {
	s.m.Inc(metrics.ProtocolErrorRepliesTotal)
	s.sendFrame(protocol.EncodeErrorReply(correlation, wireErrorMessage(err)))
}

// sendFrame satisfies the frameSender interface consumed by Channel.
func (s *Session) sendFrame(frame []byte) error {
	return s.sender.sendFrame(frame)
}

func (s *Session) issueChannelID() uint32 {
	for {
		if id := s.nextID.Add(1); id != 0 { // starts at 1; never returns 0
			return id
		}
	}
}

func (s *Session) addChannel(id uint32, ch *Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		// Session closed between issuing the id and inserting the channel;
		// don't leak it into a map nobody will sweep.
		go ch.Close()
		return
	}
	s.channels[id] = ch
}

func (s *Session) channelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

func (s *Session) getChannel(id uint32) *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[id]
}

func (s *Session) removeChannel(id uint32) *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.channels[id]
	delete(s.channels, id)
	return ch
}

// onChannelFault is a Channel's onFault hook: it drops the channel from the
// map and closes it, so a socket that failed on its own doesn't linger as a
// dead-but-open entry until the whole session closes. A no-op if the
// channel was already removed (e.g. a concurrent CLOSE request won the
// race).
func (s *Session) onChannelFault(id uint32) {
	ch := s.removeChannel(id)
	if ch == nil {
		return
	}
	ch.Close()
	s.m.Inc(metrics.ChannelsClosedTotal)
}

// initiateClose transitions the session to closed exactly once: it snapshots
// and clears the channel map, closes every channel best-effort, stops the
// sender, and records the WebSocket close code/reason for the caller to use.
func (s *Session) initiateClose(code int, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		snapshot := make([]*Channel, 0, len(s.channels))
		for _, ch := range s.channels {
			snapshot = append(snapshot, ch)
		}
		s.channels = nil
		s.mu.Unlock()

		for _, ch := range snapshot {
			ch.Close()
		}
		s.m.Add(metrics.ChannelsClosedTotal, uint64(len(snapshot)))

		s.sender.Close()

		s.closeCode = code
		s.closeReason = reason
		close(s.done)
	})
}
