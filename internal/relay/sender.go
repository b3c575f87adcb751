package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/SpiNNakerManchester/spinnaker-udp-proxy/internal/metrics"
)

// sender is the single serialized writer for a session's WebSocket
// connection. All outbound frames — replies to client requests and MESSAGE
// frames forwarded from Channels — pass through here so that at most one
// goroutine ever calls conn.WriteMessage at a time, which gorilla/websocket
// requires.
//
// Frames are queued in a byte-bounded buffer rather than blocking the
// caller (a blocked UDP receive loop would stall an unrelated board's
// traffic); but the buffer is a hard limit, not a drop filter: a submission
// that would exceed it is rejected outright and the session is closed with
// a server-error condition, exactly as if the write itself had failed. A
// send that takes longer than cfg.SendTimeLimit closes the session the same
// way, since a stalled WebSocket write also indicates a dead or
// unresponsive peer.
type sender struct {
	conn  *websocket.Conn
	queue *sendQueue
	cfg   Config

	onFailure func(error) // invoked at most once, when a write fails or times out

	stopOnce sync.Once
	stopped  chan struct{}
}

func newSender(conn *websocket.Conn, cfg Config, m *metrics.Registry, onFailure func(error)) *sender {
	s := &sender{
		conn:      conn,
		queue:     newSendQueue(cfg.SendBufferBytes),
		cfg:       cfg,
		onFailure: onFailure,
		stopped:   make(chan struct{}),
	}
	s.queue.SetOnOverflow(func() { m.Inc(metrics.DropReasonSendBufferFull) })
	return s
}

// run drains the queue and writes each frame to the WebSocket connection. It
// must be started in its own goroutine and returns once the queue is closed
// or a write fails/times out.
func (s *sender) run() {
	defer close(s.stopped)
	for {
		frame, ok := s.queue.Dequeue()
		if !ok {
			return
		}
		deadline := time.Now().Add(s.cfg.SendTimeLimit)
		if err := s.conn.SetWriteDeadline(deadline); err != nil {
			s.fail(err)
			return
		}
		if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			s.fail(err)
			return
		}
	}
}

// sendFrame enqueues frame for delivery. It satisfies the frameSender
// interface consumed by Channel. If frame would overflow the send buffer,
// the session is terminated (via the same onFailure hook a write failure or
// timeout uses) instead of the frame being silently dropped.
func (s *sender) sendFrame(frame []byte) error {
	if !s.queue.Enqueue(frame) {
		s.fail(ErrSendBufferFull)
		return ErrSendBufferFull
	}
	return nil
}

// Close stops accepting new frames and lets run drain (or abandon) what is
// queued, then returns once the writer goroutine has exited.
func (s *sender) Close() {
	s.queue.Close()
	<-s.stopped
}

func (s *sender) fail(err error) {
	s.stopOnce.Do(func() {
		if s.onFailure != nil {
			// Run asynchronously: onFailure typically calls back into Close,
			// which waits on s.stopped — and that channel only closes once
			// run (our own caller) returns.
			go s.onFailure(err)
		}
	})
}
