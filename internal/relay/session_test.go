package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/SpiNNakerManchester/spinnaker-udp-proxy/internal/boardaddr"
	"github.com/SpiNNakerManchester/spinnaker-udp-proxy/internal/metrics"
	"github.com/SpiNNakerManchester/spinnaker-udp-proxy/internal/protocol"
)

// newTestSession wires up a real WebSocket connection (httptest server +
// gorilla/websocket client dialer) and a Session bound to its server side, so
// tests can exercise the Sender's actual write path instead of a fake.
func newTestSession(t *testing.T, table *boardaddr.Table, cfg Config) (*Session, *websocket.Conn) {
	t.Helper()

	var upgrader websocket.Upgrader
	serverConnCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverConnCh <- conn
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = clientConn.Close() })

	serverConn := <-serverConnCh
	sess := newSession("test-session", "job-1", serverConn, table, cfg.WithDefaults(), zerolog.Nop(), metrics.New())
	t.Cleanup(func() { sess.initiateClose(websocket.CloseNormalClosure, "test done") })

	return sess, clientConn
}

func readClientFrame(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msgType != websocket.BinaryMessage {
		t.Fatalf("msgType = %d, want BinaryMessage", msgType)
	}
	return msg
}

func boardTable(t *testing.T, host string) *boardaddr.Table {
	t.Helper()
	entries := []boardaddr.HostEntry{{X: 0, Y: 0, Hostname: host}}
	return boardaddr.NewTable(context.Background(), "job-1", entries, nil, zerolog.Nop(), nil)
}

func TestSessionOpenCloseRoundTrip(t *testing.T) {
	_, echoAddr := startUDPEchoServer(t)
	table := boardTable(t, echoAddr.Addr().String())

	sess, client := newTestSession(t, table, testConfig())

	open := make([]byte, 20)
	putOpen(open, 1, 0, 0, uint32(echoAddr.Port()))
	sess.HandleClientMessage(open)

	reply := readClientFrame(t, client)
	op, corr, channelID := decodeOpenReply(t, reply)
	if op != protocol.OpOpen || corr != 1 || channelID == 0 {
		t.Fatalf("OPEN reply = opcode %d correlation %d channel %d", op, corr, channelID)
	}

	closeReq := make([]byte, 12)
	putClose(closeReq, 2, channelID)
	sess.HandleClientMessage(closeReq)

	closeReply := readClientFrame(t, client)
	op, corr, closedID := decodeCloseReply(t, closeReply)
	if op != protocol.OpClose || corr != 2 || closedID != channelID {
		t.Fatalf("CLOSE reply = opcode %d correlation %d channel %d, want channel %d", op, corr, closedID, channelID)
	}
}

func TestSessionRemovesChannelOnSocketFault(t *testing.T) {
	_, echoAddr := startUDPEchoServer(t)
	table := boardTable(t, echoAddr.Addr().String())
	sess, client := newTestSession(t, table, testConfig())

	open := make([]byte, 20)
	putOpen(open, 1, 0, 0, uint32(echoAddr.Port()))
	sess.HandleClientMessage(open)
	_, _, channelID := decodeOpenReply(t, readClientFrame(t, client))

	ch := sess.getChannel(channelID)
	if ch == nil {
		t.Fatal("expected the opened channel to be tracked")
	}
	_ = ch.conn.Close() // simulate the socket failing on its own, not via CLOSE

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && sess.getChannel(channelID) != nil {
		time.Sleep(5 * time.Millisecond)
	}
	if sess.getChannel(channelID) != nil {
		t.Fatal("expected the faulted channel to be removed from the session promptly, not linger until session close")
	}
}

func TestSessionCloseUnknownChannelRepliesZero(t *testing.T) {
	table := boardaddr.NewTable(context.Background(), "job-1", nil, nil, zerolog.Nop(), nil)
	sess, client := newTestSession(t, table, testConfig())

	closeReq := make([]byte, 12)
	putClose(closeReq, 9, 12345)
	sess.HandleClientMessage(closeReq)

	reply := readClientFrame(t, client)
	_, corr, closedID := decodeCloseReply(t, reply)
	if corr != 9 || closedID != 0 {
		t.Fatalf("CLOSE reply for unknown channel = correlation %d channel %d, want channel 0", corr, closedID)
	}
}

func TestSessionOpenUnknownBoardRepliesError(t *testing.T) {
	table := boardaddr.NewTable(context.Background(), "job-1", nil, nil, zerolog.Nop(), nil)
	sess, client := newTestSession(t, table, testConfig())

	open := make([]byte, 20)
	putOpen(open, 5, 3, 3, 17893)
	sess.HandleClientMessage(open)

	reply := readClientFrame(t, client)
	op, corr, msg := decodeErrorReply(t, reply)
	if op != protocol.OpError || corr != 5 {
		t.Fatalf("ERROR reply = opcode %d correlation %d", op, corr)
	}
	if msg != "unrecognised ethernet chip" {
		t.Fatalf("ERROR message = %q", msg)
	}
}

func TestSessionOpenBadPortRepliesError(t *testing.T) {
	table := boardaddr.NewTable(context.Background(), "job-1", nil, nil, zerolog.Nop(), nil)
	sess, client := newTestSession(t, table, testConfig())

	open := make([]byte, 20)
	putOpen(open, 6, 0, 0, 0)
	sess.HandleClientMessage(open)

	reply := readClientFrame(t, client)
	_, corr, msg := decodeErrorReply(t, reply)
	if corr != 6 || msg != "bad port number" {
		t.Fatalf("ERROR reply = correlation %d message %q", corr, msg)
	}
}

func TestSessionMessageToOnConnectedChannelRepliesError(t *testing.T) {
	_, echoAddr := startUDPEchoServer(t)
	table := boardTable(t, echoAddr.Addr().String())
	sess, client := newTestSession(t, table, testConfig())

	open := make([]byte, 20)
	putOpen(open, 1, 0, 0, uint32(echoAddr.Port()))
	sess.HandleClientMessage(open)
	_, _, channelID := decodeOpenReply(t, readClientFrame(t, client))

	msgTo := make([]byte, 20)
	putMessageTo(msgTo, channelID, 0, 0, uint32(echoAddr.Port()), nil)
	sess.HandleClientMessage(msgTo)

	reply := readClientFrame(t, client)
	op, _, msg := decodeErrorReply(t, reply)
	if op != protocol.OpError || msg != "operation not permitted on a connected channel" {
		t.Fatalf("ERROR reply = opcode %d message %q", op, msg)
	}
}

func TestSessionMalformedFrameClosesSession(t *testing.T) {
	table := boardaddr.NewTable(context.Background(), "job-1", nil, nil, zerolog.Nop(), nil)
	sess, _ := newTestSession(t, table, testConfig())

	sess.HandleClientMessage([]byte{1, 2, 3}) // shorter than one word

	select {
	case <-sess.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not close on malformed frame")
	}
	code, _ := sess.CloseInfo()
	if code != websocket.CloseUnsupportedData {
		t.Fatalf("close code = %d, want %d", code, websocket.CloseUnsupportedData)
	}
}

func TestSessionSendBufferOverflowClosesSession(t *testing.T) {
	table := boardaddr.NewTable(context.Background(), "job-1", nil, nil, zerolog.Nop(), nil)
	cfg := testConfig()
	cfg.SendBufferBytes = 8 // smaller than a single OPEN reply frame
	sess, _ := newTestSession(t, table, cfg)

	if err := sess.sendFrame(make([]byte, 64)); err == nil {
		t.Fatal("sendFrame over the buffer budget: got nil error, want ErrSendBufferFull")
	}

	select {
	case <-sess.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not close after a send-buffer overflow")
	}
	code, _ := sess.CloseInfo()
	if code != websocket.CloseInternalServerErr {
		t.Fatalf("close code = %d, want %d", code, websocket.CloseInternalServerErr)
	}
}

func putOpen(b []byte, correlation, x, y, port uint32) {
	putLE32(b, 0, uint32(0))
	putLE32(b, 1, correlation)
	putLE32(b, 2, x)
	putLE32(b, 3, y)
	putLE32(b, 4, port)
}

func putClose(b []byte, correlation, channelID uint32) {
	putLE32(b, 0, uint32(1))
	putLE32(b, 1, correlation)
	putLE32(b, 2, channelID)
}

func putMessageTo(b []byte, channelID, x, y, port uint32, payload []byte) {
	putLE32(b, 0, uint32(4))
	putLE32(b, 1, channelID)
	putLE32(b, 2, x)
	putLE32(b, 3, y)
	putLE32(b, 4, port)
	copy(b[20:], payload)
}

func putLE32(b []byte, word int, v uint32) {
	b[word*4] = byte(v)
	b[word*4+1] = byte(v >> 8)
	b[word*4+2] = byte(v >> 16)
	b[word*4+3] = byte(v >> 24)
}

func le32At(b []byte, word int) uint32 {
	return uint32(b[word*4]) | uint32(b[word*4+1])<<8 | uint32(b[word*4+2])<<16 | uint32(b[word*4+3])<<24
}

func decodeOpenReply(t *testing.T, b []byte) (op protocol.Opcode, correlation, channelID uint32) {
	t.Helper()
	if len(b) != 12 {
		t.Fatalf("OPEN reply length = %d, want 12", len(b))
	}
	return protocol.Opcode(le32At(b, 0)), le32At(b, 1), le32At(b, 2)
}

func decodeCloseReply(t *testing.T, b []byte) (op protocol.Opcode, correlation, channelID uint32) {
	t.Helper()
	if len(b) != 12 {
		t.Fatalf("CLOSE reply length = %d, want 12", len(b))
	}
	return protocol.Opcode(le32At(b, 0)), le32At(b, 1), le32At(b, 2)
}

func decodeErrorReply(t *testing.T, b []byte) (op protocol.Opcode, correlation uint32, message string) {
	t.Helper()
	if len(b) < 8 {
		t.Fatalf("ERROR reply length = %d, want >= 8", len(b))
	}
	return protocol.Opcode(le32At(b, 0)), le32At(b, 1), string(b[8:])
}
