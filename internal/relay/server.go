package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/SpiNNakerManchester/spinnaker-udp-proxy/internal/boardaddr"
	"github.com/SpiNNakerManchester/spinnaker-udp-proxy/internal/origin"
)

const writeWait = 1 * time.Second

// JobBoardSource resolves a job id to the list of Ethernet-attached boards
// allocated to it. It stands in for the job-allocation collaborator (the
// database-backed allocator, BMP power control, and REST admin surface are
// all out of scope here; only this narrow read is needed to build a
// session's Authorization Table).
type JobBoardSource interface {
	Boards(ctx context.Context, jobID string) ([]boardaddr.HostEntry, error)
}

type jsonError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Server implements the WebSocket entry point: it upgrades an inbound HTTP
// request, resolves the job's board list into an Authorization Table, and
// hands the connection to a new Session for the lifetime of the socket.
type Server struct {
	cfg            Config
	sessions       *SessionManager
	boards         JobBoardSource
	resolver       boardaddr.Resolver
	allowedOrigins []string
	logger         zerolog.Logger

	upgrader websocket.Upgrader
}

func NewServer(cfg Config, sessions *SessionManager, boards JobBoardSource, allowedOrigins []string, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:            cfg.WithDefaults(),
		sessions:       sessions,
		boards:         boards,
		allowedOrigins: allowedOrigins,
		logger:         logger,
		upgrader:       websocket.Upgrader{},
	}
	s.upgrader.CheckOrigin = s.checkOrigin
	s.upgrader.Error = func(w http.ResponseWriter, r *http.Request, status int, reason error) {
		msg := "websocket upgrade failed"
		if reason != nil {
			msg = reason.Error()
		}
		writeJSONError(w, status, "bad_message", msg)
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origins := r.Header.Values("Origin")
	if len(origins) == 0 {
		return true
	}
	if len(origins) > 1 {
		return false
	}
	h := strings.TrimSpace(origins[0])
	if h == "" {
		return true
	}
	normalized, host, ok := origin.NormalizeHeader(h)
	if !ok {
		return false
	}
	return origin.IsAllowed(normalized, host, r.Host, s.allowedOrigins)
}

// ServeHTTP resolves the job id from the "job_id" query parameter and its
// board list from the configured JobBoardSource, then delegates to
// ServeJob. Deployments with their own routing/job-binding layer should call
// ServeJob directly instead.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "missing job_id")
		return
	}
	boards, err := s.boards.Boards(r.Context(), jobID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "unknown_job", "job not found")
		return
	}
	s.ServeJob(w, r, jobID, boards)
}

// ServeJob upgrades r to a WebSocket and runs a Session against it, bound to
// the given job id and board list. boards is used to build that session's
// Authorization Table exactly once, at connection time.
func (s *Server) ServeJob(w http.ResponseWriter, r *http.Request, jobID string, boards []boardaddr.HostEntry) {
	if !s.checkOrigin(r) {
		writeJSONError(w, http.StatusForbidden, "forbidden", "forbidden")
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		writeJSONError(w, http.StatusBadRequest, "bad_message", "websocket upgrade required")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	table := boardaddr.NewTable(r.Context(), jobID, boards, s.resolver, s.logger, s.sessions.Metrics())

	sess, err := s.sessions.CreateSession(jobID, conn, table)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	s.logger.Info().Str("job_id", jobID).Str("session_id", sess.ID()).Msg("session opened")
	go s.runCloser(conn, sess)
	s.readLoop(conn, sess, jobID)
}

// runCloser waits for the session to decide to close (either because the
// client asked it to via a protocol violation, or because a send failed)
// and then sends the corresponding WebSocket close frame.
func (s *Server) runCloser(conn *websocket.Conn, sess *Session) {
	<-sess.Done()
	code, reason := sess.CloseInfo()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeWait))
	_ = conn.Close()
}

// readLoop is the Session's calling task: it blocks on ReadMessage and hands
// every binary frame to the Session for decode and dispatch.
func (s *Server) readLoop(conn *websocket.Conn, sess *Session, jobID string) {
	defer s.logger.Info().Str("job_id", jobID).Str("session_id", sess.ID()).Msg("session closed")
	for {
		select {
		case <-sess.Done():
			return
		default:
		}
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			sess.initiateClose(websocket.CloseNormalClosure, "connection closed")
			return
		}
		if msgType != websocket.BinaryMessage {
			sess.initiateClose(websocket.CloseUnsupportedData, "expected binary message")
			return
		}
		sess.HandleClientMessage(msg)
	}
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonError{Type: "error", Code: code, Message: message})
}
