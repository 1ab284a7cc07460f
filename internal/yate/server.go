package yate

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/epvx/routingd/internal/dispatch"
	"github.com/epvx/routingd/internal/routing"
)

// Server accepts engine connections on the control port and answers
// call.route messages. Each connection is served by its own goroutine;
// messages on one connection are handled in order.
type Server struct {
	addr       string
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger

	listener net.Listener
	conns    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewServer creates a control-channel server bound to addr.
func NewServer(addr string, dispatcher *dispatch.Dispatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:       addr,
		dispatcher: dispatcher,
		logger:     logger.With("subsystem", "yate"),
	}
}

// ListenAndServe binds the control port and serves until ctx is cancelled
// or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("binding control port %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.logger.Info("control channel listening", "addr", s.addr)

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				s.conns.Wait()
				return nil
			}
			return fmt.Errorf("accepting engine connection: %w", err)
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

// Close stops accepting connections and unblocks ListenAndServe. In-flight
// messages finish; their connections close when the peer disconnects.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.listener != nil {
		s.listener.Close()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	logger := s.logger.With("peer", conn.RemoteAddr().String())
	logger.Info("engine connected")

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	writer := bufio.NewWriter(conn)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, messagePrefix) {
			// Setup chatter (connect, setlocal, watch acknowledgements) needs
			// no answer from us.
			logger.Debug("ignoring non-message line", "line", truncate(line, 80))
			continue
		}
		msg, err := ParseMessage(line)
		if err != nil {
			logger.Warn("dropping unparseable message", "error", err)
			continue
		}

		reply := s.handle(ctx, msg, logger)
		if _, err := writer.WriteString(reply + "\n"); err != nil {
			logger.Warn("engine connection write failed", "error", err)
			return
		}
		if err := writer.Flush(); err != nil {
			logger.Warn("engine connection write failed", "error", err)
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		logger.Warn("engine connection read failed", "error", err)
	}
	logger.Info("engine disconnected")
}

// handle answers one message. Anything other than call.route is reported
// back unprocessed so the engine keeps dispatching it.
func (s *Server) handle(ctx context.Context, msg *Message, logger *slog.Logger) string {
	if msg.Name != "call.route" {
		return msg.Answer(false)
	}

	called := msg.Params["called"]
	if strings.HasPrefix(called, "stage1-") {
		return s.handleLateRoute(ctx, msg, called, logger)
	}
	return s.handleRoute(ctx, msg, called, logger)
}

func (s *Server) handleRoute(ctx context.Context, msg *Message, called string, logger *slog.Logger) string {
	caller := msg.Params["caller"]
	outcome, err := s.dispatcher.Route(ctx, caller, called, requestCallID(msg.Params))
	if err != nil {
		return s.answerError(msg, err, logger)
	}
	EncodeResult(msg, outcome.Main)
	logger.Debug("routed call",
		"call_id", outcome.CallID, "caller", caller, "called", called,
		"target", msg.RetValue)
	return msg.Answer(true)
}

func (s *Server) handleLateRoute(ctx context.Context, msg *Message, called string, logger *slog.Logger) string {
	result, err := s.dispatcher.LateRoute(ctx, called)
	if err != nil {
		var rerr *routing.Error
		if errors.As(err, &rerr) && rerr.Kind == routing.KindGone {
			// The entry expired or never existed. An unprocessed answer lets
			// the engine's remaining route handlers have a go.
			logger.Debug("late-route entry gone", "name", called)
			return msg.Answer(false)
		}
		return s.answerError(msg, err, logger)
	}
	EncodeResult(msg, result)
	return msg.Answer(true)
}

func (s *Server) answerError(msg *Message, err error, logger *slog.Logger) string {
	code := "congestion"
	detail := err.Error()
	var rerr *routing.Error
	if errors.As(err, &rerr) {
		code = ErrorCode(rerr.Kind)
		detail = rerr.Detail
	}
	logger.Info("answering route failure", "code", code, "detail", detail)
	msg.RetValue = "-"
	msg.Params["error"] = code
	msg.Params["reason"] = detail
	return msg.Answer(true)
}

// requestCallID extracts the call correlation id from the request. A
// well-formed x_eventphone_id is reused as-is so retries hit the same cache
// keys; otherwise the engine's billid is hashed into the fixed hex shape
// late-route names require. With neither present the dispatcher mints one.
func requestCallID(params map[string]string) string {
	if id := params["x_eventphone_id"]; isHexCallID(id) {
		return id
	}
	if billID := params["billid"]; billID != "" {
		sum := sha256.Sum256([]byte(billID))
		return hex.EncodeToString(sum[:16])
	}
	return ""
}

func isHexCallID(s string) bool {
	if len(s) != 32 {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
