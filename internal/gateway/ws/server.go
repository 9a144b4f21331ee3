// Package ws implements the WebSocket server for Editor ↔ Server session
// communication. The editor opens one connection per workspace session,
// identifies itself with session.open, and then issues file and terminal
// requests over the same connection. The server pushes tree.stale events
// whenever the project tree may have changed.
package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/codesail/codesail/internal/config"
	"github.com/codesail/codesail/internal/domain"
	"github.com/codesail/codesail/internal/observability"
	"github.com/codesail/codesail/internal/protocol"
	"github.com/codesail/codesail/internal/session"
)

// openTimeout bounds how long a fresh connection may sit silent before the
// session.open handshake.
const openTimeout = 10 * time.Second

// Server upgrades editor connections and bridges them to the session
// coordinator.
type Server struct {
	sessions *session.Coordinator
	apiKeys  map[string]string // API key → user ID. Empty = trust session.open.
	cfg      *config.WebSocketConfig
	metrics  *observability.MetricsCollector // Optional.
	logger   *slog.Logger
}

// NewServer creates a WebSocket session server.
func NewServer(sessions *session.Coordinator, apiKeys map[string]string, cfg *config.WebSocketConfig, logger *slog.Logger) *Server {
	return &Server{
		sessions: sessions,
		apiKeys:  apiKeys,
		cfg:      cfg,
		logger:   logger,
	}
}

// WithMetrics attaches a metrics collector for connection gauges.
func (s *Server) WithMetrics(m *observability.MetricsCollector) *Server {
	s.metrics = m
	return s
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// Authenticate before upgrading. With no keys configured the user ID
	// from session.open is trusted (development mode).
	authUserID := ""
	if len(s.apiKeys) > 0 {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = r.Header.Get("Authorization")
			if strings.HasPrefix(token, "Bearer ") {
				token = strings.TrimPrefix(token, "Bearer ")
			}
		}
		for key, mapped := range s.apiKeys {
			if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
				authUserID = mapped
			}
		}
		if authUserID == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"codesail-editor-v1"},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.handleConnection(r.Context(), conn, authUserID)
}

// conn bundles one editor connection with its session identity.
type sessionConn struct {
	ws        *websocket.Conn
	userID    string
	projectID string
	// execBusy is set while a terminal command is in flight; a connection
	// runs at most one at a time.
	execBusy atomic.Bool
	// terminalID serializes this connection's commands against the shared
	// coordinator when the editor does not name a terminal itself.
	terminalID string
}

func (s *Server) handleConnection(ctx context.Context, ws *websocket.Conn, authUserID string) {
	defer ws.Close(websocket.StatusNormalClosure, "connection closed")

	if s.metrics != nil {
		s.metrics.WSConnections.Inc()
		defer s.metrics.WSConnections.Dec()
	}

	conn, err := s.waitForOpen(ctx, ws, authUserID)
	if err != nil {
		s.logger.Warn("session handshake failed", slog.String("error", err.Error()))
		return
	}

	s.logger.Info("session opened",
		slog.String("user_id", conn.userID),
		slog.String("project_id", conn.projectID),
	)

	// Keepalive pings and staleness pushes run until the connection drops.
	pushCtx, pushCancel := context.WithCancel(ctx)
	defer pushCancel()
	go s.pingLoop(pushCtx, conn)
	go s.staleLoop(pushCtx, conn)

	// Main request loop.
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				s.logger.Info("session closed",
					slog.String("user_id", conn.userID),
					slog.String("project_id", conn.projectID),
				)
			} else {
				s.logger.Warn("session connection error",
					slog.String("user_id", conn.userID),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("invalid message from editor",
				slog.String("user_id", conn.userID),
				slog.String("error", err.Error()),
			)
			continue
		}

		s.handleMessage(ctx, conn, &env)
	}
}

// waitForOpen reads the session.open handshake and answers session.ready.
// When the connection was authenticated with an API key, the handshake may
// not claim a different user.
func (s *Server) waitForOpen(ctx context.Context, ws *websocket.Conn, authUserID string) (*sessionConn, error) {
	openCtx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()

	_, data, err := ws.Read(openCtx)
	if err != nil {
		return nil, fmt.Errorf("reading session.open: %w", err)
	}

	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parsing session.open: %w", err)
	}
	if env.Type != protocol.MsgSessionOpen {
		return nil, fmt.Errorf("expected session.open, got %s", env.Type)
	}

	var open protocol.SessionOpenPayload
	if err := env.Decode(&open); err != nil {
		return nil, fmt.Errorf("parsing session.open payload: %w", err)
	}

	userID := authUserID
	if userID == "" {
		userID = open.UserID
	} else if open.UserID != "" && open.UserID != userID {
		s.writeError(ctx, ws, env.ID, fmt.Errorf("user id does not match credentials: %w", domain.ErrValidation))
		return nil, fmt.Errorf("session.open user %q does not match key identity", open.UserID)
	}
	if userID == "" || open.ProjectID == "" {
		s.writeError(ctx, ws, env.ID, fmt.Errorf("user_id and project_id are required: %w", domain.ErrValidation))
		return nil, fmt.Errorf("session.open missing identity")
	}

	ref, err := s.sessions.Sandbox(openCtx, userID)
	if err != nil {
		s.writeError(ctx, ws, env.ID, err)
		return nil, fmt.Errorf("resolving sandbox: %w", err)
	}

	conn := &sessionConn{
		ws:         ws,
		userID:     userID,
		projectID:  open.ProjectID,
		terminalID: "ws-" + uuid.New().String(),
	}

	ready, err := protocol.NewReply(protocol.MsgSessionReady, env.ID, protocol.SessionReadyPayload{
		SandboxID: ref.Pod,
	})
	if err != nil {
		return nil, err
	}
	if err := s.writeEnvelope(ctx, ws, ready); err != nil {
		return nil, fmt.Errorf("sending session.ready: %w", err)
	}
	return conn, nil
}

func (s *Server) handleMessage(ctx context.Context, conn *sessionConn, env *protocol.Envelope) {
	switch env.Type {
	case protocol.MsgTreeGet:
		snap, err := s.sessions.GetTree(ctx, conn.userID, conn.projectID)
		if err != nil {
			s.writeError(ctx, conn.ws, env.ID, err)
			return
		}
		s.reply(ctx, conn, env.ID, protocol.MsgTree, protocol.TreePayload{
			Root:        snap.Root,
			Diagnostics: snap.Diagnostics,
		})

	case protocol.MsgFileRead:
		var req protocol.FileReadPayload
		if err := env.Decode(&req); err != nil {
			s.writeError(ctx, conn.ws, env.ID, fmt.Errorf("bad file.read payload: %w", domain.ErrValidation))
			return
		}
		content, err := s.sessions.ReadFile(ctx, conn.userID, conn.projectID, req.Path)
		if err != nil {
			s.writeError(ctx, conn.ws, env.ID, err)
			return
		}
		s.reply(ctx, conn, env.ID, protocol.MsgFileContent, protocol.FileContentPayload{
			Path:    req.Path,
			Content: content,
		})

	case protocol.MsgFileWrite:
		var req protocol.FileWritePayload
		if err := env.Decode(&req); err != nil {
			s.writeError(ctx, conn.ws, env.ID, fmt.Errorf("bad file.write payload: %w", domain.ErrValidation))
			return
		}
		if err := s.sessions.WriteFile(ctx, conn.userID, conn.projectID, req.Path, req.Content); err != nil {
			s.writeError(ctx, conn.ws, env.ID, err)
			return
		}
		s.reply(ctx, conn, env.ID, protocol.MsgFileWritten, protocol.FileWrittenPayload{Path: req.Path})

	case protocol.MsgFileOp:
		var req protocol.FileOpPayload
		if err := env.Decode(&req); err != nil {
			s.writeError(ctx, conn.ws, env.ID, fmt.Errorf("bad file.op payload: %w", domain.ErrValidation))
			return
		}
		if err := s.sessions.Apply(ctx, conn.userID, conn.projectID, req.Op); err != nil {
			s.writeError(ctx, conn.ws, env.ID, err)
			return
		}
		s.reply(ctx, conn, env.ID, protocol.MsgFileOpDone, protocol.FileOpDonePayload{Op: req.Op})

	case protocol.MsgTerminalExec:
		var req protocol.TerminalExecPayload
		if err := env.Decode(&req); err != nil {
			s.writeError(ctx, conn.ws, env.ID, fmt.Errorf("bad terminal.exec payload: %w", domain.ErrValidation))
			return
		}
		if !conn.execBusy.CompareAndSwap(false, true) {
			s.writeError(ctx, conn.ws, env.ID, fmt.Errorf("a command is already running on this session: %w", domain.ErrValidation))
			return
		}
		// Run asynchronously so reads and pings continue while the command
		// executes.
		go func() {
			defer conn.execBusy.Store(false)
			s.runCommand(ctx, conn, env.ID, req)
		}()

	default:
		s.logger.Warn("unknown message type from editor",
			slog.String("user_id", conn.userID),
			slog.String("type", string(env.Type)),
		)
		s.writeError(ctx, conn.ws, env.ID, fmt.Errorf("unknown message type %q: %w", env.Type, domain.ErrValidation))
	}
}

func (s *Server) runCommand(ctx context.Context, conn *sessionConn, requestID string, req protocol.TerminalExecPayload) {
	terminalID := req.TerminalID
	if terminalID == "" {
		terminalID = conn.terminalID
	}

	result, err := s.sessions.Exec(ctx, conn.userID, conn.projectID, session.ExecInput{
		Command:    req.Command,
		Cwd:        req.Cwd,
		TerminalID: terminalID,
	})
	if err != nil {
		s.writeError(ctx, conn.ws, requestID, err)
		return
	}
	s.reply(ctx, conn, requestID, protocol.MsgTerminalResult, protocol.TerminalResultPayload{
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		ExitCode: result.ExitCode,
	})
}

// staleLoop forwards this user's tree-staleness events to the editor.
func (s *Server) staleLoop(ctx context.Context, conn *sessionConn) {
	events, cancel := s.sessions.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.UserID != conn.userID || ev.ProjectID != conn.projectID {
				continue
			}
			env, err := protocol.NewEnvelope(protocol.MsgTreeStale, protocol.TreeStalePayload{
				ProjectID: ev.ProjectID,
				Reason:    ev.Reason,
				At:        ev.At,
			})
			if err != nil {
				continue
			}
			if err := s.writeEnvelope(ctx, conn.ws, env); err != nil {
				return
			}
		}
	}
}

func (s *Server) pingLoop(ctx context.Context, conn *sessionConn) {
	ticker := time.NewTicker(s.cfg.PingInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			env, _ := protocol.NewEnvelope(protocol.MsgPing, nil)
			if err := s.writeEnvelope(ctx, conn.ws, env); err != nil {
				s.logger.Debug("session ping failed",
					slog.String("user_id", conn.userID),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}

func (s *Server) reply(ctx context.Context, conn *sessionConn, requestID string, msgType protocol.MessageType, payload any) {
	env, err := protocol.NewReply(msgType, requestID, payload)
	if err != nil {
		s.logger.Error("building reply", slog.String("type", string(msgType)), slog.String("error", err.Error()))
		return
	}
	if err := s.writeEnvelope(ctx, conn.ws, env); err != nil {
		s.logger.Debug("writing reply",
			slog.String("user_id", conn.userID),
			slog.String("type", string(msgType)),
			slog.String("error", err.Error()),
		)
	}
}

// writeError sends an error envelope carrying the taxonomy category so the
// editor can react without parsing messages.
func (s *Server) writeError(ctx context.Context, ws *websocket.Conn, requestID string, opErr error) {
	code := domain.Category(opErr)
	if code == "" {
		code = "transport"
	}
	env, err := protocol.NewReply(protocol.MsgError, requestID, protocol.ErrorPayload{
		Code:    code,
		Message: opErr.Error(),
	})
	if err != nil {
		return
	}
	_ = s.writeEnvelope(ctx, ws, env)
}

func (s *Server) writeEnvelope(ctx context.Context, ws *websocket.Conn, env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout())
	defer cancel()
	return ws.Write(wctx, websocket.MessageText, data)
}
