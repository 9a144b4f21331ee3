package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/codesail/codesail/internal/config"
	"github.com/codesail/codesail/internal/domain"
	"github.com/codesail/codesail/internal/fileops"
	"github.com/codesail/codesail/internal/protocol"
	"github.com/codesail/codesail/internal/sandbox"
	"github.com/codesail/codesail/internal/session"
)

// scriptedExecutor answers remote commands with canned results based on the
// program being run.
type scriptedExecutor struct {
	delay time.Duration
}

func (e *scriptedExecutor) Execute(_ context.Context, _ sandbox.Ref, req sandbox.ExecRequest) (*domain.ExecResult, error) {
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	switch req.Command[0] {
	case "cat":
		return &domain.ExecResult{Stdout: "package main\n"}, nil
	case "sh":
		if strings.Contains(req.Command[2], "find") {
			return &domain.ExecResult{Stdout: "f\t12\t./main.go\n"}, nil
		}
		return &domain.ExecResult{}, nil
	case "bash":
		return &domain.ExecResult{Stdout: "hello\n"}, nil
	default:
		return &domain.ExecResult{}, nil
	}
}

func newTestServer(t *testing.T, apiKeys map[string]string, delay time.Duration) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	locator := sandbox.NewLocator("default", "runner", "user-")
	files := fileops.New(&scriptedExecutor{delay: delay}, fileops.Config{
		FileTimeout:     5 * time.Second,
		TerminalTimeout: 5 * time.Second,
		MaxOutputBytes:  1 << 20,
		MaxFileBytes:    1 << 20,
		MaxCommandLen:   4096,
	}, logger)
	sessions := session.New(locator, files, nil, session.Config{}, logger)

	wsCfg := &config.WebSocketConfig{PingIntervalSeconds: 3600, WriteTimeoutSeconds: 5}
	srv := httptest.NewServer(NewServer(sessions, apiKeys, wsCfg, logger).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, ctx context.Context, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "done") })
	return conn
}

func sendEnv(t *testing.T, ctx context.Context, conn *websocket.Conn, msgType protocol.MessageType, payload any) string {
	t.Helper()
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		t.Fatalf("building %s: %v", msgType, err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshaling %s: %v", msgType, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("writing %s: %v", msgType, err)
	}
	return env.ID
}

// readEnv reads the next envelope, skipping keepalive pings.
func readEnv(t *testing.T, ctx context.Context, conn *websocket.Conn) *protocol.Envelope {
	t.Helper()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("reading envelope: %v", err)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("parsing envelope: %v", err)
		}
		if env.Type == protocol.MsgPing {
			continue
		}
		return &env
	}
}

func openSession(t *testing.T, ctx context.Context, conn *websocket.Conn, userID, projectID string) {
	t.Helper()
	id := sendEnv(t, ctx, conn, protocol.MsgSessionOpen, protocol.SessionOpenPayload{
		UserID:    userID,
		ProjectID: projectID,
	})
	env := readEnv(t, ctx, conn)
	if env.Type != protocol.MsgSessionReady {
		t.Fatalf("expected session.ready, got %s", env.Type)
	}
	if env.ID != id {
		t.Errorf("session.ready ID = %q, want request ID %q", env.ID, id)
	}
}

func TestSessionHandshake(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv := newTestServer(t, nil, 0)
	conn := dial(t, ctx, wsURL(srv))

	id := sendEnv(t, ctx, conn, protocol.MsgSessionOpen, protocol.SessionOpenPayload{
		UserID:    "alice",
		ProjectID: "demo",
	})

	env := readEnv(t, ctx, conn)
	if env.Type != protocol.MsgSessionReady {
		t.Fatalf("expected session.ready, got %s", env.Type)
	}
	if env.ID != id {
		t.Errorf("reply ID = %q, want %q", env.ID, id)
	}
	var ready protocol.SessionReadyPayload
	if err := env.Decode(&ready); err != nil {
		t.Fatalf("decoding session.ready: %v", err)
	}
	if ready.SandboxID != "user-alice" {
		t.Errorf("SandboxID = %q, want %q", ready.SandboxID, "user-alice")
	}
}

func TestSessionOpenRequiresProject(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv := newTestServer(t, nil, 0)
	conn := dial(t, ctx, wsURL(srv))

	sendEnv(t, ctx, conn, protocol.MsgSessionOpen, protocol.SessionOpenPayload{UserID: "alice"})

	env := readEnv(t, ctx, conn)
	if env.Type != protocol.MsgError {
		t.Fatalf("expected error, got %s", env.Type)
	}
	var perr protocol.ErrorPayload
	if err := env.Decode(&perr); err != nil {
		t.Fatalf("decoding error payload: %v", err)
	}
	if perr.Code != "validation" {
		t.Errorf("error code = %q, want %q", perr.Code, "validation")
	}
}

func TestTreeAndFileRequests(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv := newTestServer(t, nil, 0)
	conn := dial(t, ctx, wsURL(srv))
	openSession(t, ctx, conn, "alice", "demo")

	t.Run("tree.get", func(t *testing.T) {
		id := sendEnv(t, ctx, conn, protocol.MsgTreeGet, nil)
		env := readEnv(t, ctx, conn)
		if env.Type != protocol.MsgTree || env.ID != id {
			t.Fatalf("expected tree reply for %s, got %s (%s)", id, env.Type, env.ID)
		}
		var tp protocol.TreePayload
		if err := env.Decode(&tp); err != nil {
			t.Fatalf("decoding tree: %v", err)
		}
		if tp.Root == nil || tp.Root.Name != "demo" {
			t.Fatalf("unexpected tree root: %+v", tp.Root)
		}
		if len(tp.Root.Children) != 1 || tp.Root.Children[0].Name != "main.go" {
			t.Errorf("unexpected children: %+v", tp.Root.Children)
		}
	})

	t.Run("file.read", func(t *testing.T) {
		id := sendEnv(t, ctx, conn, protocol.MsgFileRead, protocol.FileReadPayload{Path: "main.go"})
		env := readEnv(t, ctx, conn)
		if env.Type != protocol.MsgFileContent || env.ID != id {
			t.Fatalf("expected file.content reply, got %s", env.Type)
		}
		var fc protocol.FileContentPayload
		if err := env.Decode(&fc); err != nil {
			t.Fatalf("decoding file.content: %v", err)
		}
		if fc.Content != "package main\n" {
			t.Errorf("content = %q", fc.Content)
		}
	})

	t.Run("file.write triggers tree.stale", func(t *testing.T) {
		id := sendEnv(t, ctx, conn, protocol.MsgFileWrite, protocol.FileWritePayload{
			Path:    "main.go",
			Content: "package main",
		})
		sawWritten, sawStale := false, false
		for !sawWritten || !sawStale {
			env := readEnv(t, ctx, conn)
			switch env.Type {
			case protocol.MsgFileWritten:
				if env.ID != id {
					t.Errorf("file.written ID = %q, want %q", env.ID, id)
				}
				sawWritten = true
			case protocol.MsgTreeStale:
				var stale protocol.TreeStalePayload
				if err := env.Decode(&stale); err != nil {
					t.Fatalf("decoding tree.stale: %v", err)
				}
				if stale.ProjectID != "demo" || stale.Reason != "write" {
					t.Errorf("unexpected stale event: %+v", stale)
				}
				sawStale = true
			default:
				t.Fatalf("unexpected message %s", env.Type)
			}
		}
	})
}

func TestTerminalExec(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv := newTestServer(t, nil, 0)
	conn := dial(t, ctx, wsURL(srv))
	openSession(t, ctx, conn, "alice", "demo")

	id := sendEnv(t, ctx, conn, protocol.MsgTerminalExec, protocol.TerminalExecPayload{Command: "echo hello"})
	env := readEnv(t, ctx, conn)
	if env.Type != protocol.MsgTerminalResult || env.ID != id {
		t.Fatalf("expected terminal.result reply, got %s", env.Type)
	}
	var res protocol.TerminalResultPayload
	if err := env.Decode(&res); err != nil {
		t.Fatalf("decoding terminal.result: %v", err)
	}
	if res.Stdout != "hello\n" || res.ExitCode != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestOneCommandInFlightPerConnection(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv := newTestServer(t, nil, 200*time.Millisecond)
	conn := dial(t, ctx, wsURL(srv))
	openSession(t, ctx, conn, "alice", "demo")

	first := sendEnv(t, ctx, conn, protocol.MsgTerminalExec, protocol.TerminalExecPayload{Command: "sleep 1"})
	second := sendEnv(t, ctx, conn, protocol.MsgTerminalExec, protocol.TerminalExecPayload{Command: "echo too soon"})

	gotResult, gotError := false, false
	for !gotResult || !gotError {
		env := readEnv(t, ctx, conn)
		switch env.Type {
		case protocol.MsgTerminalResult:
			if env.ID != first {
				t.Errorf("terminal.result ID = %q, want %q", env.ID, first)
			}
			gotResult = true
		case protocol.MsgError:
			if env.ID != second {
				t.Errorf("error ID = %q, want %q", env.ID, second)
			}
			var perr protocol.ErrorPayload
			if err := env.Decode(&perr); err != nil {
				t.Fatalf("decoding error payload: %v", err)
			}
			if perr.Code != "validation" {
				t.Errorf("error code = %q, want %q", perr.Code, "validation")
			}
			gotError = true
		case protocol.MsgTreeStale:
			// Exec staleness pushes are incidental here.
		default:
			t.Fatalf("unexpected message %s", env.Type)
		}
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv := newTestServer(t, map[string]string{"secret-key": "alice"}, 0)

	t.Run("missing token rejected", func(t *testing.T) {
		_, _, err := websocket.Dial(ctx, wsURL(srv), nil)
		if err == nil {
			t.Fatal("expected dial to fail without a token")
		}
	})

	t.Run("token maps to user", func(t *testing.T) {
		conn := dial(t, ctx, wsURL(srv)+"?token=secret-key")
		// The key determines the identity; session.open may omit it.
		id := sendEnv(t, ctx, conn, protocol.MsgSessionOpen, protocol.SessionOpenPayload{ProjectID: "demo"})
		env := readEnv(t, ctx, conn)
		if env.Type != protocol.MsgSessionReady || env.ID != id {
			t.Fatalf("expected session.ready, got %s", env.Type)
		}
		var ready protocol.SessionReadyPayload
		if err := env.Decode(&ready); err != nil {
			t.Fatalf("decoding session.ready: %v", err)
		}
		if ready.SandboxID != "user-alice" {
			t.Errorf("SandboxID = %q, want %q", ready.SandboxID, "user-alice")
		}
	})

	t.Run("mismatched user rejected", func(t *testing.T) {
		conn := dial(t, ctx, wsURL(srv)+"?token=secret-key")
		sendEnv(t, ctx, conn, protocol.MsgSessionOpen, protocol.SessionOpenPayload{
			UserID:    "mallory",
			ProjectID: "demo",
		})
		env := readEnv(t, ctx, conn)
		if env.Type != protocol.MsgError {
			t.Fatalf("expected error, got %s", env.Type)
		}
	})
}
