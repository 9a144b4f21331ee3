package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/codesail/codesail/internal/config"
	"github.com/codesail/codesail/internal/domain"
	"github.com/codesail/codesail/internal/fileops"
	"github.com/codesail/codesail/internal/sandbox"
	"github.com/codesail/codesail/internal/session"
)

type scriptedExecutor struct{}

func (scriptedExecutor) Execute(_ context.Context, _ sandbox.Ref, req sandbox.ExecRequest) (*domain.ExecResult, error) {
	switch req.Command[0] {
	case "cat":
		return &domain.ExecResult{Stdout: "package main\n"}, nil
	case "sh":
		if strings.Contains(req.Command[2], "find") {
			return &domain.ExecResult{Stdout: "f\t12\t./main.go\n"}, nil
		}
		return &domain.ExecResult{}, nil
	case "bash":
		return &domain.ExecResult{Stdout: "ok\n", ExitCode: 0}, nil
	default:
		return &domain.ExecResult{}, nil
	}
}

func newTestMCPServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	locator := sandbox.NewLocator("default", "runner", "user-")
	files := fileops.New(scriptedExecutor{}, fileops.Config{
		FileTimeout:     5 * time.Second,
		TerminalTimeout: 5 * time.Second,
		MaxOutputBytes:  1 << 20,
		MaxFileBytes:    1 << 20,
		MaxCommandLen:   4096,
	}, logger)
	sessions := session.New(locator, files, nil, session.Config{}, logger)
	return NewServer(sessions, &config.MCPConfig{
		Enabled: true,
		UserID:  "alice",
		Project: "demo",
	}, logger)
}

func callReq(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("tool result has no content")
	}
	tc, ok := mcp.AsTextContent(res.Content[0])
	if !ok {
		t.Fatalf("expected text content, got %T", res.Content[0])
	}
	return tc.Text
}

func TestListTree(t *testing.T) {
	s := newTestMCPServer(t)

	res, err := s.handleListTree(context.Background(), callReq(nil))
	if err != nil {
		t.Fatalf("list_tree: %v", err)
	}
	if res.IsError {
		t.Fatalf("list_tree reported error: %s", resultText(t, res))
	}

	var root domain.FileTreeNode
	if err := json.Unmarshal([]byte(resultText(t, res)), &root); err != nil {
		t.Fatalf("parsing tree JSON: %v", err)
	}
	if root.Name != "demo" || len(root.Children) != 1 {
		t.Errorf("unexpected tree: %+v", root)
	}
}

func TestReadFile(t *testing.T) {
	s := newTestMCPServer(t)

	res, err := s.handleReadFile(context.Background(), callReq(map[string]any{"path": "main.go"}))
	if err != nil {
		t.Fatalf("read_file: %v", err)
	}
	if got := resultText(t, res); got != "package main\n" {
		t.Errorf("content = %q", got)
	}
}

func TestReadFileRequiresPath(t *testing.T) {
	s := newTestMCPServer(t)

	res, err := s.handleReadFile(context.Background(), callReq(nil))
	if err != nil {
		t.Fatalf("read_file: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected a tool error for missing path")
	}
}

func TestFileOpRejectsUnknownKind(t *testing.T) {
	s := newTestMCPServer(t)

	res, err := s.handleFileOp(context.Background(), callReq(map[string]any{
		"kind": "shred",
		"path": "main.go",
	}))
	if err != nil {
		t.Fatalf("file_op: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected a tool error for unknown kind")
	}
	if got := resultText(t, res); !strings.Contains(got, "validation") {
		t.Errorf("error text %q does not carry the category", got)
	}
}

func TestRunCommand(t *testing.T) {
	s := newTestMCPServer(t)

	res, err := s.handleRunCommand(context.Background(), callReq(map[string]any{"command": "make test"}))
	if err != nil {
		t.Fatalf("run_command: %v", err)
	}
	var out struct {
		Stdout   string `json:"stdout"`
		ExitCode int    `json:"exit_code"`
	}
	if err := json.Unmarshal([]byte(resultText(t, res)), &out); err != nil {
		t.Fatalf("parsing result JSON: %v", err)
	}
	if out.Stdout != "ok\n" || out.ExitCode != 0 {
		t.Errorf("result = %+v", out)
	}
}
