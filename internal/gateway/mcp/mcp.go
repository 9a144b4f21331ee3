// Package mcp exposes workspace operations as MCP (Model Context Protocol)
// tools over stdio, so external AI assistants can browse and edit a project
// through the same session coordinator as the editor gateways. The server is
// scoped to one configured user and project; tool calls cannot reach other
// workspaces.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/codesail/codesail/internal/config"
	"github.com/codesail/codesail/internal/domain"
	"github.com/codesail/codesail/internal/session"
)

// Server is the stdio MCP server bridging tool calls to the coordinator.
type Server struct {
	sessions  *session.Coordinator
	userID    string
	projectID string
	logger    *slog.Logger
	srv       *server.MCPServer
}

// NewServer creates an MCP server scoped to the configured user and project.
func NewServer(sessions *session.Coordinator, cfg *config.MCPConfig, logger *slog.Logger) *Server {
	s := &Server{
		sessions:  sessions,
		userID:    cfg.UserID,
		projectID: cfg.Project,
		logger:    logger,
		srv: server.NewMCPServer("codesail", "0.0.1",
			server.WithToolCapabilities(false),
		),
	}
	s.registerTools()
	return s
}

// Start serves MCP over stdin/stdout until ctx is canceled or stdin closes.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("mcp stdio server starting",
		slog.String("user_id", s.userID),
		slog.String("project_id", s.projectID),
	)
	stdio := server.NewStdioServer(s.srv)
	if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Stop is a no-op; Listen exits when the context passed to Start is canceled.
func (s *Server) Stop(_ context.Context) error {
	return nil
}

func (s *Server) registerTools() {
	s.srv.AddTool(mcp.NewTool("list_tree",
		mcp.WithDescription("List the project file tree as JSON. Folders carry a children array; files carry a size."),
	), s.handleListTree)

	s.srv.AddTool(mcp.NewTool("read_file",
		mcp.WithDescription("Read the full content of one project file."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path relative to the project root.")),
	), s.handleReadFile)

	s.srv.AddTool(mcp.NewTool("write_file",
		mcp.WithDescription("Overwrite one project file with new content, creating it if needed."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path relative to the project root.")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Full new file content.")),
	), s.handleWriteFile)

	s.srv.AddTool(mcp.NewTool("file_op",
		mcp.WithDescription("Apply a structural file operation: create_file, create_folder, rename, or delete."),
		mcp.WithString("kind", mcp.Required(), mcp.Description("One of create_file, create_folder, rename, delete.")),
		mcp.WithString("path", mcp.Required(), mcp.Description("Target path relative to the project root.")),
		mcp.WithString("new_path", mcp.Description("Destination path, for rename only.")),
	), s.handleFileOp)

	s.srv.AddTool(mcp.NewTool("run_command",
		mcp.WithDescription("Run a shell command inside the project sandbox. Returns stdout, stderr, and the exit code; a non-zero exit is a normal result."),
		mcp.WithString("command", mcp.Required(), mcp.Description("Shell command line to run.")),
		mcp.WithString("cwd", mcp.Description("Working directory relative to the project root.")),
		mcp.WithString("terminal_id", mcp.Description("Optional terminal session; commands sharing one run in order.")),
	), s.handleRunCommand)
}

func (s *Server) handleListTree(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snap, err := s.sessions.GetTree(ctx, s.userID, s.projectID)
	if err != nil {
		return toolError("list_tree", err), nil
	}
	data, err := json.MarshalIndent(snap.Root, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleReadFile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := s.sessions.ReadFile(ctx, s.userID, s.projectID, path)
	if err != nil {
		return toolError("read_file", err), nil
	}
	return mcp.NewToolResultText(content), nil
}

func (s *Server) handleWriteFile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.sessions.WriteFile(ctx, s.userID, s.projectID, path, content); err != nil {
		return toolError("write_file", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("wrote %s", path)), nil
}

func (s *Server) handleFileOp(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kind, err := req.RequireString("kind")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	op := domain.FileOperation{
		Kind:    domain.FileOpKind(kind),
		Path:    path,
		NewPath: req.GetString("new_path", ""),
	}
	if err := s.sessions.Apply(ctx, s.userID, s.projectID, op); err != nil {
		return toolError("file_op", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%s %s", op.Kind, op.Path)), nil
}

func (s *Server) handleRunCommand(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command, err := req.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	result, err := s.sessions.Exec(ctx, s.userID, s.projectID, session.ExecInput{
		Command:    command,
		Cwd:        req.GetString("cwd", ""),
		TerminalID: req.GetString("terminal_id", ""),
	})
	if err != nil {
		return toolError("run_command", err), nil
	}

	out := struct {
		Stdout   string `json:"stdout"`
		Stderr   string `json:"stderr"`
		ExitCode int    `json:"exit_code"`
	}{result.Stdout, result.Stderr, result.ExitCode}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}

// toolError reports an operation failure as a tool error carrying the
// taxonomy category, so the assistant can tell a bad path from a broken
// sandbox.
func toolError(tool string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s (%s): %v", tool, domain.Category(err), err))
}
