// Package domain defines cross-cutting entity types used across the system.
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NodeType classifies a workspace tree entry.
type NodeType string

const (
	NodeFile   NodeType = "file"
	NodeFolder NodeType = "folder"
)

// FileTreeNode is a single entry in the hierarchical project listing sent to
// the editor. Path is the absolute sandbox path with forward slashes, so any
// node's parent path is its own path minus the final segment. Children is
// nil for files and non-nil (possibly empty) for folders.
type FileTreeNode struct {
	Name     string          `json:"name"`
	Path     string          `json:"path"`
	Type     NodeType        `json:"type"`
	Size     int64           `json:"size,omitempty"`
	Children []*FileTreeNode `json:"children,omitempty"`
}

// FileOpKind names a structural file operation.
type FileOpKind string

const (
	OpCreateFile   FileOpKind = "create_file"
	OpCreateFolder FileOpKind = "create_folder"
	OpRename       FileOpKind = "rename"
	OpDelete       FileOpKind = "delete"
)

// FileOperation is one structural mutation of the project tree.
// NewPath is set only for rename.
type FileOperation struct {
	Kind    FileOpKind `json:"kind"`
	Path    string     `json:"path"`
	NewPath string     `json:"newPath,omitempty"`
}

// ExecResult captures the outcome of one remote command.
type ExecResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exitCode"`
	Duration time.Duration `json:"-"`
}

// Activity is an append-only audit record of a workspace operation.
// Never updated or deleted.
type Activity struct {
	ID         uuid.UUID
	UserID     string
	ProjectID  string
	Kind       string // "tree", "read", "write", "file_op", "exec".
	Path       string // Target path, if the operation has one.
	Command    string // Terminal command, for exec records.
	ExitCode   int
	DurationMS int64
	Error      string // Category string, empty on success.
	CreatedAt  time.Time
}

// Error categories. Every error leaving the session layer matches exactly one
// of these via errors.Is; callers map the category to a transport status
// without parsing messages.
var (
	ErrValidation    = errors.New("invalid request")
	ErrTransport     = errors.New("sandbox unreachable")
	ErrRemoteCommand = errors.New("remote command failed")
	ErrTimeout       = errors.New("operation timed out")
	ErrInconsistency = errors.New("inconsistent sandbox state")
)

// RemoteError carries the remote diagnostics of a failed command. It matches
// ErrRemoteCommand under errors.Is.
type RemoteError struct {
	Op       string // What was being attempted ("read", "rename", ...).
	ExitCode int
	Stderr   string
}

func (e *RemoteError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s: remote command failed with exit code %d", e.Op, e.ExitCode)
	}
	return fmt.Sprintf("%s: remote command failed with exit code %d: %s", e.Op, e.ExitCode, e.Stderr)
}

func (e *RemoteError) Is(target error) bool { return target == ErrRemoteCommand }

// Category returns the taxonomy label for err, or "" for nil.
// Unrecognized errors report as transport failures.
func Category(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrRemoteCommand):
		return "remote_command"
	case errors.Is(err, ErrInconsistency):
		return "inconsistency"
	default:
		return "transport"
	}
}

// NewID generates a new random UUID.
func NewID() uuid.UUID {
	return uuid.New()
}
