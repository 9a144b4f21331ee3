// Package protocol defines the WebSocket message types for Editor ↔ Server
// communication. All messages are JSON-encoded and wrapped in an Envelope
// for uniform routing.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/codesail/codesail/internal/domain"
)

// MessageType identifies the kind of message in the WebSocket protocol.
type MessageType string

const (
	// Editor → Server
	MsgSessionOpen  MessageType = "session.open"
	MsgTreeGet      MessageType = "tree.get"
	MsgFileRead     MessageType = "file.read"
	MsgFileWrite    MessageType = "file.write"
	MsgFileOp       MessageType = "file.op"
	MsgTerminalExec MessageType = "terminal.exec"

	// Server → Editor
	MsgSessionReady   MessageType = "session.ready"
	MsgTree           MessageType = "tree"
	MsgFileContent    MessageType = "file.content"
	MsgFileWritten    MessageType = "file.written"
	MsgFileOpDone     MessageType = "file.op_done"
	MsgTerminalResult MessageType = "terminal.result"
	MsgTreeStale      MessageType = "tree.stale"
	MsgPing           MessageType = "session.ping"

	// Bidirectional
	MsgError MessageType = "error"
)

// Envelope is the top-level message wrapper for all WebSocket communication.
// ID correlates a server response with the editor request that caused it;
// server-initiated pushes (tree.stale, session.ping) carry a fresh ID.
type Envelope struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope creates an Envelope with a fresh ID and current timestamp.
func NewEnvelope(msgType MessageType, payload any) (*Envelope, error) {
	return newEnvelope(msgType, uuid.New().String(), payload)
}

// NewReply creates an Envelope answering the request with the given ID.
func NewReply(msgType MessageType, requestID string, payload any) (*Envelope, error) {
	return newEnvelope(msgType, requestID, payload)
}

func newEnvelope(msgType MessageType, id string, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Envelope{
		Type:      msgType,
		ID:        id,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the Payload into the given target.
func (e *Envelope) Decode(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// --- Editor → Server payloads ---

// SessionOpenPayload is sent with MsgSessionOpen as the first message on a
// connection. Every later message on the connection operates on this user
// and project.
type SessionOpenPayload struct {
	UserID    string `json:"user_id"`
	ProjectID string `json:"project_id"`
}

// FileReadPayload is sent with MsgFileRead.
type FileReadPayload struct {
	Path string `json:"path"`
}

// FileWritePayload is sent with MsgFileWrite.
type FileWritePayload struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// FileOpPayload is sent with MsgFileOp.
type FileOpPayload struct {
	Op domain.FileOperation `json:"op"`
}

// TerminalExecPayload is sent with MsgTerminalExec. TerminalID is optional;
// commands sharing one run serialized.
type TerminalExecPayload struct {
	Command    string `json:"command"`
	Cwd        string `json:"cwd,omitempty"`
	TerminalID string `json:"terminal_id,omitempty"`
}

// --- Server → Editor payloads ---

// SessionReadyPayload is sent with MsgSessionReady to confirm the session.
type SessionReadyPayload struct {
	SandboxID string `json:"sandbox_id"`
}

// TreePayload is sent with MsgTree in answer to MsgTreeGet.
type TreePayload struct {
	Root        *domain.FileTreeNode `json:"root"`
	Diagnostics []string             `json:"diagnostics,omitempty"`
}

// FileContentPayload is sent with MsgFileContent in answer to MsgFileRead.
type FileContentPayload struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// FileWrittenPayload is sent with MsgFileWritten in answer to MsgFileWrite.
type FileWrittenPayload struct {
	Path string `json:"path"`
}

// FileOpDonePayload is sent with MsgFileOpDone in answer to MsgFileOp.
type FileOpDonePayload struct {
	Op domain.FileOperation `json:"op"`
}

// TerminalResultPayload is sent with MsgTerminalResult when a command
// finishes. A non-zero exit code is a normal result, not an error message.
type TerminalResultPayload struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// TreeStalePayload is pushed with MsgTreeStale after a mutation. Receiving
// it more than once for one mutation is normal; re-fetching is idempotent.
type TreeStalePayload struct {
	ProjectID string    `json:"project_id"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// ErrorPayload is sent with MsgError for failed requests and
// protocol-level errors. Code is the error taxonomy category.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
