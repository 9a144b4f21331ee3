// Package assist defines the provider-agnostic interface for code
// suggestions. The service treats the language model as a black box: code
// in, structured suggestion out, with no access to workspace internals.
package assist

import (
	"context"
	"fmt"
	"strings"
)

const (
	// cursorMarker is inserted into the code at the cursor offset so the
	// model knows where the completion is wanted.
	cursorMarker = "<|cursor|>"

	defaultMaxTokens = 1024
)

// Provider is the abstraction over any suggestion backend.
type Provider interface {
	// Suggest returns a suggestion for the given code context.
	Suggest(ctx context.Context, req *Request) (*Suggestion, error)
	// Name returns the provider identifier (e.g. "anthropic").
	Name() string
}

// Request is one suggestion request from the editor.
type Request struct {
	Code         string `json:"code"`
	Path         string `json:"path,omitempty"`         // File path, used as a language hint.
	CursorOffset int    `json:"cursorOffset,omitempty"` // Byte offset into Code; <=0 means end.
	Instruction  string `json:"instruction,omitempty"`  // Optional user instruction.
	MaxTokens    int    `json:"maxTokens,omitempty"`
}

// Suggestion is the structured result returned to the editor.
type Suggestion struct {
	Text     string `json:"text"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// MaxTokensOrDefault returns the requested token budget with a default.
func (r *Request) MaxTokensOrDefault() int {
	if r.MaxTokens > 0 {
		return r.MaxTokens
	}
	return defaultMaxTokens
}

// SystemPrompt is the instruction shared by all backends.
const SystemPrompt = "You are a code assistant embedded in an online IDE. " +
	"Reply with only the code or edit requested, no surrounding prose and no markdown fences."

// BuildUserPrompt renders the request into a single user message: the code
// with the cursor marked, plus the file path and any instruction.
func BuildUserPrompt(req *Request) string {
	code := req.Code
	if off := req.CursorOffset; off > 0 && off <= len(code) {
		code = code[:off] + cursorMarker + code[off:]
	}

	var b strings.Builder
	if req.Path != "" {
		fmt.Fprintf(&b, "File: %s\n", req.Path)
	}
	if req.Instruction != "" {
		fmt.Fprintf(&b, "Instruction: %s\n", req.Instruction)
	} else {
		fmt.Fprintf(&b, "Continue the code at the %s marker.\n", cursorMarker)
	}
	b.WriteString("\n")
	b.WriteString(code)
	return b.String()
}
