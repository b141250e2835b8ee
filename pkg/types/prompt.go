// Package types defines the provider-agnostic request, response, and
// catalog types shared across the gateway. Providers translate these to
// their own wire formats; the core never inspects prompt semantics.
package types

import (
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

// Role identifies the author of a prompt message. The set is closed;
// adapters map unknown provider roles into one of these.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether the role is one of the closed set.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	default:
		return false
	}
}

// Message is a single turn in the logical prompt. Content is opaque to
// the core; tool interactions use the ToolCalls / ToolResult fields.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // set on RoleTool results
}

// ToolDescriptor declares a tool the model may call.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// LogicalPrompt is the provider-agnostic structured prompt produced
// upstream. The optional system message is kept out of the message
// sequence so adapters can place it wherever their wire format expects.
type LogicalPrompt struct {
	System       string           `json:"system,omitempty"`
	Messages     []Message        `json:"messages"`
	Tools        []ToolDescriptor `json:"tools,omitempty"`
	OutputSchema json.RawMessage  `json:"output_schema,omitempty"`
}

// Validate checks structural invariants of the prompt.
func (p *LogicalPrompt) Validate() error {
	if len(p.Messages) == 0 {
		return fmt.Errorf("prompt requires at least one message")
	}
	for i, msg := range p.Messages {
		if !msg.Role.Valid() {
			return fmt.Errorf("message %d: invalid role %q", i, msg.Role)
		}
		if msg.Role == RoleTool && msg.ToolCallID == "" {
			return fmt.Errorf("message %d: tool result requires tool_call_id", i)
		}
	}
	seen := make(map[string]struct{}, len(p.Tools))
	for _, tool := range p.Tools {
		if tool.Name == "" {
			return fmt.Errorf("tool descriptor requires a name")
		}
		if _, dup := seen[tool.Name]; dup {
			return fmt.Errorf("duplicate tool name %q", tool.Name)
		}
		seen[tool.Name] = struct{}{}
	}
	return nil
}

// Canonical returns the canonical serialization used for exact cache
// keys: system message, ordered messages, sorted tool names, and the
// output schema. Two prompts with equal canonical forms are treated as
// identical requests.
func (p *LogicalPrompt) Canonical() []byte {
	toolNames := make([]string, 0, len(p.Tools))
	for _, tool := range p.Tools {
		toolNames = append(toolNames, tool.Name)
	}
	sort.Strings(toolNames)

	canonical := struct {
		System   string          `json:"system"`
		Messages []Message       `json:"messages"`
		Tools    []string        `json:"tools"`
		Schema   json.RawMessage `json:"schema"`
	}{
		System:   p.System,
		Messages: p.Messages,
		Tools:    toolNames,
		Schema:   p.OutputSchema,
	}

	data, err := json.Marshal(canonical)
	if err != nil {
		// Marshal of these field types cannot fail; keep a non-nil key anyway.
		return []byte(p.System)
	}
	return data
}

// SemanticText returns the text embedded for semantic cache lookups:
// the system message concatenated with the last n user messages.
func (p *LogicalPrompt) SemanticText(lastUserMessages int) string {
	var users []string
	for i := len(p.Messages) - 1; i >= 0 && len(users) < lastUserMessages; i-- {
		if p.Messages[i].Role == RoleUser {
			users = append(users, p.Messages[i].Content)
		}
	}
	// Restore chronological order.
	for i, j := 0, len(users)-1; i < j; i, j = i+1, j-1 {
		users[i], users[j] = users[j], users[i]
	}

	parts := make([]string, 0, len(users)+1)
	if p.System != "" {
		parts = append(parts, p.System)
	}
	parts = append(parts, users...)
	return strings.Join(parts, "\n")
}
