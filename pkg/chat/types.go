package chat

import (
	"context"
	"errors"

	"github.com/harun/walletagent/pkg/plugin"
)

// ErrClosed is returned once the connection to the agent is gone.
var ErrClosed = errors.New("chat connection closed")

// Frame types exchanged with the agent service.
const (
	FrameRegisterPlugin   = "register_plugin"
	FrameUnregisterPlugin = "unregister_plugin"
	FrameChat             = "chat"
	FrameText             = "text"
	FrameToolCall         = "tool_call"
	FrameToolResult       = "tool_result"
	FrameDone             = "done"
	FrameAck              = "ack"
	FrameError            = "error"
)

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PluginFrame describes a plugin advertised to the agent.
type PluginFrame struct {
	Name    string                  `json:"name"`
	Version string                  `json:"version"`
	Tools   []plugin.ToolDescriptor `json:"tools"`
}

// Frame is the single envelope used in both directions. ID correlates a
// request with every frame the agent sends in response to it.
type Frame struct {
	Type           string         `json:"type"`
	ID             string         `json:"id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Plugin         *PluginFrame   `json:"plugin,omitempty"`
	Name           string         `json:"name,omitempty"`
	Messages       []Message      `json:"messages,omitempty"`
	Text           string         `json:"text,omitempty"`
	CallID         string         `json:"call_id,omitempty"`
	Tool           string         `json:"tool,omitempty"`
	Args           map[string]any `json:"args,omitempty"`
	Result         any            `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// ToolRouter executes tool calls requested by the agent.
type ToolRouter interface {
	Execute(ctx context.Context, toolName string, args map[string]any) (any, error)
}

// RemoteError is an error reported by the agent service.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "agent error: " + e.Message
}
