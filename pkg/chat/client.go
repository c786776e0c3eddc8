// Package chat is the client side of the agent conversation protocol: a
// websocket carrying JSON frames for plugin registration, streamed replies
// and tool call round trips.
package chat

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/harun/walletagent/pkg/plugin"
)

const writeTimeout = 10 * time.Second

var toolNameRegex = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{0,63}$`)

// Client is a connection to the agent service. It implements
// plugin.ChatClient.
type Client struct {
	conn           *websocket.Conn
	logger         zerolog.Logger
	conversationID string

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Frame

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to the agent service, authenticating with the session token.
func Dial(ctx context.Context, logger zerolog.Logger, url, token string) (*Client, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to agent (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("failed to connect to agent: %w", err)
	}
	return NewClient(logger, conn), nil
}

// NewClient wraps an established connection and starts reading from it.
func NewClient(logger zerolog.Logger, conn *websocket.Conn) *Client {
	c := &Client{
		conn:           conn,
		logger:         logger.With().Str("component", "chat-client").Logger(),
		conversationID: uuid.NewString(),
		pending:        make(map[string]chan Frame),
		closed:         make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// ConversationID identifies the conversation this client carries.
func (c *Client) ConversationID() string {
	return c.conversationID
}

// Activate validates a plugin's tools and advertises it to the agent.
func (c *Client) Activate(ctx context.Context, instance *plugin.Instance) error {
	if err := validateTools(instance.Tools); err != nil {
		return fmt.Errorf("plugin %s: %w", instance.Name, err)
	}

	_, err := c.request(ctx, Frame{
		Type: FrameRegisterPlugin,
		Plugin: &PluginFrame{
			Name:    instance.Name,
			Version: instance.Version,
			Tools:   instance.Tools,
		},
	})
	if err != nil {
		return err
	}
	c.logger.Debug().Str("plugin", instance.Name).Int("tools", len(instance.Tools)).Msg("Plugin activated")
	return nil
}

// Deactivate withdraws a plugin from the agent.
func (c *Client) Deactivate(ctx context.Context, name string) error {
	_, err := c.request(ctx, Frame{Type: FrameUnregisterPlugin, Name: name})
	return err
}

// Stream sends messages and consumes the streamed reply. Text deltas are passed
// to onDelta as they arrive; tool calls are executed through tools and
// answered before the agent continues. It returns the full reply text.
func (c *Client) Stream(ctx context.Context, messages []Message, tools ToolRouter, onDelta func(string)) (string, error) {
	id := gonanoid.Must()
	frames := c.subscribe(id)
	defer c.unsubscribe(id)

	if err := c.write(Frame{Type: FrameChat, ID: id, ConversationID: c.conversationID, Messages: messages}); err != nil {
		return "", err
	}

	var reply strings.Builder
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-c.closed:
			return "", c.closedErr()
		case f := <-frames:
			switch f.Type {
			case FrameText:
				reply.WriteString(f.Text)
				if onDelta != nil {
					onDelta(f.Text)
				}
			case FrameToolCall:
				if err := c.answerToolCall(ctx, id, f, tools); err != nil {
					return "", err
				}
			case FrameDone:
				return reply.String(), nil
			case FrameError:
				return "", &RemoteError{Message: f.Error}
			default:
				c.logger.Debug().Str("type", f.Type).Msg("Ignoring unexpected frame")
			}
		}
	}
}

// Chat sends messages and waits for the complete reply without tools. Plugins
// use it to call back into the model.
func (c *Client) Chat(ctx context.Context, messages []Message) (string, error) {
	return c.Stream(ctx, messages, nil, nil)
}

func (c *Client) answerToolCall(ctx context.Context, id string, call Frame, tools ToolRouter) error {
	resp := Frame{Type: FrameToolResult, ID: id, CallID: call.CallID, Tool: call.Tool}

	if tools == nil {
		resp.Error = "tools are not available in this conversation"
	} else {
		start := time.Now()
		result, err := tools.Execute(ctx, call.Tool, call.Args)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Result = result
		}
		c.logger.Debug().
			Str("tool", call.Tool).
			Str("call_id", call.CallID).
			Dur("took", time.Since(start)).
			Bool("ok", err == nil).
			Msg("Tool call answered")
	}

	return c.write(resp)
}

// request sends f with a fresh ID and waits for the matching ack or error.
func (c *Client) request(ctx context.Context, f Frame) (Frame, error) {
	f.ID = gonanoid.Must()
	frames := c.subscribe(f.ID)
	defer c.unsubscribe(f.ID)

	if err := c.write(f); err != nil {
		return Frame{}, err
	}

	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-c.closed:
		return Frame{}, c.closedErr()
	case resp := <-frames:
		if resp.Type == FrameError {
			return resp, &RemoteError{Message: resp.Error}
		}
		return resp, nil
	}
}

func (c *Client) write(f Frame) error {
	select {
	case <-c.closed:
		return c.closedErr()
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if err := c.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("failed to send %s frame: %w", f.Type, err)
	}
	return nil
}

func (c *Client) subscribe(id string) chan Frame {
	ch := make(chan Frame, 64)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return ch
}

func (c *Client) unsubscribe(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// readLoop dispatches incoming frames to the request that owns their ID.
func (c *Client) readLoop() {
	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn().Err(err).Msg("Agent connection lost")
			}
			c.shutdown(err)
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		c.mu.Unlock()
		if !ok {
			c.logger.Debug().Str("type", f.Type).Str("id", f.ID).Msg("Dropping frame without a waiting request")
			continue
		}

		select {
		case ch <- f:
		case <-c.closed:
			return
		}
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.closed)
	})
}

func (c *Client) closedErr() error {
	if c.closeErr != nil {
		return fmt.Errorf("%w: %v", ErrClosed, c.closeErr)
	}
	return ErrClosed
}

// Close sends a close frame and tears down the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	c.shutdown(nil)
	return c.conn.Close()
}

// validateTools checks tool names and that each parameter schema compiles.
func validateTools(tools []plugin.ToolDescriptor) error {
	for _, tool := range tools {
		if !toolNameRegex.MatchString(tool.Name) {
			return fmt.Errorf("invalid tool name %q", tool.Name)
		}
		if tool.Parameters == nil {
			continue
		}
		if _, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(tool.Parameters)); err != nil {
			return fmt.Errorf("tool %s has an invalid parameter schema: %w", tool.Name, err)
		}
	}
	return nil
}
