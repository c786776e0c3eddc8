package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/harun/walletagent/pkg/chat"
	"github.com/harun/walletagent/pkg/plugin"
	"github.com/harun/walletagent/pkg/render"
	"github.com/harun/walletagent/pkg/session"
)

const helpText = `Commands:
  /help                          show this help
  /plugins                       list plugins and their state
  /tools                         list tools of enabled plugins
  /enable <plugin>               enable a plugin
  /disable <plugin>              disable a plugin
  /secret <plugin> <name> <val>  store a plugin secret and reload the plugin
  /clear                         start a new conversation
  /exit                          quit`

// streamer is the part of the chat client the shell uses.
type streamer interface {
	Stream(ctx context.Context, messages []chat.Message, tools chat.ToolRouter, onDelta func(string)) (string, error)
}

// shell is the interactive chat loop.
type shell struct {
	out         io.Writer
	logger      zerolog.Logger
	client      streamer
	manager     *plugin.Manager
	buffer      *render.Buffer
	transcripts *session.Manager
	history     *session.History

	conversationID string
	messages       []chat.Message
}

func (s *shell) run(ctx context.Context, in io.Reader) error {
	fmt.Fprintln(s.out, titleStyle.Render("walletagent")+mutedStyle.Render(" type /help for commands"))

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		fmt.Fprint(s.out, promptStyle.Render("> "))
		if !scanner.Scan() {
			fmt.Fprintln(s.out)
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if s.history != nil {
			if err := s.history.Add(line); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to save input history")
			}
		}

		if strings.HasPrefix(line, "/") {
			if quit := s.command(ctx, line); quit {
				return nil
			}
			continue
		}

		if err := s.turn(ctx, line); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintln(s.out, errorStyle.Render("Error: ")+err.Error())
			if errors.Is(err, chat.ErrClosed) {
				return err
			}
		}
	}
}

// command handles a slash command and reports whether the shell should exit.
func (s *shell) command(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/exit", "/quit":
		return true
	case "/help":
		fmt.Fprintln(s.out, helpText)
	case "/plugins":
		s.printPlugins()
	case "/tools":
		s.printTools()
	case "/enable", "/disable":
		if len(fields) != 2 {
			fmt.Fprintf(s.out, "Usage: %s <plugin>\n", fields[0])
			return false
		}
		enable := fields[0] == "/enable"
		var ok bool
		if enable {
			ok = s.manager.Enable(ctx, fields[1])
		} else {
			ok = s.manager.Disable(ctx, fields[1])
		}
		if !ok {
			fmt.Fprintln(s.out, errorStyle.Render("Error: ")+fmt.Sprintf("could not %s %s", fields[0][1:], fields[1]))
			return false
		}
		fmt.Fprintf(s.out, "%s is now %s\n", fields[1], stateLabel(enable))
	case "/secret":
		if len(fields) < 4 {
			fmt.Fprintln(s.out, "Usage: /secret <plugin> <name> <value>")
			return false
		}
		value := strings.Join(fields[3:], " ")
		if err := s.manager.SetSecret(ctx, fields[1], fields[2], value); err != nil {
			fmt.Fprintln(s.out, errorStyle.Render("Error: ")+err.Error())
			return false
		}
		fmt.Fprintf(s.out, "Stored %s and reloaded %s\n", fields[2], fields[1])
	case "/clear":
		s.conversationID = session.NewConversationID()
		s.messages = nil
		s.buffer.Reset()
		fmt.Fprintln(s.out, mutedStyle.Render("Started a new conversation"))
	default:
		fmt.Fprintf(s.out, "Unknown command %s, try /help\n", fields[0])
	}
	return false
}

// turn sends one user message and streams the reply through the render buffer.
func (s *shell) turn(ctx context.Context, text string) error {
	user := chat.Message{Role: "user", Content: text}
	s.record(user)

	msgs := make([]chat.Message, 0, len(s.messages)+2)
	if sys := s.manager.GetSystemMessage(); sys != nil {
		msgs = append(msgs, chat.Message{Role: sys.Role, Content: sys.Content})
	}
	msgs = append(msgs, s.messages...)
	msgs = append(msgs, user)

	reply, err := s.client.Stream(ctx, msgs, s.manager, func(delta string) {
		if out, ok := s.buffer.Push(delta); ok {
			fmt.Fprint(s.out, out)
		}
	})
	if err != nil {
		s.buffer.Reset()
		return err
	}
	if out, ok := s.buffer.Flush(); ok {
		fmt.Fprint(s.out, out)
	}
	fmt.Fprintln(s.out)

	assistant := chat.Message{Role: "assistant", Content: reply}
	s.messages = append(s.messages, user, assistant)
	s.record(assistant)
	return nil
}

func (s *shell) record(msg chat.Message) {
	if s.transcripts == nil || msg.Content == "" {
		return
	}
	if err := s.transcripts.Append(s.conversationID, session.Message{Role: msg.Role, Content: msg.Content}); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to save transcript")
	}
}

func (s *shell) printPlugins() {
	infos := s.manager.List()
	if len(infos) == 0 {
		fmt.Fprintln(s.out, mutedStyle.Render("No plugins loaded"))
		return
	}
	for _, info := range infos {
		fmt.Fprintf(s.out, "%s %s %s %s\n",
			nameStyle.Render(info.Name), "v"+info.Version, stateLabel(info.Enabled),
			mutedStyle.Render(fmt.Sprintf("%d tools", info.ToolCount)))
	}
}

func (s *shell) printTools() {
	tools := s.manager.GetTools()
	if len(tools) == 0 {
		fmt.Fprintln(s.out, mutedStyle.Render("No tools available"))
		return
	}
	for _, tool := range tools {
		fmt.Fprintf(s.out, "%s %s %s\n", nameStyle.Render(tool.Name), mutedStyle.Render("("+tool.Plugin+")"), tool.Description)
	}
}
