package config

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard reading answers from in and prompting on out
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run walks through the connection settings starting from base
func (w *Wizard) Run(base *Config) (*Config, error) {
	cfg := *base
	validator := NewValidator()

	fmt.Fprintln(w.out, "=== walletagent configuration ===")
	fmt.Fprintln(w.out)

	var err error
	if cfg.AuthURL, err = w.askURL(validator, "Auth service URL", "auth_url", cfg.AuthURL, "http", "https"); err != nil {
		return nil, err
	}
	if cfg.AgentURL, err = w.askURL(validator, "Agent websocket URL", "agent_url", cfg.AgentURL, "ws", "wss"); err != nil {
		return nil, err
	}

	appID, err := w.ask("App ID", cfg.AppID)
	if err != nil {
		return nil, err
	}
	cfg.AppID = appID

	style, err := w.ask("Markdown style (auto/dark/light/notty)", cfg.Render.Style)
	if err != nil {
		return nil, err
	}
	if err := validator.ValidateRenderStyle(style); err != nil {
		fmt.Fprintf(w.out, "Warning: %v, keeping %s\n", err, cfg.Render.Style)
	} else {
		cfg.Render.Style = style
	}

	level, err := w.ask("Log level (debug/info/warn/error)", cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	if err := validator.ValidateLogLevel(level); err != nil {
		fmt.Fprintf(w.out, "Warning: %v, keeping %s\n", err, cfg.Logging.Level)
	} else {
		cfg.Logging.Level = level
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Configuration complete!")
	return &cfg, nil
}

func (w *Wizard) askURL(v *Validator, prompt, name, current string, schemes ...string) (string, error) {
	for {
		answer, err := w.ask(prompt, current)
		if err != nil {
			return "", err
		}
		if err := v.ValidateURL(name, answer, schemes...); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		return answer, nil
	}
}

func (w *Wizard) ask(prompt, current string) (string, error) {
	fmt.Fprintf(w.out, "%s [%s]: ", prompt, current)
	line, err := w.reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	if answer := strings.TrimSpace(line); answer != "" {
		return answer, nil
	}
	return current, nil
}
