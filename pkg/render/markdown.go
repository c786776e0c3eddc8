package render

import (
	"fmt"

	"github.com/charmbracelet/glamour"
)

// MarkdownRenderer renders markdown for the terminal with glamour.
type MarkdownRenderer struct {
	term *glamour.TermRenderer
}

// NewMarkdownRenderer creates a renderer. An empty or "auto" style picks a
// style from the terminal background; wordWrap <= 0 disables wrapping.
func NewMarkdownRenderer(style string, wordWrap int) (*MarkdownRenderer, error) {
	opts := []glamour.TermRendererOption{glamour.WithWordWrap(wordWrap)}
	if style == "" || style == "auto" {
		opts = append(opts, glamour.WithAutoStyle())
	} else {
		opts = append(opts, glamour.WithStandardStyle(style))
	}

	term, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create markdown renderer: %w", err)
	}
	return &MarkdownRenderer{term: term}, nil
}

// Render formats markdown. glamour panics on some malformed input; that is
// reported as an error so callers fall back to raw text.
func (r *MarkdownRenderer) Render(markdown string) (out string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out, err = "", fmt.Errorf("markdown render panicked: %v", rec)
		}
	}()
	return r.term.Render(markdown)
}
