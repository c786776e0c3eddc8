// Package render turns an incrementally streamed markdown response into
// renderable units. A Buffer holds text until it reaches a block boundary
// and never emits part of an open code fence.
package render

import (
	"strings"

	"github.com/harun/walletagent/internal/metrics"
)

// Boundary kinds reported to metrics.
const (
	BoundaryParagraph = "paragraph"
	BoundaryBlock     = "block"
	BoundaryFinal     = "final"
)

// Renderer formats a complete markdown fragment for display.
type Renderer interface {
	Render(markdown string) (string, error)
}

// Buffer accumulates streamed text and decides when a prefix is safe to render.
// It is not safe for concurrent use; a stream has a single consumer.
type Buffer struct {
	renderer Renderer
	metrics  *metrics.Metrics

	pending strings.Builder
	// scanned is the offset of the first line not yet examined
	scanned int

	inFence   bool
	fenceChar byte
	fenceLen  int

	// breakAt is the end of the first blank line outside a fence, or -1
	breakAt int
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithMetrics records flushes by boundary kind.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Buffer) {
		b.metrics = m
	}
}

// NewBuffer creates a Buffer. A nil renderer emits raw markdown.
func NewBuffer(renderer Renderer, opts ...Option) *Buffer {
	b := &Buffer{renderer: renderer, breakAt: -1}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Push appends text and returns a rendered chunk when a safe boundary has been
// reached. It returns false while inside a code fence or when no boundary exists.
func (b *Buffer) Push(text string) (string, bool) {
	if text == "" {
		return "", false
	}
	b.pending.WriteString(text)
	b.scan()

	if b.inFence {
		return "", false
	}

	buf := b.pending.String()

	if b.breakAt >= 0 {
		chunk := buf[:b.breakAt]
		b.keep(buf[b.breakAt:])
		return b.render(chunk, BoundaryParagraph), true
	}

	if strings.HasSuffix(buf, "\n") && isStandaloneBlock(lastLine(buf)) {
		b.keep("")
		return b.render(buf, BoundaryBlock), true
	}

	return "", false
}

// Flush renders and clears everything buffered, even inside an unclosed fence.
func (b *Buffer) Flush() (string, bool) {
	buf := b.pending.String()
	b.Reset()
	if buf == "" {
		return "", false
	}
	return b.render(buf, BoundaryFinal), true
}

// Reset discards buffered text and fence state without rendering.
func (b *Buffer) Reset() {
	b.keep("")
}

// Pending returns the unflushed text.
func (b *Buffer) Pending() string {
	return b.pending.String()
}

// InFence reports whether an unclosed code fence is buffered.
func (b *Buffer) InFence() bool {
	return b.inFence
}

// keep replaces the buffer with rest and recomputes state for it.
func (b *Buffer) keep(rest string) {
	b.pending.Reset()
	b.pending.WriteString(rest)
	b.scanned = 0
	b.inFence = false
	b.fenceChar = 0
	b.fenceLen = 0
	b.breakAt = -1
	if rest != "" {
		b.scan()
	}
}

// scan examines complete lines appended since the last scan. A trailing
// partial line is left for the next push.
func (b *Buffer) scan() {
	buf := b.pending.String()
	for {
		nl := strings.IndexByte(buf[b.scanned:], '\n')
		if nl < 0 {
			return
		}
		start := b.scanned
		end := start + nl
		line := strings.TrimSuffix(buf[start:end], "\r")
		b.scanned = end + 1

		if b.inFence {
			if isFenceClose(line, b.fenceChar, b.fenceLen) {
				b.inFence = false
				b.fenceChar = 0
				b.fenceLen = 0
			}
			continue
		}

		if char, n, ok := fenceOpen(line); ok {
			b.inFence = true
			b.fenceChar = char
			b.fenceLen = n
			continue
		}

		if line == "" && start > 0 && b.breakAt < 0 {
			b.breakAt = end + 1
		}
	}
}

func (b *Buffer) render(chunk, boundary string) (out string) {
	b.metrics.RecordFlush(boundary)
	if b.renderer == nil {
		return chunk
	}

	defer func() {
		if r := recover(); r != nil {
			out = chunk
		}
	}()

	rendered, err := b.renderer.Render(chunk)
	if err != nil {
		return chunk
	}
	return rendered
}

// fenceOpen reports whether line opens a code fence, returning the fence
// character and run length.
func fenceOpen(line string) (byte, int, bool) {
	line = trimIndent(line)
	if len(line) < 3 || (line[0] != '`' && line[0] != '~') {
		return 0, 0, false
	}
	char := line[0]
	n := runLength(line, char)
	if n < 3 {
		return 0, 0, false
	}
	if char == '`' && strings.IndexByte(line[n:], '`') >= 0 {
		return 0, 0, false
	}
	return char, n, true
}

// isFenceClose reports whether line closes a fence opened with char repeated
// at least n times.
func isFenceClose(line string, char byte, n int) bool {
	line = trimIndent(line)
	run := runLength(line, char)
	if run < n {
		return false
	}
	return strings.TrimSpace(line[run:]) == ""
}

// trimIndent strips up to three leading spaces; deeper indentation is not a fence.
func trimIndent(line string) string {
	for i := 0; i < 3 && strings.HasPrefix(line, " "); i++ {
		line = line[1:]
	}
	return line
}

func runLength(s string, char byte) int {
	n := 0
	for n < len(s) && s[n] == char {
		n++
	}
	return n
}

// lastLine returns the line terminated by the final newline of buf.
func lastLine(buf string) string {
	body := strings.TrimSuffix(buf, "\n")
	if i := strings.LastIndexByte(body, '\n'); i >= 0 {
		body = body[i+1:]
	}
	return strings.TrimSuffix(body, "\r")
}

// isStandaloneBlock reports whether line is a complete single-line block: an
// ATX header or a thematic break.
func isStandaloneBlock(line string) bool {
	return isHeader(line) || isRule(line)
}

func isHeader(line string) bool {
	n := runLength(line, '#')
	return n >= 1 && n <= 6 && len(line) > n && line[n] == ' '
}

func isRule(line string) bool {
	line = strings.TrimRight(line, " \t")
	if len(line) < 3 {
		return false
	}
	char := line[0]
	if char != '-' && char != '*' && char != '_' {
		return false
	}
	return runLength(line, char) == len(line)
}
