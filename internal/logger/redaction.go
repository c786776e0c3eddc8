package logger

import (
	"io"
	"regexp"
	"sort"
	"strings"
	"sync"
)

const redacted = "[REDACTED]"

// minTrackedLen keeps short values from masking ordinary words.
const minTrackedLen = 6

// rule masks one kind of sensitive value. Replacements may reference
// submatches so field names stay readable in the log.
type rule struct {
	name        string
	re          *regexp.Regexp
	replacement string
}

func defaultRules() []rule {
	return []rule{
		// wallet session tokens
		{"session-token", regexp.MustCompile(`eyJ[A-Za-z0-9_-]{5,}\.[A-Za-z0-9_-]{5,}\.[A-Za-z0-9_-]*`), redacted},
		{"bearer", regexp.MustCompile(`(Bearer\s+)[A-Za-z0-9._~+/-]+=*`), "${1}" + redacted},
		{"api-key", regexp.MustCompile(`sk-[A-Za-z0-9_-]{20,}`), redacted},
		// raw 32-byte hex keys
		{"hex-key", regexp.MustCompile(`0x[0-9a-fA-F]{64}`), redacted},
		{"sensitive-field", regexp.MustCompile(
			`(?i)("?[a-z_]*(?:password|passphrase|ciphertext|plaintext|private_?key|secret_?(?:key|value))[a-z_]*"?\s*[:=]\s*"?)[^\s",}]+`),
			"${1}" + redacted},
	}
}

// Redactor masks session tokens, keys, secret ciphertexts and any decrypted
// secret value it has been told about.
type Redactor struct {
	mu     sync.RWMutex
	rules  []rule
	values []string
}

// NewRedactor creates a redactor with the default rules.
func NewRedactor() *Redactor {
	return &Redactor{rules: defaultRules()}
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.rules = append(r.rules, rule{name: "custom", re: re, replacement: redacted})
	r.mu.Unlock()
	return nil
}

// Track masks every later occurrence of value verbatim. It is meant for
// plaintexts that match no pattern, such as decrypted plugin secrets.
func (r *Redactor) Track(value string) {
	if len(value) < minTrackedLen {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.values {
		if v == value {
			return
		}
	}
	r.values = append(r.values, value)
	// longest first so a value containing another is masked whole
	sort.Slice(r.values, func(i, j int) bool { return len(r.values[i]) > len(r.values[j]) })
}

// Redact masks tracked values, then applies the rules in order.
func (r *Redactor) Redact(s string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, v := range r.values {
		s = strings.ReplaceAll(s, v, redacted)
	}
	for _, rl := range r.rules {
		s = rl.re.ReplaceAllString(s, rl.replacement)
	}
	return s
}

// Wrap returns a writer that redacts each write before passing it on.
// zerolog issues one write per event, so a value never straddles two writes.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success; redaction changes the byte count.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(w.writer, w.redactor.Redact(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}
