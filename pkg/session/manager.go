package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const transcriptExt = ".jsonl"

// Message represents a single conversation turn
type Message struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Entry is one line of a transcript file.
type Entry struct {
	ConversationID string  `json:"conversationId"`
	Message        Message `json:"message"`
}

// Info describes a stored transcript.
type Info struct {
	ConversationID string    `json:"conversationId"`
	Size           int64     `json:"size"`
	LastModified   time.Time `json:"lastModified"`
	MessageCount   int       `json:"messageCount"`
}

// Manager stores conversation transcripts in a directory.
type Manager struct {
	dir    string
	logger zerolog.Logger

	locksMu    sync.Mutex
	writeLocks map[string]*sync.Mutex
}

// New creates a transcript manager rooted at dir, creating it if needed.
func New(logger zerolog.Logger, dir string) (*Manager, error) {
	if dir == "" {
		return nil, fmt.Errorf("transcript directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}

	return &Manager{
		dir:        dir,
		logger:     logger.With().Str("component", "session").Logger(),
		writeLocks: make(map[string]*sync.Mutex),
	}, nil
}

// NewConversationID returns a fresh conversation id.
func NewConversationID() string {
	return uuid.NewString()
}

func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("conversation id cannot be empty")
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("conversation id cannot contain '..'")
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("conversation id cannot contain path separators")
	}
	if strings.Contains(id, "\x00") {
		return fmt.Errorf("conversation id cannot contain null bytes")
	}
	return nil
}

func (m *Manager) path(id string) string {
	return filepath.Join(m.dir, id+transcriptExt)
}

func (m *Manager) lock(id string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	if l, ok := m.writeLocks[id]; ok {
		return l
	}
	l := &sync.Mutex{}
	m.writeLocks[id] = l
	return l
}

// Append adds a message to a conversation transcript.
func (m *Manager) Append(id string, message Message) error {
	if err := validateID(id); err != nil {
		return err
	}
	if message.Role == "" {
		return fmt.Errorf("message role cannot be empty")
	}
	if message.Content == "" {
		return fmt.Errorf("message content cannot be empty")
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}

	l := m.lock(id)
	l.Lock()
	defer l.Unlock()

	data, err := json.Marshal(Entry{ConversationID: id, Message: message})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	file, err := os.OpenFile(m.path(id), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open transcript: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync transcript: %w", err)
	}

	m.logger.Debug().Str("conversation_id", id).Str("role", message.Role).Msg("Message appended")
	return nil
}

// Load reads every valid entry of a transcript. A missing transcript is empty.
func (m *Manager) Load(id string) ([]Entry, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	file, err := os.Open(m.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer file.Close()

	entries := []Entry{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			m.logger.Warn().Str("conversation_id", id).Int("line", lineNum).Err(err).Msg("Failed to parse line, skipping")
			continue
		}
		if entry.Message.Role == "" || entry.Message.Content == "" {
			m.logger.Warn().Str("conversation_id", id).Int("line", lineNum).Msg("Invalid entry, skipping")
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}

	return entries, nil
}

// Messages returns the messages of a transcript in order.
func (m *Manager) Messages(id string) ([]Message, error) {
	entries, err := m.Load(id)
	if err != nil {
		return nil, err
	}
	msgs := make([]Message, len(entries))
	for i, e := range entries {
		msgs[i] = e.Message
	}
	return msgs, nil
}

// Delete removes a transcript.
func (m *Manager) Delete(id string) error {
	if err := validateID(id); err != nil {
		return err
	}

	l := m.lock(id)
	l.Lock()
	err := os.Remove(m.path(id))
	l.Unlock()

	m.locksMu.Lock()
	delete(m.writeLocks, id)
	m.locksMu.Unlock()

	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete transcript: %w", err)
	}
	m.logger.Debug().Str("conversation_id", id).Msg("Transcript deleted")
	return nil
}

// List returns stored transcripts, most recently modified first.
func (m *Manager) List() ([]Info, error) {
	dirEntries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read transcript directory: %w", err)
	}

	var infos []Info
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, transcriptExt) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		infos = append(infos, Info{
			ConversationID: strings.TrimSuffix(name, transcriptExt),
			Size:           info.Size(),
			LastModified:   info.ModTime(),
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].LastModified.After(infos[j].LastModified)
	})
	return infos, nil
}

// Info returns metadata about one transcript.
func (m *Manager) Info(id string) (Info, error) {
	if err := validateID(id); err != nil {
		return Info{}, err
	}

	stat, err := os.Stat(m.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Info{}, fmt.Errorf("transcript %s does not exist", id)
		}
		return Info{}, fmt.Errorf("failed to stat transcript: %w", err)
	}

	entries, err := m.Load(id)
	if err != nil {
		return Info{}, err
	}

	return Info{
		ConversationID: id,
		Size:           stat.Size(),
		LastModified:   stat.ModTime(),
		MessageCount:   len(entries),
	}, nil
}

// Repair rewrites a transcript keeping only its valid entries.
func (m *Manager) Repair(id string) error {
	entries, err := m.Load(id)
	if err != nil {
		return err
	}

	l := m.lock(id)
	l.Lock()
	defer l.Unlock()

	path := m.path(id)
	tmp := path + ".tmp"

	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	w := bufio.NewWriter(file)
	enc := json.NewEncoder(w)
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			file.Close()
			os.Remove(tmp)
			return fmt.Errorf("failed to write entry: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write transcript: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace transcript: %w", err)
	}

	m.logger.Info().Str("conversation_id", id).Int("entries", len(entries)).Msg("Transcript repaired")
	return nil
}

// Prune deletes transcripts not modified within maxAge and returns how many
// were removed.
func (m *Manager) Prune(maxAge time.Duration) (int, error) {
	infos, err := m.List()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, info := range infos {
		if info.LastModified.After(cutoff) {
			continue
		}
		if err := m.Delete(info.ConversationID); err != nil {
			m.logger.Warn().Err(err).Str("conversation_id", info.ConversationID).Msg("Failed to prune transcript")
			continue
		}
		removed++
	}

	if removed > 0 {
		m.logger.Info().Int("removed", removed).Dur("max_age", maxAge).Msg("Old transcripts pruned")
	}
	return removed, nil
}
