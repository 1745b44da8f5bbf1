// Package logstore persists conversation logs as append-only JSONL files.
//
// A log directory contains conversation.jsonl (the primary branch), an
// optional branches/ directory with named alternative continuations, a
// config.toml chat config, and an optional workspace symlink. A single
// advisory file lock guards writers; readers may open unlocked and tolerate
// stale reads.
package logstore

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/gptme/gptme/pkg/models"
)

const (
	primaryLogName = "conversation.jsonl"
	branchesDir    = "branches"
	lockName       = ".lock"
)

var (
	// ErrNotFound is returned when a conversation directory does not exist.
	ErrNotFound = errors.New("logstore: conversation not found")

	// ErrLocked is returned when the writer lock is held by another process.
	ErrLocked = errors.New("logstore: log is locked by another writer")

	// ErrBranchExists is returned when forking onto an existing branch name.
	ErrBranchExists = errors.New("logstore: branch already exists")
)

// Manager opens and enumerates conversation logs under a root directory.
type Manager struct {
	root string
}

// NewManager creates a manager rooted at dir, creating it if needed.
func NewManager(dir string) (*Manager, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("logstore: root directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logstore: create root: %w", err)
	}
	return &Manager{root: dir}, nil
}

// Root returns the root logs directory.
func (m *Manager) Root() string { return m.root }

// Dir returns the directory for a conversation id.
func (m *Manager) Dir(id string) string { return filepath.Join(m.root, id) }

// Exists reports whether a conversation log exists.
func (m *Manager) Exists(id string) bool {
	_, err := os.Stat(filepath.Join(m.Dir(id), primaryLogName))
	return err == nil
}

// ConversationMeta summarizes a conversation for listings.
type ConversationMeta struct {
	ID       string    `json:"id"`
	Name     string    `json:"name,omitempty"`
	Messages int       `json:"messages"`
	Modified time.Time `json:"modified"`
	Branches []string  `json:"branches,omitempty"`
}

// List returns conversation metadata ordered by modification time, newest
// first, limited to limit entries (0 = unlimited).
func (m *Manager) List(limit int) ([]ConversationMeta, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("logstore: list: %w", err)
	}
	var metas []ConversationMeta
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		logPath := filepath.Join(m.root, e.Name(), primaryLogName)
		info, err := os.Stat(logPath)
		if err != nil {
			continue
		}
		meta := ConversationMeta{ID: e.Name(), Modified: info.ModTime()}
		if cfg, err := LoadChatConfig(filepath.Join(m.root, e.Name())); err == nil {
			meta.Name = cfg.Chat.Name
		}
		if msgs, err := readJSONL(logPath); err == nil {
			meta.Messages = len(msgs)
		}
		meta.Branches = m.branchNames(e.Name())
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Modified.After(metas[j].Modified) })
	if limit > 0 && len(metas) > limit {
		metas = metas[:limit]
	}
	return metas, nil
}

func (m *Manager) branchNames(id string) []string {
	entries, err := os.ReadDir(filepath.Join(m.Dir(id), branchesDir))
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".jsonl") {
			names = append(names, strings.TrimSuffix(e.Name(), ".jsonl"))
		}
	}
	sort.Strings(names)
	return names
}

// Open opens a conversation log. When lock is true an exclusive advisory
// lock is acquired and held until Close; readers pass lock=false and
// tolerate stale reads.
func (m *Manager) Open(id string, lock bool) (*Log, error) {
	dir := m.Dir(id)
	if _, err := os.Stat(filepath.Join(dir, primaryLogName)); err != nil {
		return nil, ErrNotFound
	}
	return openLog(dir, lock)
}

// Create initializes a new conversation directory with the given initial
// messages. The first message must have role system.
func (m *Manager) Create(id string, initial []models.Message) (*Log, error) {
	dir := m.Dir(id)
	if m.Exists(id) {
		return nil, fmt.Errorf("logstore: conversation %q exists", id)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logstore: create dir: %w", err)
	}
	if len(initial) > 0 && initial[0].Role != models.RoleSystem {
		return nil, errors.New("logstore: first message must be a system message")
	}
	log, err := openLog(dir, true)
	if err != nil {
		return nil, err
	}
	for _, msg := range initial {
		if err := log.Append(msg); err != nil {
			_ = log.Close()
			return nil, err
		}
	}
	return log, nil
}

// Delete removes a conversation directory entirely.
func (m *Manager) Delete(id string) error {
	dir := m.Dir(id)
	if _, err := os.Stat(dir); err != nil {
		return ErrNotFound
	}
	return os.RemoveAll(dir)
}

// Fork copies the source conversation's primary log into a new conversation
// directory under the given id.
func (m *Manager) Fork(srcID, dstID string) error {
	src, err := m.Open(srcID, false)
	if err != nil {
		return err
	}
	defer src.Close()
	msgs, err := src.Read()
	if err != nil {
		return err
	}
	dst, err := m.Create(dstID, nil)
	if err != nil {
		return err
	}
	defer dst.Close()
	for _, msg := range msgs {
		if err := dst.Append(msg); err != nil {
			return err
		}
	}
	if cfg, err := LoadChatConfig(m.Dir(srcID)); err == nil {
		cfg.Chat.Name = ""
		_ = SaveChatConfig(m.Dir(dstID), cfg)
	}
	return nil
}

// Log is one conversation's on-disk log. Branch selects which file appends
// and reads target; the empty branch is the primary conversation.jsonl.
type Log struct {
	dir    string
	branch string
	lock   *flock.Flock
}

func openLog(dir string, lock bool) (*Log, error) {
	l := &Log{dir: dir}
	if lock {
		fl := flock.New(filepath.Join(dir, lockName))
		ok, err := fl.TryLock()
		if err != nil {
			return nil, fmt.Errorf("logstore: lock: %w", err)
		}
		if !ok {
			return nil, ErrLocked
		}
		l.lock = fl
	}
	return l, nil
}

// Close releases the writer lock, if held.
func (l *Log) Close() error {
	if l.lock != nil {
		err := l.lock.Unlock()
		l.lock = nil
		return err
	}
	return nil
}

// Dir returns the conversation directory.
func (l *Log) Dir() string { return l.dir }

// Branch returns the active branch name; empty means primary.
func (l *Log) Branch() string { return l.branch }

// SetBranch switches subsequent reads and appends to the named branch.
// Passing "" or "main" selects the primary log.
func (l *Log) SetBranch(name string) {
	if name == "main" {
		name = ""
	}
	l.branch = name
}

func (l *Log) path() string {
	if l.branch == "" {
		return filepath.Join(l.dir, primaryLogName)
	}
	return filepath.Join(l.dir, branchesDir, l.branch+".jsonl")
}

// Read returns the full message sequence of the active branch.
func (l *Log) Read() ([]models.Message, error) {
	return readJSONL(l.path())
}

// Append writes one message to the end of the active branch. The write goes
// through a temp file rename of the appended line batch so a crash cannot
// leave a torn line.
func (l *Log) Append(msg models.Message) error {
	if !msg.Role.Valid() {
		return fmt.Errorf("logstore: invalid role %q", msg.Role)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	path := l.path()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("logstore: append: %w", err)
	}
	line, err := marshalMessage(msg)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("logstore: append: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("logstore: append: %w", err)
	}
	return f.Sync()
}

// Truncate rewrites the active branch keeping only the first n messages.
func (l *Log) Truncate(n int) error {
	msgs, err := l.Read()
	if err != nil {
		return err
	}
	if n < 0 || n > len(msgs) {
		n = len(msgs)
	}
	return l.rewrite(msgs[:n])
}

// Undo removes the last n messages from the active branch and returns them.
func (l *Log) Undo(n int) ([]models.Message, error) {
	msgs, err := l.Read()
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	if n <= 0 {
		n = 1
	}
	if n > len(msgs) {
		n = len(msgs)
	}
	removed := msgs[len(msgs)-n:]
	if err := l.rewrite(msgs[:len(msgs)-n]); err != nil {
		return nil, err
	}
	return removed, nil
}

func (l *Log) rewrite(msgs []models.Message) error {
	path := l.path()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("logstore: rewrite: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("logstore: rewrite: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, msg := range msgs {
		line, err := marshalMessage(msg)
		if err != nil {
			_ = f.Close()
			return err
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			_ = f.Close()
			return fmt.Errorf("logstore: rewrite: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("logstore: rewrite: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("logstore: rewrite: %w", err)
	}
	return os.Rename(tmp, path)
}

// ForkBranch creates a named branch sharing all messages of the active
// branch up to the branch point, and switches to it.
func (l *Log) ForkBranch(name string) error {
	if strings.TrimSpace(name) == "" || name == "main" {
		return errors.New("logstore: invalid branch name")
	}
	dst := filepath.Join(l.dir, branchesDir, name+".jsonl")
	if _, err := os.Stat(dst); err == nil {
		return ErrBranchExists
	}
	msgs, err := l.Read()
	if err != nil {
		return err
	}
	prev := l.branch
	l.branch = name
	if err := l.rewrite(msgs); err != nil {
		l.branch = prev
		return err
	}
	return nil
}

// ReplaceLeadingSystem swaps the content of the leading system prompt,
// preserving the rest of the log. Config changes that affect the prompt
// (model, tools, tool format) go through this.
func (l *Log) ReplaceLeadingSystem(content string) error {
	msgs, err := l.Read()
	if err != nil {
		return err
	}
	if len(msgs) == 0 || msgs[0].Role != models.RoleSystem {
		return errors.New("logstore: log has no leading system message")
	}
	msgs[0] = msgs[0].WithContent(content)
	return l.rewrite(msgs)
}

// LastAssistantIndex returns the index of the last assistant message, or -1.
func LastAssistantIndex(msgs []models.Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleAssistant {
			return i
		}
	}
	return -1
}

// marshalMessage encodes a message with deterministic field ordering
// (struct order is stable under encoding/json).
func marshalMessage(msg models.Message) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("logstore: encode message: %w", err)
	}
	return b, nil
}

// readJSONL reads one message per line, skipping trailing garbage left by a
// crashed writer.
func readJSONL(path string) ([]models.Message, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("logstore: read: %w", err)
	}
	defer f.Close()

	var msgs []models.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			// Torn trailing line from a crashed writer; stop here.
			break
		}
		msgs = append(msgs, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("logstore: read: %w", err)
	}
	return msgs, nil
}
