package repository

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"voicechat/internal/domain"
)

// document is the on-disk layout of the history file.
type document struct {
	LastSaved     string                      `json:"last_saved"`
	Conversations map[string][]domain.Message `json:"conversations"`
}

// FileStore keeps every conversation in memory and rewrites a single JSON
// document on each change. Writes go to a temp file that is renamed over the
// target, so the file on disk is always a complete document.
type FileStore struct {
	mu            sync.Mutex
	path          string
	maxMessages   int
	conversations map[string][]domain.Message
	now           func() time.Time
}

// NewFileStore loads path if it exists. A missing file starts an empty
// history; an unreadable or corrupt file is moved aside to path+".corrupt"
// and an empty history is used.
func NewFileStore(path string, maxMessages int) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("repository: history file path must not be empty")
	}
	s := &FileStore{
		path:          path,
		maxMessages:   normalizeMax(maxMessages),
		conversations: map[string][]domain.Message{},
		now:           time.Now,
	}
	s.load()
	return s, nil
}

func (s *FileStore) load() {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Info("no existing history file, starting fresh", "path", s.path)
		return
	}
	if err == nil {
		var doc document
		if err = sonic.ConfigStd.Unmarshal(data, &doc); err == nil {
			for id, msgs := range doc.Conversations {
				s.conversations[id] = trimHistory(msgs, s.maxMessages)
			}
			slog.Info("loaded conversation history", "path", s.path, "sessions", len(s.conversations))
			return
		}
	}

	slog.Warn("could not load history file", "path", s.path, "err", err)
	if renameErr := os.Rename(s.path, s.path+".corrupt"); renameErr != nil && !errors.Is(renameErr, fs.ErrNotExist) {
		slog.Warn("could not move unreadable history file aside", "path", s.path, "err", renameErr)
	}
}

func (s *FileStore) Get(_ context.Context, sessionID string) ([]domain.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs, ok := s.conversations[sessionID]
	if !ok {
		return nil, false, nil
	}
	return cloneMessages(msgs), true, nil
}

func (s *FileStore) Append(_ context.Context, sessionID string, msgs ...domain.Message) error {
	id, ok := sessionKey(sessionID)
	if !ok {
		return ErrEmptySessionID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := append(cloneMessages(s.conversations[id]), msgs...)
	s.conversations[id] = trimHistory(next, s.maxMessages)
	return s.persistLocked()
}

// Clear empties a session but keeps it known. Unknown sessions are a no-op.
func (s *FileStore) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[sessionID]; !ok {
		return nil
	}
	s.conversations[sessionID] = []domain.Message{}
	return s.persistLocked()
}

func (s *FileStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[sessionID]; !ok {
		return nil
	}
	delete(s.conversations, sessionID)
	return s.persistLocked()
}

func (s *FileStore) List(_ context.Context) ([]domain.Conversation, error) {
	s.mu.Lock()
	out := make([]domain.Conversation, 0, len(s.conversations))
	for id, msgs := range s.conversations {
		out = append(out, domain.Conversation{SessionID: id, Messages: cloneMessages(msgs)})
	}
	s.mu.Unlock()

	sortConversations(out)
	return out, nil
}

// Close flushes the current history to disk.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

func (s *FileStore) persistLocked() error {
	conversations := make(map[string][]domain.Message, len(s.conversations))
	for id, msgs := range s.conversations {
		if msgs == nil {
			msgs = []domain.Message{}
		}
		conversations[id] = msgs
	}
	data, err := sonic.ConfigStd.MarshalIndent(document{
		LastSaved:     s.now().Format(time.RFC3339),
		Conversations: conversations,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrSaveFailed, err)
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		return err
	}
	slog.Debug("saved conversation history", "path", s.path, "sessions", len(conversations))
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSaveFailed, path, err)
	}

	tmp, err := os.CreateTemp(dir, ".history-*")
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSaveFailed, path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %v", ErrSaveFailed, path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %v", ErrSaveFailed, path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %v", ErrSaveFailed, path, err)
	}
	return nil
}
