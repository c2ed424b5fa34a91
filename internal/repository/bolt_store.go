package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	bolt "go.etcd.io/bbolt"

	"voicechat/internal/domain"
)

var conversationsBucket = []byte("conversations")

// BoltStore keeps one key per session in a single bbolt bucket. Values are
// the JSON-encoded message list.
type BoltStore struct {
	db          *bolt.DB
	maxMessages int
}

// NewBoltStore opens (or creates) the database at path.
func NewBoltStore(path string, maxMessages int) (*BoltStore, error) {
	if path == "" {
		return nil, errors.New("repository: bolt path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("repository: create bolt dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("repository: open bolt: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(conversationsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: create bucket: %w", err)
	}
	return &BoltStore{db: db, maxMessages: normalizeMax(maxMessages)}, nil
}

func decodeMessages(v []byte) ([]domain.Message, error) {
	var msgs []domain.Message
	if len(v) == 0 {
		return msgs, nil
	}
	if err := sonic.ConfigStd.Unmarshal(v, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func encodeMessages(msgs []domain.Message) ([]byte, error) {
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return sonic.ConfigStd.Marshal(msgs)
}

func (s *BoltStore) Get(_ context.Context, sessionID string) ([]domain.Message, bool, error) {
	var (
		msgs  []domain.Message
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(conversationsBucket).Get([]byte(sessionID))
		if v == nil {
			return nil
		}
		found = true
		var err error
		msgs, err = decodeMessages(v)
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("repository: bolt get %q: %w", sessionID, err)
	}
	return msgs, found, nil
}

func (s *BoltStore) Append(_ context.Context, sessionID string, msgs ...domain.Message) error {
	id, ok := sessionKey(sessionID)
	if !ok {
		return ErrEmptySessionID
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(conversationsBucket)
		existing, err := decodeMessages(b.Get([]byte(id)))
		if err != nil {
			return err
		}
		enc, err := encodeMessages(trimHistory(append(existing, msgs...), s.maxMessages))
		if err != nil {
			return err
		}
		return b.Put([]byte(id), enc)
	})
	if err != nil {
		return fmt.Errorf("%w: bolt append %q: %v", ErrSaveFailed, id, err)
	}
	return nil
}

func (s *BoltStore) Clear(_ context.Context, sessionID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(conversationsBucket)
		if b.Get([]byte(sessionID)) == nil {
			return nil
		}
		return b.Put([]byte(sessionID), []byte("[]"))
	})
	if err != nil {
		return fmt.Errorf("%w: bolt clear %q: %v", ErrSaveFailed, sessionID, err)
	}
	return nil
}

func (s *BoltStore) Delete(_ context.Context, sessionID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).Delete([]byte(sessionID))
	})
	if err != nil {
		return fmt.Errorf("%w: bolt delete %q: %v", ErrSaveFailed, sessionID, err)
	}
	return nil
}

// List skips malformed values instead of failing the whole listing.
func (s *BoltStore) List(_ context.Context) ([]domain.Conversation, error) {
	var out []domain.Conversation
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).ForEach(func(k, v []byte) error {
			msgs, err := decodeMessages(v)
			if err != nil {
				slog.Warn("skipping malformed conversation", "session_id", string(k), "err", err)
				return nil
			}
			out = append(out, domain.Conversation{SessionID: string(k), Messages: msgs})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("repository: bolt list: %w", err)
	}
	sortConversations(out)
	return out, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
