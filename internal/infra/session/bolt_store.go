package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/declue/aipilot/internal/domain"
)

var sessionsBucket = []byte("sessions")

// BoltSnapshotStore keeps snapshots in a local bbolt file.
type BoltSnapshotStore struct {
	mu     sync.RWMutex
	db     *bolt.DB
	closed bool
}

func OpenBoltSnapshotStore(path string) (*BoltSnapshotStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(trimmed), 0o755); err != nil {
		return nil, fmt.Errorf("ensure store dir: %w", err)
	}
	db, err := bolt.Open(trimmed, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure sessions bucket: %w", err)
	}
	return &BoltSnapshotStore{db: db}, nil
}

func (s *BoltSnapshotStore) Load(_ context.Context, sessionID string) ([]byte, error) {
	var data []byte
	err := s.view(func(tx *bolt.Tx) error {
		value := tx.Bucket(sessionsBucket).Get([]byte(sessionID))
		if value == nil {
			return domain.ErrSessionNotFound
		}
		data = append([]byte(nil), value...)
		return nil
	})
	return data, err
}

func (s *BoltSnapshotStore) Save(_ context.Context, sessionID string, data []byte) error {
	return s.update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(sessionsBucket).Put([]byte(sessionID), data); err != nil {
			return fmt.Errorf("write session %s: %w", sessionID, err)
		}
		return nil
	})
}

func (s *BoltSnapshotStore) Delete(_ context.Context, sessionID string) error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete([]byte(sessionID))
	})
}

func (s *BoltSnapshotStore) List(context.Context) ([]string, error) {
	var ids []string
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).ForEach(func(key, _ []byte) error {
			ids = append(ids, string(key))
			return nil
		})
	})
	return ids, err
}

func (s *BoltSnapshotStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *BoltSnapshotStore) view(fn func(tx *bolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return domain.ErrStoreClosed
	}
	return s.db.View(fn)
}

func (s *BoltSnapshotStore) update(fn func(tx *bolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return domain.ErrStoreClosed
	}
	return s.db.Update(fn)
}

var _ domain.SnapshotStore = (*BoltSnapshotStore)(nil)
