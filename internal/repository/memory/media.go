package memory

import (
	"context"
	"fmt"

	"github.com/lalith-99/huddle/internal/models"
	"github.com/lalith-99/huddle/internal/repository"
)

type MediaStore struct {
	db *DB
}

func NewMediaStore(db *DB) *MediaStore {
	return &MediaStore{db: db}
}

func (s *MediaStore) Create(_ context.Context, blob *models.MediaBlob) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	if _, ok := s.db.media[blob.ID]; ok {
		return fmt.Errorf("insert media %s: %w", blob.ID, repository.ErrDuplicate)
	}
	b := *blob
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.db.clock.Now()
	}
	s.db.media[b.ID] = &b
	return nil
}

func (s *MediaStore) GetByID(_ context.Context, mediaID string) (*models.MediaBlob, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	b, ok := s.db.media[mediaID]
	if !ok {
		return nil, nil
	}
	out := *b
	return &out, nil
}

func (s *MediaStore) AttachMessage(_ context.Context, mediaID string, messageID int64) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	b, ok := s.db.media[mediaID]
	if !ok {
		return fmt.Errorf("attach media %s: not found", mediaID)
	}
	if b.MessageID == nil {
		id := messageID
		b.MessageID = &id
	}
	return nil
}

func (s *MediaStore) Delete(_ context.Context, mediaID string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	delete(s.db.media, mediaID)
	return nil
}

// Count reports how many blobs exist. Tests use it to assert that a
// cancelled upload left nothing behind.
func (s *MediaStore) Count() int {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	return len(s.db.media)
}
