package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/lalith-99/huddle/internal/models"
	"github.com/lalith-99/huddle/internal/repository"
)

type UserStore struct {
	db *DB
}

func NewUserStore(db *DB) *UserStore {
	return &UserStore{db: db}
}

func (s *UserStore) Create(_ context.Context, user *models.User) (*models.User, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	email := strings.ToLower(user.Email)
	if _, ok := s.db.users[user.ID]; ok {
		return nil, fmt.Errorf("insert user %s: %w", user.ID, repository.ErrDuplicate)
	}
	if _, ok := s.db.usersByEmail[email]; ok && email != "" {
		return nil, fmt.Errorf("insert user %s: %w", email, repository.ErrDuplicate)
	}

	u := *user
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.db.clock.Now()
	}
	s.db.users[u.ID] = &u
	if email != "" {
		s.db.usersByEmail[email] = u.ID
	}
	out := u
	return &out, nil
}

func (s *UserStore) GetByID(_ context.Context, userID string) (*models.User, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	u, ok := s.db.users[userID]
	if !ok {
		return nil, nil
	}
	out := *u
	return &out, nil
}

func (s *UserStore) GetByEmail(_ context.Context, email string) (*models.User, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	id, ok := s.db.usersByEmail[strings.ToLower(email)]
	if !ok {
		return nil, nil
	}
	out := *s.db.users[id]
	return &out, nil
}

func (s *UserStore) ListByIDs(_ context.Context, userIDs []string) ([]models.User, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	users := make([]models.User, 0, len(userIDs))
	for _, id := range userIDs {
		if u, ok := s.db.users[id]; ok {
			users = append(users, *u)
		}
	}
	return users, nil
}
