package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rryowa/authsessions/internal/models"
	"github.com/rryowa/authsessions/internal/storage"
)

type InMemoryUserDirectory struct {
	mu      sync.RWMutex
	byID    map[uuid.UUID]models.User
	byEmail map[string]uuid.UUID
}

func NewUserRepository() *InMemoryUserDirectory {
	return &InMemoryUserDirectory{
		byID:    make(map[uuid.UUID]models.User),
		byEmail: make(map[string]uuid.UUID),
	}
}

func (d *InMemoryUserDirectory) CreateUser(_ context.Context, email, passwordHash string) (*models.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := strings.ToLower(email)
	if _, ok := d.byEmail[key]; ok {
		return nil, storage.ErrUserExists
	}
	user := models.User{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	d.byID[user.ID] = user
	d.byEmail[key] = user.ID

	return &user, nil
}

func (d *InMemoryUserDirectory) FindByEmail(_ context.Context, email string) (*models.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	id, ok := d.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	user := d.byID[id]
	return &user, nil
}

func (d *InMemoryUserDirectory) FindByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	user, ok := d.byID[id]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	return &user, nil
}
