package postgres

import (
	"database/sql"

	"github.com/rryowa/authsessions/internal/storage"
)

var _ storage.Storage = (*Storage)(nil)

// Storage serves users and sessions from one database.
type Storage struct {
	*UserRepository
	*SessionRepository
}

func NewStorage(db *sql.DB) *Storage {
	return &Storage{
		UserRepository:    NewUserRepository(db),
		SessionRepository: NewSessionRepository(db),
	}
}
