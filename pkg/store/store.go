package store

import (
	"errors"

	"teamchat/pkg/domain"
)

var (
	// ErrDuplicate reports an insert-if-absent conflict (username or room name).
	ErrDuplicate = errors.New("already exists")
	// ErrNotFound reports an update against a missing row.
	ErrNotFound = errors.New("not found")
)

// Store defines persistence operations for principals, rooms, and the
// message log. Implementations must make every mutation atomic with respect
// to concurrent callers; message ids come from one global sequence.
type Store interface {
	// principals
	//
	// CreatePrincipal is insert-if-absent and also the admin bootstrap: when
	// the principal table is empty, the row is stored with the admin role.
	// The emptiness check and the insert are one atomic step, so concurrent
	// first registrations elect exactly one admin. Returns the stored row.
	CreatePrincipal(domain.Principal) (domain.Principal, error)
	GetPrincipal(username string) (domain.Principal, bool, error)

	// rooms
	CreateRoom(domain.Room) error
	GetRoom(id string) (domain.Room, bool, error)
	ListRooms() ([]domain.Room, error)
	UpdateRoomSecret(id, secretHash string) error

	// messages
	AppendMessage(domain.Message) (int64, error)
	MessagesSince(scopeKey string, afterID int64, limit int) ([]domain.Message, error)
	ClearMessages(scopeKey string) error
}

// SessionStore persists login session tokens.
type SessionStore interface {
	NewSession(username string) (string, error)
	GetUsernameByToken(token string) (string, bool, error)
	DeleteSession(token string) error
}
