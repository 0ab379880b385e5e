package store

import (
	"fmt"
	"sort"
	"sync"

	"teamchat/pkg/domain"
)

// MemoryStore keeps all state in-process behind one mutex. It backs tests and
// ephemeral deployments; semantics mirror GormStore, including the single
// global message sequence.
type MemoryStore struct {
	mu         sync.RWMutex
	principals map[string]domain.Principal
	rooms      map[string]domain.Room
	roomNames  map[string]string // name -> room ID
	messages   []domain.Message
	nextID     int64
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		principals: make(map[string]domain.Principal),
		rooms:      make(map[string]domain.Room),
		roomNames:  make(map[string]string),
		nextID:     1,
	}
}

// CreatePrincipal inserts a principal if the username is free. The first
// row ever stored is promoted to admin under the same lock as the insert.
func (m *MemoryStore) CreatePrincipal(p domain.Principal) (domain.Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.principals[p.Username]; exists {
		return domain.Principal{}, fmt.Errorf("principal %q: %w", p.Username, ErrDuplicate)
	}
	if len(m.principals) == 0 {
		p.Role = domain.RoleAdmin
	}
	m.principals[p.Username] = p
	return p, nil
}

// GetPrincipal looks up a principal by username.
func (m *MemoryStore) GetPrincipal(username string) (domain.Principal, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.principals[username]
	return p, ok, nil
}

// CreateRoom inserts a room if the name is free.
func (m *MemoryStore) CreateRoom(r domain.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.roomNames[r.Name]; exists {
		return fmt.Errorf("room %q: %w", r.Name, ErrDuplicate)
	}
	m.rooms[r.ID] = r
	m.roomNames[r.Name] = r.ID
	return nil
}

// GetRoom retrieves a room by id.
func (m *MemoryStore) GetRoom(id string) (domain.Room, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	return r, ok, nil
}

// ListRooms returns all rooms ordered by name.
func (m *MemoryStore) ListRooms() ([]domain.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rooms := make([]domain.Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Name < rooms[j].Name })
	return rooms, nil
}

// UpdateRoomSecret replaces the secret hash of an existing room.
func (m *MemoryStore) UpdateRoomSecret(id, secretHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[id]
	if !ok {
		return fmt.Errorf("room %q: %w", id, ErrNotFound)
	}
	room.SecretHash = secretHash
	m.rooms[id] = room
	return nil
}

// AppendMessage assigns the next global id and stores the message.
func (m *MemoryStore) AppendMessage(msg domain.Message) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg.ID = m.nextID
	m.nextID++
	m.messages = append(m.messages, msg)
	return msg.ID, nil
}

// MessagesSince returns messages in one scope with id > afterID, ascending.
func (m *MemoryStore) MessagesSince(scopeKey string, afterID int64, limit int) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []domain.Message
	for _, msg := range m.messages {
		if msg.ID <= afterID || msg.Scope.Key() != scopeKey {
			continue
		}
		res = append(res, msg)
		if limit > 0 && len(res) == limit {
			break
		}
	}
	return res, nil
}

// ClearMessages drops one scope's messages, or all when scopeKey is empty.
func (m *MemoryStore) ClearMessages(scopeKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if scopeKey == "" {
		m.messages = nil
		return nil
	}
	kept := m.messages[:0]
	for _, msg := range m.messages {
		if msg.Scope.Key() != scopeKey {
			kept = append(kept, msg)
		}
	}
	m.messages = kept
	return nil
}
