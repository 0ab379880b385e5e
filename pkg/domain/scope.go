package domain

import (
	"fmt"
	"strings"
)

type ScopeKind string

const (
	ScopeGlobal ScopeKind = "global"
	ScopeRoom   ScopeKind = "room"
	ScopeDirect ScopeKind = "dm"
)

// Scope is the visibility domain of a message or presence record: the global
// feed, one room, or a direct pair of principals. Direct pairs are stored in
// canonical (sorted) order so that both participants derive the same key.
type Scope struct {
	Kind   ScopeKind `json:"kind"`
	RoomID string    `json:"roomId,omitempty"`
	A      string    `json:"a,omitempty"`
	B      string    `json:"b,omitempty"`
}

func GlobalScope() Scope {
	return Scope{Kind: ScopeGlobal}
}

func RoomScope(roomID string) Scope {
	return Scope{Kind: ScopeRoom, RoomID: roomID}
}

// DirectScope builds the canonical scope for a direct pair regardless of
// argument order.
func DirectScope(a, b string) Scope {
	if b < a {
		a, b = b, a
	}
	return Scope{Kind: ScopeDirect, A: a, B: b}
}

// Key returns the stable string form used as the storage and presence key.
func (s Scope) Key() string {
	switch s.Kind {
	case ScopeRoom:
		return "room:" + s.RoomID
	case ScopeDirect:
		return "dm:" + s.A + "|" + s.B
	default:
		return "global"
	}
}

// Includes reports whether the username participates in a direct scope.
// Global and room scopes include everyone; room membership is enforced by the
// access gate, not here.
func (s Scope) Includes(username string) bool {
	if s.Kind != ScopeDirect {
		return true
	}
	return s.A == username || s.B == username
}

// ParseScopeKey is the inverse of Key.
func ParseScopeKey(key string) (Scope, error) {
	switch {
	case key == "global":
		return GlobalScope(), nil
	case strings.HasPrefix(key, "room:"):
		id := strings.TrimPrefix(key, "room:")
		if id == "" {
			return Scope{}, fmt.Errorf("scope key %q: empty room id", key)
		}
		return RoomScope(id), nil
	case strings.HasPrefix(key, "dm:"):
		pair := strings.SplitN(strings.TrimPrefix(key, "dm:"), "|", 2)
		if len(pair) != 2 || pair[0] == "" || pair[1] == "" {
			return Scope{}, fmt.Errorf("scope key %q: malformed direct pair", key)
		}
		return DirectScope(pair[0], pair[1]), nil
	default:
		return Scope{}, fmt.Errorf("unknown scope key %q", key)
	}
}
