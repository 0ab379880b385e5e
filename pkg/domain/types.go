package domain

import "time"

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

type MessageKind string

const (
	KindText       MessageKind = "text"
	KindAttachment MessageKind = "attachment"
)

type Principal struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
}

type Room struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	SecretHash string    `json:"-"`
	CreatedBy  string    `json:"createdBy"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Message is one row of the append-only log. ID comes from a single global
// sequence, strictly increasing across all scopes, so a client cursor is
// unambiguous even when it observes a mix of scopes.
type Message struct {
	ID        int64       `json:"id"`
	Sender    string      `json:"sender"`
	Scope     Scope       `json:"scope"`
	Kind      MessageKind `json:"kind"`
	Text      string      `json:"text,omitempty"`
	FileName  string      `json:"fileName,omitempty"`
	Data      []byte      `json:"data,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}
