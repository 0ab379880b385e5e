package store

import "time"

// GORM models used for persistence.
type PrincipalModel struct {
	Username     string `gorm:"primaryKey"`
	PasswordHash string `gorm:"not null"`
	Role         string `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

type RoomModel struct {
	ID         string `gorm:"primaryKey"`
	Name       string `gorm:"uniqueIndex;not null"`
	SecretHash string `gorm:"not null"`
	CreatedBy  string `gorm:"not null;index"`
	CreatedAt  time.Time `gorm:"not null"`
}

type MessageModel struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	Sender    string `gorm:"not null;index"`
	ScopeKey  string `gorm:"not null;index"`
	Kind      string `gorm:"not null"`
	Text      string `gorm:"type:text"`
	FileName  string
	Data      []byte    `gorm:"type:blob"`
	CreatedAt time.Time `gorm:"not null;index"`
}
