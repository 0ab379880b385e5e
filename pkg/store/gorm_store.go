package store

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"teamchat/pkg/domain"
)

type GormStoreOptions struct {
	Retry RetryPolicy
}

type GormStoreOption func(*GormStoreOptions)

// WithRetryPolicy overrides the contention retry policy.
func WithRetryPolicy(p RetryPolicy) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.Retry = p
	}
}

// GormStore implements Store on GORM. The dialect is picked from the DSN:
// postgres URLs/keyword DSNs open Postgres, anything else is treated as a
// sqlite file path (the single-process default).
type GormStore struct {
	db    *gorm.DB
	retry RetryPolicy
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{Retry: DefaultRetryPolicy()}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialectorFor(dsn), &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(&PrincipalModel{}, &RoomModel{}, &MessageModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db, retry: opts.Retry}, nil
}

func dialectorFor(dsn string) gorm.Dialector {
	trimmed := strings.TrimSpace(dsn)
	if strings.HasPrefix(trimmed, "postgres://") ||
		strings.HasPrefix(trimmed, "postgresql://") ||
		strings.Contains(trimmed, "host=") {
		return postgres.Open(trimmed)
	}
	return sqlite.Open(trimmed)
}

// principalBootstrapLockID serializes the first-registration admin election
// on postgres, where a plain count-then-insert transaction would not.
const principalBootstrapLockID = 0x7465616d63686174

// CreatePrincipal inserts a principal, reporting ErrDuplicate on a taken
// username rather than overwriting. The emptiness check and the insert run
// in one transaction so the first row is promoted to admin exactly once.
func (s *GormStore) CreatePrincipal(p domain.Principal) (domain.Principal, error) {
	var stored domain.Principal
	err := s.retry.Do(func() error {
		return s.db.Transaction(func(tx *gorm.DB) error {
			stored = p
			if tx.Dialector.Name() == "postgres" {
				if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", int64(principalBootstrapLockID)).Error; err != nil {
					return err
				}
			}
			var count int64
			if err := tx.Model(&PrincipalModel{}).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				stored.Role = domain.RoleAdmin
			}
			model := principalToModel(stored)
			if err := tx.Create(&model).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return fmt.Errorf("principal %q: %w", p.Username, ErrDuplicate)
				}
				return err
			}
			return nil
		})
	})
	if err != nil {
		return domain.Principal{}, err
	}
	return stored, nil
}

// GetPrincipal looks up a principal by username.
func (s *GormStore) GetPrincipal(username string) (domain.Principal, bool, error) {
	var model PrincipalModel
	if err := s.db.First(&model, "username = ?", username).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Principal{}, false, nil
		}
		return domain.Principal{}, false, err
	}
	return principalFromModel(model), true, nil
}

// CreateRoom inserts a room, reporting ErrDuplicate on a taken name.
func (s *GormStore) CreateRoom(r domain.Room) error {
	model := roomToModel(r)
	return s.retry.Do(func() error {
		if err := s.db.Create(&model).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("room %q: %w", r.Name, ErrDuplicate)
			}
			return err
		}
		return nil
	})
}

// GetRoom retrieves a room by id.
func (s *GormStore) GetRoom(id string) (domain.Room, bool, error) {
	var model RoomModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Room{}, false, nil
		}
		return domain.Room{}, false, err
	}
	return roomFromModel(model), true, nil
}

// ListRooms returns all rooms ordered by name.
func (s *GormStore) ListRooms() ([]domain.Room, error) {
	var models []RoomModel
	if err := s.db.Order("name ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	rooms := make([]domain.Room, 0, len(models))
	for _, m := range models {
		rooms = append(rooms, roomFromModel(m))
	}
	return rooms, nil
}

// UpdateRoomSecret replaces the access secret hash of an existing room.
func (s *GormStore) UpdateRoomSecret(id, secretHash string) error {
	return s.retry.Do(func() error {
		res := s.db.Model(&RoomModel{}).Where("id = ?", id).Update("secret_hash", secretHash)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("room %q: %w", id, ErrNotFound)
		}
		return nil
	})
}

// AppendMessage inserts a message and returns its id. The auto-increment
// primary key is the global sequence; the database assigns it atomically with
// the insert, so readers never see an id without its payload.
func (s *GormStore) AppendMessage(msg domain.Message) (int64, error) {
	model := messageToModel(msg)
	if err := s.retry.Do(func() error {
		model.ID = 0
		return s.db.Create(&model).Error
	}); err != nil {
		return 0, err
	}
	return model.ID, nil
}

// MessagesSince returns messages in one scope with id > afterID, ascending.
func (s *GormStore) MessagesSince(scopeKey string, afterID int64, limit int) ([]domain.Message, error) {
	query := s.db.Where("scope_key = ? AND id > ?", scopeKey, afterID).Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var models []MessageModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for _, m := range models {
		msg, err := messageFromModel(m)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// ClearMessages truncates the log for one scope, or the whole log when
// scopeKey is empty. Ids of surviving rows are unchanged.
func (s *GormStore) ClearMessages(scopeKey string) error {
	return s.retry.Do(func() error {
		query := s.db
		if scopeKey == "" {
			query = query.Where("1 = 1")
		} else {
			query = query.Where("scope_key = ?", scopeKey)
		}
		return query.Delete(&MessageModel{}).Error
	})
}

func principalToModel(p domain.Principal) PrincipalModel {
	return PrincipalModel{
		Username:     p.Username,
		PasswordHash: p.PasswordHash,
		Role:         string(p.Role),
		CreatedAt:    p.CreatedAt,
	}
}

func principalFromModel(m PrincipalModel) domain.Principal {
	return domain.Principal{
		Username:     m.Username,
		PasswordHash: m.PasswordHash,
		Role:         domain.Role(m.Role),
		CreatedAt:    m.CreatedAt,
	}
}

func roomToModel(r domain.Room) RoomModel {
	return RoomModel{
		ID:         r.ID,
		Name:       r.Name,
		SecretHash: r.SecretHash,
		CreatedBy:  r.CreatedBy,
		CreatedAt:  r.CreatedAt,
	}
}

func roomFromModel(m RoomModel) domain.Room {
	return domain.Room{
		ID:         m.ID,
		Name:       m.Name,
		SecretHash: m.SecretHash,
		CreatedBy:  m.CreatedBy,
		CreatedAt:  m.CreatedAt,
	}
}

func messageToModel(msg domain.Message) MessageModel {
	return MessageModel{
		ID:        msg.ID,
		Sender:    msg.Sender,
		ScopeKey:  msg.Scope.Key(),
		Kind:      string(msg.Kind),
		Text:      msg.Text,
		FileName:  msg.FileName,
		Data:      msg.Data,
		CreatedAt: msg.CreatedAt,
	}
}

func messageFromModel(m MessageModel) (domain.Message, error) {
	scope, err := domain.ParseScopeKey(m.ScopeKey)
	if err != nil {
		return domain.Message{}, err
	}
	return domain.Message{
		ID:        m.ID,
		Sender:    m.Sender,
		Scope:     scope,
		Kind:      domain.MessageKind(m.Kind),
		Text:      m.Text,
		FileName:  m.FileName,
		Data:      m.Data,
		CreatedAt: m.CreatedAt,
	}, nil
}
