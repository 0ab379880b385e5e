package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"teamchat/internal/roomtoken"
	"teamchat/internal/util"
	"teamchat/pkg/auth"
	"teamchat/pkg/domain"
	"teamchat/pkg/presence"
	"teamchat/pkg/store"
)

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string

	SessionTTL      time.Duration
	PresenceTimeout time.Duration
	TypingTimeout   time.Duration

	RoomTokenSecret string
	RoomTokenTTL    time.Duration

	MaxAttachmentBytes int64

	// Injectable for tests.
	Store      store.Store
	Sessions   store.SessionStore
	Presence   *presence.Tracker
	RoomTokens *roomtoken.Signer
}

// App is the core chat service: identity, rooms, the message log with its
// visibility rules, and presence. It is stateless with respect to "who is
// asking"; the acting principal is an explicit parameter on every operation.
type App struct {
	store      store.Store
	sessions   store.SessionStore
	presence   *presence.Tracker
	roomTokens *roomtoken.Signer

	presenceTimeout    time.Duration
	typingTimeout      time.Duration
	maxAttachmentBytes int64
}

// New constructs the application with database storage, redis-backed presence
// and sessions, and the room grant signer.
func New(cfg Config) (*App, error) {
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.PresenceTimeout == 0 {
		cfg.PresenceTimeout = 30 * time.Second
	}
	if cfg.TypingTimeout == 0 {
		cfg.TypingTimeout = 4 * time.Second
	}
	if cfg.TypingTimeout >= cfg.PresenceTimeout {
		return nil, fmt.Errorf("typing timeout (%s) must be shorter than presence timeout (%s)",
			cfg.TypingTimeout, cfg.PresenceTimeout)
	}
	if cfg.MaxAttachmentBytes == 0 {
		cfg.MaxAttachmentBytes = 8 << 20
	}

	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init store: %w", err)
		}
	}

	sessions := cfg.Sessions
	if sessions == nil {
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return nil, fmt.Errorf("redis addr required for sessions")
		}
		sessions = store.NewRedisSessionStore(cfg.RedisAddr, cfg.RedisPassword, cfg.SessionTTL)
	}

	tracker := cfg.Presence
	if tracker == nil {
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return nil, fmt.Errorf("redis addr required for presence")
		}
		tracker = presence.NewTracker(cfg.RedisAddr, cfg.RedisPassword)
	}

	roomTokens := cfg.RoomTokens
	if roomTokens == nil {
		var err error
		roomTokens, err = roomtoken.NewSigner(cfg.RoomTokenSecret, cfg.RoomTokenTTL)
		if err != nil {
			return nil, fmt.Errorf("init room token signer: %w", err)
		}
	}

	return &App{
		store:              dataStore,
		sessions:           sessions,
		presence:           tracker,
		roomTokens:         roomTokens,
		presenceTimeout:    cfg.PresenceTimeout,
		typingTimeout:      cfg.TypingTimeout,
		maxAttachmentBytes: cfg.MaxAttachmentBytes,
	}, nil
}

// PresenceTimeout reports the configured presence staleness window.
func (a *App) PresenceTimeout() time.Duration { return a.presenceTimeout }

// Register creates a principal. The first principal becomes admin.
func (a *App) Register(username, password string) (domain.Principal, error) {
	username = strings.TrimSpace(username)
	if username == "" || strings.ContainsAny(username, "|: ") {
		return domain.Principal{}, ErrInvalidUsername
	}
	if password == "" {
		return domain.Principal{}, ErrPasswordRequired
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return domain.Principal{}, fmt.Errorf("hash password: %w", err)
	}
	created, err := a.store.CreatePrincipal(domain.Principal{
		Username:     username,
		PasswordHash: hash,
		Role:         domain.RoleUser,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return domain.Principal{}, ErrUsernameTaken
		}
		return domain.Principal{}, fmt.Errorf("create principal: %w", err)
	}
	return created, nil
}

// Login validates credentials and issues a session token. The token also
// serves as the presence session id for this connection.
func (a *App) Login(username, password string) (domain.Principal, string, error) {
	p, ok, err := a.store.GetPrincipal(strings.TrimSpace(username))
	if err != nil {
		return domain.Principal{}, "", fmt.Errorf("lookup principal: %w", err)
	}
	if !ok || !auth.CheckPassword(password, p.PasswordHash) {
		return domain.Principal{}, "", ErrInvalidCredentials
	}
	token, err := a.sessions.NewSession(p.Username)
	if err != nil {
		return domain.Principal{}, "", fmt.Errorf("new session: %w", err)
	}
	return p, token, nil
}

// Logout drops the session and every presence row it produced.
func (a *App) Logout(ctx context.Context, token string) error {
	if err := a.sessions.DeleteSession(token); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if err := a.presence.DropSession(ctx, token); err != nil {
		return fmt.Errorf("drop presence: %w", err)
	}
	return nil
}

// PrincipalByToken resolves a session token to its principal.
func (a *App) PrincipalByToken(token string) (domain.Principal, bool, error) {
	username, ok, err := a.sessions.GetUsernameByToken(token)
	if err != nil || !ok {
		return domain.Principal{}, false, err
	}
	return a.store.GetPrincipal(username)
}

// CreateRoom registers a room with an access secret.
func (a *App) CreateRoom(creator domain.Principal, name, secret string) (domain.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Room{}, ErrRoomNameRequired
	}
	if secret == "" {
		return domain.Room{}, ErrRoomSecretRequired
	}
	hash, err := auth.HashPassword(secret)
	if err != nil {
		return domain.Room{}, fmt.Errorf("hash room secret: %w", err)
	}
	room := domain.Room{
		ID:         uuid.NewString(),
		Name:       name,
		SecretHash: hash,
		CreatedBy:  creator.Username,
		CreatedAt:  time.Now().UTC(),
	}
	if err := a.store.CreateRoom(room); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return domain.Room{}, ErrRoomNameTaken
		}
		return domain.Room{}, fmt.Errorf("create room: %w", err)
	}
	return room, nil
}

// Rooms lists all rooms, ordered by name.
func (a *App) Rooms() ([]domain.Room, error) {
	return a.store.ListRooms()
}

// JoinRoom validates the secret and grants a room-scope token. It does not
// create a presence record; that is the client's next heartbeat.
func (a *App) JoinRoom(user domain.Principal, roomID, secret string) (string, error) {
	room, ok, err := a.store.GetRoom(roomID)
	if err != nil {
		return "", fmt.Errorf("lookup room: %w", err)
	}
	if !ok {
		return "", ErrRoomNotFound
	}
	if !auth.CheckPassword(secret, room.SecretHash) {
		return "", ErrWrongRoomSecret
	}
	token, err := a.roomTokens.Mint(user.Username, room.ID)
	if err != nil {
		return "", fmt.Errorf("mint room token: %w", err)
	}
	return token, nil
}

// VerifyRoomGrant checks a room token and reports whether it grants the user
// access to the room.
func (a *App) VerifyRoomGrant(token string, user domain.Principal, roomID string) bool {
	username, grantedRoom, err := a.roomTokens.Verify(token)
	if err != nil {
		return false
	}
	return username == user.Username && grantedRoom == roomID
}

// RotateSecret replaces a room's access secret. Grants issued before the
// rotation stay valid until their tokens expire.
func (a *App) RotateSecret(actor domain.Principal, roomID, newSecret string) error {
	if actor.Role != domain.RoleAdmin {
		return ErrNotAdmin
	}
	if newSecret == "" {
		return ErrRoomSecretRequired
	}
	hash, err := auth.HashPassword(newSecret)
	if err != nil {
		return fmt.Errorf("hash room secret: %w", err)
	}
	if err := a.store.UpdateRoomSecret(roomID, hash); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrRoomNotFound
		}
		return fmt.Errorf("update room secret: %w", err)
	}
	return nil
}

// SendText appends a text message and clears the sender's typing signal.
func (a *App) SendText(ctx context.Context, sender domain.Principal, scope domain.Scope, text string) (int64, error) {
	if strings.TrimSpace(text) == "" {
		return 0, ErrEmptyMessage
	}
	if err := a.validateScope(sender, scope); err != nil {
		return 0, err
	}
	id, err := a.store.AppendMessage(domain.Message{
		Sender:    sender.Username,
		Scope:     scope,
		Kind:      domain.KindText,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return 0, err
	}
	a.clearTypingBestEffort(ctx, sender.Username, scope)
	return id, nil
}

// SendAttachment appends a binary attachment, stored inline with the message.
func (a *App) SendAttachment(ctx context.Context, sender domain.Principal, scope domain.Scope, fileName string, data []byte) (int64, error) {
	if len(data) == 0 {
		return 0, ErrEmptyAttachment
	}
	if int64(len(data)) > a.maxAttachmentBytes {
		return 0, ErrAttachmentTooLarge
	}
	if strings.TrimSpace(fileName) == "" {
		fileName = "attachment"
	}
	if err := a.validateScope(sender, scope); err != nil {
		return 0, err
	}
	id, err := a.store.AppendMessage(domain.Message{
		Sender:    sender.Username,
		Scope:     scope,
		Kind:      domain.KindAttachment,
		FileName:  fileName,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return 0, err
	}
	a.clearTypingBestEffort(ctx, sender.Username, scope)
	return id, nil
}

// Read returns the messages visible to the viewer in the scope with
// id > sinceID, ascending. It is a pure filter over the log: direct scopes
// resolve to the canonical pair key, so only the two participants can ever
// name a key that matches.
func (a *App) Read(viewer domain.Principal, scope domain.Scope, sinceID int64, limit int) ([]domain.Message, error) {
	if err := a.validateScope(viewer, scope); err != nil {
		return nil, err
	}
	return a.store.MessagesSince(scope.Key(), sinceID, limit)
}

// Clear truncates the log: the whole thing when roomID is empty, otherwise
// just that room's messages. Surviving ids are unchanged.
func (a *App) Clear(actor domain.Principal, roomID string) error {
	if actor.Role != domain.RoleAdmin {
		return ErrNotAdmin
	}
	if roomID == "" {
		return a.store.ClearMessages("")
	}
	_, ok, err := a.store.GetRoom(roomID)
	if err != nil {
		return fmt.Errorf("lookup room: %w", err)
	}
	if !ok {
		return ErrRoomNotFound
	}
	return a.store.ClearMessages(domain.RoomScope(roomID).Key())
}

// Heartbeat upserts the caller's presence in a scope.
func (a *App) Heartbeat(ctx context.Context, sessionID string, user domain.Principal, scope domain.Scope) error {
	if err := a.validateScope(user, scope); err != nil {
		return err
	}
	return a.presence.Heartbeat(ctx, sessionID, user.Username, scope.Key())
}

// Online returns distinct usernames currently present in the scope.
func (a *App) Online(ctx context.Context, scope domain.Scope) ([]string, error) {
	return a.presence.Online(ctx, scope.Key(), a.presenceTimeout)
}

// StartTyping records a typing signal for the user in the scope.
func (a *App) StartTyping(ctx context.Context, user domain.Principal, scope domain.Scope) error {
	return a.presence.MarkTyping(ctx, user.Username, scope.Key())
}

// StopTyping clears the typing signal, e.g. when the input box was emptied.
func (a *App) StopTyping(ctx context.Context, user domain.Principal, scope domain.Scope) error {
	return a.presence.ClearTyping(ctx, user.Username, scope.Key())
}

// TypingUsers returns who is typing in the scope, excluding the caller.
func (a *App) TypingUsers(ctx context.Context, user domain.Principal, scope domain.Scope) ([]string, error) {
	return a.presence.Typing(ctx, scope.Key(), a.typingTimeout, user.Username)
}

// ReapPresence sweeps stale presence and typing rows across all scopes.
func (a *App) ReapPresence(ctx context.Context) error {
	return a.presence.Reap(ctx, a.presenceTimeout, a.typingTimeout)
}

// validateScope checks scope referents: the room must exist, a direct peer
// must be a known principal, and the caller must participate in a direct
// scope. Messages into dangling scopes are rejected, not silently dropped.
func (a *App) validateScope(user domain.Principal, scope domain.Scope) error {
	switch scope.Kind {
	case domain.ScopeGlobal:
		return nil
	case domain.ScopeRoom:
		_, ok, err := a.store.GetRoom(scope.RoomID)
		if err != nil {
			return fmt.Errorf("lookup room: %w", err)
		}
		if !ok {
			return ErrRoomNotFound
		}
		return nil
	case domain.ScopeDirect:
		if !scope.Includes(user.Username) {
			return ErrScopeForbidden
		}
		peer := scope.A
		if peer == user.Username {
			peer = scope.B
		}
		_, ok, err := a.store.GetPrincipal(peer)
		if err != nil {
			return fmt.Errorf("lookup peer: %w", err)
		}
		if !ok {
			return ErrPeerNotFound
		}
		return nil
	default:
		return ErrScopeForbidden
	}
}

func (a *App) clearTypingBestEffort(ctx context.Context, username string, scope domain.Scope) {
	if err := a.presence.ClearTyping(ctx, username, scope.Key()); err != nil {
		util.LoggerFromContext(ctx).Warn("clear typing failed", "user", username, "scope", scope.Key(), "err", err)
	}
}
