package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"teamchat/internal/app"
	"teamchat/internal/ratelimit"
	"teamchat/internal/util"
	"teamchat/pkg/domain"
	"teamchat/pkg/store"
)

const (
	jsonBodyLimit       = 1 << 20
	attachmentBodyLimit = 32 << 20
	roomTokenHeader     = "X-Room-Token"
)

var errRoomGrantRequired = errors.New("valid room grant required")

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	Limiter        *ratelimit.FixedWindowLimiter
	TrustedProxies *util.TrustedProxies
}

// Server exposes the chat core as an HTTP/JSON API for polling clients.
type Server struct {
	app     *app.App
	limiter *ratelimit.FixedWindowLimiter
	trusted *util.TrustedProxies
	mux     *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:     cfg.App,
		limiter: cfg.Limiter,
		trusted: cfg.TrustedProxies,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler with the middleware chain applied.
func (s *Server) Router() http.Handler {
	return util.WithSecurityHeaders(util.WithCORS(util.WithRequestID(util.WithRequestLog(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.Handle("/auth/register", s.withRateLimit(http.HandlerFunc(s.handleRegister)))
	s.mux.Handle("/auth/login", s.withRateLimit(http.HandlerFunc(s.handleLogin)))
	s.mux.Handle("/auth/logout", s.withUser(s.handleLogout))

	s.mux.Handle("/rooms", s.withUser(s.handleRooms))
	s.mux.Handle("/rooms/join", s.withUser(s.handleJoinRoom))
	s.mux.Handle("/admin/rooms/rotate", s.withUser(s.handleRotateSecret))

	s.mux.Handle("/presence/heartbeat", s.withUser(s.handleHeartbeat))
	s.mux.Handle("/presence/online", s.withUser(s.handleOnline))
	s.mux.Handle("/typing/start", s.withUser(s.handleTypingStart))
	s.mux.Handle("/typing/stop", s.withUser(s.handleTypingStop))
	s.mux.Handle("/typing", s.withUser(s.handleTyping))

	s.mux.Handle("/messages/text", s.withUser(s.handleSendText))
	s.mux.Handle("/messages/attachment", s.withUser(s.handleSendAttachment))
	s.mux.Handle("/messages", s.withUser(s.handleReadMessages))
	s.mux.Handle("/admin/messages/clear", s.withUser(s.handleClear))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow(util.ClientIP(r, s.trusted)) {
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type userHandler func(http.ResponseWriter, *http.Request, string, domain.Principal)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, ok, err := s.app.PrincipalByToken(token)
		if err != nil {
			util.LoggerFromContext(r.Context()).Error("resolve session", "err", err)
			writeError(w, http.StatusInternalServerError, "session lookup failed")
			return
		}
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, token, user)
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req credentialsRequest
	if !decodeJSON(w, r, jsonBodyLimit, &req) {
		return
	}
	p, err := s.app.Register(req.Username, req.Password)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"username": p.Username, "role": p.Role})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req credentialsRequest
	if !decodeJSON(w, r, jsonBodyLimit, &req) {
		return
	}
	p, token, err := s.app.Login(req.Username, req.Password)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "username": p.Username, "role": p.Role})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, token string, _ domain.Principal) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := s.app.Logout(r.Context(), token); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request, _ string, user domain.Principal) {
	switch r.Method {
	case http.MethodGet:
		rooms, err := s.app.Rooms()
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"rooms": rooms})
	case http.MethodPost:
		var req struct {
			Name   string `json:"name"`
			Secret string `json:"secret"`
		}
		if !decodeJSON(w, r, jsonBodyLimit, &req) {
			return
		}
		room, err := s.app.CreateRoom(user, req.Name, req.Secret)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, room)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleJoinRoom(w http.ResponseWriter, r *http.Request, _ string, user domain.Principal) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		RoomID string `json:"roomId"`
		Secret string `json:"secret"`
	}
	if !decodeJSON(w, r, jsonBodyLimit, &req) {
		return
	}
	grant, err := s.app.JoinRoom(user, req.RoomID, req.Secret)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"roomToken": grant})
}

func (s *Server) handleRotateSecret(w http.ResponseWriter, r *http.Request, _ string, user domain.Principal) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		RoomID    string `json:"roomId"`
		NewSecret string `json:"newSecret"`
	}
	if !decodeJSON(w, r, jsonBodyLimit, &req) {
		return
	}
	if err := s.app.RotateSecret(user, req.RoomID, req.NewSecret); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request, token string, user domain.Principal) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req scopeRequest
	if !decodeJSON(w, r, jsonBodyLimit, &req) {
		return
	}
	scope, err := s.resolveScope(r, user, req.Scope)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if err := s.app.Heartbeat(r.Context(), token, user, scope); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request, _ string, user domain.Principal) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	scope, err := s.resolveScope(r, user, r.URL.Query().Get("scope"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	users, err := s.app.Online(r.Context(), scope)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *Server) handleTypingStart(w http.ResponseWriter, r *http.Request, _ string, user domain.Principal) {
	s.handleTypingSignal(w, r, user, s.app.StartTyping)
}

func (s *Server) handleTypingStop(w http.ResponseWriter, r *http.Request, _ string, user domain.Principal) {
	s.handleTypingSignal(w, r, user, s.app.StopTyping)
}

func (s *Server) handleTypingSignal(w http.ResponseWriter, r *http.Request, user domain.Principal,
	signal func(context.Context, domain.Principal, domain.Scope) error) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req scopeRequest
	if !decodeJSON(w, r, jsonBodyLimit, &req) {
		return
	}
	scope, err := s.resolveScope(r, user, req.Scope)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if err := signal(r.Context(), user, scope); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleTyping(w http.ResponseWriter, r *http.Request, _ string, user domain.Principal) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	scope, err := s.resolveScope(r, user, r.URL.Query().Get("scope"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	users, err := s.app.TypingUsers(r.Context(), user, scope)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *Server) handleSendText(w http.ResponseWriter, r *http.Request, _ string, user domain.Principal) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		Scope string `json:"scope"`
		Text  string `json:"text"`
	}
	if !decodeJSON(w, r, jsonBodyLimit, &req) {
		return
	}
	scope, err := s.resolveScope(r, user, req.Scope)
	if err != nil {
		writeAppError(w, err)
		return
	}
	id, err := s.app.SendText(r.Context(), user, scope, req.Text)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) handleSendAttachment(w http.ResponseWriter, r *http.Request, _ string, user domain.Principal) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		Scope    string `json:"scope"`
		FileName string `json:"fileName"`
		Data     []byte `json:"data"`
	}
	if !decodeJSON(w, r, attachmentBodyLimit, &req) {
		return
	}
	scope, err := s.resolveScope(r, user, req.Scope)
	if err != nil {
		writeAppError(w, err)
		return
	}
	id, err := s.app.SendAttachment(r.Context(), user, scope, req.FileName, req.Data)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) handleReadMessages(w http.ResponseWriter, r *http.Request, _ string, user domain.Principal) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	query := r.URL.Query()
	scope, err := s.resolveScope(r, user, query.Get("scope"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	since, err := parseInt64(query.Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid since cursor")
		return
	}
	limit, err := parseInt64(query.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	msgs, err := s.app.Read(user, scope, since, int(limit))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request, _ string, user domain.Principal) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		RoomID string `json:"roomId"`
	}
	if !decodeJSON(w, r, jsonBodyLimit, &req) {
		return
	}
	if err := s.app.Clear(user, req.RoomID); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// resolveScope parses the client scope syntax: "global" (or empty),
// "room:<id>", "dm:<peer>". Room scopes additionally require a valid grant in
// X-Room-Token; direct scopes are canonicalized against the requesting user.
func (s *Server) resolveScope(r *http.Request, user domain.Principal, raw string) (domain.Scope, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "" || raw == "global":
		return domain.GlobalScope(), nil
	case strings.HasPrefix(raw, "room:"):
		roomID := strings.TrimPrefix(raw, "room:")
		if roomID == "" {
			return domain.Scope{}, app.ErrRoomNotFound
		}
		if !s.app.VerifyRoomGrant(r.Header.Get(roomTokenHeader), user, roomID) {
			return domain.Scope{}, errRoomGrantRequired
		}
		return domain.RoomScope(roomID), nil
	case strings.HasPrefix(raw, "dm:"):
		peer := strings.TrimPrefix(raw, "dm:")
		if peer == "" || peer == user.Username {
			return domain.Scope{}, app.ErrPeerNotFound
		}
		return domain.DirectScope(user.Username, peer), nil
	default:
		return domain.Scope{}, app.ErrScopeForbidden
	}
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type scopeRequest struct {
	Scope string `json:"scope"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, limit)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func parseInt64(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrUsernameTaken), errors.Is(err, app.ErrRoomNameTaken):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrRoomNotFound), errors.Is(err, app.ErrPeerNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrInvalidCredentials),
		errors.Is(err, app.ErrWrongRoomSecret),
		errors.Is(err, errRoomGrantRequired):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, app.ErrNotAdmin), errors.Is(err, app.ErrScopeForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, app.ErrInvalidUsername),
		errors.Is(err, app.ErrPasswordRequired),
		errors.Is(err, app.ErrRoomNameRequired),
		errors.Is(err, app.ErrRoomSecretRequired),
		errors.Is(err, app.ErrEmptyMessage),
		errors.Is(err, app.ErrEmptyAttachment),
		errors.Is(err, app.ErrAttachmentTooLarge):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
