package app

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"teamchat/internal/roomtoken"
	"teamchat/pkg/domain"
	"teamchat/pkg/presence"
	"teamchat/pkg/store"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	redis := miniredis.RunT(t)
	signer, err := roomtoken.NewSigner("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	a, err := New(Config{
		Store:           store.NewMemoryStore(),
		Sessions:        store.NewRedisSessionStore(redis.Addr(), "", time.Minute),
		Presence:        presence.NewTracker(redis.Addr(), ""),
		RoomTokens:      signer,
		PresenceTimeout: 10 * time.Second,
		TypingTimeout:   2 * time.Second,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a
}

func mustRegister(t *testing.T, a *App, username string) domain.Principal {
	t.Helper()
	p, err := a.Register(username, "pw-"+username)
	if err != nil {
		t.Fatalf("register %s: %v", username, err)
	}
	return p
}

func TestRegisterDuplicateUsername(t *testing.T) {
	a := newTestApp(t)
	if _, err := a.Register("alice", "p1"); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := a.Register("alice", "p2"); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got: %v", err)
	}
}

func TestFirstPrincipalBecomesAdmin(t *testing.T) {
	a := newTestApp(t)
	first := mustRegister(t, a, "root")
	second := mustRegister(t, a, "alice")
	if first.Role != domain.RoleAdmin {
		t.Fatalf("first principal should be admin, got %q", first.Role)
	}
	if second.Role != domain.RoleUser {
		t.Fatalf("second principal should be plain user, got %q", second.Role)
	}
}

func TestRegisterRejectsBadUsernames(t *testing.T) {
	a := newTestApp(t)
	for _, username := range []string{"", "  ", "a|b", "a:b", "a b"} {
		if _, err := a.Register(username, "pw"); !errors.Is(err, ErrInvalidUsername) {
			t.Fatalf("expected ErrInvalidUsername for %q, got: %v", username, err)
		}
	}
}

func TestLoginUniformErrorForUnknownUserAndWrongPassword(t *testing.T) {
	a := newTestApp(t)
	mustRegister(t, a, "alice")
	_, _, errUnknown := a.Login("nobody", "whatever")
	_, _, errWrongPw := a.Login("alice", "wrong")
	if !errors.Is(errUnknown, ErrInvalidCredentials) || !errors.Is(errWrongPw, ErrInvalidCredentials) {
		t.Fatalf("expected uniform ErrInvalidCredentials, got %v / %v", errUnknown, errWrongPw)
	}
	if errUnknown.Error() != errWrongPw.Error() {
		t.Fatalf("error text must not distinguish the cases: %q vs %q", errUnknown, errWrongPw)
	}
}

func TestLoginLogoutSessionLifecycle(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	mustRegister(t, a, "alice")
	p, token, err := a.Login("alice", "pw-alice")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if p.Username != "alice" || token == "" {
		t.Fatalf("unexpected login result: %+v token=%q", p, token)
	}
	got, ok, err := a.PrincipalByToken(token)
	if err != nil || !ok || got.Username != "alice" {
		t.Fatalf("resolve token: ok=%v err=%v got=%+v", ok, err, got)
	}

	if err := a.Heartbeat(ctx, token, p, domain.GlobalScope()); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if err := a.Logout(ctx, token); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, ok, _ := a.PrincipalByToken(token); ok {
		t.Fatalf("session should be gone after logout")
	}
	online, err := a.Online(ctx, domain.GlobalScope())
	if err != nil {
		t.Fatalf("online: %v", err)
	}
	if len(online) != 0 {
		t.Fatalf("presence should be dropped on logout, got %v", online)
	}
}

func TestSendTextRejectsBlankWithoutAdvancingSequence(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	alice := mustRegister(t, a, "alice")

	first, err := a.SendText(ctx, alice, domain.GlobalScope(), "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := a.SendText(ctx, alice, domain.GlobalScope(), "   \t "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got: %v", err)
	}
	second, err := a.SendText(ctx, alice, domain.GlobalScope(), "world")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if second != first+1 {
		t.Fatalf("failed send must not advance the sequence: got %d after %d", second, first)
	}
}

func TestDirectMessageVisibility(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	alice := mustRegister(t, a, "alice")
	bob := mustRegister(t, a, "bob")
	mallory := mustRegister(t, a, "mallory")

	scope := domain.DirectScope(alice.Username, bob.Username)
	if _, err := a.SendText(ctx, alice, scope, "psst"); err != nil {
		t.Fatalf("send dm: %v", err)
	}

	for _, viewer := range []domain.Principal{alice, bob} {
		msgs, err := a.Read(viewer, scope, 0, 0)
		if err != nil {
			t.Fatalf("read as %s: %v", viewer.Username, err)
		}
		if len(msgs) != 1 || msgs[0].Text != "psst" {
			t.Fatalf("participant %s should see the dm, got %v", viewer.Username, msgs)
		}
	}

	if _, err := a.Read(mallory, scope, 0, 0); !errors.Is(err, ErrScopeForbidden) {
		t.Fatalf("outsider must be rejected, got: %v", err)
	}
	// Mallory's own pair with bob is a different key and stays empty.
	msgs, err := a.Read(mallory, domain.DirectScope(mallory.Username, bob.Username), 0, 0)
	if err != nil {
		t.Fatalf("read own dm scope: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected empty dm for mallory/bob, got %v", msgs)
	}
}

func TestRoomMessagesInvisibleElsewhere(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	alice := mustRegister(t, a, "alice")
	bob := mustRegister(t, a, "bob")
	room, err := a.CreateRoom(alice, "general", "s3cret")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	if _, err := a.SendText(ctx, alice, domain.RoomScope(room.ID), "room talk"); err != nil {
		t.Fatalf("send room message: %v", err)
	}
	global, err := a.Read(bob, domain.GlobalScope(), 0, 0)
	if err != nil {
		t.Fatalf("read global: %v", err)
	}
	if len(global) != 0 {
		t.Fatalf("room message leaked into global: %v", global)
	}
	dm, err := a.Read(bob, domain.DirectScope(bob.Username, alice.Username), 0, 0)
	if err != nil {
		t.Fatalf("read dm: %v", err)
	}
	if len(dm) != 0 {
		t.Fatalf("room message leaked into dm: %v", dm)
	}
}

func TestSendRejectsDanglingScopes(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	alice := mustRegister(t, a, "alice")

	if _, err := a.SendText(ctx, alice, domain.RoomScope("missing"), "hi"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got: %v", err)
	}
	if _, err := a.SendText(ctx, alice, domain.DirectScope(alice.Username, "ghost"), "hi"); !errors.Is(err, ErrPeerNotFound) {
		t.Fatalf("expected ErrPeerNotFound, got: %v", err)
	}
}

func TestJoinRoomSecretCheck(t *testing.T) {
	a := newTestApp(t)
	alice := mustRegister(t, a, "alice")
	bob := mustRegister(t, a, "bob")
	room, err := a.CreateRoom(alice, "general", "s3cret")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	if _, err := a.JoinRoom(bob, room.ID, "wrong"); !errors.Is(err, ErrWrongRoomSecret) {
		t.Fatalf("expected ErrWrongRoomSecret, got: %v", err)
	}
	if _, err := a.JoinRoom(bob, "missing", "s3cret"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got: %v", err)
	}
	token, err := a.JoinRoom(bob, room.ID, "s3cret")
	if err != nil {
		t.Fatalf("join room: %v", err)
	}
	if !a.VerifyRoomGrant(token, bob, room.ID) {
		t.Fatalf("grant should verify for bob")
	}
	if a.VerifyRoomGrant(token, alice, room.ID) {
		t.Fatalf("grant must be bound to the joining principal")
	}
}

func TestRotateSecretPolicy(t *testing.T) {
	a := newTestApp(t)
	admin := mustRegister(t, a, "root")
	alice := mustRegister(t, a, "alice")
	room, err := a.CreateRoom(admin, "general", "old-secret")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	grant, err := a.JoinRoom(alice, room.ID, "old-secret")
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	if err := a.RotateSecret(alice, room.ID, "new-secret"); !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("non-admin rotation must fail, got: %v", err)
	}
	if err := a.RotateSecret(admin, room.ID, "new-secret"); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	// Future joins require the new secret.
	if _, err := a.JoinRoom(alice, room.ID, "old-secret"); !errors.Is(err, ErrWrongRoomSecret) {
		t.Fatalf("old secret must be rejected after rotation, got: %v", err)
	}
	if _, err := a.JoinRoom(alice, room.ID, "new-secret"); err != nil {
		t.Fatalf("join with new secret: %v", err)
	}
	// Existing grants keep access for their lifetime.
	if !a.VerifyRoomGrant(grant, alice, room.ID) {
		t.Fatalf("pre-rotation grant must stay valid")
	}
}

func TestClearIsAdminOnlyAndScoped(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	admin := mustRegister(t, a, "root")
	alice := mustRegister(t, a, "alice")
	room, err := a.CreateRoom(admin, "general", "s")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	other, err := a.CreateRoom(admin, "random", "s")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	if _, err := a.SendText(ctx, alice, domain.GlobalScope(), "g"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := a.SendText(ctx, alice, domain.RoomScope(room.ID), "r1"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := a.SendText(ctx, alice, domain.RoomScope(other.ID), "r2"); err != nil {
		t.Fatalf("send: %v", err)
	}

	if err := a.Clear(alice, room.ID); !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("non-admin clear must fail, got: %v", err)
	}
	if err := a.Clear(admin, "missing"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("clear of unknown room must fail, got: %v", err)
	}
	if err := a.Clear(admin, room.ID); err != nil {
		t.Fatalf("clear: %v", err)
	}

	if msgs, _ := a.Read(admin, domain.RoomScope(room.ID), 0, 0); len(msgs) != 0 {
		t.Fatalf("cleared room should be empty, got %v", msgs)
	}
	global, _ := a.Read(admin, domain.GlobalScope(), 0, 0)
	otherMsgs, _ := a.Read(admin, domain.RoomScope(other.ID), 0, 0)
	if len(global) != 1 || len(otherMsgs) != 1 {
		t.Fatalf("other scopes must survive, got global=%d other=%d", len(global), len(otherMsgs))
	}
	if global[0].ID != 1 || otherMsgs[0].ID != 3 {
		t.Fatalf("surviving ids must be unchanged, got %d and %d", global[0].ID, otherMsgs[0].ID)
	}
}

func TestAttachmentValidationAndRoundTrip(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	alice := mustRegister(t, a, "alice")
	mustRegister(t, a, "bob")
	scope := domain.DirectScope("alice", "bob")

	if _, err := a.SendAttachment(ctx, alice, scope, "a.png", nil); !errors.Is(err, ErrEmptyAttachment) {
		t.Fatalf("expected ErrEmptyAttachment, got: %v", err)
	}

	payload := []byte{0x89, 'P', 'N', 'G', 0x00, 0x01, 0xff}
	id, err := a.SendAttachment(ctx, alice, scope, "a.png", payload)
	if err != nil {
		t.Fatalf("send attachment: %v", err)
	}
	msgs, err := a.Read(alice, scope, id-1, 0)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("read back: n=%d err=%v", len(msgs), err)
	}
	got := msgs[0]
	if got.Kind != domain.KindAttachment || got.FileName != "a.png" || !reflect.DeepEqual(got.Data, payload) {
		t.Fatalf("attachment round trip mismatch: %+v", got)
	}
}

func TestAttachmentSizeLimit(t *testing.T) {
	redis := miniredis.RunT(t)
	signer, err := roomtoken.NewSigner("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	a, err := New(Config{
		Store:              store.NewMemoryStore(),
		Sessions:           store.NewRedisSessionStore(redis.Addr(), "", time.Minute),
		Presence:           presence.NewTracker(redis.Addr(), ""),
		RoomTokens:         signer,
		MaxAttachmentBytes: 4,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	alice := mustRegister(t, a, "alice")
	_, err = a.SendAttachment(context.Background(), alice, domain.GlobalScope(), "big.bin", []byte("12345"))
	if !errors.Is(err, ErrAttachmentTooLarge) {
		t.Fatalf("expected ErrAttachmentTooLarge, got: %v", err)
	}
}

func TestTypingClearedOnSend(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	alice := mustRegister(t, a, "alice")
	bob := mustRegister(t, a, "bob")
	scope := domain.GlobalScope()

	if err := a.StartTyping(ctx, alice, scope); err != nil {
		t.Fatalf("start typing: %v", err)
	}
	typing, err := a.TypingUsers(ctx, bob, scope)
	if err != nil {
		t.Fatalf("typing users: %v", err)
	}
	if !reflect.DeepEqual(typing, []string{"alice"}) {
		t.Fatalf("bob should see alice typing, got %v", typing)
	}
	// The typing list excludes the asker.
	typing, err = a.TypingUsers(ctx, alice, scope)
	if err != nil {
		t.Fatalf("typing users: %v", err)
	}
	if len(typing) != 0 {
		t.Fatalf("alice should not see herself, got %v", typing)
	}

	if _, err := a.SendText(ctx, alice, scope, "done"); err != nil {
		t.Fatalf("send: %v", err)
	}
	typing, err = a.TypingUsers(ctx, bob, scope)
	if err != nil {
		t.Fatalf("typing users: %v", err)
	}
	if len(typing) != 0 {
		t.Fatalf("typing signal must clear on send, got %v", typing)
	}
}

func TestNewRejectsTypingTimeoutNotShorterThanPresence(t *testing.T) {
	redis := miniredis.RunT(t)
	signer, err := roomtoken.NewSigner("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	_, err = New(Config{
		Store:           store.NewMemoryStore(),
		Sessions:        store.NewRedisSessionStore(redis.Addr(), "", time.Minute),
		Presence:        presence.NewTracker(redis.Addr(), ""),
		RoomTokens:      signer,
		PresenceTimeout: 4 * time.Second,
		TypingTimeout:   4 * time.Second,
	})
	if err == nil {
		t.Fatalf("expected config validation error")
	}
}
