// Package presence tracks who is online and who is typing, per scope.
//
// The transport is a stateless polling client with no disconnect signal, so
// presence is a staleness predicate over heartbeat timestamps: a principal is
// online in a scope iff its most recent heartbeat there is younger than the
// configured timeout. Records live in Redis sorted sets scored by heartbeat
// time; queries trim stale members opportunistically, and a background reaper
// sweeps scopes nobody is reading anymore.
package presence

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "teamchat"

// Tracker records heartbeats and typing signals in Redis.
type Tracker struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewTracker builds a Redis-backed tracker.
func NewTracker(addr, password string) *Tracker {
	return &Tracker{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: defaultPrefix,
		now:    time.Now,
	}
}

func (t *Tracker) presenceKey(scopeKey string) string {
	return t.prefix + ":presence:" + scopeKey
}

func (t *Tracker) typingKey(scopeKey string) string {
	return t.prefix + ":typing:" + scopeKey
}

// Heartbeat upserts the last-seen time for (session, scope). Session ids must
// not contain '|'; the login token format guarantees that.
func (t *Tracker) Heartbeat(ctx context.Context, sessionID, username, scopeKey string) error {
	return t.client.ZAdd(ctx, t.presenceKey(scopeKey), redis.Z{
		Score:  float64(t.now().UnixMilli()),
		Member: sessionID + "|" + username,
	}).Err()
}

// Online returns the distinct usernames with a heartbeat in the scope within
// timeout, sorted. Stale rows are removed on the way.
func (t *Tracker) Online(ctx context.Context, scopeKey string, timeout time.Duration) ([]string, error) {
	members, err := t.liveMembers(ctx, t.presenceKey(scopeKey), timeout)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(members))
	users := make([]string, 0, len(members))
	for _, member := range members {
		_, username, ok := strings.Cut(member, "|")
		if !ok || seen[username] {
			continue
		}
		seen[username] = true
		users = append(users, username)
	}
	sort.Strings(users)
	return users, nil
}

// MarkTyping upserts the typing signal for (username, scope).
func (t *Tracker) MarkTyping(ctx context.Context, username, scopeKey string) error {
	return t.client.ZAdd(ctx, t.typingKey(scopeKey), redis.Z{
		Score:  float64(t.now().UnixMilli()),
		Member: username,
	}).Err()
}

// ClearTyping drops the typing signal, e.g. when the message was sent or the
// input box was emptied.
func (t *Tracker) ClearTyping(ctx context.Context, username, scopeKey string) error {
	err := t.client.ZRem(ctx, t.typingKey(scopeKey), username).Err()
	if err == redis.Nil {
		return nil
	}
	return err
}

// Typing returns usernames with a typing signal in the scope within timeout,
// excluding the requesting user, sorted.
func (t *Tracker) Typing(ctx context.Context, scopeKey string, timeout time.Duration, excludeUser string) ([]string, error) {
	members, err := t.liveMembers(ctx, t.typingKey(scopeKey), timeout)
	if err != nil {
		return nil, err
	}
	users := make([]string, 0, len(members))
	for _, username := range members {
		if username == excludeUser {
			continue
		}
		users = append(users, username)
	}
	sort.Strings(users)
	return users, nil
}

// DropSession removes every presence row of one session across all scopes.
// Called on logout.
func (t *Tracker) DropSession(ctx context.Context, sessionID string) error {
	return t.scanKeys(ctx, t.prefix+":presence:*", func(key string) error {
		members, err := t.client.ZRange(ctx, key, 0, -1).Result()
		if err != nil {
			return err
		}
		var stale []interface{}
		for _, member := range members {
			if strings.HasPrefix(member, sessionID+"|") {
				stale = append(stale, member)
			}
		}
		if len(stale) == 0 {
			return nil
		}
		return t.client.ZRem(ctx, key, stale...).Err()
	})
}

// Reap removes presence rows older than presenceTimeout and typing rows older
// than typingTimeout across all scopes. Queries already filter by staleness;
// this keeps abandoned scopes from accumulating dead members.
func (t *Tracker) Reap(ctx context.Context, presenceTimeout, typingTimeout time.Duration) error {
	if err := t.scanKeys(ctx, t.prefix+":presence:*", func(key string) error {
		return t.trimStale(ctx, key, presenceTimeout)
	}); err != nil {
		return err
	}
	return t.scanKeys(ctx, t.prefix+":typing:*", func(key string) error {
		return t.trimStale(ctx, key, typingTimeout)
	})
}

func (t *Tracker) liveMembers(ctx context.Context, key string, timeout time.Duration) ([]string, error) {
	if err := t.trimStale(ctx, key, timeout); err != nil {
		return nil, err
	}
	cutoff := t.now().Add(-timeout).UnixMilli()
	return t.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatInt(cutoff, 10),
		Max: "+inf",
	}).Result()
}

func (t *Tracker) trimStale(ctx context.Context, key string, timeout time.Duration) error {
	cutoff := t.now().Add(-timeout).UnixMilli()
	return t.client.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10)).Err()
}

func (t *Tracker) scanKeys(ctx context.Context, pattern string, fn func(key string) error) error {
	var cursor uint64
	for {
		keys, next, err := t.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := fn(key); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}
