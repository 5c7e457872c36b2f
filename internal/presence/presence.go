package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"collabengine/internal/participant"
)

// DefaultTTL is how long a mirrored participant stays alive without a refresh.
const DefaultTTL = 90 * time.Second

// Member is a participant seen as alive in the mirror.
type Member struct {
	ID          string
	DisplayName string
	Status      string
}

// Mirror publishes presence for out-of-process observers.
type Mirror interface {
	Publish(ctx context.Context, sessionID string, p participant.Participant) error
	Remove(ctx context.Context, sessionID, participantID string) error
	Alive(ctx context.Context, sessionID string) ([]Member, error)
	Cursor(ctx context.Context, sessionID, participantID string) (participant.Presence, bool, error)
}

// RedisMirror keeps one sorted set per session whose score is the logical
// expiry (unix seconds), a hash of display names and statuses, and one
// short-lived key per participant holding the presence JSON.
type RedisMirror struct {
	rdb redis.UniversalClient
	ttl time.Duration
	now func() time.Time
}

// NewRedisMirror creates a mirror over rdb. A non-positive ttl uses DefaultTTL.
func NewRedisMirror(rdb redis.UniversalClient, ttl time.Duration) *RedisMirror {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisMirror{rdb: rdb, ttl: ttl, now: time.Now}
}

func roomKey(sessionID string) string   { return "collab:presence:room:" + sessionID }
func namesKey(sessionID string) string  { return "collab:presence:names:" + sessionID }
func statusKey(sessionID string) string { return "collab:presence:status:" + sessionID }
func cursorKey(sessionID, participantID string) string {
	return "collab:presence:cursor:" + sessionID + ":" + participantID
}

// Publish refreshes p's logical TTL and stores its presence. Offline
// participants are removed instead.
func (m *RedisMirror) Publish(ctx context.Context, sessionID string, p participant.Participant) error {
	if p.Status == participant.Offline {
		return m.Remove(ctx, sessionID, p.ID)
	}
	body, err := json.Marshal(p.Presence)
	if err != nil {
		return err
	}
	expireAt := m.now().Add(m.ttl).Unix()

	tx := m.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(sessionID), redis.Z{Score: float64(expireAt), Member: p.ID})
	tx.HSet(ctx, namesKey(sessionID), p.ID, p.DisplayName)
	tx.HSet(ctx, statusKey(sessionID), p.ID, p.Status.String())
	tx.Set(ctx, cursorKey(sessionID, p.ID), body, m.ttl)
	_, err = tx.Exec(ctx)
	return err
}

// Remove drops a participant from the mirror.
func (m *RedisMirror) Remove(ctx context.Context, sessionID, participantID string) error {
	tx := m.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(sessionID), participantID)
	tx.HDel(ctx, namesKey(sessionID), participantID)
	tx.HDel(ctx, statusKey(sessionID), participantID)
	tx.Del(ctx, cursorKey(sessionID, participantID))
	_, err := tx.Exec(ctx)
	return err
}

// Expired members are purged atomically before the alive set is read.
var purgeScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
	redis.call("HDEL", KEYS[3], unpack(expired))
end
return #expired
`)

// Alive returns the members whose logical TTL has not passed, sorted by ID.
func (m *RedisMirror) Alive(ctx context.Context, sessionID string) ([]Member, error) {
	now := m.now().Unix()
	keys := []string{roomKey(sessionID), namesKey(sessionID), statusKey(sessionID)}
	if err := purgeScript.Run(ctx, m.rdb, keys, now).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	ids, err := m.rdb.ZRangeByScore(ctx, roomKey(sessionID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	names, err := m.rdb.HMGet(ctx, namesKey(sessionID), ids...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	statuses, err := m.rdb.HMGet(ctx, statusKey(sessionID), ids...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	members := make([]Member, 0, len(ids))
	for i, id := range ids {
		member := Member{ID: id}
		if s, ok := names[i].(string); ok {
			member.DisplayName = s
		}
		if s, ok := statuses[i].(string); ok {
			member.Status = s
		}
		members = append(members, member)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return members, nil
}

// Cursor returns the mirrored presence for a participant. ok is false when
// the key expired or was never written.
func (m *RedisMirror) Cursor(ctx context.Context, sessionID, participantID string) (participant.Presence, bool, error) {
	raw, err := m.rdb.Get(ctx, cursorKey(sessionID, participantID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return participant.Presence{}, false, nil
	}
	if err != nil {
		return participant.Presence{}, false, err
	}
	var p participant.Presence
	if err := json.Unmarshal(raw, &p); err != nil {
		return participant.Presence{}, false, err
	}
	return p, true, nil
}

