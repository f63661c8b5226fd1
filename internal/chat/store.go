package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/convo/chat-app/internal/interest"
	"github.com/convo/chat-app/internal/profile"
)

const (
	ChatPrefix     = "chat:"
	MessagesSuffix = ":messages"
	ExpiryKey      = "chat:expiry" // sorted set, score = expires_at (unix ms)

	// Retention keeps ended sessions readable for late observers.
	Retention = 2 * time.Hour
)

// sessionRecord mirrors the chat:<id> hash.
type sessionRecord struct {
	ID              string `redis:"id"`
	UserA           string `redis:"user_a"`
	UserB           string `redis:"user_b"`
	Status          string `redis:"status"`
	SharedInterests string `redis:"shared_interests"`
	CreatedAt       int64  `redis:"created_at"`
	ExpiresAt       int64  `redis:"expires_at"`
	EndedAt         int64  `redis:"ended_at"`
	EndReason       string `redis:"end_reason"`
}

func (r *sessionRecord) session() *Session {
	s := &Session{
		ID:              r.ID,
		Participants:    [2]string{r.UserA, r.UserB},
		SharedInterests: interest.Split(r.SharedInterests),
		Status:          r.Status,
		CreatedAt:       time.UnixMilli(r.CreatedAt),
		ExpiresAt:       time.UnixMilli(r.ExpiresAt),
		EndReason:       r.EndReason,
	}
	if r.EndedAt > 0 {
		s.EndedAt = time.UnixMilli(r.EndedAt)
	}
	return s
}

// Store manages chat session state in Redis.
type Store struct {
	rdb           *redis.Client
	claimScript   *redis.Script
	releaseScript *redis.Script
}

// NewStore creates a new chat store backed by Redis.
func NewStore(rdb *redis.Client) *Store {
	return &Store{
		rdb:           rdb,
		claimScript:   redis.NewScript(claimLua),
		releaseScript: redis.NewScript(releaseLua),
	}
}

func sessionKey(id string) string  { return ChatPrefix + id }
func messagesKey(id string) string { return ChatPrefix + id + MessagesSuffix }

// Claim creates s and flips both participants to matched in one atomic step.
// It returns ErrClaimConflict if either participant is no longer online,
// searching and unmatched.
func (st *Store) Claim(ctx context.Context, s *Session) error {
	a, b := s.Participants[0], s.Participants[1]
	keys := []string{
		profile.Key(a),
		profile.Key(b),
		sessionKey(s.ID),
		profile.KeyWaitingRoom,
		ExpiryKey,
	}
	ttl := int64((s.ExpiresAt.Sub(s.CreatedAt) + Retention) / time.Second)

	res, err := st.claimScript.Run(ctx, st.rdb, keys,
		a, b, s.ID,
		s.CreatedAt.UnixMilli(), s.ExpiresAt.UnixMilli(),
		interest.Join(s.SharedInterests), ttl,
	).Int()
	if err != nil {
		return fmt.Errorf("chat: claim %s: %w", s.ID, err)
	}

	switch res {
	case 1:
		return nil
	case 0:
		return ErrClaimConflict
	default:
		return fmt.Errorf("chat: claim %s: session id already in use", s.ID)
	}
}

// Get retrieves a chat session. Returns ErrNotFound if it does not exist.
func (st *Store) Get(ctx context.Context, id string) (*Session, error) {
	var rec sessionRecord
	if err := st.rdb.HGetAll(ctx, sessionKey(id)).Scan(&rec); err != nil {
		return nil, fmt.Errorf("chat: get %s: %w", id, err)
	}
	if rec.ID == "" {
		return nil, ErrNotFound
	}
	return rec.session(), nil
}

// Append adds a message to the end of the session log.
func (st *Store) Append(ctx context.Context, sessionID string, m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("chat: marshal message: %w", err)
	}

	key := messagesKey(sessionID)
	pipe := st.rdb.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, Lifetime+Retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("chat: append %s: %w", sessionID, err)
	}
	return nil
}

// Messages returns the session log in insertion order.
func (st *Store) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	raw, err := st.rdb.LRange(ctx, messagesKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("chat: messages %s: %w", sessionID, err)
	}

	msgs := make([]Message, 0, len(raw))
	for _, item := range raw {
		var m Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			return nil, fmt.Errorf("chat: decode message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// Release resets every participant still pointing at s and marks s ended.
// reset is the number of profiles cleared by this call; ended is true only
// for the call that moved the session out of the active state.
func (st *Store) Release(ctx context.Context, s *Session, reason string, at time.Time) (reset int, ended bool, err error) {
	keys := []string{
		sessionKey(s.ID),
		profile.Key(s.Participants[0]),
		profile.Key(s.Participants[1]),
		ExpiryKey,
		messagesKey(s.ID),
	}

	res, err := st.releaseScript.Run(ctx, st.rdb, keys,
		s.ID, at.UnixMilli(), reason, int64(Retention/time.Second),
	).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("chat: release %s: %w", s.ID, err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("chat: release %s: unexpected reply %v", s.ID, res)
	}
	return int(res[0]), res[1] == 1, nil
}

// Due returns the ids of active sessions whose expiry is at or before now.
func (st *Store) Due(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := st.rdb.ZRangeByScore(ctx, ExpiryKey, &redis.ZRangeBy{
		Min: "0",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("chat: due sessions: %w", err)
	}
	return ids, nil
}

// ActiveCount returns the number of sessions still scheduled for expiry.
func (st *Store) ActiveCount(ctx context.Context) (int64, error) {
	return st.rdb.ZCard(ctx, ExpiryKey).Result()
}

// claimLua checks both participants and commits the session atomically.
//
//	1 = claimed
//	0 = a participant is no longer online, searching and unmatched
//	-1 = session id already exists
const claimLua = `
local function eligible(key)
    local v = redis.call('HMGET', key, 'id', 'is_online', 'is_looking_for_match', 'is_matched')
    if not v[1] then return false end
    return v[2] == '1' and v[3] == '1' and v[4] ~= '1'
end

if redis.call('EXISTS', KEYS[3]) == 1 then return -1 end
if not eligible(KEYS[1]) or not eligible(KEYS[2]) then return 0 end

redis.call('HSET', KEYS[3],
    'id', ARGV[3], 'user_a', ARGV[1], 'user_b', ARGV[2],
    'status', 'active', 'shared_interests', ARGV[6],
    'created_at', ARGV[4], 'expires_at', ARGV[5])
redis.call('EXPIRE', KEYS[3], ARGV[7])

redis.call('HSET', KEYS[1], 'is_matched', '1', 'is_looking_for_match', '0',
    'matched_with', ARGV[2], 'current_chat_room', ARGV[3])
redis.call('HSET', KEYS[2], 'is_matched', '1', 'is_looking_for_match', '0',
    'matched_with', ARGV[1], 'current_chat_room', ARGV[3])

redis.call('ZREM', KEYS[4], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[5], ARGV[5], ARGV[3])
return 1
`

// releaseLua resets participants still bound to the session and ends it
// once. Returns {profiles_reset, ended_now}.
const releaseLua = `
local reset = 0
for i = 2, 3 do
    if redis.call('HGET', KEYS[i], 'current_chat_room') == ARGV[1] then
        redis.call('HSET', KEYS[i], 'is_matched', '0', 'is_looking_for_match', '0',
            'matched_with', '', 'current_chat_room', '')
        reset = reset + 1
    end
end

local ended = 0
if redis.call('HGET', KEYS[1], 'status') == 'active' then
    redis.call('HSET', KEYS[1], 'status', 'ended', 'ended_at', ARGV[2], 'end_reason', ARGV[3])
    redis.call('EXPIRE', KEYS[1], ARGV[4])
    redis.call('EXPIRE', KEYS[5], ARGV[4])
    ended = 1
end

redis.call('ZREM', KEYS[4], ARGV[1])
return {reset, ended}
`
