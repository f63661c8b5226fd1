package profile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/convo/chat-app/internal/interest"
)

const (
	// KeyPrefix is the Redis key prefix for profile hashes.
	KeyPrefix = "profile:"

	// KeyOnline is the set of user ids currently flagged online.
	KeyOnline = "profiles:online"

	// KeyWaitingRoom is a sorted set of searching user ids, score = last
	// match attempt (unix ms). Its ascending order is the candidate order.
	KeyWaitingRoom = "waiting:room"
)

// Hash field names. The chat claim script writes the same fields.
const (
	FieldID                = "id"
	FieldInterests         = "interests"
	FieldIsOnline          = "is_online"
	FieldIsLookingForMatch = "is_looking_for_match"
	FieldIsMatched         = "is_matched"
	FieldMatchedWith       = "matched_with"
	FieldCurrentChatRoom   = "current_chat_room"
	FieldLastMatchAttempt  = "last_match_attempt"
	FieldCreatedAt         = "created_at"
)

// record mirrors the Redis hash layout.
type record struct {
	ID                string `redis:"id"`
	Interests         string `redis:"interests"`
	IsOnline          bool   `redis:"is_online"`
	IsLookingForMatch bool   `redis:"is_looking_for_match"`
	IsMatched         bool   `redis:"is_matched"`
	MatchedWith       string `redis:"matched_with"`
	CurrentChatRoom   string `redis:"current_chat_room"`
	LastMatchAttempt  int64  `redis:"last_match_attempt"`
	CreatedAt         int64  `redis:"created_at"`
}

func (r *record) profile() *Profile {
	p := &Profile{
		ID:                r.ID,
		Interests:         interest.Split(r.Interests),
		IsOnline:          r.IsOnline,
		IsLookingForMatch: r.IsLookingForMatch,
		IsMatched:         r.IsMatched,
		MatchedWith:       r.MatchedWith,
		CurrentChatRoom:   r.CurrentChatRoom,
		CreatedAt:         time.UnixMilli(r.CreatedAt),
	}
	if p.Interests == nil {
		p.Interests = []string{}
	}
	if r.LastMatchAttempt > 0 {
		p.LastMatchAttempt = time.UnixMilli(r.LastMatchAttempt)
	}
	return p
}

// Key returns the hash key for a user id.
func Key(id string) string {
	return KeyPrefix + id
}

// Store manages profiles in Redis.
type Store struct {
	rdb        *redis.Client
	stopScript *redis.Script
}

// NewStore creates a profile store on an existing Redis client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, stopScript: redis.NewScript(stopLua)}
}

// Create registers a profile with no interests, offline and unmatched.
// An existing profile is left untouched.
func (s *Store) Create(ctx context.Context, id string) error {
	key := Key(id)
	created, err := s.rdb.HSetNX(ctx, key, FieldID, id).Result()
	if err != nil {
		return fmt.Errorf("profile: create %s: %w", id, err)
	}
	if !created {
		return nil
	}

	err = s.rdb.HSet(ctx, key, map[string]interface{}{
		FieldInterests:         "",
		FieldIsOnline:          false,
		FieldIsLookingForMatch: false,
		FieldIsMatched:         false,
		FieldMatchedWith:       "",
		FieldCurrentChatRoom:   "",
		FieldLastMatchAttempt:  0,
		FieldCreatedAt:         time.Now().UnixMilli(),
	}).Err()
	if err != nil {
		return fmt.Errorf("profile: create %s: %w", id, err)
	}
	return nil
}

// Get loads a profile. Returns ErrNotFound if it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*Profile, error) {
	var rec record
	if err := s.rdb.HGetAll(ctx, Key(id)).Scan(&rec); err != nil {
		return nil, fmt.Errorf("profile: get %s: %w", id, err)
	}
	if rec.ID == "" {
		return nil, ErrNotFound
	}
	return rec.profile(), nil
}

// SaveInterests validates and stores the user's selection.
func (s *Store) SaveInterests(ctx context.Context, id string, interests []string) error {
	normalized, err := interest.Normalize(interests)
	if err != nil {
		return err
	}
	if err := s.requireExists(ctx, id); err != nil {
		return err
	}
	if err := s.rdb.HSet(ctx, Key(id), FieldInterests, interest.Join(normalized)).Err(); err != nil {
		return fmt.Errorf("profile: save interests %s: %w", id, err)
	}
	return nil
}

// SetOnline records a presence transition.
func (s *Store) SetOnline(ctx context.Context, id string, online bool) error {
	if err := s.requireExists(ctx, id); err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, Key(id), FieldIsOnline, online)
	if online {
		pipe.SAdd(ctx, KeyOnline, id)
	} else {
		pipe.SRem(ctx, KeyOnline, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("profile: set online %s: %w", id, err)
	}
	return nil
}

// BeginSearch marks the user as searching with the given interests and
// enrolls them in the waiting room.
func (s *Store) BeginSearch(ctx context.Context, id string, interests []string, at time.Time) error {
	if err := s.requireExists(ctx, id); err != nil {
		return err
	}

	key := Key(id)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		FieldInterests:         interest.Join(interests),
		FieldIsOnline:          true,
		FieldIsLookingForMatch: true,
		FieldIsMatched:         false,
		FieldMatchedWith:       "",
		FieldCurrentChatRoom:   "",
		FieldLastMatchAttempt:  at.UnixMilli(),
	})
	pipe.SAdd(ctx, KeyOnline, id)
	pipe.ZAdd(ctx, KeyWaitingRoom, redis.Z{Score: float64(at.UnixMilli()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("profile: begin search %s: %w", id, err)
	}
	return nil
}

// StopSearch clears the search flags and leaves the waiting room, but only
// while the user is still bound to room ("" for no session). A user claimed
// into a different session in the meantime is left alone and ErrInSession
// is returned. Safe to call whether or not a search is in progress.
func (s *Store) StopSearch(ctx context.Context, id, room string) error {
	res, err := s.stopScript.Run(ctx, s.rdb, []string{Key(id), KeyWaitingRoom}, id, room).Int()
	if err != nil {
		return fmt.Errorf("profile: stop search %s: %w", id, err)
	}
	switch res {
	case 1:
		return nil
	case 0:
		return ErrInSession
	default:
		return ErrNotFound
	}
}

// stopLua resets the search flags if the profile is still bound to ARGV[2].
//
//	1 = reset
//	0 = bound to another session
//	-1 = no such profile
const stopLua = `
local v = redis.call('HMGET', KEYS[1], 'id', 'is_matched', 'current_chat_room')
if not v[1] then return -1 end
local room = v[3] or ''
if room ~= ARGV[2] then return 0 end
if ARGV[2] == '' and v[2] == '1' then return 0 end

redis.call('HSET', KEYS[1], 'is_looking_for_match', '0', 'is_matched', '0',
    'matched_with', '', 'current_chat_room', '')
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`

// Waiting returns the waiting-room profiles, oldest search first. Entries
// whose hash disappeared are skipped.
func (s *Store) Waiting(ctx context.Context) ([]*Profile, error) {
	ids, err := s.rdb.ZRange(ctx, KeyWaitingRoom, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("profile: waiting room: %w", err)
	}
	return s.load(ctx, ids)
}

// Online returns every profile flagged online, in no particular order.
func (s *Store) Online(ctx context.Context) ([]*Profile, error) {
	ids, err := s.rdb.SMembers(ctx, KeyOnline).Result()
	if err != nil {
		return nil, fmt.Errorf("profile: online set: %w", err)
	}
	return s.load(ctx, ids)
}

// WaitingCount returns the waiting-room size.
func (s *Store) WaitingCount(ctx context.Context) (int64, error) {
	return s.rdb.ZCard(ctx, KeyWaitingRoom).Result()
}

func (s *Store) load(ctx context.Context, ids []string) ([]*Profile, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, Key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("profile: load: %w", err)
	}

	profiles := make([]*Profile, 0, len(ids))
	for _, cmd := range cmds {
		var rec record
		if err := cmd.Scan(&rec); err != nil {
			return nil, fmt.Errorf("profile: scan: %w", err)
		}
		if rec.ID == "" {
			continue
		}
		profiles = append(profiles, rec.profile())
	}
	return profiles, nil
}

func (s *Store) requireExists(ctx context.Context, id string) error {
	n, err := s.rdb.Exists(ctx, Key(id)).Result()
	if err != nil {
		return fmt.Errorf("profile: exists %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
