// Package sessionstore implements the persistent key-value + ordered-log
// abstraction backing multi-agent sessions: a Redis-backed Store
// using sorted sets for the event log and pub/sub for update fan-out.
package sessionstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/repograph/pkg/kgerrors"
	"github.com/cuemby/repograph/pkg/types"
	"github.com/redis/go-redis/v9"
)

// Store is the contract the session manager builds on.
type Store interface {
	CreateSession(ctx context.Context, s *types.Session, ttl time.Duration) error
	GetSession(ctx context.Context, id string) (*types.Session, error)
	AddEvent(ctx context.Context, id string, event *types.SessionEvent) error
	GetEvents(ctx context.Context, id string, fromSeq, toSeq int64) ([]*types.SessionEvent, error)
	GetRecentEvents(ctx context.Context, id string, n int) ([]*types.SessionEvent, error)
	AddAgent(ctx context.Context, id, agentID string) error
	RemoveAgent(ctx context.Context, id, agentID string) (remaining int, err error)
	SetTTL(ctx context.Context, id string, ttl time.Duration) error
	Exists(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error
	PublishSessionUpdate(ctx context.Context, id string, msg string) error
	SubscribeToSession(ctx context.Context, id string) (<-chan *redis.Message, func(), error)
	HighestSeq(ctx context.Context, id string) (int64, error)
}

// Config configures the Redis-backed store.
type Config struct {
	KeyPrefix      string
	GlobalChannel  string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{KeyPrefix: "session:", GlobalChannel: "session:updates"}
}

// RedisStore is the Redis-backed Store.
type RedisStore struct {
	client *redis.Client
	cfg    Config
}

// NewRedisStore builds a RedisStore over an already-connected client.
func NewRedisStore(client *redis.Client, cfg Config) *RedisStore {
	return &RedisStore{client: client, cfg: cfg}
}

func (s *RedisStore) sessionKey(id string) string { return s.cfg.KeyPrefix + id }
func (s *RedisStore) eventsKey(id string) string  { return s.cfg.KeyPrefix + id + ":events" }
func (s *RedisStore) agentsKey(id string) string  { return s.cfg.KeyPrefix + id + ":agents" }
func (s *RedisStore) channelFor(id string) string { return "session:" + id }

type sessionRecord struct {
	SessionID string                 `json:"sessionId"`
	State     types.SessionState     `json:"state"`
	Metadata  map[string]any         `json:"metadata"`
}

// CreateSession fails with SESSION_EXISTS if id is already present.
func (s *RedisStore) CreateSession(ctx context.Context, sess *types.Session, ttl time.Duration) error {
	key := s.sessionKey(sess.SessionID)
	rec := sessionRecord{SessionID: sess.SessionID, State: sess.State, Metadata: sess.Metadata}
	data, err := json.Marshal(rec)
	if err != nil {
		return kgerrors.Programmer(kgerrors.CodeValidation, "marshal session: %v", err)
	}

	ok, err := s.client.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return kgerrors.Durable(err, "redis setnx failed for session %s", sess.SessionID)
	}
	if !ok {
		return kgerrors.Business(kgerrors.CodeSessionExists, "session %s already exists", sess.SessionID)
	}

	for agentID := range sess.AgentIDs {
		if err := s.client.SAdd(ctx, s.agentsKey(sess.SessionID), agentID).Err(); err != nil {
			return kgerrors.Durable(err, "redis sadd agents failed for session %s", sess.SessionID)
		}
	}
	s.client.Expire(ctx, s.agentsKey(sess.SessionID), ttl)
	return nil
}

// GetSession returns nil, nil if the session does not exist.
func (s *RedisStore) GetSession(ctx context.Context, id string) (*types.Session, error) {
	data, err := s.client.Get(ctx, s.sessionKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, kgerrors.Durable(err, "redis get failed for session %s", id)
	}

	var rec sessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, kgerrors.Programmer(kgerrors.CodeValidation, "unmarshal session %s: %v", id, err)
	}

	agents, err := s.client.SMembers(ctx, s.agentsKey(id)).Result()
	if err != nil {
		return nil, kgerrors.Durable(err, "redis smembers failed for session %s", id)
	}
	agentSet := make(map[string]struct{}, len(agents))
	for _, a := range agents {
		agentSet[a] = struct{}{}
	}

	return &types.Session{SessionID: rec.SessionID, State: rec.State, Metadata: rec.Metadata, AgentIDs: agentSet}, nil
}

// appendScript makes the append CAS-style: a seq at or below the highest
// already-appended seq is rejected instead of written.
var appendScript = redis.NewScript(`
local top = redis.call('ZREVRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if #top > 0 and tonumber(top[2]) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// AddEvent appends event to the ordered log scored by event.Seq. A replayed
// or stale seq is rejected with SEQUENCE_REPLAY. If the event carries a
// state transition, the denormalized session state is updated.
func (s *RedisStore) AddEvent(ctx context.Context, id string, event *types.SessionEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return kgerrors.Programmer(kgerrors.CodeValidation, "marshal event: %v", err)
	}
	n, err := appendScript.Run(ctx, s.client, []string{s.eventsKey(id)}, event.Seq, data).Int()
	if err != nil {
		return kgerrors.Durable(err, "redis append failed for session %s", id)
	}
	if n == 0 {
		return kgerrors.Consistency(kgerrors.CodeSequenceReplay, "session %s: seq %d already appended", id, event.Seq)
	}
	if event.StateTransition != nil {
		if err := s.updateState(ctx, id, event.StateTransition.To); err != nil {
			return err
		}
	}
	return nil
}

// updateState rewrites the denormalized state field of the session record,
// preserving the key's remaining TTL.
func (s *RedisStore) updateState(ctx context.Context, id string, state types.SessionState) error {
	key := s.sessionKey(id)
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return kgerrors.Durable(err, "redis get failed for session %s", id)
	}
	var rec sessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return kgerrors.Programmer(kgerrors.CodeValidation, "unmarshal session %s: %v", id, err)
	}
	rec.State = state
	updated, err := json.Marshal(rec)
	if err != nil {
		return kgerrors.Programmer(kgerrors.CodeValidation, "marshal session %s: %v", id, err)
	}
	if err := s.client.Set(ctx, key, updated, redis.KeepTTL).Err(); err != nil {
		return kgerrors.Durable(err, "redis set failed for session %s", id)
	}
	return nil
}

// GetEvents returns events with Seq in [fromSeq, toSeq].
func (s *RedisStore) GetEvents(ctx context.Context, id string, fromSeq, toSeq int64) ([]*types.SessionEvent, error) {
	members, err := s.client.ZRangeByScore(ctx, s.eventsKey(id), &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", fromSeq), Max: fmt.Sprintf("%d", toSeq),
	}).Result()
	if err != nil {
		return nil, kgerrors.Durable(err, "redis zrangebyscore failed for session %s", id)
	}
	return decodeEvents(members)
}

// GetRecentEvents returns the last n events by Seq.
func (s *RedisStore) GetRecentEvents(ctx context.Context, id string, n int) ([]*types.SessionEvent, error) {
	members, err := s.client.ZRevRange(ctx, s.eventsKey(id), 0, int64(n-1)).Result()
	if err != nil {
		return nil, kgerrors.Durable(err, "redis zrevrange failed for session %s", id)
	}
	events, err := decodeEvents(members)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func decodeEvents(members []string) ([]*types.SessionEvent, error) {
	events := make([]*types.SessionEvent, 0, len(members))
	for _, m := range members {
		var e types.SessionEvent
		if err := json.Unmarshal([]byte(m), &e); err != nil {
			return nil, kgerrors.Programmer(kgerrors.CodeValidation, "unmarshal event: %v", err)
		}
		events = append(events, &e)
	}
	return events, nil
}

// HighestSeq returns the Seq of the most recent event, or 0 if empty.
func (s *RedisStore) HighestSeq(ctx context.Context, id string) (int64, error) {
	members, err := s.client.ZRevRangeWithScores(ctx, s.eventsKey(id), 0, 0).Result()
	if err != nil {
		return 0, kgerrors.Durable(err, "redis zrevrange failed for session %s", id)
	}
	if len(members) == 0 {
		return 0, nil
	}
	return int64(members[0].Score), nil
}

// AddAgent joins an agent to the session.
func (s *RedisStore) AddAgent(ctx context.Context, id, agentID string) error {
	if err := s.client.SAdd(ctx, s.agentsKey(id), agentID).Err(); err != nil {
		return kgerrors.Durable(err, "redis sadd failed for session %s", id)
	}
	return nil
}

// RemoveAgent removes an agent, returning the number of agents still attached.
func (s *RedisStore) RemoveAgent(ctx context.Context, id, agentID string) (int, error) {
	if err := s.client.SRem(ctx, s.agentsKey(id), agentID).Err(); err != nil {
		return 0, kgerrors.Durable(err, "redis srem failed for session %s", id)
	}
	remaining, err := s.client.SCard(ctx, s.agentsKey(id)).Result()
	if err != nil {
		return 0, kgerrors.Durable(err, "redis scard failed for session %s", id)
	}
	return int(remaining), nil
}

// SetTTL applies ttl atomically to the session key, its event log, and its
// agent set.
func (s *RedisStore) SetTTL(ctx context.Context, id string, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	pipe.Expire(ctx, s.sessionKey(id), ttl)
	pipe.Expire(ctx, s.eventsKey(id), ttl)
	pipe.Expire(ctx, s.agentsKey(id), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return kgerrors.Durable(err, "redis expire pipeline failed for session %s", id)
	}
	return nil
}

// Exists reports whether the session key is present.
func (s *RedisStore) Exists(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, s.sessionKey(id)).Result()
	if err != nil {
		return false, kgerrors.Durable(err, "redis exists failed for session %s", id)
	}
	return n > 0, nil
}

// Delete removes the session, its event log, and its agent set.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.sessionKey(id), s.eventsKey(id), s.agentsKey(id)).Err(); err != nil {
		return kgerrors.Durable(err, "redis del failed for session %s", id)
	}
	return nil
}

// PublishSessionUpdate publishes msg to the session's channel and the
// global channel. Delivery is at-least-once and best-effort.
func (s *RedisStore) PublishSessionUpdate(ctx context.Context, id string, msg string) error {
	if err := s.client.Publish(ctx, s.channelFor(id), msg).Err(); err != nil {
		return kgerrors.Transient("publish session update: %v", err)
	}
	s.client.Publish(ctx, s.cfg.GlobalChannel, msg)
	return nil
}

// SubscribeToSession subscribes to the session's channel, returning a
// channel of messages and an unsubscribe function.
func (s *RedisStore) SubscribeToSession(ctx context.Context, id string) (<-chan *redis.Message, func(), error) {
	sub := s.client.Subscribe(ctx, s.channelFor(id))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, kgerrors.Transient("subscribe to session %s: %v", id, err)
	}
	return sub.Channel(), func() { sub.Close() }, nil
}
