package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound indicates the referenced record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateRequest indicates a pending friend request already links the two identities.
	ErrDuplicateRequest = errors.New("friend request already pending")
	// ErrNotRecipient indicates someone other than the request's addressee tried to accept it.
	ErrNotRecipient = errors.New("not the request recipient")
)

const requestTTL = 7 * 24 * time.Hour

// FriendRequest is a pending friendship edge awaiting acceptance.
type FriendRequest struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is a persisted direct or group chat message.
type Message struct {
	ID      string    `json:"id"`
	From    string    `json:"from"`
	To      string    `json:"to,omitempty"`
	GroupID string    `json:"group_id,omitempty"`
	Body    string    `json:"body"`
	SentAt  time.Time `json:"sent_at"`
}

// MatchResult is the durable record of a finished match.
type MatchResult struct {
	ID         string          `json:"id"`
	RoomCode   string          `json:"room_code"`
	ReportedBy string          `json:"reported_by"`
	Result     json.RawMessage `json:"result"`
	EndedAt    time.Time       `json:"ended_at"`
}

// Achievement names an unlocked achievement and when it unlocked.
type Achievement struct {
	ID         string    `json:"id"`
	UnlockedAt time.Time `json:"unlocked_at"`
}

// Store is the Redis-backed persistence collaborator. The realtime core only
// triggers and observes record transitions here; schema ownership stays with
// the CRUD backend, which reads the same keys.
type Store struct {
	rdb *redis.Client
	now func() time.Time
}

// Option configures optional store behaviour at construction time.
type Option func(*Store)

// WithClock overrides the store time source; primarily used in tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.now = clock
		}
	}
}

// NewStore wraps the supplied Redis client.
func NewStore(rdb *redis.Client, opts ...Option) *Store {
	s := &Store{rdb: rdb, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func keyLastActive(identity string) string { return "user:" + identity + ":last_active" }
func keyFriends(identity string) string    { return "friends:" + identity }
func keyRequest(id string) string          { return "friend:req:" + id }
func keyPending(from, to string) string    { return "friend:req:pending:" + from + ":" + to }
func keyMessage(id string) string          { return "chat:msg:" + id }
func keyGroupMembers(groupID string) string {
	return "group:" + groupID + ":members"
}
func keyNotifRead(identity string) string { return "notif:read:" + identity }
func keyMatch(id string) string           { return "match:" + id }
func keyMatchesByRoom(code string) string { return "matches:room:" + code }
func keyAchievements(identity string) string {
	return "achievements:" + identity
}

func keyConversation(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return "chat:dm:" + pair[0] + ":" + pair[1]
}

// TouchLastActive records the identity's last-active timestamp.
func (s *Store) TouchLastActive(ctx context.Context, identity string) error {
	if s == nil || s.rdb == nil {
		return errors.New("store not configured")
	}
	return s.rdb.Set(ctx, keyLastActive(identity), s.now().UTC().Format(time.RFC3339Nano), 0).Err()
}

// LastActive reads the identity's last-active timestamp.
func (s *Store) LastActive(ctx context.Context, identity string) (time.Time, error) {
	raw, err := s.rdb.Get(ctx, keyLastActive(identity)).Result()
	if err == redis.Nil {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, raw)
}

// CreateFriendRequest records a pending request from one identity to another.
// The pending marker uses SETNX so concurrent duplicate requests collapse to
// one regardless of handler interleaving.
func (s *Store) CreateFriendRequest(ctx context.Context, from, to string) (*FriendRequest, error) {
	if strings.TrimSpace(from) == "" || strings.TrimSpace(to) == "" {
		return nil, errors.New("both identities required")
	}
	request := &FriendRequest{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		CreatedAt: s.now().UTC(),
	}
	created, err := s.rdb.SetNX(ctx, keyPending(from, to), request.ID, requestTTL).Result()
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, ErrDuplicateRequest
	}
	raw, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}
	if err := s.rdb.Set(ctx, keyRequest(request.ID), raw, requestTTL).Err(); err != nil {
		return nil, err
	}
	return request, nil
}

// AcceptFriendRequest consumes the pending request and links both identities.
// The recipient check happens before any mutation: the requester knows the
// request id from their own ack, so it alone must not grant an accept. GETDEL
// then makes the consumption atomic: a second accept of the same request
// observes a missing record instead of double-linking.
func (s *Store) AcceptFriendRequest(ctx context.Context, requestID, recipient string) (*FriendRequest, error) {
	raw, err := s.rdb.Get(ctx, keyRequest(requestID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var request FriendRequest
	if err := json.Unmarshal(raw, &request); err != nil {
		return nil, err
	}
	if request.To != recipient {
		return nil, ErrNotRecipient
	}
	if err := s.rdb.GetDel(ctx, keyRequest(requestID)).Err(); err == redis.Nil {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, keyPending(request.From, request.To))
	pipe.SAdd(ctx, keyFriends(request.From), request.To)
	pipe.SAdd(ctx, keyFriends(request.To), request.From)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return &request, nil
}

// RemoveFriend severs the friendship edge in both directions.
func (s *Store) RemoveFriend(ctx context.Context, identity, friend string) error {
	removed, err := s.rdb.SRem(ctx, keyFriends(identity), friend).Result()
	if err != nil {
		return err
	}
	if err := s.rdb.SRem(ctx, keyFriends(friend), identity).Err(); err != nil {
		return err
	}
	if removed == 0 {
		return ErrNotFound
	}
	return nil
}

// Friends lists the identity's accepted friends.
func (s *Store) Friends(ctx context.Context, identity string) ([]string, error) {
	friends, err := s.rdb.SMembers(ctx, keyFriends(identity)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(friends)
	return friends, nil
}

// SaveDirectMessage persists a one-to-one chat message and indexes it under
// the conversation key shared by both identities.
func (s *Store) SaveDirectMessage(ctx context.Context, from, to, body string) (*Message, error) {
	message := &Message{
		ID:     uuid.NewString(),
		From:   from,
		To:     to,
		Body:   body,
		SentAt: s.now().UTC(),
	}
	raw, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, keyMessage(message.ID), raw, 0)
	pipe.RPush(ctx, keyConversation(from, to), message.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return message, nil
}

// SaveGroupMessage persists a group chat message.
func (s *Store) SaveGroupMessage(ctx context.Context, from, groupID, body string) (*Message, error) {
	message := &Message{
		ID:      uuid.NewString(),
		From:    from,
		GroupID: groupID,
		Body:    body,
		SentAt:  s.now().UTC(),
	}
	raw, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, keyMessage(message.ID), raw, 0)
	pipe.RPush(ctx, "chat:group:"+groupID, message.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return message, nil
}

// GroupMembers reads the member identities of a chat group. Group composition
// is owned by the CRUD backend; this core only reads it for fan-out.
func (s *Store) GroupMembers(ctx context.Context, groupID string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, keyGroupMembers(groupID)).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, ErrNotFound
	}
	sort.Strings(members)
	return members, nil
}

// MarkNotificationRead flags the stored notification as read for the identity.
func (s *Store) MarkNotificationRead(ctx context.Context, identity, notificationID string) error {
	return s.rdb.HSet(ctx, keyNotifRead(identity), notificationID, s.now().UTC().Format(time.RFC3339Nano)).Err()
}

// SaveMatchResult records a finished match and indexes it by room code.
func (s *Store) SaveMatchResult(ctx context.Context, roomCode, reportedBy string, result json.RawMessage) (*MatchResult, error) {
	record := &MatchResult{
		ID:         uuid.NewString(),
		RoomCode:   roomCode,
		ReportedBy: reportedBy,
		Result:     result,
		EndedAt:    s.now().UTC(),
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, keyMatch(record.ID), raw, 0)
	pipe.RPush(ctx, keyMatchesByRoom(roomCode), record.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return record, nil
}

// MatchResults loads every recorded result for a room code, oldest first.
func (s *Store) MatchResults(ctx context.Context, roomCode string) ([]*MatchResult, error) {
	ids, err := s.rdb.LRange(ctx, keyMatchesByRoom(roomCode), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	results := make([]*MatchResult, 0, len(ids))
	for _, id := range ids {
		raw, err := s.rdb.Get(ctx, keyMatch(id)).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		var record MatchResult
		if err := json.Unmarshal(raw, &record); err != nil {
			return nil, fmt.Errorf("decode match %s: %w", id, err)
		}
		results = append(results, &record)
	}
	return results, nil
}

// Achievements lists the identity's unlocked achievements sorted by id.
func (s *Store) Achievements(ctx context.Context, identity string) ([]Achievement, error) {
	entries, err := s.rdb.HGetAll(ctx, keyAchievements(identity)).Result()
	if err != nil {
		return nil, err
	}
	unlocked := make([]Achievement, 0, len(entries))
	for id, raw := range entries {
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			continue
		}
		unlocked = append(unlocked, Achievement{ID: id, UnlockedAt: at})
	}
	sort.Slice(unlocked, func(i, j int) bool { return unlocked[i].ID < unlocked[j].ID })
	return unlocked, nil
}

// UnlockAchievement records an unlock; used by tests and the dispatch bridge
// when the backend pushes an unlock event through this process.
func (s *Store) UnlockAchievement(ctx context.Context, identity, achievementID string) error {
	return s.rdb.HSetNX(ctx, keyAchievements(identity), achievementID, s.now().UTC().Format(time.RFC3339Nano)).Err()
}
