// Package conversation keeps rolling per-(user, agent) chat histories in
// Redis with a memory fallback, trimmed and TTL-bounded.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/agent-gateway/internal/domain"
)

// Store persists conversation history. With a nil Redis client it runs
// fully in memory; with one, Redis is authoritative and memory is the
// fallback used when Redis errors.
type Store struct {
	rdb         redis.UniversalClient
	maxMessages int
	ttl         time.Duration

	mu  sync.Mutex
	mem map[string]memEntry

	now func() time.Time
}

type memEntry struct {
	messages []domain.Message
	expires  time.Time
}

// NewStore builds a store. maxMessages defaults to 50 and ttl to an hour.
func NewStore(rdb redis.UniversalClient, maxMessages int, ttl time.Duration) *Store {
	if maxMessages <= 0 {
		maxMessages = 50
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{
		rdb:         rdb,
		maxMessages: maxMessages,
		ttl:         ttl,
		mem:         make(map[string]memEntry),
		now:         time.Now,
	}
}

func key(userID, agentID string) string {
	return fmt.Sprintf("conversation:%s:%s", userID, agentID)
}

// AddMessage appends a turn and trims the history to the newest
// maxMessages, refreshing the TTL. Load-append-save is last-writer-wins;
// concurrent writers for the same (user, agent) may drop each other's turn.
func (s *Store) AddMessage(ctx context.Context, userID, agentID, role, content string) error {
	if userID == "" || agentID == "" {
		return fmt.Errorf("%w: user and agent are required", domain.ErrInvalidArgument)
	}
	msgs, err := s.GetMessages(ctx, userID, agentID)
	if err != nil {
		return err
	}
	msgs = append(msgs, domain.Message{Role: role, Content: content})
	if len(msgs) > s.maxMessages {
		msgs = msgs[len(msgs)-s.maxMessages:]
	}
	return s.save(ctx, userID, agentID, msgs)
}

// GetMessages returns the stored history, oldest first. Missing or expired
// histories yield an empty slice.
func (s *Store) GetMessages(ctx context.Context, userID, agentID string) ([]domain.Message, error) {
	k := key(userID, agentID)
	if s.rdb != nil {
		raw, err := s.rdb.Get(ctx, k).Result()
		switch {
		case err == redis.Nil:
			return nil, nil
		case err != nil:
			slog.Warn("conversation store redis read failed, using memory",
				slog.String("key", k), slog.Any("error", err))
		default:
			var msgs []domain.Message
			if uerr := json.Unmarshal([]byte(raw), &msgs); uerr != nil {
				slog.Error("conversation history corrupt, discarding",
					slog.String("key", k), slog.Any("error", uerr))
				return nil, nil
			}
			return msgs, nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.mem[k]
	if !ok || s.now().After(entry.expires) {
		delete(s.mem, k)
		return nil, nil
	}
	return append([]domain.Message(nil), entry.messages...), nil
}

// ClearHistory removes the stored conversation.
func (s *Store) ClearHistory(ctx context.Context, userID, agentID string) error {
	k := key(userID, agentID)
	if s.rdb != nil {
		if err := s.rdb.Del(ctx, k).Err(); err != nil {
			slog.Warn("conversation store redis delete failed",
				slog.String("key", k), slog.Any("error", err))
		}
	}
	s.mu.Lock()
	delete(s.mem, k)
	s.mu.Unlock()
	return nil
}

func (s *Store) save(ctx context.Context, userID, agentID string, msgs []domain.Message) error {
	k := key(userID, agentID)
	if s.rdb != nil {
		b, err := json.Marshal(msgs)
		if err != nil {
			return fmt.Errorf("marshal history: %w", err)
		}
		err = s.rdb.Set(ctx, k, b, s.ttl).Err()
		if err == nil {
			return nil
		}
		slog.Warn("conversation store redis write failed, using memory",
			slog.String("key", k), slog.Any("error", err))
	}

	s.mu.Lock()
	s.mem[k] = memEntry{
		messages: append([]domain.Message(nil), msgs...),
		expires:  s.now().Add(s.ttl),
	}
	s.mu.Unlock()
	return nil
}

var _ domain.ConversationStore = (*Store)(nil)
