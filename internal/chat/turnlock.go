package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TurnLocker serializes turns per session so message commits never interleave.
// Acquire returns ErrTurnInProgress when another turn holds the session.
type TurnLocker interface {
	Acquire(ctx context.Context, sessionID uint64) (release func(), err error)
}

type MemoryTurnLocker struct {
	mu   sync.Mutex
	held map[uint64]struct{}
}

func NewMemoryTurnLocker() *MemoryTurnLocker {
	return &MemoryTurnLocker{held: make(map[uint64]struct{})}
}

func (l *MemoryTurnLocker) Acquire(_ context.Context, sessionID uint64) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[sessionID]; busy {
		return nil, ErrTurnInProgress
	}
	l.held[sessionID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, sessionID)
			l.mu.Unlock()
		})
	}, nil
}

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisTurnLocker shares turn locks across server instances. The TTL bounds how long a
// crashed holder can block a session.
type RedisTurnLocker struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisTurnLocker(rdb *redis.Client, ttl time.Duration) *RedisTurnLocker {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &RedisTurnLocker{rdb: rdb, ttl: ttl}
}

func turnKey(sessionID uint64) string {
	return fmt.Sprintf("chat:turn:%d", sessionID)
}

func (l *RedisTurnLocker) Acquire(ctx context.Context, sessionID uint64) (func(), error) {
	key := turnKey(sessionID)
	token := uuid.NewString()

	ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire turn lock: %w", err)
	}
	if !ok {
		return nil, ErrTurnInProgress
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			// on failure the TTL reclaims the key
			_ = releaseScript.Run(rctx, l.rdb, []string{key}, token).Err()
		})
	}, nil
}
