package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/fusionrelay/internal/domain"
)

// unlockLua deletes the lock only while it still carries the holder's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// LockManager serialises work on one order across relayer replicas with
// SET NX PX and a token-checked unlock.
type LockManager struct {
	rdb      *redis.Client
	key      func(kind, id string) string
	unlockSc *redis.Script
}

var _ domain.LockManager = (*LockManager)(nil)

func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		rdb:      c.rdb,
		key:      c.key,
		unlockSc: redis.NewScript(unlockLua),
	}
}

// Acquire takes the lock for ttl. It returns domain.ErrLockHeld while another
// holder has it. The returned unlock is safe to call more than once.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	lk := lm.key("lock", key)

	ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be done.
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = lm.unlockSc.Run(unlockCtx, lm.rdb, []string{lk}, token).Err()
		})
	}, nil
}
