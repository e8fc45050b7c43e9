// Package lock serializes index cycles within a process or across processes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// ErrHeld is returned when another holder owns the lock.
var ErrHeld = errors.New("lock: held by another cycle")

// Lock is a non-blocking mutual exclusion primitive.
type Lock interface {
	// TryAcquire returns a release func or ErrHeld.
	TryAcquire(ctx context.Context) (func(), error)
}

type Local struct {
	mu sync.Mutex
}

func NewLocal() *Local { return &Local{} }

func (l *Local) TryAcquire(ctx context.Context) (func(), error) {
	if !l.mu.TryLock() {
		return nil, ErrHeld
	}
	var once sync.Once
	return func() { once.Do(l.mu.Unlock) }, nil
}

// releaseScript deletes the key only if it still holds our token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the key's TTL only if it still holds our token.
var renewScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis holds a key with SET NX PX. The TTL bounds how long a crashed holder
// blocks other cycles; it is extended while the lock is held.
type Redis struct {
	rdb   goredis.UniversalClient
	key   string
	ttl   time.Duration
	local Local
}

func NewRedis(rdb goredis.UniversalClient, key string, ttl time.Duration) *Redis {
	if key == "" {
		key = "snovault:indexer:cycle"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Redis{rdb: rdb, key: key, ttl: ttl}
}

func (r *Redis) TryAcquire(ctx context.Context) (func(), error) {
	releaseLocal, err := r.local.TryAcquire(ctx)
	if err != nil {
		return nil, err
	}
	token := uuid.NewString()
	ok, err := r.rdb.SetNX(ctx, r.key, token, r.ttl).Result()
	if err != nil {
		releaseLocal()
		return nil, fmt.Errorf("acquire cycle lock: %w", err)
	}
	if !ok {
		releaseLocal()
		return nil, ErrHeld
	}

	stop := make(chan struct{})
	go func() {
		t := time.NewTicker(r.ttl / 3)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				ok, err := r.renew(context.Background(), token)
				if err == nil && !ok {
					// Lease lapsed and the key now belongs to someone else.
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, r.rdb, []string{r.key}, token).Err()
			releaseLocal()
		})
	}, nil
}

// renew extends the lease held under token. It reports false when the key is
// gone or owned by another holder.
func (r *Redis) renew(ctx context.Context, token string) (bool, error) {
	n, err := renewScript.Run(ctx, r.rdb, []string{r.key}, token, r.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew cycle lock: %w", err)
	}
	return n == 1, nil
}
