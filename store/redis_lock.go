package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"ticketing/internal/status"
)

// releaseScript deletes the lock key only when it still holds our token,
// so an expired-and-reacquired lock is never released by the old holder.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// RedisLock implements InventoryLock with a Redis SET NX PX lease. It is
// the deployment choice when the database cannot be the lock arbiter;
// fn's store calls run on the plain pool, so the critical section relies
// on the lease rather than a database transaction for exclusion.
type RedisLock struct {
	client      *redis.Client
	db          *sql.DB
	ttl         time.Duration
	waitTimeout time.Duration
	retryDelay  time.Duration
}

func NewRedisLock(client *redis.Client, db *sql.DB, ttl, waitTimeout time.Duration) *RedisLock {
	return &RedisLock{
		client:      client,
		db:          db,
		ttl:         ttl,
		waitTimeout: waitTimeout,
		retryDelay:  25 * time.Millisecond,
	}
}

func (l *RedisLock) WithLock(ctx context.Context, ticketTypeID string, fn func(ctx context.Context, q DBTX) error) error {
	key := fmt.Sprintf("inventory:lock:%s", ticketTypeID)
	token := uuid.NewString()

	deadline := time.Now().Add(l.waitTimeout)
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("%w: redis lock: %v", status.ErrInfrastructure, err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: ticket type %s", status.ErrLockTimeout, ticketTypeID)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: ticket type %s", status.ErrLockTimeout, ticketTypeID)
		case <-time.After(l.retryDelay):
		}
	}

	defer func() {
		// Release must not inherit a cancelled request context.
		relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		l.client.Eval(relCtx, releaseScript, []string{key}, token)
	}()

	return fn(ctx, l.db)
}
