package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLockNotAcquired = errors.New("session pair lock not acquired")

// Locker serializes session creation for a patient/doctor pair so two
// concurrent start requests cannot both open a session between the same
// two people.
type Locker interface {
	WithPairLock(ctx context.Context, patientID, doctorID uuid.UUID, fn func(ctx context.Context) error) error
}

type redisPairLocker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisPairLocker(client *redis.Client, ttl time.Duration) Locker {
	return &redisPairLocker{
		client: client,
		ttl:    ttl,
	}
}

func (l *redisPairLocker) WithPairLock(ctx context.Context, patientID, doctorID uuid.UUID, fn func(ctx context.Context) error) error {
	key := fmt.Sprintf("lock:pair:%s:%s", patientID, doctorID)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire pair lock: %w", err)
	}
	if !ok {
		return ErrLockNotAcquired
	}

	defer func() {
		_ = l.release(ctx, key, token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

// Release only deletes the key if we still hold it; an expired lock that
// somebody else re-acquired must not be clobbered.
var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisPairLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release pair lock: %w", err)
	}
	return nil
}
