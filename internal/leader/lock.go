package leader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ErrLockLost signals that the stored token no longer matches ours: another
// instance holds leadership and this one must stop all leader-only work.
var ErrLockLost = errors.New("leadership lock lost")

// Lock elects a single active instance among replicas using a Redis key with
// expiry. One Lock per leadership role; the token proves ownership and is
// checked before every renewal or release.
type Lock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	log    *logrus.Entry
}

// New constructs a lock client for the given role key.
func New(client *redis.Client, key string, ttl time.Duration) *Lock {
	return &Lock{
		client: client,
		key:    key,
		ttl:    ttl,
		log:    logrus.WithField("lock_key", key),
	}
}

// Acquire attempts to take leadership with a fresh token. The set-if-absent
// is atomic; the empty token return means another holder is present, which is
// contention, not an error.
func (l *Lock) Acquire(ctx context.Context) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	l.log.WithField("token", token).Info("leadership lock acquired")
	return token, true, nil
}

// Extend renews the expiry only if the stored value still equals token.
func (l *Lock) Extend(ctx context.Context, token string) (bool, error) {
	res, err := extendScript.Run(ctx, l.client, []string{l.key}, token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("extend lock: %w", err)
	}
	return res == 1, nil
}

// Release deletes the lock only if the stored value still equals token.
// Never a blind delete: another instance may already own the key after an
// expiry.
func (l *Lock) Release(ctx context.Context, token string) (bool, error) {
	res, err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("release lock: %w", err)
	}
	released := res == 1
	if released {
		l.log.Info("leadership lock released")
	}
	return released, nil
}

// Heartbeat renews the lock on the given interval until the context is
// cancelled or leadership is lost. The interval must be strictly shorter than
// the TTL (a third of it is the usual choice). Transient Redis errors are
// logged and retried on the next tick; a token mismatch returns ErrLockLost
// immediately.
func (l *Lock) Heartbeat(ctx context.Context, token string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			extended, err := l.Extend(ctx, token)
			if err != nil {
				l.log.WithError(err).Error("heartbeat renewal failed")
				continue
			}
			if !extended {
				l.log.Error("heartbeat found foreign token, leadership lost")
				return ErrLockLost
			}
			l.log.Debug("heartbeat renewed lock")
		}
	}
}

var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
