package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseJobLockScript deletes the lock only if this holder still owns it.
var releaseJobLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// JobLock keeps a scheduled job from running on two replicas at once.
type JobLock interface {
	// TryAcquire returns a release func when the lock was taken, or nil when another holder has it.
	TryAcquire(ctx context.Context, job string, ttl time.Duration) (release func(), err error)
}

// RedisJobLock implements JobLock with SET NX and a compare-and-delete release.
type RedisJobLock struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisJobLock(client redis.UniversalClient, prefix string) *RedisJobLock {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "security:job_lock"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisJobLock{
		client: client,
		prefix: trimmedPrefix,
	}
}

func (l *RedisJobLock) key(job string) string {
	return fmt.Sprintf("%s:%s", l.prefix, strings.TrimSpace(job))
}

func (l *RedisJobLock) TryAcquire(ctx context.Context, job string, ttl time.Duration) (func(), error) {
	if ttl < time.Second {
		ttl = time.Second
	}
	key := l.key(job)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseJobLockScript.Run(ctx, l.client, []string{key}, token).Err()
	}
	return release, nil
}

// localJobLock guards against overlapping runs of the same job within this process only.
// It is used when Redis is not configured.
type localJobLock struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocalJobLock() JobLock {
	return &localJobLock{held: map[string]bool{}}
}

func (l *localJobLock) TryAcquire(ctx context.Context, job string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[job] {
		return nil, nil
	}
	l.held[job] = true
	return func() {
		l.mu.Lock()
		delete(l.held, job)
		l.mu.Unlock()
	}, nil
}
