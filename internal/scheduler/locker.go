package scheduler

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/database"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
)

// Locker hands out per-task leases so a task never runs twice at once,
// whether in one process or across replicas. A lease expires after ttl even
// when its holder dies without releasing it.
type Locker interface {
	// Acquire reports whether owner now holds the lease for name.
	Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	// Release drops the lease if owner still holds it.
	Release(ctx context.Context, name, owner string) error
}

// ── Memory ───────────────────────────────────────────────────────────────────

type lease struct {
	owner   string
	expires time.Time
}

// MemoryLocker keeps leases in process memory. Suitable for a single
// replica and for tests.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

// NewMemoryLocker creates a new MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: map[string]lease{}, now: time.Now}
}

// Acquire implements Locker.
func (l *MemoryLocker) Acquire(_ context.Context, name, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.leases[name]; ok && cur.expires.After(now) {
		return false, nil
	}
	l.leases[name] = lease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

// Release implements Locker.
func (l *MemoryLocker) Release(_ context.Context, name, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.leases[name]; ok && cur.owner == owner {
		delete(l.leases, name)
	}
	return nil
}

// ── Postgres ─────────────────────────────────────────────────────────────────

// PostgresLocker keeps leases in the scheduler_leases table.
type PostgresLocker struct {
	db *database.DB
}

// NewPostgresLocker creates a new PostgresLocker.
func NewPostgresLocker(db *database.DB) *PostgresLocker {
	return &PostgresLocker{db: db}
}

// Acquire implements Locker. The upsert only overwrites an expired lease, so
// exactly one contender sees a row come back.
func (l *PostgresLocker) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	query := `
		INSERT INTO scheduler_leases (task_name, owner, expires_at)
		VALUES ($1, $2, NOW() + $3 * INTERVAL '1 millisecond')
		ON CONFLICT (task_name) DO UPDATE
			SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
			WHERE scheduler_leases.expires_at < NOW()
		RETURNING owner
	`
	var got string
	err := l.db.QueryRowContext(ctx, query, name, owner, ttl.Milliseconds()).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Dependency(err, "failed to acquire task lease")
	}
	return got == owner, nil
}

// Release implements Locker.
func (l *PostgresLocker) Release(ctx context.Context, name, owner string) error {
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM scheduler_leases WHERE task_name = $1 AND owner = $2`, name, owner)
	if err != nil {
		return errors.Dependency(err, "failed to release task lease")
	}
	return nil
}

// ── Redis ────────────────────────────────────────────────────────────────────

// releaseScript deletes the lease key only while it still names the caller.
// KEYS[1] = lease key
// ARGV[1] = owner
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker keeps leases as Redis keys set with NX and a TTL.
type RedisLocker struct {
	client redis.Cmdable
	prefix string
}

// NewRedisLocker creates a new RedisLocker. Keys are prefix + task name.
func NewRedisLocker(client redis.Cmdable, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "approvals:lease:"
	}
	return &RedisLocker{client: client, prefix: prefix}
}

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.prefix+name, owner, ttl).Result()
	if err != nil {
		return false, errors.Dependency(err, "failed to acquire task lease")
	}
	return ok, nil
}

// Release implements Locker.
func (l *RedisLocker) Release(ctx context.Context, name, owner string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.prefix + name}, owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return errors.Dependency(err, "failed to release task lease")
	}
	return nil
}
