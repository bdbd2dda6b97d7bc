// Package cooldown provides the shared check-and-set primitive behind rule cooldowns, job
// deduplication and entity-scoped advisory locks.
//
// Every key follows the scheme "{domain}:{name}:{entityId}" (see Key). An acquired key stays
// held until its TTL expires or it is released; while it is held no other caller can acquire it.
package cooldown

import (
	"context"
	"errors"
	"strings"
	"time"
)

const (
	DomainRule = "rule" // rule cooldowns, name is the rule id
	DomainLock = "lock" // advisory locks, name is the guarded computation
	DomainJob  = "job"  // job deduplication, name is the dedup key
)

var (
	// ErrLockHeld is returned by a Guard when the lock is held elsewhere and no
	// last-known-good value exists yet.
	ErrLockHeld = errors.New("lock held by another owner")
	// ErrInvalidTTL is returned when a lock is requested without expiry.
	ErrInvalidTTL = errors.New("ttl must be positive")
)

// Store is an atomic check-and-set key store with expiry.
type Store interface {
	// TryAcquire sets key for ttl unless it is already held. It never blocks waiting for
	// the key; a false result means somebody else holds it.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Lock acquires key like TryAcquire and returns a token naming this acquisition. An
	// empty token means somebody else holds the key.
	Lock(ctx context.Context, key string, ttl time.Duration) (string, error)
	// Release drops key while it still carries token. Releasing a key that is not held,
	// has expired, or was acquired again since, is a no-op.
	Release(ctx context.Context, key, token string) error
	// Active reports whether key is currently held, without acquiring it.
	Active(ctx context.Context, key string) (bool, error)
}

// Key builds a namespaced key. Empty parts are kept so that the key shape stays fixed.
func Key(domain, name, entityID string) string {
	return strings.Join([]string{domain, name, entityID}, ":")
}

// RuleKey is the cooldown key of a rule for one entity.
func RuleKey(ruleID, entityID string) string {
	return Key(DomainRule, ruleID, entityID)
}

// LockKey is the advisory lock key of a computation for one entity.
func LockKey(name, entityID string) string {
	return Key(DomainLock, name, entityID)
}

// JobKey is the deduplication key of an enqueued job.
func JobKey(dedupKey string) string {
	return Key(DomainJob, dedupKey, "")
}
