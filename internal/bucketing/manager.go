package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"presence-service/internal/config"
)

// Manager assigns phone numbers to stable buckets. Account buckets spread
// rows across ScyllaDB partitions; event buckets index the lock stripes that
// serialize rate limit decisions per phone.
type Manager struct {
	accountBuckets int
	eventBuckets   int
	hasherPool     sync.Pool
}

func NewManager(cfg *config.Config) *Manager {
	m := &Manager{
		accountBuckets: cfg.Bucketing.AccountBuckets,
		eventBuckets:   cfg.Bucketing.EventBuckets,
	}

	// Pool of hash functions to avoid allocation overhead on the hot path
	m.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return m
}

// AccountBucket returns the stable partition bucket for a phone number
// (0 to accountBuckets-1).
func (m *Manager) AccountBucket(phone string) int {
	return m.bucket(phone, m.accountBuckets)
}

// EventBucket returns the lock stripe index for a phone number.
func (m *Manager) EventBucket(phone string) int {
	return m.bucket(phone, m.eventBuckets)
}

// DateBucket returns the UTC day bucket used by the audit tables.
func (m *Manager) DateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (m *Manager) AccountBuckets() int {
	return m.accountBuckets
}

func (m *Manager) EventBuckets() int {
	return m.eventBuckets
}

func (m *Manager) bucket(key string, numBuckets int) int {
	if numBuckets <= 0 {
		return 0
	}
	return int(m.hash(key) % uint64(numBuckets))
}

func (m *Manager) hash(key string) uint64 {
	hasher := m.hasherPool.Get().(hash.Hash64)
	defer m.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}

// StripedLocks serializes work per phone without a single global mutex.
// Two phones in the same stripe may contend; the same phone always maps to
// the same stripe.
type StripedLocks struct {
	manager *Manager
	locks   []sync.Mutex
}

func NewStripedLocks(m *Manager) *StripedLocks {
	return &StripedLocks{
		manager: m,
		locks:   make([]sync.Mutex, m.EventBuckets()),
	}
}

// Lock acquires the stripe for phone and returns the unlock func.
func (s *StripedLocks) Lock(phone string) func() {
	mu := &s.locks[s.manager.EventBucket(phone)]
	mu.Lock()
	return mu.Unlock
}
