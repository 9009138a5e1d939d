package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/types"
)

// DefaultTTL is used when Acquire or Renew is called with a non-positive ttl.
const DefaultTTL = 30 * time.Second

// Ticket is a holder's place on a lock key. It is either waiting in the
// queue, holding the lock, or finished.
type Ticket struct {
	Key    string
	Holder string

	ready chan struct{}
	lost  chan struct{}

	token     uint64
	ttl       time.Duration
	timer     *time.Timer
	expiresAt time.Time
	queuedAt  time.Time
	grantedAt time.Time
	state     ticketState
}

type ticketState int

const (
	ticketQueued ticketState = iota
	ticketHeld
	ticketReleased
	ticketLost
	ticketCancelled
)

// Ready is closed when the lock is granted to this ticket.
func (t *Ticket) Ready() <-chan struct{} { return t.ready }

// Lost is closed when the lock expired before being renewed or released.
func (t *Ticket) Lost() <-chan struct{} { return t.lost }

type entry struct {
	holder *Ticket
	queue  []*Ticket
}

// Manager grants exclusive locks on named keys. Waiters are served in FIFO
// order. A held lock that is not renewed within its TTL is taken away and
// handed to the next waiter.
type Manager struct {
	mu     sync.Mutex
	locks  map[string]*entry
	seq    uint64
	now    func() time.Time
	logger *zap.Logger

	onGrant func(key, holder string, waited time.Duration)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithGrantHook registers a callback invoked (under the manager lock) every
// time a key is granted, with how long the holder waited in the queue.
func WithGrantHook(fn func(key, holder string, waited time.Duration)) Option {
	return func(m *Manager) { m.onGrant = fn }
}

// NewManager creates a lock manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		locks:  make(map[string]*entry),
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "lock_manager"))
	return m
}

// Acquire requests key for holder. When the key is free the ticket is granted
// immediately and the second return value is true; otherwise the ticket is
// queued and its Ready channel closes once it reaches the head of the queue.
func (m *Manager) Acquire(key, holder string, ttl time.Duration) (*Ticket, bool) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	t := &Ticket{
		Key:      key,
		Holder:   holder,
		ready:    make(chan struct{}),
		lost:     make(chan struct{}),
		token:    m.seq,
		ttl:      ttl,
		queuedAt: m.now(),
	}

	e := m.locks[key]
	if e == nil {
		e = &entry{}
		m.locks[key] = e
	}
	if e.holder == nil && len(e.queue) == 0 {
		m.grantLocked(e, t)
		return t, true
	}

	e.queue = append(e.queue, t)
	m.logger.Debug("lock queued",
		zap.String("key", key),
		zap.String("holder", holder),
		zap.Int("position", len(e.queue)),
	)
	return t, false
}

// Release gives up key. If holder is still waiting in the queue its request
// is withdrawn instead. Releasing a lock that was already lost returns LOCK_LOST.
func (m *Manager) Release(key, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.locks[key]
	if e == nil {
		return lockLost(key, holder, "not held")
	}
	if e.holder != nil && e.holder.Holder == holder {
		t := e.holder
		t.timer.Stop()
		t.state = ticketReleased
		e.holder = nil
		m.logger.Debug("lock released", zap.String("key", key), zap.String("holder", holder))
		m.advanceLocked(key, e)
		return nil
	}
	for i, t := range e.queue {
		if t.Holder == holder {
			t.state = ticketCancelled
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			m.cleanupLocked(key, e)
			return nil
		}
	}
	return lockLost(key, holder, "not held")
}

// Cancel withdraws a ticket whether it is queued or held.
func (m *Manager) Cancel(t *Ticket) {
	if t == nil {
		return
	}
	m.mu.Lock()
	state := t.state
	m.mu.Unlock()
	if state == ticketQueued || state == ticketHeld {
		_ = m.Release(t.Key, t.Holder)
	}
}

// Renew extends the TTL of a held lock.
func (m *Manager) Renew(key, holder string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.locks[key]
	if e == nil || e.holder == nil || e.holder.Holder != holder {
		return lockLost(key, holder, "renew on a lock that is not held")
	}
	t := e.holder
	t.timer.Stop()
	t.ttl = ttl
	m.armLocked(t)
	return nil
}

// Validate returns nil while holder owns key and LOCK_LOST otherwise.
func (m *Manager) Validate(key, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.locks[key]
	if e == nil || e.holder == nil || e.holder.Holder != holder {
		return lockLost(key, holder, "lock is no longer held")
	}
	return nil
}

// Holder returns the current holder of key.
func (m *Manager) Holder(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.locks[key]; e != nil && e.holder != nil {
		return e.holder.Holder, true
	}
	return "", false
}

// QueueLen returns how many holders are waiting for key.
func (m *Manager) QueueLen(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.locks[key]; e != nil {
		return len(e.queue)
	}
	return 0
}

// KeepAlive renews the lock every interval until ctx is done or a renewal
// fails. It blocks; run it in its own goroutine.
func (m *Manager) KeepAlive(ctx context.Context, key, holder string, ttl, interval time.Duration) error {
	if interval <= 0 {
		interval = ttl / 3
	}
	if interval <= 0 {
		interval = DefaultTTL / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.Renew(key, holder, ttl); err != nil {
				return err
			}
		}
	}
}

func (m *Manager) grantLocked(e *entry, t *Ticket) {
	t.state = ticketHeld
	t.grantedAt = m.now()
	e.holder = t
	m.armLocked(t)
	close(t.ready)

	waited := t.grantedAt.Sub(t.queuedAt)
	m.logger.Debug("lock granted",
		zap.String("key", t.Key),
		zap.String("holder", t.Holder),
		zap.Duration("waited", waited),
	)
	if m.onGrant != nil {
		m.onGrant(t.Key, t.Holder, waited)
	}
}

func (m *Manager) armLocked(t *Ticket) {
	token := t.token
	t.expiresAt = m.now().Add(t.ttl)
	t.timer = time.AfterFunc(t.ttl, func() { m.expire(t.Key, token) })
}

func (m *Manager) expire(key string, token uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.locks[key]
	if e == nil || e.holder == nil || e.holder.token != token {
		return
	}
	// A renewal may have re-armed the timer after this callback fired.
	if m.now().Before(e.holder.expiresAt) {
		return
	}
	t := e.holder
	t.state = ticketLost
	close(t.lost)
	e.holder = nil
	m.logger.Warn("lock expired without renewal",
		zap.String("key", key),
		zap.String("holder", t.Holder),
		zap.Duration("ttl", t.ttl),
	)
	m.advanceLocked(key, e)
}

func (m *Manager) advanceLocked(key string, e *entry) {
	if len(e.queue) > 0 {
		next := e.queue[0]
		e.queue = e.queue[1:]
		m.grantLocked(e, next)
		return
	}
	m.cleanupLocked(key, e)
}

func (m *Manager) cleanupLocked(key string, e *entry) {
	if e.holder == nil && len(e.queue) == 0 {
		delete(m.locks, key)
	}
}

func lockLost(key, holder, msg string) error {
	return types.NewError(types.ErrLockLost, fmt.Sprintf("lock %q for %s: %s", key, holder, msg))
}
