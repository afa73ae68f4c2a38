// Package dbpool implements a bounded pool of PostgreSQL connections that
// multiplexes a FIFO queue of pending queries over a small, lazily grown set
// of handles, as described in spec section 4.1. It also provides the
// Query/Transaction abstractions (section 4.2) that the cache and injector
// packages build on.
package dbpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aox-project/aox/config"
	"github.com/aox-project/aox/mlog"
)

var xlog = mlog.New("dbpool")

// ErrNoHandles is the error every pending query receives when the pool
// empties out while work remains queued.
var ErrNoHandles = fmt.Errorf("no available database handles")

// HandleState is a Handle's connection lifecycle state, per spec section 4.1.
// It is distinct from Query's State, which tracks a query's own lifecycle.
type HandleState int

const (
	Connecting HandleState = iota
	Idle
	InTransaction
	FailedTransaction
)

// Handle is a single connection to PostgreSQL, in one of four states.
type Handle struct {
	id   uint64
	pool *Pool
	conn *pgx.Conn

	mu           sync.Mutex
	state        HandleState
	createdAt    time.Time
	lastExecuted time.Time
}

func (h *Handle) State() HandleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) setState(s HandleState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// usable mirrors Database::usable() in the original: handles never refuse
// work of their own accord in this implementation, but the hook is kept so a
// future health check (e.g. a broken pipe detected out of band) has
// somewhere to live.
func (h *Handle) usable() bool {
	return true
}

// Pool is the process-wide bounded pool of handles. There is normally one
// Pool per running server process, held by the caller (cmd/aoxd) and passed
// down to every Session and Injector it creates.
type Pool struct {
	cfg      config.DB
	security config.Security
	dsn      string

	mu          sync.Mutex
	cond        *sync.Cond
	handles     []*Handle
	queue       []*Query
	nextID      uint64
	lastCreated time.Time
	lastExecuted time.Time
	closed      bool

	disasterRoot string // Unix-socket directory root under which a pool exhaustion is a disaster, not routine.
	disasterLatch bool
}

// initialHandleCount is the pure decision behind New's eager handle
// opening, per spec section 4.1: three by default, capped at four, except a
// local Unix socket under a strict security root may grow up to
// cfg.MaxHandles.
func initialHandleCount(cfg config.DB, security config.Security) int {
	widened := security == config.SecurityStrict && cfg.IsUnixSocket()
	desired := 3
	if widened {
		desired = cfg.MaxHandles
	}
	if desired > 4 && !widened {
		desired = 4
	}
	return desired
}

// New creates a Pool and eagerly opens its initial handles, per spec section
// 4.1. security is the process-wide config.Config.Security setting, not a
// field of DB.
func New(ctx context.Context, cfg config.DB, security config.Security, dsn string, disasterRoot string) (*Pool, error) {
	p := &Pool{cfg: cfg, security: security, dsn: dsn, disasterRoot: disasterRoot}
	p.cond = sync.NewCond(&p.mu)

	desired := initialHandleCount(cfg, security)

	for i := 0; i < desired; i++ {
		if _, err := p.createHandle(ctx); err != nil {
			if i == 0 {
				return nil, err
			}
			xlog.Errorx("creating initial database handle", err)
			break
		}
	}
	return p, nil
}

// DisastersYet reports whether a disk/configuration-level disaster has
// latched (spec section 7, item 5).
func (p *Pool) DisastersYet() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disasterLatch
}

func (p *Pool) createHandle(ctx context.Context) (*Handle, error) {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.mu.Unlock()

	h := &Handle{id: id, pool: p, state: Connecting, createdAt: time.Now()}

	p.mu.Lock()
	p.handles = append(p.handles, h)
	p.lastCreated = time.Now()
	p.mu.Unlock()

	conn, err := pgx.Connect(ctx, p.dsn)
	if err != nil {
		p.removeHandle(h)
		return nil, fmt.Errorf("connecting database handle: %w", err)
	}
	h.conn = conn
	h.setState(Idle)
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
	return h, nil
}

func (p *Pool) removeHandle(h *Handle) {
	p.mu.Lock()
	for i, x := range p.handles {
		if x == h {
			p.handles = append(p.handles[:i], p.handles[i+1:]...)
			break
		}
	}
	empty := len(p.handles) == 0
	var failedQueries []*Query
	if empty {
		failedQueries = p.queue
		p.queue = nil
		if h.conn != nil && p.disasterRoot != "" && p.cfg.IsUnixSocket() {
			p.disasterLatch = true
		}
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	if h.conn != nil {
		_ = h.conn.Close(context.Background())
	}

	for _, q := range failedQueries {
		q.state = Failed
		q.err = ErrNoHandles
		if q.notify != nil {
			q.notify(q)
		}
	}
	if empty {
		xlog.Error("all database handles closed; cannot create any new ones")
	}
}

// NumHandles returns the number of handles not currently Connecting.
func (p *Pool) NumHandles() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, h := range p.handles {
		if h.State() != Connecting {
			n++
		}
	}
	return n
}

// Disconnect closes every handle in the pool. cmd/aoxd and cmd/aox call it
// when they exit.
func (p *Pool) Disconnect() {
	p.mu.Lock()
	handles := append([]*Handle(nil), p.handles...)
	p.closed = true
	p.mu.Unlock()
	for _, h := range handles {
		p.removeHandle(h)
	}
}

// Submit appends q to the FIFO queue of pending standalone queries and wakes
// idle handles to drain it. This is the entry point used by IMAP/SMTP
// session code for simple lookups that don't need transaction semantics.
func (p *Pool) Submit(ctx context.Context, q *Query) {
	p.mu.Lock()
	q.state = Submitted
	p.queue = append(p.queue, q)
	p.mu.Unlock()
	p.runQueue(ctx)
}

// SubmitAll enqueues a batch of independent queries. They are not guaranteed
// to run on the same handle or in relative order; use a Transaction for
// that.
func (p *Pool) SubmitAll(ctx context.Context, qs []*Query) {
	p.mu.Lock()
	for _, q := range qs {
		q.state = Submitted
		p.queue = append(p.queue, q)
	}
	p.mu.Unlock()
	p.runQueue(ctx)
}

// runQueue implements Database::runQueue: hand the head of the queue to
// every idle usable handle, then decide whether to grow the pool.
func (p *Pool) runQueue(ctx context.Context) {
	p.mu.Lock()
	var first *Query
	if len(p.queue) > 0 {
		first = p.queue[0]
	}

	connecting := 0
	for _, h := range p.handles {
		st := h.State()
		if st == Idle && h.usable() && len(p.queue) > 0 {
			h.setState(InTransaction) // claimed, will return to Idle after the query
			q := p.queue[0]
			p.queue = p.queue[1:]
			go p.runStandalone(ctx, h, q)
		} else if st == Connecting {
			connecting++
		}
	}

	max := p.cfg.MaxHandles
	interval := time.Duration(p.cfg.HandleInterval) * time.Second

	grow := len(p.handles) == 0 ||
		time.Since(p.lastCreated) >= interval ||
		(len(p.queue) > 0 && p.queue[0] == first && connecting == 0)

	var closeOldest *Handle
	doCreate := false
	if grow && len(p.queue) > 0 {
		if len(p.handles) >= max {
			if time.Since(p.lastExecuted) < interval {
				p.mu.Unlock()
				return
			}
			if len(p.handles) > 0 {
				closeOldest = p.handles[0]
			}
		}
		doCreate = true
	}
	p.mu.Unlock()

	if closeOldest != nil {
		p.removeHandle(closeOldest)
	}
	if doCreate {
		if _, err := p.createHandle(ctx); err != nil {
			xlog.Errorx("growing database pool", err)
		} else {
			p.runQueue(ctx)
		}
	}
}

func (p *Pool) runStandalone(ctx context.Context, h *Handle, q *Query) {
	q.run(ctx, h.conn)
	p.mu.Lock()
	p.lastExecuted = time.Now()
	p.mu.Unlock()
	h.mu.Lock()
	h.lastExecuted = time.Now()
	h.mu.Unlock()
	h.setState(Idle)
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
	p.runQueue(ctx)
}

// acquireHandle blocks until an idle, usable handle is available, claims it
// for exclusive use by a Transaction, and returns it.
func (p *Pool) acquireHandle(ctx context.Context) (*Handle, error) {
	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, ErrNoHandles
		}
		for _, h := range p.handles {
			if h.State() == Idle && h.usable() {
				h.setState(InTransaction)
				p.mu.Unlock()
				return h, nil
			}
		}
		if len(p.handles) == 0 {
			p.mu.Unlock()
			if _, err := p.createHandle(ctx); err != nil {
				return nil, err
			}
			p.mu.Lock()
			continue
		}
		p.cond.Wait()
	}
}

func (p *Pool) releaseHandle(h *Handle, failed bool) {
	if failed {
		h.setState(FailedTransaction)
	} else {
		h.setState(Idle)
	}
	p.mu.Lock()
	p.lastExecuted = time.Now()
	p.cond.Broadcast()
	p.mu.Unlock()
}

// runTransaction, commitTransaction and rollbackTransaction are called by
// Transaction and block the calling goroutine (typically an Injector's own
// goroutine) for as long as the database round-trip takes. This is the
// idiomatic Go rendering of the original's callback-driven continuation
// chain (see spec section 9): a goroutine already is a coroutine, so no
// re-entrant state machine is needed to avoid blocking other connections.
func (p *Pool) runTransaction(t *Transaction) {
	ctx := context.Background()
	if t.handle == nil {
		h, err := p.acquireHandle(ctx)
		if err != nil {
			t.mu.Lock()
			t.failed = true
			t.err = err
			t.mu.Unlock()
			return
		}
		tx, err := h.conn.Begin(ctx)
		if err != nil {
			p.releaseHandle(h, true)
			t.mu.Lock()
			t.failed = true
			t.err = err
			t.mu.Unlock()
			return
		}
		t.handle = h
		t.tx = tx
	}

	for {
		q, ok := t.claimNext()
		if !ok {
			return
		}
		t.runOne(ctx, q)
		t.handle.mu.Lock()
		t.handle.lastExecuted = time.Now()
		t.handle.mu.Unlock()
		if t.Failed() {
			return
		}
	}
}

func (p *Pool) commitTransaction(t *Transaction) {
	ctx := context.Background()
	t.Execute() // drain anything still pending first

	t.mu.Lock()
	failed := t.failed
	t.mu.Unlock()

	if failed {
		p.doRollback(t)
		return
	}

	var err error
	if t.tx != nil {
		err = t.tx.Commit(ctx)
	}
	t.mu.Lock()
	if err != nil {
		t.failed = true
		t.err = err
	} else {
		t.committed = true
	}
	t.mu.Unlock()

	if t.handle != nil {
		p.releaseHandle(t.handle, err != nil)
	}
	t.finish()
}

func (p *Pool) rollbackTransaction(t *Transaction) {
	p.doRollback(t)
	t.finish()
}

func (p *Pool) doRollback(t *Transaction) {
	ctx := context.Background()
	t.mu.Lock()
	already := t.rolledBack
	t.rolledBack = true
	t.mu.Unlock()
	if already {
		return
	}
	if t.tx != nil {
		_ = t.tx.Rollback(ctx)
	}
	if t.handle != nil {
		p.releaseHandle(t.handle, false)
	}
}

// ConnString builds a libpq-style connection string for the configured
// login (either db-user or db-owner, mirroring Database::user/password).
func ConnString(cfg config.DB, useOwner bool) string {
	user, password := cfg.User, cfg.Password
	if useOwner {
		user, password = cfg.Owner, cfg.OwnerPassword
	}
	host := cfg.Address
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s", host, cfg.Port, user, password, cfg.Name)
}

// PgxPoolConfig is exposed so administrative tooling (cmd/aox) that wants
// pgxpool's own connection-string parsing can reuse it instead of
// duplicating ConnString's formatting.
func PgxPoolConfig(cfg config.DB, useOwner bool) (*pgxpool.Config, error) {
	return pgxpool.ParseConfig(ConnString(cfg, useOwner))
}
