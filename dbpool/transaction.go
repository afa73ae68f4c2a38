package dbpool

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
)

// Transaction is a serialisable sequence of Queries executed on a single
// handle, in enqueue order, as described in spec section 4.2. Once a
// non-allowFailure query fails, the transaction is poisoned: every
// subsequently enqueued query fails immediately with the same error, until
// Rollback is called.
type Transaction struct {
	pool  *Pool
	owner func()

	mu        sync.Mutex
	pending   []*Query
	tx        pgx.Tx
	handle    *Handle
	savepoint int

	failed    bool
	err       error
	committed bool
	rolledBack bool
	done      bool
}

// NewTransaction creates a transaction that will run on a handle claimed
// from pool. owner, if non-nil, is called once when the transaction has
// fully settled (committed or rolled back and all queries have drained).
func (p *Pool) NewTransaction(owner func()) *Transaction {
	return &Transaction{pool: p, owner: owner}
}

// Enqueue appends q to the transaction's query sequence. If the transaction
// is already poisoned, q fails immediately with the poisoning error, unless
// q.allowFailure, which still causes it to fail but does not re-poison.
func (t *Transaction) Enqueue(q *Query) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q.tx = t
	if t.failed {
		q.state = Failed
		q.err = t.err
		if q.notify != nil {
			q.notify(q)
		}
		return
	}
	t.pending = append(t.pending, q)
}

// EnqueueSavepoint issues "SAVEPOINT a<n>" and returns the name used, for
// BidFetcher-style dedup recovery (spec section 4.4).
func (t *Transaction) EnqueueSavepoint() string {
	t.mu.Lock()
	name := fmt.Sprintf("a%d", t.savepoint)
	t.savepoint++
	t.mu.Unlock()
	t.Enqueue(NewQuery("savepoint " + name))
	return name
}

// EnqueueRollbackToSavepoint issues "ROLLBACK TO <name>", recovering from an
// expected unique-index conflict without poisoning the transaction.
func (t *Transaction) EnqueueRollbackToSavepoint(name string) {
	t.Enqueue(NewQuery("rollback to " + name))
}

// Failed reports whether the transaction has been poisoned by a query
// failure.
func (t *Transaction) Failed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failed
}

func (t *Transaction) Error() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done reports whether the transaction has committed or rolled back and has
// no more pending queries.
func (t *Transaction) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// Execute drains every currently enqueued query on the owning handle's
// connection, in order, stopping (poisoning the transaction) at the first
// unexpected failure. It is safe to call repeatedly as more queries are
// enqueued; it is how the Injector's state machine drives the transaction
// forward at each step (spec section 4.4).
func (t *Transaction) Execute() {
	t.pool.runTransaction(t)
}

func (t *Transaction) claimNext() (*Query, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) == 0 {
		return nil, false
	}
	q := t.pending[0]
	t.pending = t.pending[1:]
	return q, true
}

func (t *Transaction) runOne(ctx context.Context, q *Query) {
	if t.tx == nil {
		panic("dbpool: transaction has no open handle")
	}
	q.run(ctx, t.tx)
	if q.FailedState() && !q.allowFailure {
		t.mu.Lock()
		t.failed = true
		t.err = q.Error()
		t.mu.Unlock()
	}
}

// Commit requests commit once every enqueued query up to this point has
// settled without an unrecovered failure. If the transaction has already
// been poisoned, Commit rolls it back instead and it stays failed.
func (t *Transaction) Commit() {
	t.pool.commitTransaction(t)
}

// Rollback aborts the transaction, discarding any pending queries.
func (t *Transaction) Rollback() {
	t.pool.rollbackTransaction(t)
}

func (t *Transaction) finish() {
	t.mu.Lock()
	t.done = true
	t.mu.Unlock()
	if t.owner != nil {
		t.owner()
	}
}
