// Package cache implements the process-wide name→id caches described in
// spec section 4.3: flag names, annotation names, header-field names and
// addresses. Each is append-only for the lifetime of the process; a miss is
// resolved by a helper row creator that selects, inserts under a savepoint,
// then re-selects so a concurrent writer's insert always wins without
// poisoning the caller's transaction.
package cache

import (
	"fmt"
	"strings"
	"sync"

	"github.com/aox-project/aox/dbpool"
	"github.com/aox-project/aox/smtp"
)

// NameCache maps names to integer ids in a single two-column table
// (id, name), such as flag_names, annotation_names or field_names.
type NameCache struct {
	table string

	mu     sync.RWMutex
	byName map[string]int64
}

// NewNameCache returns a cache backed by the given table, which must have an
// "id" and a unique "name" column.
func NewNameCache(table string) *NameCache {
	return &NameCache{table: table, byName: map[string]int64{}}
}

// Resolve returns the id of every name in names, creating rows for any name
// not yet known. It must be called from the goroutine driving tx; like the
// rest of the dbpool package, it blocks for as long as the database
// round-trips take.
func (c *NameCache) Resolve(tx *dbpool.Transaction, names []string) (map[string]int64, error) {
	result := make(map[string]int64, len(names))

	var missing []string
	c.mu.RLock()
	for _, n := range names {
		if id, ok := c.byName[n]; ok {
			result[n] = id
		} else {
			missing = append(missing, n)
		}
	}
	c.mu.RUnlock()

	missing = dedupStrings(missing)
	if len(missing) == 0 {
		return result, nil
	}

	sel := dbpool.NewQuery(fmt.Sprintf("select id, name from %s where name = any($1)", c.table), missing)
	tx.Enqueue(sel)
	tx.Execute()
	if sel.FailedState() {
		return nil, sel.Error()
	}

	found := map[string]bool{}
	for _, row := range sel.Rows() {
		name := row.GetString("name")
		id := row.GetBigint("id")
		c.mu.Lock()
		c.byName[name] = id
		c.mu.Unlock()
		result[name] = id
		found[name] = true
	}

	for _, name := range missing {
		if found[name] {
			continue
		}
		id, err := c.createRow(tx, name)
		if err != nil {
			return nil, err
		}
		result[name] = id
	}
	return result, nil
}

// createRow is the helper row creator for a single name: insert under a
// savepoint, recover via rollback-to-savepoint on the expected unique-index
// conflict, then select the canonical id (ours or the winner's).
func (c *NameCache) createRow(tx *dbpool.Transaction, name string) (int64, error) {
	sp := tx.EnqueueSavepoint()

	ins := dbpool.NewQuery(fmt.Sprintf("insert into %s(name) values ($1)", c.table), name).AllowFailure()
	tx.Enqueue(ins)
	tx.Execute()

	if ins.FailedState() {
		tx.EnqueueRollbackToSavepoint(sp)
	}

	sel := dbpool.NewQuery(fmt.Sprintf("select id from %s where name = $1", c.table), name)
	tx.Enqueue(sel)
	tx.Execute()
	if sel.FailedState() {
		return 0, sel.Error()
	}
	row := sel.NextRow()
	if row == nil {
		return 0, fmt.Errorf("cache: %s: no row for %q after insert/select", c.table, name)
	}
	id := row.GetBigint("id")
	c.mu.Lock()
	c.byName[name] = id
	c.mu.Unlock()
	return id, nil
}

func dedupStrings(s []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(s))
	for _, v := range s {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// AddressCache maps (localpart, domain) pairs to address ids in the
// addresses(id, name, localpart, domain) table. Lookup keys canonicalise the
// domain to lower-case before deduplicating, per section 4.3.
type AddressCache struct {
	mu    sync.RWMutex
	byKey map[string]int64
}

func NewAddressCache() *AddressCache {
	return &AddressCache{byKey: map[string]int64{}}
}

// Addr is the minimal shape Resolve needs: a display name plus the
// (localpart, domain) identity.
type Addr struct {
	Name      string
	Localpart smtp.Localpart
	Domain    string
}

func (a Addr) key() string {
	return string(a.Localpart) + "@" + strings.ToLower(a.Domain)
}

// Resolve returns the id of every address in addrs, by key, creating rows
// for any not yet known.
func (c *AddressCache) Resolve(tx *dbpool.Transaction, addrs []Addr) (map[string]int64, error) {
	result := make(map[string]int64, len(addrs))

	type pending struct {
		key   string
		addr  Addr
	}
	var missing []pending
	seen := map[string]bool{}

	c.mu.RLock()
	for _, a := range addrs {
		k := a.key()
		if seen[k] {
			continue
		}
		seen[k] = true
		if id, ok := c.byKey[k]; ok {
			result[k] = id
		} else {
			missing = append(missing, pending{k, a})
		}
	}
	c.mu.RUnlock()

	for _, m := range missing {
		id, err := c.createRow(tx, m.addr)
		if err != nil {
			return nil, err
		}
		result[m.key] = id
	}
	return result, nil
}

func (c *AddressCache) createRow(tx *dbpool.Transaction, a Addr) (int64, error) {
	sel := dbpool.NewQuery("select id from addresses where localpart = $1 and lower(domain) = lower($2)", string(a.Localpart), a.Domain)
	tx.Enqueue(sel)
	tx.Execute()
	if sel.FailedState() {
		return 0, sel.Error()
	}
	if row := sel.NextRow(); row != nil {
		id := row.GetBigint("id")
		c.store(a, id)
		return id, nil
	}

	sp := tx.EnqueueSavepoint()
	ins := dbpool.NewQuery("insert into addresses(name, localpart, domain) values ($1, $2, $3)", a.Name, string(a.Localpart), a.Domain).AllowFailure()
	tx.Enqueue(ins)
	tx.Execute()
	if ins.FailedState() {
		tx.EnqueueRollbackToSavepoint(sp)
	}

	sel2 := dbpool.NewQuery("select id from addresses where localpart = $1 and lower(domain) = lower($2)", string(a.Localpart), a.Domain)
	tx.Enqueue(sel2)
	tx.Execute()
	if sel2.FailedState() {
		return 0, sel2.Error()
	}
	row := sel2.NextRow()
	if row == nil {
		return 0, fmt.Errorf("cache: addresses: no row for %q after insert/select", a.key())
	}
	id := row.GetBigint("id")
	c.store(a, id)
	return id, nil
}

func (c *AddressCache) store(a Addr, id int64) {
	c.mu.Lock()
	c.byKey[a.key()] = id
	c.mu.Unlock()
}
