// Package mailbox holds the in-process mirror of the mailboxes table: the
// tree of Mailbox values every Session and Injector consults for uidnext,
// nextmodseq and the set of attached sessions to notify of new mail.
package mailbox

import (
	"sort"
	"strings"
	"sync"

	"github.com/aox-project/aox/dbpool"
)

// Mailbox is the in-process counterpart of a mailboxes row. Sessions and
// the Injector both read and update it; all access to its counters and
// attached sessions goes through the methods below, which hold the
// mailbox's own lock.
type Mailbox struct {
	ID   int64
	Name string

	mu          sync.Mutex
	uidnext     uint32
	nextmodseq  int64
	firstRecent uint32

	parent   *Mailbox
	children []*Mailbox

	sessions map[Session]bool
}

// Session is the minimal surface the mailbox tree needs from an attached
// IMAP session: somewhere to deliver a new-message/flag-change
// notification, and an identity to dedupe against.
type Session interface {
	// NotifyMailboxChange is called whenever a message is added to, or a
	// flag changes in, a mailbox this session is watching.
	NotifyMailboxChange()
}

func (m *Mailbox) UIDNext() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uidnext
}

func (m *Mailbox) NextModseq() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextmodseq
}

// Advance applies the monotonic update an injector makes after a commit:
// uidnext and nextmodseq only ever increase, and firstRecent advances past
// the newly assigned uid only when that uid was announced \Recent to
// recentTo.
func (m *Mailbox) Advance(uid uint32, modseq int64, recentTo Session) {
	m.mu.Lock()
	if uid >= m.uidnext {
		m.uidnext = uid + 1
	}
	if modseq >= m.nextmodseq {
		m.nextmodseq = modseq + 1
	}
	if recentTo != nil && uid >= m.firstRecent {
		m.firstRecent = uid + 1
	}
	sessions := make([]Session, 0, len(m.sessions))
	for s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.NotifyMailboxChange()
	}
}

// Attach registers s as watching this mailbox, for \Recent bookkeeping and
// change notification.
func (m *Mailbox) Attach(s Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions == nil {
		m.sessions = map[Session]bool{}
	}
	m.sessions[s] = true
}

func (m *Mailbox) Detach(s Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, s)
}

// AnySession returns one session that currently has this mailbox selected,
// arbitrarily chosen, or nil if none does (used by the injector
// to decide which session, if any, a newly assigned UID should be announced
// to as \Recent — spec section 4.4).
func (m *Mailbox) AnySession() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	for s := range m.sessions {
		return s
	}
	return nil
}

// Tree is the process-wide singleton of all known mailboxes, rooted at "/".
// It is populated at startup from the mailboxes table; mailboxes that
// administrative commands add to the table later are not picked up by a
// running tree. The core never creates or deletes mailboxes itself.
type Tree struct {
	mu     sync.RWMutex
	byID   map[int64]*Mailbox
	byName map[string]*Mailbox
	root   *Mailbox
}

func NewTree() *Tree {
	root := &Mailbox{ID: 0, Name: "/"}
	return &Tree{
		byID:   map[int64]*Mailbox{0: root},
		byName: map[string]*Mailbox{"/": root},
		root:   root,
	}
}

// LoadTree reads every row of the mailboxes table and returns a Tree
// populated with them, for use at server startup. It runs a single
// read-only transaction on pool and blocks until it settles.
func LoadTree(pool *dbpool.Pool) (*Tree, error) {
	t := NewTree()

	tx := pool.NewTransaction(nil)
	q := dbpool.NewQuery("select id, name, uidnext, nextmodseq, first_recent from mailboxes order by id")
	tx.Enqueue(q)
	tx.Execute()
	if q.FailedState() {
		tx.Rollback()
		return nil, q.Error()
	}
	for _, row := range q.Rows() {
		t.Insert(row.GetBigint("id"), row.GetString("name"), uint32(row.GetBigint("uidnext")), row.GetBigint("nextmodseq"), uint32(row.GetBigint("first_recent")))
	}
	tx.Commit()
	return t, nil
}

// Insert adds or updates a mailbox loaded from the database, wiring it into
// the tree by its slash-delimited name.
func (t *Tree) Insert(id int64, name string, uidnext uint32, nextmodseq int64, firstRecent uint32) *Mailbox {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.byID[id]
	if !ok {
		m = &Mailbox{ID: id}
		t.byID[id] = m
	}
	m.mu.Lock()
	m.Name = name
	m.uidnext = uidnext
	m.nextmodseq = nextmodseq
	m.firstRecent = firstRecent
	m.mu.Unlock()
	t.byName[name] = m

	parentName := strings.TrimSuffix(name[:strings.LastIndex(name, "/")+1], "/")
	if parentName == "" {
		parentName = "/"
	}
	if parent, ok := t.byName[parentName]; ok && parent != m {
		m.parent = parent
		parent.children = append(parent.children, m)
	}
	return m
}

func (t *Tree) ByID(id int64) *Mailbox {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byID[id]
}

func (t *Tree) ByName(name string) *Mailbox {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byName[name]
}

// Inbox returns the given user's personal INBOX, the conventional top-level
// mailbox name.
func (t *Tree) Inbox(user string) *Mailbox {
	return t.ByName(user + "/INBOX")
}

// All returns every mailbox in the tree, including the root, in no
// particular order.
func (t *Tree) All() []*Mailbox {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Mailbox, 0, len(t.byID))
	for _, m := range t.byID {
		out = append(out, m)
	}
	return out
}

// SortByID returns mailboxes sorted by id ascending, matching the lock
// acquisition order the injector must use (spec section 4.4/5) to avoid
// deadlock between concurrent injectors sharing mailboxes.
func SortByID(mbs []*Mailbox) []*Mailbox {
	out := append([]*Mailbox(nil), mbs...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OCClient publishes mailbox changes to peer server processes. Multi-machine
// clustering is an explicit non-goal (spec section 1); this in-process
// implementation simply fans a change out to local subscribers, giving the
// Injector a real collaborator to call without requiring a cluster.
type OCClient interface {
	Publish(mailboxID int64, uid uint32, modseq int64)
}

// LocalOCClient is the in-process OCClient used by a single aoxd, wired so
// the interface boundary from spec section 4.4's "publish the change to
// peer processes" has a concrete, testable implementation despite
// clustering being out of scope.
type LocalOCClient struct {
	mu   sync.Mutex
	subs []func(mailboxID int64, uid uint32, modseq int64)
}

func NewLocalOCClient() *LocalOCClient {
	return &LocalOCClient{}
}

func (c *LocalOCClient) Subscribe(f func(mailboxID int64, uid uint32, modseq int64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, f)
}

func (c *LocalOCClient) Publish(mailboxID int64, uid uint32, modseq int64) {
	c.mu.Lock()
	subs := append([]func(int64, uint32, int64){}, c.subs...)
	c.mu.Unlock()
	for _, f := range subs {
		f(mailboxID, uid, modseq)
	}
}
