// Package inject implements the transactional message injector: the
// hardest subsystem in the core (spec section 4.4). An Injector takes a
// parsed message and a set of target mailboxes and, in one Transaction,
// deduplicates bodyparts by content hash, assigns per-mailbox UIDs and
// modseqs under row locks acquired in sorted mailbox-id order, resolves
// field/flag/annotation/address names through the process caches, and
// writes every message-related row.
package inject

import (
	"fmt"
	"sort"

	"github.com/aox-project/aox/cache"
	"github.com/aox-project/aox/dbpool"
	"github.com/aox-project/aox/mailbox"
	"github.com/aox-project/aox/message"
	"github.com/aox-project/aox/mlog"
	"github.com/aox-project/aox/smtp"
)

var xlog = mlog.New("inject")

// State is the injector's state machine (spec section 4.4).
type State int

const (
	Inactive State = iota
	InsertingBodyparts
	SelectingUids
	InsertingMessages
	LinkingFields
	LinkingFlags
	LinkingAnnotations
	LinkingAddresses
	AwaitingCompletion
	Done
)

// Owner is notified exactly once when an Injector finishes, successfully or
// not.
type Owner interface {
	InjectorDone(*Injector)
}

// Caches bundles the four process-wide name caches an Injector resolves
// against.
type Caches struct {
	Flags       *cache.NameCache
	Annotations *cache.NameCache
	Fields      *cache.NameCache
	Addresses   *cache.AddressCache
}

// Injector drives one message's atomic multi-mailbox storage.
type Injector struct {
	pool   *dbpool.Pool
	caches Caches
	oc     mailbox.OCClient

	msg       *message.Message
	owner     Owner
	mailboxes []*mailbox.Mailbox
	deliveryAddresses []smtp.Address
	sender    smtp.Address
	wrapped   bool
	flags     []string
	annotations map[string]string

	state  State
	failed bool
	err    error
	done   bool

	tx *dbpool.Transaction

	bodypartIDs   map[[16]byte]int64
	uids          map[int64]uint32
	modseqs       map[int64]int64
	recentSession map[int64]mailbox.Session
}

// New creates an Injector for msg, owned by owner. SetMailboxes must be
// called before Execute.
func New(pool *dbpool.Pool, caches Caches, oc mailbox.OCClient, msg *message.Message, owner Owner) *Injector {
	return &Injector{
		pool:          pool,
		caches:        caches,
		oc:            oc,
		msg:           msg,
		owner:         owner,
		bodypartIDs:   map[[16]byte]int64{},
		uids:          map[int64]uint32{},
		modseqs:       map[int64]int64{},
		recentSession: map[int64]mailbox.Session{},
	}
}

// SetMailboxes sets the injection targets. They are sorted by id internally
// regardless of input order, per the deadlock-avoidance discipline of
// section 4.4/5.
func (j *Injector) SetMailboxes(mbs []*mailbox.Mailbox) { j.mailboxes = mailbox.SortByID(mbs) }

func (j *Injector) SetDeliveryAddresses(addrs []smtp.Address) { j.deliveryAddresses = addrs }
func (j *Injector) SetSender(a smtp.Address)                   { j.sender = a }
func (j *Injector) SetWrapped(w bool)                          { j.wrapped = w }
func (j *Injector) SetFlags(flags []string)                    { j.flags = flags }
func (j *Injector) SetAnnotations(ann map[string]string)       { j.annotations = ann }

func (j *Injector) Done() bool   { return j.done }
func (j *Injector) Failed() bool { return j.failed }
func (j *Injector) Error() error { return j.err }

// UID returns the UID assigned in the given mailbox, or 0 if unknown (not a
// target, or injection did not succeed).
func (j *Injector) UID(mailboxID int64) uint32 { return j.uids[mailboxID] }

// Execute drives the state machine to completion. It blocks the calling
// goroutine for as long as the whole transaction takes — the idiomatic Go
// rendering of the original's re-entrant callback chain (spec section 9):
// the calling goroutine already suspends at each Query the way the original
// suspends at each callback, so no separate re-entry mechanism is needed.
func (j *Injector) Execute() {
	defer func() {
		j.done = true
		j.state = Done
		if j.owner != nil {
			j.owner.InjectorDone(j)
		}
	}()

	if len(j.mailboxes) == 0 {
		j.fail(fmt.Errorf("inject: no target mailboxes"))
		return
	}

	j.tx = j.pool.NewTransaction(nil)

	j.state = InsertingBodyparts
	j.insertBodyparts()
	if j.failed {
		j.rollback()
		return
	}

	j.state = SelectingUids
	j.selectUids()
	if j.failed {
		j.rollback()
		return
	}

	j.state = InsertingMessages
	j.insertMessages()
	if j.failed {
		j.rollback()
		return
	}

	j.state = LinkingFields
	j.linkFields()
	if j.failed {
		j.rollback()
		return
	}

	j.state = LinkingFlags
	j.linkFlags()
	if j.failed {
		j.rollback()
		return
	}

	j.state = LinkingAnnotations
	j.linkAnnotations()
	if j.failed {
		j.rollback()
		return
	}

	j.state = LinkingAddresses
	j.linkAddresses()
	if j.failed {
		j.rollback()
		return
	}

	if j.wrapped {
		q := dbpool.NewQuery("insert into unparsed_messages(bodypart) values ((select bodypart from part_numbers where mailbox=$1 and uid=$2 and part='2'))",
			j.mailboxes[0].ID, j.uids[j.mailboxes[0].ID])
		j.tx.Enqueue(q)
		j.tx.Execute()
		if q.FailedState() {
			j.fail(q.Error())
			j.rollback()
			return
		}
	}

	j.state = AwaitingCompletion
	j.tx.Commit()
	if j.tx.Failed() {
		j.fail(j.tx.Error())
		return
	}

	j.announce()
}

func (j *Injector) fail(err error) {
	j.failed = true
	j.err = err
}

func (j *Injector) rollback() {
	j.tx.Rollback()
}

// insertBodyparts processes bodyparts sequentially so each one's savepoint
// name stays stable, deduplicating by content hash (spec section 4.4).
func (j *Injector) insertBodyparts() {
	for _, bp := range j.msg.Bodyparts {
		if !bp.Stored() {
			continue
		}
		hash := bp.Hash()
		if _, ok := j.bodypartIDs[hash]; ok {
			continue
		}

		sp := j.tx.EnqueueSavepoint()
		ins := dbpool.NewQuery("insert into bodyparts(hash, bytes, text, data) values ($1, $2, $3, $4)",
			hash[:], bp.Bytes, nullableString(bp.Text), nullableBytes(bp.Data)).AllowFailure()
		j.tx.Enqueue(ins)
		j.tx.Execute()
		if ins.FailedState() {
			j.tx.EnqueueRollbackToSavepoint(sp)
		}

		sel := dbpool.NewQuery("select id from bodyparts where hash = $1", hash[:])
		j.tx.Enqueue(sel)
		j.tx.Execute()
		if sel.FailedState() {
			j.fail(sel.Error())
			return
		}
		row := sel.NextRow()
		if row == nil {
			j.fail(fmt.Errorf("inject: no bodyparts row for hash %x after insert/select", hash))
			return
		}
		j.bodypartIDs[hash] = row.GetBigint("id")
	}
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// selectUids locks and advances mailboxes.uidnext/nextmodseq/first_recent in
// sorted-id order, the discipline that keeps concurrent injectors from
// deadlocking (spec sections 4.4 and 5).
func (j *Injector) selectUids() {
	for _, mb := range j.mailboxes {
		sel := dbpool.NewQuery("select uidnext, nextmodseq, first_recent from mailboxes where id = $1 for update", mb.ID)
		j.tx.Enqueue(sel)
		j.tx.Execute()
		if sel.FailedState() {
			j.fail(sel.Error())
			return
		}
		row := sel.NextRow()
		if row == nil {
			j.fail(fmt.Errorf("inject: mailbox %d not found", mb.ID))
			return
		}
		uidnext := uint32(row.GetInt("uidnext"))
		nextmodseq := row.GetBigint("nextmodseq")
		firstRecent := uint32(row.GetInt("first_recent"))

		announceRecent := mb.AnySession()
		bumpRecent := announceRecent != nil && uidnext == firstRecent

		upd := "update mailboxes set uidnext = uidnext + 1, nextmodseq = nextmodseq + 1"
		if bumpRecent {
			upd += ", first_recent = first_recent + 1"
		}
		upd += " where id = $1"
		u := dbpool.NewQuery(upd, mb.ID)
		j.tx.Enqueue(u)
		j.tx.Execute()
		if u.FailedState() {
			j.fail(u.Error())
			return
		}

		j.uids[mb.ID] = uidnext
		j.modseqs[mb.ID] = nextmodseq
		if bumpRecent {
			j.recentSession[mb.ID] = announceRecent
		}
	}
}

// insertMessages emits the messages, modsequences and part_numbers rows for
// every target mailbox.
func (j *Injector) insertMessages() {
	messages := dbpool.NewCopyQuery("messages", "mailbox", "uid", "idate", "rfc822size")
	modseqs := dbpool.NewCopyQuery("modsequences", "mailbox", "uid", "modseq")
	parts := dbpool.NewCopyQuery("part_numbers", "mailbox", "uid", "part", "bodypart", "bytes", "lines")

	for _, mb := range j.mailboxes {
		uid := j.uids[mb.ID]
		messages.SubmitLine(mb.ID, uid, j.msg.InternalDate, j.msg.Size)
		modseqs.SubmitLine(mb.ID, uid, j.modseqs[mb.ID])

		for _, bp := range j.msg.Bodyparts {
			if !bp.Stored() {
				continue
			}
			hash := bp.Hash()
			parts.SubmitLine(mb.ID, uid, bp.Number, j.bodypartIDs[hash], bp.Bytes, bp.Lines)
		}
	}

	for _, q := range []*dbpool.Query{messages, modseqs, parts} {
		j.tx.Enqueue(q)
	}
	j.tx.Execute()
	for _, q := range []*dbpool.Query{messages, modseqs, parts} {
		if q.FailedState() {
			j.fail(q.Error())
			return
		}
	}
}

// linkFields resolves header-field names through the field cache and emits
// header_fields and date_fields rows for every mailbox/uid.
func (j *Injector) linkFields() {
	names := map[string]bool{}
	for _, f := range j.msg.HeaderFields {
		names[f.Name] = true
	}
	for _, bp := range j.msg.Bodyparts {
		if bp.Number == "" {
			continue // top-level fields of a non-multipart message, already counted above.
		}
		for _, f := range bp.Header {
			names[f.Name] = true
		}
	}
	nameList := make([]string, 0, len(names))
	for n := range names {
		nameList = append(nameList, n)
	}
	sort.Strings(nameList)

	ids, err := j.caches.Fields.Resolve(j.tx, nameList)
	if err != nil {
		j.fail(err)
		return
	}

	headerRows := dbpool.NewCopyQuery("header_fields", "mailbox", "uid", "part", "position", "field", "value")
	var dateInserts []*dbpool.Query

	for _, mb := range j.mailboxes {
		uid := j.uids[mb.ID]

		emit := func(part string, fields []HeaderField) {
			for i, f := range fields {
				headerRows.SubmitLine(mb.ID, uid, part, i, ids[f.Name], f.Value)
			}
		}
		emit("", toHeaderFields(j.msg.HeaderFields))
		for _, d := range j.msg.DateFields {
			dateInserts = append(dateInserts, dbpool.NewQuery("insert into date_fields(mailbox, uid, value) values ($1,$2,$3)", mb.ID, uid, d))
		}
		for _, bp := range j.msg.Bodyparts {
			if bp.Number == "" {
				continue
			}
			emit(bp.Number, toHeaderFields(bp.Header))
		}
	}

	j.tx.Enqueue(headerRows)
	for _, q := range dateInserts {
		j.tx.Enqueue(q)
	}
	j.tx.Execute()
	if headerRows.FailedState() {
		j.fail(headerRows.Error())
		return
	}
	for _, q := range dateInserts {
		if q.FailedState() {
			j.fail(q.Error())
			return
		}
	}
}

type HeaderField struct {
	Name  string
	Value string
}

func toHeaderFields(fs []message.HeaderField) []HeaderField {
	out := make([]HeaderField, len(fs))
	for i, f := range fs {
		out[i] = HeaderField{Name: f.Name, Value: f.Value}
	}
	return out
}

func (j *Injector) linkFlags() {
	if len(j.flags) == 0 {
		return
	}
	ids, err := j.caches.Flags.Resolve(j.tx, j.flags)
	if err != nil {
		j.fail(err)
		return
	}
	var queries []*dbpool.Query
	for _, mb := range j.mailboxes {
		uid := j.uids[mb.ID]
		for _, f := range j.flags {
			queries = append(queries, dbpool.NewQuery("insert into flags(flag, uid, mailbox) values ($1,$2,$3)", ids[f], uid, mb.ID))
		}
	}
	for _, q := range queries {
		j.tx.Enqueue(q)
	}
	j.tx.Execute()
	for _, q := range queries {
		if q.FailedState() {
			j.fail(q.Error())
			return
		}
	}
}

func (j *Injector) linkAnnotations() {
	if len(j.annotations) == 0 {
		return
	}
	names := make([]string, 0, len(j.annotations))
	for n := range j.annotations {
		names = append(names, n)
	}
	sort.Strings(names)
	ids, err := j.caches.Annotations.Resolve(j.tx, names)
	if err != nil {
		j.fail(err)
		return
	}
	var queries []*dbpool.Query
	for _, mb := range j.mailboxes {
		uid := j.uids[mb.ID]
		for _, name := range names {
			queries = append(queries, dbpool.NewQuery(
				"insert into annotations(mailbox, uid, name, value, owner) values ($1,$2,$3,$4,$5)",
				mb.ID, uid, ids[name], j.annotations[name], nil))
		}
	}
	for _, q := range queries {
		j.tx.Enqueue(q)
	}
	j.tx.Execute()
	for _, q := range queries {
		if q.FailedState() {
			j.fail(q.Error())
			return
		}
	}
}

// linkAddresses resolves every distinct address (sender plus every address
// field, including remote recipients) through the address cache, emits
// address_fields rows, and for remote recipients a deliveries/
// delivery_recipients pair scoped to the delivery just inserted.
func (j *Injector) linkAddresses() {
	var all []cache.Addr
	addKey := map[string]bool{}
	add := func(a message.Address) {
		k := a.Key()
		if addKey[k] {
			return
		}
		addKey[k] = true
		all = append(all, cache.Addr{Name: a.Name, Localpart: a.Localpart, Domain: a.Domain})
	}
	if !j.sender.IsZero() {
		add(message.Address{Localpart: j.sender.Localpart, Domain: j.sender.Domain})
	}
	for _, af := range j.msg.AddressFields {
		for _, a := range af.Addresses {
			add(a)
		}
	}
	for _, a := range j.deliveryAddresses {
		add(message.Address{Localpart: a.Localpart, Domain: a.Domain})
	}

	ids, err := j.caches.Addresses.Resolve(j.tx, all)
	if err != nil {
		j.fail(err)
		return
	}

	fieldNames := map[string]bool{}
	for _, af := range j.msg.AddressFields {
		fieldNames[af.FieldName] = true
	}
	fieldNameList := make([]string, 0, len(fieldNames))
	for n := range fieldNames {
		fieldNameList = append(fieldNameList, n)
	}
	sort.Strings(fieldNameList)
	fieldIDs, err := j.caches.Fields.Resolve(j.tx, fieldNameList)
	if err != nil {
		j.fail(err)
		return
	}

	addrRows := dbpool.NewCopyQuery("address_fields", "mailbox", "uid", "part", "position", "field", "address", "number")
	var deliveryQueries []*dbpool.Query

	for _, mb := range j.mailboxes {
		uid := j.uids[mb.ID]
		for pos, af := range j.msg.AddressFields {
			for n, a := range af.Addresses {
				addrRows.SubmitLine(mb.ID, uid, "", pos, fieldIDs[af.FieldName], ids[a.Key()], n)
			}
		}

		if len(j.deliveryAddresses) > 0 {
			del := dbpool.NewQuery(
				"insert into deliveries(sender, mailbox, uid, injected_at, expires_at) values ($1,$2,$3,now(),now() + interval '30 days')",
				ids[j.sender.Key()], mb.ID, uid)
			j.tx.Enqueue(del)
			j.tx.Execute()
			if del.FailedState() {
				j.fail(del.Error())
				return
			}
			for _, rcpt := range j.deliveryAddresses {
				q := dbpool.NewQuery(
					"insert into delivery_recipients(delivery, recipient) values (currval(pg_get_serial_sequence('deliveries','id')), $1)",
					ids[rcpt.Key()])
				deliveryQueries = append(deliveryQueries, q)
			}
		}
	}

	j.tx.Enqueue(addrRows)
	for _, q := range deliveryQueries {
		j.tx.Enqueue(q)
	}
	j.tx.Execute()
	if addrRows.FailedState() {
		j.fail(addrRows.Error())
		return
	}
	for _, q := range deliveryQueries {
		if q.FailedState() {
			j.fail(q.Error())
			return
		}
	}
}

// announce publishes the now-committed UID/modseq advances to the in-process
// mailbox tree, peer processes (via OCClient) and any attached sessions, per
// spec section 4.4.
func (j *Injector) announce() {
	for _, mb := range j.mailboxes {
		uid := j.uids[mb.ID]
		modseq := j.modseqs[mb.ID]
		mb.Advance(uid, modseq, j.recentSession[mb.ID])
		if j.oc != nil {
			j.oc.Publish(mb.ID, uid, modseq)
		}
	}
}
