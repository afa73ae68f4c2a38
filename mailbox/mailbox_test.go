package mailbox

import "testing"

type testSession struct {
	notified int
}

func (s *testSession) NotifyMailboxChange() { s.notified++ }

func TestTreeInsertLookup(t *testing.T) {
	tr := NewTree()
	mb := tr.Insert(3, "user/INBOX", 1, 1, 1)
	if mb.ID != 3 {
		t.Fatalf("expected id 3, got %d", mb.ID)
	}
	if got := tr.ByID(3); got != mb {
		t.Fatalf("ByID did not return the inserted mailbox")
	}
	if got := tr.ByName("user/INBOX"); got != mb {
		t.Fatalf("ByName did not return the inserted mailbox")
	}
	if got := tr.Inbox("user"); got != mb {
		t.Fatalf("Inbox did not resolve to the inserted mailbox")
	}
	if tr.ByName("nonexistent") != nil {
		t.Fatalf("expected nil for unknown name")
	}
}

func TestTreeInsertUpdatesExisting(t *testing.T) {
	tr := NewTree()
	tr.Insert(1, "user/INBOX", 1, 1, 1)
	mb := tr.Insert(1, "user/INBOX", 5, 9, 3)
	if mb.UIDNext() != 5 || mb.NextModseq() != 9 {
		t.Fatalf("expected updated uidnext/nextmodseq, got %d/%d", mb.UIDNext(), mb.NextModseq())
	}
}

func TestMailboxAdvanceMonotonic(t *testing.T) {
	tr := NewTree()
	mb := tr.Insert(1, "user/INBOX", 1, 1, 1)
	s := &testSession{}
	mb.Attach(s)

	mb.Advance(1, 1, s)
	if mb.UIDNext() != 2 {
		t.Fatalf("expected uidnext 2, got %d", mb.UIDNext())
	}
	if s.notified != 1 {
		t.Fatalf("expected session to be notified once, got %d", s.notified)
	}

	// Advancing with a lower uid must never move uidnext backwards.
	mb.Advance(0, 0, nil)
	if mb.UIDNext() != 2 {
		t.Fatalf("uidnext regressed to %d", mb.UIDNext())
	}

	mb.Detach(s)
	mb.Advance(2, 2, s)
	if s.notified != 2 {
		t.Fatalf("detached session should not block notification of remaining watchers count, got %d", s.notified)
	}
}

func TestAnySession(t *testing.T) {
	tr := NewTree()
	mb := tr.Insert(1, "user/INBOX", 1, 1, 1)
	if mb.AnySession() != nil {
		t.Fatalf("expected no session before Attach")
	}
	s := &testSession{}
	mb.Attach(s)
	if mb.AnySession() != s {
		t.Fatalf("expected AnySession to return the attached session")
	}
	mb.Detach(s)
	if mb.AnySession() != nil {
		t.Fatalf("expected no session after Detach")
	}
}

func TestSortByID(t *testing.T) {
	a := &Mailbox{ID: 3}
	b := &Mailbox{ID: 1}
	c := &Mailbox{ID: 2}
	sorted := SortByID([]*Mailbox{a, b, c})
	if sorted[0].ID != 1 || sorted[1].ID != 2 || sorted[2].ID != 3 {
		t.Fatalf("unexpected sort order: %d,%d,%d", sorted[0].ID, sorted[1].ID, sorted[2].ID)
	}
	// Input slice must not be mutated.
	if a.ID != 3 || b.ID != 1 || c.ID != 2 {
		t.Fatalf("SortByID mutated its input")
	}
}

func TestLocalOCClientPublish(t *testing.T) {
	c := NewLocalOCClient()
	var got []int64
	c.Subscribe(func(mailboxID int64, uid uint32, modseq int64) {
		got = append(got, mailboxID)
	})
	c.Publish(7, 1, 1)
	c.Publish(8, 2, 2)
	if len(got) != 2 || got[0] != 7 || got[1] != 8 {
		t.Fatalf("unexpected subscriber calls: %v", got)
	}
}
