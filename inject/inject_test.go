package inject

import (
	"testing"

	"github.com/aox-project/aox/mailbox"
	"github.com/aox-project/aox/message"
)

func TestNewInjectorDefaults(t *testing.T) {
	j := New(nil, Caches{}, nil, &message.Message{}, nil)
	if j.Done() {
		t.Fatalf("a fresh injector must not be Done")
	}
	if j.Failed() {
		t.Fatalf("a fresh injector must not be Failed")
	}
	if j.Error() != nil {
		t.Fatalf("a fresh injector must have no error")
	}
	if j.UID(1) != 0 {
		t.Fatalf("UID of an untouched mailbox must be 0")
	}
}

func TestSetMailboxesSortsByID(t *testing.T) {
	j := New(nil, Caches{}, nil, &message.Message{}, nil)
	a := &mailbox.Mailbox{ID: 5}
	b := &mailbox.Mailbox{ID: 2}
	c := &mailbox.Mailbox{ID: 9}
	j.SetMailboxes([]*mailbox.Mailbox{a, b, c})

	if len(j.mailboxes) != 3 {
		t.Fatalf("expected 3 mailboxes, got %d", len(j.mailboxes))
	}
	if j.mailboxes[0].ID != 2 || j.mailboxes[1].ID != 5 || j.mailboxes[2].ID != 9 {
		t.Fatalf("expected mailboxes sorted by id ascending, got %d,%d,%d",
			j.mailboxes[0].ID, j.mailboxes[1].ID, j.mailboxes[2].ID)
	}
}

func TestExecuteFailsWithNoMailboxes(t *testing.T) {
	var notified *Injector
	owner := ownerFunc(func(j *Injector) { notified = j })
	j := New(nil, Caches{}, nil, &message.Message{}, owner)
	j.Execute()

	if !j.Failed() {
		t.Fatalf("expected Execute to fail with no target mailboxes")
	}
	if j.Error() == nil {
		t.Fatalf("expected a non-nil error")
	}
	if !j.Done() {
		t.Fatalf("expected Done to be set even on early failure")
	}
	if notified != j {
		t.Fatalf("expected owner.InjectorDone to be called with this injector")
	}
}

type ownerFunc func(*Injector)

func (f ownerFunc) InjectorDone(j *Injector) { f(j) }

func TestNullableHelpers(t *testing.T) {
	if nullableString("") != nil {
		t.Fatalf("empty string must become nil")
	}
	if nullableString("x") != "x" {
		t.Fatalf("non-empty string must pass through unchanged")
	}
	if nullableBytes(nil) != nil {
		t.Fatalf("nil bytes must stay nil")
	}
	if nullableBytes([]byte{}) != nil {
		t.Fatalf("empty byte slice must become nil")
	}
	b := []byte{1, 2, 3}
	got := nullableBytes(b)
	if gb, ok := got.([]byte); !ok || len(gb) != 3 {
		t.Fatalf("non-empty bytes must pass through unchanged, got %v", got)
	}
}

func TestToHeaderFields(t *testing.T) {
	in := []message.HeaderField{{Name: "Subject", Value: "hi"}, {Name: "X-Id", Value: "1"}}
	out := toHeaderFields(in)
	if len(out) != 2 || out[0].Name != "Subject" || out[1].Value != "1" {
		t.Fatalf("unexpected conversion: %+v", out)
	}
}

func TestSetters(t *testing.T) {
	j := New(nil, Caches{}, nil, &message.Message{}, nil)
	j.SetWrapped(true)
	if !j.wrapped {
		t.Fatalf("expected SetWrapped(true) to set wrapped")
	}
	j.SetFlags([]string{"\\Seen"})
	if len(j.flags) != 1 || j.flags[0] != "\\Seen" {
		t.Fatalf("unexpected flags: %v", j.flags)
	}
	j.SetAnnotations(map[string]string{"k": "v"})
	if j.annotations["k"] != "v" {
		t.Fatalf("unexpected annotations: %v", j.annotations)
	}
}
