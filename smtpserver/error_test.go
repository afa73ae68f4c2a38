package smtpserver

import (
	"errors"
	"fmt"
	"testing"

	"github.com/aox-project/aox/smtp"
)

func recoverPanic(f func()) (v any) {
	defer func() { v = recover() }()
	f()
	return nil
}

func TestXSmtpUserErrorf(t *testing.T) {
	v := recoverPanic(func() {
		xsmtpUserErrorf(smtp.C550MailboxUnavail, smtp.SeAddr1UnknownDestMailbox1, "no such mailbox %q", "bob")
	})
	se, ok := v.(smtpError)
	if !ok {
		t.Fatalf("expected smtpError, got %T", v)
	}
	if se.code != smtp.C550MailboxUnavail || se.secode != smtp.SeAddr1UnknownDestMailbox1 {
		t.Fatalf("unexpected code/secode: %d/%s", se.code, se.secode)
	}
	if !se.userError {
		t.Fatalf("expected userError to be true")
	}
	if se.Error() != `no such mailbox "bob"` {
		t.Fatalf("unexpected message: %q", se.Error())
	}
}

func TestXSmtpServerErrorf(t *testing.T) {
	v := recoverPanic(func() {
		xsmtpServerErrorf(smtp.C451LocalErr, smtp.SeSys3Other0, "database unavailable")
	})
	se, ok := v.(smtpError)
	if !ok {
		t.Fatalf("expected smtpError, got %T", v)
	}
	if se.userError {
		t.Fatalf("expected userError to be false for a server-side fault")
	}
}

func TestXcheckfWrapsLocalError(t *testing.T) {
	inner := fmt.Errorf("disk full")
	v := recoverPanic(func() { xcheckf(inner, "writing message") })
	se, ok := v.(smtpError)
	if !ok {
		t.Fatalf("expected smtpError, got %T", v)
	}
	if se.code != smtp.C451LocalErr || se.secode != smtp.SeSys3Other0 {
		t.Fatalf("unexpected code/secode: %d/%s", se.code, se.secode)
	}
	if se.userError {
		t.Fatalf("expected userError false for an internal xcheckf failure")
	}
	if !errors.Is(se, inner) {
		t.Fatalf("expected wrapped error to unwrap to the original")
	}
}

func TestXcheckfNilIsNoop(t *testing.T) {
	v := recoverPanic(func() { xcheckf(nil, "should not panic") })
	if v != nil {
		t.Fatalf("expected no panic for a nil error, got %v", v)
	}
}
