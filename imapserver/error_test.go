package imapserver

import (
	"errors"
	"fmt"
	"testing"
)

func recoverPanic(f func()) (v any) {
	defer func() { v = recover() }()
	f()
	return nil
}

func TestXUserErrorf(t *testing.T) {
	v := recoverPanic(func() { xuserErrorf("no such mailbox %q", "Foo") })
	ue, ok := v.(userError)
	if !ok {
		t.Fatalf("expected userError, got %T", v)
	}
	if ue.Error() != `no such mailbox "Foo"` {
		t.Fatalf("unexpected message: %q", ue.Error())
	}
	if ue.code != "" {
		t.Fatalf("expected no response code, got %q", ue.code)
	}
}

func TestXUsercodeErrorf(t *testing.T) {
	v := recoverPanic(func() { xusercodeErrorf("TRYCREATE", "mailbox does not exist") })
	ue, ok := v.(userError)
	if !ok {
		t.Fatalf("expected userError, got %T", v)
	}
	if ue.code != "TRYCREATE" {
		t.Fatalf("expected TRYCREATE code, got %q", ue.code)
	}
}

func TestXServerErrorf(t *testing.T) {
	v := recoverPanic(func() { xserverErrorf("db unavailable") })
	if _, ok := v.(serverError); !ok {
		t.Fatalf("expected serverError, got %T", v)
	}
}

func TestXSyntaxErrorf(t *testing.T) {
	v := recoverPanic(func() { xsyntaxErrorf("unexpected token %q", "}") })
	se, ok := v.(syntaxError)
	if !ok {
		t.Fatalf("expected syntaxError, got %T", v)
	}
	if se.Error() != `bad syntax: unexpected token "}"` {
		t.Fatalf("unexpected message: %q", se.Error())
	}
}

func TestXConnErrorf(t *testing.T) {
	v := recoverPanic(func() { xconnErrorf("too much input before authentication") })
	if _, ok := v.(connectionError); !ok {
		t.Fatalf("expected connectionError, got %T", v)
	}
}

func TestXcheckfWrapsServerError(t *testing.T) {
	inner := fmt.Errorf("disk full")
	v := recoverPanic(func() { xcheckf(inner, "writing message") })
	se, ok := v.(serverError)
	if !ok {
		t.Fatalf("expected serverError, got %T", v)
	}
	if !errors.Is(se, inner) {
		t.Fatalf("expected wrapped error to unwrap to the original, got %v", se)
	}
}

func TestXcheckfNilIsNoop(t *testing.T) {
	v := recoverPanic(func() { xcheckf(nil, "should not panic") })
	if v != nil {
		t.Fatalf("expected no panic for a nil error, got %v", v)
	}
}
