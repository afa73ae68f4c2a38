package message

import (
	"net/textproto"
	"testing"
	"time"
)

func TestBodypartHashPrefersText(t *testing.T) {
	bp := &Bodypart{Text: "hello"}
	h1 := bp.Hash()

	bp2 := &Bodypart{Text: "hello"}
	h2 := bp2.Hash()
	if h1 != h2 {
		t.Fatalf("identical text bodyparts must hash identically")
	}

	bp3 := &Bodypart{Text: "goodbye"}
	if bp3.Hash() == h1 {
		t.Fatalf("different text must not hash identically")
	}
}

func TestBodypartHashCached(t *testing.T) {
	bp := &Bodypart{Text: "hello"}
	h1 := bp.Hash()
	bp.Text = "mutated after first hash"
	h2 := bp.Hash()
	if h1 != h2 {
		t.Fatalf("Hash must cache its result on first computation")
	}
}

func TestBodypartStored(t *testing.T) {
	if (&Bodypart{}).Stored() {
		t.Fatalf("an empty bodypart must not report Stored")
	}
	if !(&Bodypart{Text: "x"}).Stored() {
		t.Fatalf("a bodypart with Text must report Stored")
	}
	if !(&Bodypart{Data: []byte{1}}).Stored() {
		t.Fatalf("a bodypart with Data must report Stored")
	}
}

func TestAddressKeyLowercasesDomainOnly(t *testing.T) {
	a := Address{Localpart: "User", Domain: "Example.COM"}
	if got, want := a.Key(), "User@example.com"; got != want {
		t.Fatalf("Key() = %q, want %q", got, want)
	}
}

func TestIsMultipartNotSigned(t *testing.T) {
	if !isMultipartNotSigned("multipart/mixed") {
		t.Fatalf("multipart/mixed should be treated as not stored")
	}
	if isMultipartNotSigned("multipart/signed") {
		t.Fatalf("multipart/signed is an explicit exception and must be stored")
	}
	if isMultipartNotSigned("text/plain") {
		t.Fatalf("a non-multipart type must not match")
	}
}

func TestHTMLToText(t *testing.T) {
	got := htmlToText("<p>hello <b>world</b></p>")
	if got != "hello world" {
		t.Fatalf("htmlToText = %q, want %q", got, "hello world")
	}
}

func TestReceivedInternalDateUsesLastSemicolon(t *testing.T) {
	h := textproto.MIMEHeader{
		"Received": []string{"from a by b; with smtp; id=123; Mon, 02 Jan 2006 15:04:05 -0700"},
	}
	got, ok := receivedInternalDate(h)
	if !ok {
		t.Fatalf("expected a date to be derived")
	}
	want := time.Date(2006, 1, 2, 15, 4, 5, 0, time.FixedZone("", -7*3600))
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestReceivedInternalDateNoHeader(t *testing.T) {
	if _, ok := receivedInternalDate(textproto.MIMEHeader{}); ok {
		t.Fatalf("expected no date when there is no Received header")
	}
}

func TestReceivedInternalDateMalformedTail(t *testing.T) {
	h := textproto.MIMEHeader{"Received": []string{"from a by b; not-a-date"}}
	if _, ok := receivedInternalDate(h); ok {
		t.Fatalf("expected no date when the trailing clause does not parse")
	}
}

func TestSplitHeaderPartitions(t *testing.T) {
	h := textproto.MIMEHeader{
		"Subject":   []string{"hi"},
		"From":      []string{"Alice <alice@example.com>"},
		"Date":      []string{"Mon, 02 Jan 2006 15:04:05 -0700"},
		"X-Custom":  []string{"value"},
	}
	fields, dates, addrs := splitHeader(h)

	foundSubject, foundCustom := false, false
	for _, f := range fields {
		if f.Name == "Subject" {
			foundSubject = true
		}
		if f.Name == "X-Custom" {
			foundCustom = true
		}
	}
	if !foundSubject || !foundCustom {
		t.Fatalf("expected Subject and X-Custom among plain header fields, got %+v", fields)
	}
	if len(dates) != 1 {
		t.Fatalf("expected 1 parsed date, got %d", len(dates))
	}
	if len(addrs) != 1 || addrs[0].FieldName != "From" || len(addrs[0].Addresses) != 1 {
		t.Fatalf("expected 1 From address field, got %+v", addrs)
	}
	if addrs[0].Addresses[0].Localpart != "alice" || addrs[0].Addresses[0].Domain != "example.com" {
		t.Fatalf("unexpected parsed address: %+v", addrs[0].Addresses[0])
	}
}

func TestParseSimplePlainTextMessage(t *testing.T) {
	raw := []byte("From: Alice <alice@example.com>\r\n" +
		"To: Bob <bob@example.com>\r\n" +
		"Subject: hello\r\n" +
		"Message-Id: <abc123@example.com>\r\n" +
		"Date: Mon, 02 Jan 2006 15:04:05 -0700\r\n" +
		"\r\n" +
		"hello world\r\n")

	m, err := Parse(raw, time.Time{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.Subject != "hello" {
		t.Fatalf("Subject = %q, want hello", m.Subject)
	}
	if m.MessageID != "abc123@example.com" {
		t.Fatalf("MessageID = %q, want abc123@example.com", m.MessageID)
	}
	if len(m.From) != 1 || m.From[0].Localpart != "alice" || m.From[0].Domain != "example.com" {
		t.Fatalf("unexpected From: %+v", m.From)
	}
	if len(m.To) != 1 || m.To[0].Localpart != "bob" {
		t.Fatalf("unexpected To: %+v", m.To)
	}
	if len(m.Bodyparts) != 1 {
		t.Fatalf("expected 1 bodypart for a non-multipart message, got %d", len(m.Bodyparts))
	}
	if m.Bodyparts[0].Number != "" {
		t.Fatalf("the sole part of a non-multipart message must have an empty Number, got %q", m.Bodyparts[0].Number)
	}
	if m.InternalDate.IsZero() {
		t.Fatalf("expected InternalDate to be derived from the Date header")
	}
}

func TestParseExplicitDateOverrides(t *testing.T) {
	raw := []byte("From: alice@example.com\r\nTo: bob@example.com\r\nSubject: s\r\n\r\nbody\r\n")
	explicit := time.Date(2020, 5, 1, 0, 0, 0, 0, time.UTC)
	m, err := Parse(raw, explicit)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !m.InternalDate.Equal(explicit) {
		t.Fatalf("InternalDate = %v, want explicit override %v", m.InternalDate, explicit)
	}
}
