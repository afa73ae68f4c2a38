// Package message holds the domain types the injector works with: a parsed
// RFC 5322 message broken into content-addressed bodyparts, header-field
// links and address links. Parsing itself is delegated to enmime; this
// package only reshapes its tree into the flat, numbered form section 3 of
// the data model requires.
package message

import (
	"bytes"
	"crypto/md5"
	"fmt"
	"net/mail"
	"net/textproto"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"

	"github.com/aox-project/aox/smtp"
)

// Address is a display-name plus the (localpart, domain) pair used
// throughout the address cache and address_fields rows.
type Address struct {
	Name      string
	Localpart smtp.Localpart
	Domain    string
}

// Key matches smtp.Address.Key: the canonical localpart@lowercased-domain
// string the address cache deduplicates on.
func (a Address) Key() string {
	return string(a.Localpart) + "@" + strings.ToLower(a.Domain)
}

// HeaderField is a single non-address header field, in header order.
type HeaderField struct {
	Name  string
	Value string
}

// AddressField groups the ordered addressees of one address-bearing header
// field (From, To, Cc, Bcc, Sender, Reply-To).
type AddressField struct {
	FieldName string
	Addresses []Address
}

// Bodypart is one node of the MIME tree, already reduced to the storage
// form section 3 prescribes: text, data, both or neither. Hash is computed
// over whichever of Text/Data is actually stored, text taking precedence
// when both are empty for an empty part.
type Bodypart struct {
	Number      string // IMAP-style part number, e.g. "1", "1.2". Empty for the sole part of a non-multipart message.
	ContentType string // lowercased "type/subtype"
	Charset     string

	Text string
	Data []byte

	Bytes int // encoded size of the original part body
	Lines int

	Header []HeaderField
	Dates  []time.Time
	Addrs  []AddressField

	hash    [16]byte
	hashSet bool
}

// Hash returns the MD5 of the bodypart's stored content, computing it on
// first use. Two bodyparts with identical stored bytes have equal Hash,
// which is exactly the property the injector's dedup pass relies on.
func (b *Bodypart) Hash() [16]byte {
	if !b.hashSet {
		var sum [16]byte
		if b.Text != "" {
			sum = md5.Sum([]byte(b.Text))
		} else {
			sum = md5.Sum(b.Data)
		}
		b.hash = sum
		b.hashSet = true
	}
	return b.hash
}

// Stored reports whether this bodypart keeps any content at all (false for
// message/rfc822 and multipart/* other than multipart/signed, per section
// 3).
func (b *Bodypart) Stored() bool {
	return b.Text != "" || len(b.Data) > 0
}

// Message is a fully parsed RFC 5322 message ready for injection.
type Message struct {
	Raw  []byte
	Size int

	Subject   string
	MessageID string

	InternalDate time.Time

	From     []Address
	Sender   []Address
	To       []Address
	Cc       []Address
	Bcc      []Address
	ReplyTo  []Address

	// Bodyparts holds every storable leaf/composite part in document
	// order, numbered per IMAP convention.
	Bodyparts []*Bodypart

	// HeaderFields, DateFields and AddressFields are the top-level
	// header links; for a non-multipart message these are the same
	// fields later excluded from the sole bodypart's own Header, per the
	// "first-child header of a single-part message" rule in section 4.4.
	HeaderFields  []HeaderField
	DateFields    []time.Time
	AddressFields []AddressField
}

// Parse decodes raw into a Message. explicitDate, if non-zero, overrides the
// internal-date derivation described in section 3 (most-recent Received
// ';' tail, else Date:, else wall-clock).
func Parse(raw []byte, explicitDate time.Time) (*Message, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing message: %w", err)
	}

	m := &Message{
		Raw:       raw,
		Size:      len(raw),
		Subject:   env.GetHeader("Subject"),
		MessageID: strings.Trim(env.GetHeader("Message-Id"), "<>"),
	}

	m.From = addressList(env, "From")
	m.Sender = addressList(env, "Sender")
	m.To = addressList(env, "To")
	m.Cc = addressList(env, "Cc")
	m.Bcc = addressList(env, "Bcc")
	m.ReplyTo = addressList(env, "Reply-To")

	topHeader := textproto.MIMEHeader(env.Root.Header)
	fields, dates, addrs := splitHeader(topHeader)
	m.HeaderFields, m.DateFields, m.AddressFields = fields, dates, addrs

	if !explicitDate.IsZero() {
		m.InternalDate = explicitDate
	} else if d, ok := receivedInternalDate(topHeader); ok {
		m.InternalDate = d
	} else if len(dates) > 0 {
		m.InternalDate = dates[0]
	} else {
		m.InternalDate = time.Now()
	}

	m.Bodyparts = collectBodyparts(env.Root, "", env.Root.FirstChild != nil)
	return m, nil
}

func addressList(env *enmime.Envelope, field string) []Address {
	addrs, err := env.AddressList(field)
	if err != nil || len(addrs) == 0 {
		return nil
	}
	out := make([]Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, fromMailAddress(a))
	}
	return out
}

func fromMailAddress(a *mail.Address) Address {
	local, domain, _ := strings.Cut(a.Address, "@")
	return Address{Name: a.Name, Localpart: smtp.Localpart(local), Domain: domain}
}

// splitHeader partitions a header into non-address/non-date fields, Date
// fields, and address-bearing fields, per section 4.4.
func splitHeader(h textproto.MIMEHeader) (fields []HeaderField, dates []time.Time, addrs []AddressField) {
	for name, values := range h {
		canon := textproto.CanonicalMIMEHeaderKey(name)
		switch canon {
		case "From", "Sender", "To", "Cc", "Bcc", "Reply-To":
			var list []Address
			for _, v := range values {
				if als, err := mail.ParseAddressList(v); err == nil {
					for _, a := range als {
						list = append(list, fromMailAddress(a))
					}
				}
			}
			addrs = append(addrs, AddressField{FieldName: canon, Addresses: list})
		case "Date":
			for _, v := range values {
				if t, err := mail.ParseDate(v); err == nil {
					dates = append(dates, t)
				}
			}
		default:
			for _, v := range values {
				fields = append(fields, HeaderField{Name: canon, Value: v})
			}
		}
	}
	return
}

// receivedInternalDate derives the internal date from the most recent
// Received header's trailing clause. It intentionally looks at the
// substring after the *last* semicolon, even when a Received header
// contains more than one (section 9: this is deliberate, not a bug).
func receivedInternalDate(h textproto.MIMEHeader) (time.Time, bool) {
	received := h.Values("Received")
	if len(received) == 0 {
		return time.Time{}, false
	}
	v := received[0]
	idx := strings.LastIndex(v, ";")
	if idx < 0 {
		return time.Time{}, false
	}
	t, err := mail.ParseDate(strings.TrimSpace(v[idx+1:]))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// collectBodyparts walks the enmime part tree depth-first, assigning IMAP
// part numbers and reducing each leaf to its storage form. numbered is false
// only for the root of a non-multipart message, whose own header is the
// message's top-level header rather than a bodypart header (section 4.4).
func collectBodyparts(p *enmime.Part, prefix string, numbered bool) []*Bodypart {
	if p == nil {
		return nil
	}

	var number string
	if numbered {
		number = prefix
	}

	bp := reducePart(p, number)
	out := []*Bodypart{bp}

	if p.FirstChild != nil {
		n := 1
		for child := p.FirstChild; child != nil; child = child.NextSibling {
			childPrefix := fmt.Sprintf("%d", n)
			if prefix != "" {
				childPrefix = prefix + "." + childPrefix
			}
			out = append(out, collectBodyparts(child, childPrefix, true)...)
			n++
		}
	}
	return out
}

func reducePart(p *enmime.Part, number string) *Bodypart {
	ct := strings.ToLower(p.ContentType)
	bp := &Bodypart{
		Number:      number,
		ContentType: ct,
		Charset:     p.Charset,
		Bytes:       len(p.Content),
		Lines:       bytes.Count(p.Content, []byte("\n")),
	}
	for name, values := range p.Header {
		canon := textproto.CanonicalMIMEHeaderKey(name)
		for _, v := range values {
			bp.Header = append(bp.Header, HeaderField{Name: canon, Value: v})
		}
	}

	switch {
	case strings.HasPrefix(ct, "text/html"):
		bp.Data = p.Content
		bp.Text = htmlToText(string(p.Content))
	case strings.HasPrefix(ct, "text/"):
		bp.Text = string(p.Content)
	case ct == "message/rfc822", isMultipartNotSigned(ct):
		// neither text nor data stored, per section 3.
	default:
		bp.Data = p.Content
	}
	return bp
}

func isMultipartNotSigned(ct string) bool {
	return strings.HasPrefix(ct, "multipart/") && ct != "multipart/signed"
}

// htmlToText is a minimal tag stripper that reducePart uses to derive the
// stored text of every text/html bodypart; enmime's Envelope.Text is not
// consulted.
func htmlToText(h string) string {
	var b strings.Builder
	inTag := false
	for _, r := range h {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return b.String()
}
