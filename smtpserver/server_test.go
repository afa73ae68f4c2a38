package smtpserver

import (
	"bufio"
	"crypto/tls"
	"net"
	"strings"
	"testing"

	"github.com/aox-project/aox/mailbox"
	"github.com/aox-project/aox/smtp"
)

func TestSplitVerb(t *testing.T) {
	verb, rest := splitVerb("MAIL FROM:<a@b.com>\r\n")
	if verb != "MAIL" || rest != "FROM:<a@b.com>" {
		t.Fatalf("splitVerb = %q, %q", verb, rest)
	}
	verb, rest = splitVerb("QUIT")
	if verb != "QUIT" || rest != "" {
		t.Fatalf("splitVerb = %q, %q", verb, rest)
	}
}

func TestCutPrefixFold(t *testing.T) {
	rest, ok := cutPrefixFold("from:<a@b.com>", "FROM:")
	if !ok || rest != "<a@b.com>" {
		t.Fatalf("cutPrefixFold = %q, %v", rest, ok)
	}
	if _, ok := cutPrefixFold("TO:<a@b.com>", "FROM:"); ok {
		t.Fatalf("expected no match for mismatched prefix")
	}
}

func TestProtoName(t *testing.T) {
	if protoName(true) != "LMTP" {
		t.Fatalf("expected LMTP")
	}
	if protoName(false) != "ESMTP" {
		t.Fatalf("expected ESMTP")
	}
}

// scriptedSession drives Serve over a net.Pipe with a fixed client script and
// returns every reply line the server sent back.
func scriptedSession(t *testing.T, cfg Config, script []string) []string {
	t.Helper()
	server, client := net.Pipe()

	go func() {
		w := bufio.NewWriter(client)
		for _, line := range script {
			w.WriteString(line + "\r\n")
			w.Flush()
		}
		client.Close()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		Serve(server, cfg)
	}()

	var replies []string
	scanner := bufio.NewScanner(client)
	for scanner.Scan() {
		replies = append(replies, scanner.Text())
	}
	<-done
	return replies
}

func testTree() *mailbox.Tree {
	tr := mailbox.NewTree()
	tr.Insert(1, "bob/INBOX", 1, 1, 1)
	return tr
}

func usersLookup(tr *mailbox.Tree) UserLookup {
	return func(addr smtp.Address) (int64, bool) {
		if string(addr.Localpart) == "bob" {
			return tr.ByName("bob/INBOX").ID, true
		}
		return 0, false
	}
}

func TestSmtpHappyPathThroughRcpt(t *testing.T) {
	tr := testTree()
	cfg := Config{Hostname: "mail.example.com", Tree: tr, Users: usersLookup(tr)}

	replies := scriptedSession(t, cfg, []string{
		"EHLO client.example.com",
		"MAIL FROM:<alice@example.com>",
		"RCPT TO:<bob@example.com>",
		"RSET",
		"NOOP",
		"QUIT",
	})

	joined := strings.Join(replies, "\n")
	if !strings.Contains(joined, "220 ") {
		t.Fatalf("expected a 220 greeting, got:\n%s", joined)
	}
	if !strings.Contains(joined, "250") {
		t.Fatalf("expected at least one 250 response, got:\n%s", joined)
	}
	if !strings.Contains(joined, "221") {
		t.Fatalf("expected a 221 closing response, got:\n%s", joined)
	}
}

func TestSmtpRcptBeforeMailRejected(t *testing.T) {
	tr := testTree()
	cfg := Config{Hostname: "mail.example.com", Tree: tr, Users: usersLookup(tr)}

	replies := scriptedSession(t, cfg, []string{
		"EHLO client.example.com",
		"RCPT TO:<bob@example.com>",
		"QUIT",
	})
	joined := strings.Join(replies, "\n")
	if !strings.Contains(joined, "503") {
		t.Fatalf("expected a 503 bad sequence response for RCPT before MAIL, got:\n%s", joined)
	}
}

func TestSmtpUnknownRecipientRejected(t *testing.T) {
	tr := testTree()
	cfg := Config{Hostname: "mail.example.com", Tree: tr, Users: usersLookup(tr)}

	replies := scriptedSession(t, cfg, []string{
		"EHLO client.example.com",
		"MAIL FROM:<alice@example.com>",
		"RCPT TO:<nobody@example.com>",
		"QUIT",
	})
	joined := strings.Join(replies, "\n")
	if !strings.Contains(joined, "550") {
		t.Fatalf("expected a 550 response for an unknown recipient, got:\n%s", joined)
	}
}

func TestSmtpUnrecognizedCommand(t *testing.T) {
	tr := testTree()
	cfg := Config{Hostname: "mail.example.com", Tree: tr, Users: usersLookup(tr)}

	replies := scriptedSession(t, cfg, []string{
		"BOGUS",
		"QUIT",
	})
	joined := strings.Join(replies, "\n")
	if !strings.Contains(joined, "502") {
		t.Fatalf("expected a 502 response for an unrecognized command, got:\n%s", joined)
	}
}

func TestLhloRejectedWithoutLMTP(t *testing.T) {
	tr := testTree()
	cfg := Config{Hostname: "mail.example.com", Tree: tr, Users: usersLookup(tr)}

	replies := scriptedSession(t, cfg, []string{
		"LHLO client.example.com",
		"QUIT",
	})
	joined := strings.Join(replies, "\n")
	if !strings.Contains(joined, "500") {
		t.Fatalf("expected a 500 response for LHLO on a non-LMTP session, got:\n%s", joined)
	}
}

func TestHeloRejectedWithLMTP(t *testing.T) {
	tr := testTree()
	cfg := Config{Hostname: "mail.example.com", Tree: tr, Users: usersLookup(tr), LMTP: true}

	replies := scriptedSession(t, cfg, []string{
		"HELO client.example.com",
		"QUIT",
	})
	joined := strings.Join(replies, "\n")
	if !strings.Contains(joined, "500") {
		t.Fatalf("expected a 500 response for HELO on an LMTP session, got:\n%s", joined)
	}
}

// TestStartTLSRejectsPipelinedData writes EHLO, STARTTLS and a third command
// as a single flush so the server's read buffer holds bytes beyond the
// STARTTLS line itself, simulating a client that pipelined plaintext
// commands ahead of the TLS handshake. The upgrade must be refused.
func TestStartTLSRejectsPipelinedData(t *testing.T) {
	tr := testTree()
	cfg := Config{Hostname: "mail.example.com", Tree: tr, Users: usersLookup(tr), TLSConfig: &tls.Config{}}

	server, client := net.Pipe()
	go func() {
		w := bufio.NewWriter(client)
		w.WriteString("EHLO client.example.com\r\n")
		w.Flush()
		// STARTTLS and NOOP arrive as one read on the server side.
		w.WriteString("STARTTLS\r\nNOOP\r\n")
		w.Flush()
		client.Close()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		Serve(server, cfg)
	}()

	var replies []string
	scanner := bufio.NewScanner(client)
	for scanner.Scan() {
		replies = append(replies, scanner.Text())
	}
	<-done

	joined := strings.Join(replies, "\n")
	if !strings.Contains(joined, "503") {
		t.Fatalf("expected a 503 rejection for pipelined data ahead of STARTTLS, got:\n%s", joined)
	}
}

func TestDataWithoutRecipientsRejected(t *testing.T) {
	tr := testTree()
	cfg := Config{Hostname: "mail.example.com", Tree: tr, Users: usersLookup(tr)}

	replies := scriptedSession(t, cfg, []string{
		"EHLO client.example.com",
		"MAIL FROM:<alice@example.com>",
		"DATA",
		"QUIT",
	})
	joined := strings.Join(replies, "\n")
	if !strings.Contains(joined, "503") {
		t.Fatalf("expected a 503 response for DATA with no recipients, got:\n%s", joined)
	}
}
