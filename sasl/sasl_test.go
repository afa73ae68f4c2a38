package sasl

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"
)

func digestFor(secret string, challenge []byte) string {
	mac := hmac.New(md5.New, []byte(secret))
	mac.Write(challenge)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestCRAMMD5RoundTrip(t *testing.T) {
	lookup := func(login string) (string, bool) {
		if login == "alice" {
			return "s3kret", true
		}
		return "", false
	}
	s := NewServerCRAMMD5("mail.example.com", lookup, false)
	challenge := s.Challenge()

	resp := []byte(fmt.Sprintf("alice %s", digestFor("s3kret", challenge)))
	login, ok := s.Verify(resp)
	if !ok || login != "alice" {
		t.Fatalf("expected successful verify for alice, got login=%q ok=%v", login, ok)
	}
}

func TestCRAMMD5WrongDigest(t *testing.T) {
	lookup := func(login string) (string, bool) { return "s3kret", true }
	s := NewServerCRAMMD5("mail.example.com", lookup, false)
	s.Challenge()

	_, ok := s.Verify([]byte("alice deadbeef"))
	if ok {
		t.Fatalf("expected verify to fail for wrong digest")
	}
}

func TestCRAMMD5UnknownLogin(t *testing.T) {
	lookup := func(login string) (string, bool) { return "", false }
	s := NewServerCRAMMD5("mail.example.com", lookup, false)
	challenge := s.Challenge()

	resp := []byte(fmt.Sprintf("bob %s", digestFor("whatever", challenge)))
	_, ok := s.Verify(resp)
	if ok {
		t.Fatalf("expected verify to fail for unknown login")
	}
}

func TestCRAMMD5MalformedResponse(t *testing.T) {
	lookup := func(login string) (string, bool) { return "s3kret", true }
	s := NewServerCRAMMD5("mail.example.com", lookup, false)
	s.Challenge()

	_, ok := s.Verify([]byte("nospaceresponse"))
	if ok {
		t.Fatalf("expected verify to fail for malformed response with no space")
	}
}

func TestCRAMMD5AnonymousAllowed(t *testing.T) {
	lookup := func(login string) (string, bool) { return "", false }
	s := NewServerCRAMMD5("mail.example.com", lookup, true)
	s.Challenge()

	login, ok := s.Verify([]byte("anonymous ignored-digest"))
	if !ok || login != "anonymous" {
		t.Fatalf("expected anonymous login to be accepted, got login=%q ok=%v", login, ok)
	}
}

func TestCRAMMD5AnonymousDisallowed(t *testing.T) {
	lookup := func(login string) (string, bool) { return "", false }
	s := NewServerCRAMMD5("mail.example.com", lookup, false)
	s.Challenge()

	_, ok := s.Verify([]byte("anonymous ignored-digest"))
	if ok {
		t.Fatalf("expected anonymous login to be rejected when not allowed")
	}
}

func TestChallengeFormat(t *testing.T) {
	s := NewServerCRAMMD5("mail.example.com", nil, false)
	c := s.Challenge()
	if c[0] != '<' || c[len(c)-1] != '>' {
		t.Fatalf("expected challenge wrapped in angle brackets, got %q", c)
	}

	s2 := NewServerCRAMMD5("", nil, false)
	c2 := s2.Challenge()
	if !strings.HasSuffix(string(c2), "@aox.invalid>") {
		t.Fatalf("expected placeholder hostname for empty hostname, got %q", c2)
	}
}
