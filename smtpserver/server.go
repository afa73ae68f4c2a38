// Package smtpserver implements the SMTP/LMTP receiving state machine (spec
// section 4.6): verb parsing, STARTTLS upgrade, dot-stuffed body
// accumulation, recipient verification and handoff to the Injector.
package smtpserver

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aox-project/aox/dbpool"
	"github.com/aox-project/aox/inject"
	"github.com/aox-project/aox/mailbox"
	"github.com/aox-project/aox/message"
	"github.com/aox-project/aox/metrics"
	"github.com/aox-project/aox/mlog"
	"github.com/aox-project/aox/moxio"
	"github.com/aox-project/aox/smtp"
)

var xlog = mlog.New("smtpserver")

var metricDeliveries = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "aox_smtp_deliveries_total",
		Help: "SMTP/LMTP delivery attempts by result.",
	},
	[]string{"result"},
)

// MessageCopy selects which delivered/rejected messages get a copy file
// written to disk, per spec section 6's "message-copy" option.
type MessageCopy string

const (
	CopyNone      MessageCopy = "none"
	CopyDelivered MessageCopy = "delivered"
	CopyErrors    MessageCopy = "errors"
	CopyAll       MessageCopy = "all"
)

// State is the verb state machine from spec section 4.6.
type State int

const (
	Initial State = iota
	StateMailFrom
	StateRcptTo
	StateData
)

const maxLineLength = 32 * 1024

// UserLookup resolves a recipient address to the mailbox it should be
// delivered to. A false ok means the address is unknown or invalid — 550.
type UserLookup func(addr smtp.Address) (mailboxID int64, ok bool)

// Config bundles everything a Session needs that is shared process-wide.
type Config struct {
	Hostname  string
	Pool      *dbpool.Pool
	Tree      *mailbox.Tree
	Caches    inject.Caches
	OC        mailbox.OCClient
	Users     UserLookup
	LMTP      bool
	TLSConfig *tls.Config

	MessageCopy    MessageCopy
	MessageCopyDir string
}

var copySeq int64

// Session is one SMTP or LMTP connection.
type Session struct {
	cfg  Config
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer
	bufs *moxio.Bufpool
	tr   *moxio.TraceReader
	tw   *moxio.TraceWriter

	remoteAddr string
	state      State
	haveHelo   bool

	sender     smtp.Address
	senderSeen bool
	recipients []recipient
}

type recipient struct {
	addr      smtp.Address
	mailboxID int64
}

// Serve drives conn until the client disconnects or QUIT. All protocol
// errors are reported as reply lines; the connection is closed when the
// client closes it or a connection-level error occurs.
func Serve(conn net.Conn, cfg Config) {
	s := &Session{
		cfg:        cfg,
		conn:       conn,
		bufs:       moxio.NewBufpool(4, maxLineLength),
		remoteAddr: conn.RemoteAddr().String(),
	}
	s.wireTrace(conn)
	defer conn.Close()

	s.reply(smtp.C220ServiceReady, "", "%s aox %s ready", cfg.Hostname, protoName(cfg.LMTP))
	s.run()
}

// wireTrace (re)builds br/bw around conn, routing both through a
// TraceReader/TraceWriter pair so "trace"-level logging sees every byte
// exchanged with the client, plaintext or (after STARTTLS) decrypted.
func (s *Session) wireTrace(conn net.Conn) {
	s.tr = moxio.NewTraceReader(xlog, "C: ", conn)
	s.tw = moxio.NewTraceWriter(xlog, "S: ", conn)
	s.br = bufio.NewReader(s.tr)
	s.bw = bufio.NewWriter(s.tw)
}

func protoName(lmtp bool) string {
	if lmtp {
		return "LMTP"
	}
	return "ESMTP"
}

func (s *Session) run() {
	defer func() {
		if r := recover(); r != nil {
			metrics.PanicInc("smtpserver")
			xlog.Error("smtp session panic", mlog.Field("panic", fmt.Sprint(r)), mlog.Field("stack", string(debug.Stack())))
		}
	}()

	for {
		s.conn.SetReadDeadline(time.Now().Add(5 * time.Minute))
		line, err := s.bufs.Readline(xlog, s.br)
		if err != nil {
			if !moxio.IsClosed(err) {
				xlog.Debugx("smtp connection read failed", err)
			}
			return
		}
		if !s.handleLine(line) {
			return
		}
	}
}

// handleLine dispatches one command line. Returns false when the connection
// should close (QUIT, or an unrecoverable error).
func (s *Session) handleLine(line string) bool {
	verb, rest := splitVerb(line)
	verb = strings.ToUpper(verb)

	defer func() {
		if r := recover(); r != nil {
			s.reportPanic(r)
		}
	}()

	switch verb {
	case "HELO", "EHLO":
		s.cmdHelo(verb, rest)
	case "LHLO":
		s.cmdLhlo(rest)
	case "STARTTLS":
		s.cmdStartTLS()
	case "MAIL":
		s.cmdMail(rest)
	case "RCPT":
		s.cmdRcpt(rest)
	case "DATA":
		s.cmdData()
	case "RSET":
		s.reset()
		s.reply(smtp.C250Completed, smtp.SeOther00, "reset")
	case "NOOP":
		s.reply(smtp.C250Completed, smtp.SeOther00, "noop")
	case "QUIT":
		s.reply(smtp.C221Closing, smtp.SeOther00, "closing")
		return false
	default:
		xsmtpUserErrorf(smtp.C502CmdNotImpl, smtp.SeProto5BadCmdOrSeq1, "unrecognized command")
	}
	return true
}

func (s *Session) reportPanic(r any) {
	e, ok := r.(smtpError)
	if !ok {
		metrics.PanicInc("smtpserver")
		xlog.Error("smtp command panic", mlog.Field("panic", fmt.Sprint(r)))
		s.reply(smtp.C451LocalErr, smtp.SeSys3Other0, "internal error")
		return
	}
	if !e.userError {
		xlog.Errorx("smtp command failed", e.err)
	}
	s.reply(e.code, e.secode, "%s", e.Error())
}

func (s *Session) reply(code int, secode string, format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	if secode != "" {
		text = secode + " " + text
	}
	fmt.Fprintf(s.bw, "%d %s\r\n", code, text)
	s.bw.Flush()
}

func splitVerb(line string) (verb, rest string) {
	line = strings.TrimRight(line, "\r\n")
	verb, rest, _ = strings.Cut(line, " ")
	return verb, strings.TrimSpace(rest)
}

func (s *Session) cmdHelo(verb, rest string) {
	if s.cfg.LMTP {
		xsmtpUserErrorf(smtp.C500BadSyntax, smtp.SeProto5BadCmdOrSeq1, "use LHLO for LMTP")
	}
	if s.state != Initial && s.state != StateMailFrom {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "HELO/EHLO only allowed in initial state")
	}
	s.haveHelo = true
	s.state = StateMailFrom
	if strings.EqualFold(verb, "HELO") {
		s.reply(smtp.C250Completed, "", "%s", s.cfg.Hostname)
		return
	}
	fmt.Fprintf(s.bw, "250-%s\r\n", s.cfg.Hostname)
	fmt.Fprintf(s.bw, "250-8BITMIME\r\n")
	fmt.Fprintf(s.bw, "250-DSN\r\n")
	if s.cfg.TLSConfig != nil && !s.isTLS() {
		fmt.Fprintf(s.bw, "250-STARTTLS\r\n")
	}
	fmt.Fprintf(s.bw, "250 PIPELINING\r\n")
	s.bw.Flush()
}

func (s *Session) cmdLhlo(rest string) {
	if !s.cfg.LMTP {
		xsmtpUserErrorf(smtp.C500BadSyntax, smtp.SeProto5BadCmdOrSeq1, "LHLO only allowed for LMTP")
	}
	if s.state != Initial && s.state != StateMailFrom {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "LHLO only allowed in initial state")
	}
	s.haveHelo = true
	s.state = StateMailFrom
	fmt.Fprintf(s.bw, "250-%s\r\n", s.cfg.Hostname)
	fmt.Fprintf(s.bw, "250-8BITMIME\r\n")
	fmt.Fprintf(s.bw, "250 DSN\r\n")
	s.bw.Flush()
}

func (s *Session) isTLS() bool {
	_, ok := s.conn.(*tls.Conn)
	return ok
}

func (s *Session) cmdStartTLS() {
	if s.cfg.TLSConfig == nil {
		xsmtpUserErrorf(smtp.C502CmdNotImpl, smtp.SeProto5BadCmdOrSeq1, "STARTTLS not offered")
	}
	if s.isTLS() {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "already using TLS")
	}
	if s.br.Buffered() > 0 {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "pipelined data ahead of STARTTLS negotiation")
	}
	s.reply(smtp.C220ServiceReady, "", "go ahead")

	tlsConn := tls.Server(s.conn, s.cfg.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		xcheckf(err, "TLS handshake")
	}
	version, cipher := moxio.TLSInfo(tlsConn)
	xlog.Info("smtp starttls established", mlog.Field("version", version), mlog.Field("cipher", cipher))

	s.conn = tlsConn
	s.wireTrace(tlsConn)
	s.reset()
	s.state = Initial
	s.haveHelo = false
}

func (s *Session) reset() {
	s.sender = smtp.Address{}
	s.senderSeen = false
	s.recipients = nil
	if s.haveHelo {
		s.state = StateMailFrom
	} else {
		s.state = Initial
	}
}

func (s *Session) cmdMail(rest string) {
	if !s.haveHelo {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "send HELO/EHLO/LHLO first")
	}
	if s.state != StateMailFrom {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "MAIL FROM not allowed now")
	}
	body, ok := cutPrefixFold(rest, "FROM:")
	if !ok {
		xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5BadParams4, "expected MAIL FROM:<address>")
	}
	raw := strings.TrimSpace(body)
	raw = strings.SplitN(raw, " ", 2)[0]

	if raw == "<>" {
		s.sender = smtp.Address{}
	} else {
		addr, err := smtp.ParseAddress(strings.Trim(raw, "<>"))
		if err != nil {
			xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeAddr1MailboxSyntax3, "malformed sender address: %v", err)
		}
		s.sender = addr
	}
	s.senderSeen = true
	s.state = StateRcptTo
	s.reply(smtp.C250Completed, smtp.SeAddr1DestValid5, "ok")
}

func (s *Session) cmdRcpt(rest string) {
	if s.state != StateRcptTo && s.state != StateData {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "RCPT TO requires MAIL FROM first")
	}
	raw, ok := cutPrefixFold(rest, "TO:")
	if !ok {
		xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5BadParams4, "expected RCPT TO:<address>")
	}
	raw = strings.TrimSpace(raw)
	raw = strings.SplitN(raw, " ", 2)[0]
	addr, err := smtp.ParseAddress(strings.Trim(raw, "<>"))
	if err != nil {
		xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeAddr1MailboxSyntax3, "malformed recipient address: %v", err)
	}

	mailboxID, ok := s.cfg.Users(addr)
	if !ok {
		xsmtpUserErrorf(smtp.C550MailboxUnavail, smtp.SeAddr1UnknownDestMailbox1, "no such user")
	}
	s.recipients = append(s.recipients, recipient{addr: addr, mailboxID: mailboxID})
	s.state = StateData
	s.reply(smtp.C250Completed, smtp.SeAddr1DestValid5, "ok")
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return s[len(prefix):], true
}

func (s *Session) cmdData() {
	if s.state != StateData || len(s.recipients) == 0 {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "DATA needs MAIL FROM and at least one valid RCPT TO")
	}
	s.reply(smtp.C354Continue, "", "go ahead")

	body, err := s.readBody()
	if err != nil {
		xcheckf(err, "reading message body")
	}

	raw := s.wrapBody(body)

	if s.cfg.LMTP {
		s.injectLMTP(raw)
	} else {
		s.injectSMTP(raw)
	}
	s.reset()
}

// readBody reads DATA's dot-stuffed lines up to the solitary "." terminator,
// undoing dot-stuffing and enforcing the 32 KiB max line length.
func (s *Session) readBody() ([]byte, error) {
	var buf bytes.Buffer
	for {
		line, err := s.bufs.Readline(xlog, s.br)
		if err != nil {
			return nil, err
		}
		if line == "." {
			break
		}
		if strings.HasPrefix(line, ".") {
			line = line[1:]
		}
		buf.WriteString(line)
		buf.WriteString("\r\n")
	}
	return buf.Bytes(), nil
}

// wrapBody prepends the synthetic Received: header and rewrites
// Return-Path: from the transaction's MAIL FROM, per spec section 4.6.
func (s *Session) wrapBody(body []byte) []byte {
	var hdr bytes.Buffer
	fmt.Fprintf(&hdr, "Return-Path: <%s>\r\n", s.sender.String())
	fmt.Fprintf(&hdr, "Received: from %s by %s with %s; %s\r\n",
		s.remoteAddr, s.cfg.Hostname, protoName(s.cfg.LMTP), time.Now().Format(time.RFC1123Z))
	// Drop any Return-Path the client sent, with its folded continuation lines.
	inHeader, dropping := true, false
	for _, line := range bytes.SplitAfter(body, []byte("\r\n")) {
		if inHeader {
			if dropping && len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
				continue
			}
			dropping = len(line) >= 12 && bytes.EqualFold(line[:12], []byte("Return-Path:"))
			if dropping {
				continue
			}
			inHeader = len(bytes.TrimRight(line, "\r\n")) > 0
		}
		hdr.Write(line)
	}
	return hdr.Bytes()
}

// injectSMTP runs a single Injector targeting the union of recipient
// mailboxes and reports one status line for the whole transaction.
func (s *Session) injectSMTP(raw []byte) {
	msg, err := message.Parse(raw, time.Time{})
	if err != nil {
		xsmtpUserErrorf(smtp.C554TransactionFailed, smtp.SeMsg6Other0, "unparsable message: %v", err)
	}

	mbs := s.targetMailboxes()
	j := inject.New(s.cfg.Pool, s.cfg.Caches, s.cfg.OC, msg, noopOwner{})
	j.SetMailboxes(mbs)
	j.SetSender(s.sender)
	j.SetDeliveryAddresses(s.recipientAddrs())
	j.Execute()

	if j.Failed() {
		metricDeliveries.WithLabelValues("error").Inc()
		s.writeCopy(raw, false)
		xsmtpServerErrorf(smtp.C451LocalErr, smtp.SeSys3Other0, "delivery failed: %v", j.Error())
	}
	metricDeliveries.WithLabelValues("ok").Inc()
	s.writeCopy(raw, true)
	s.reply(smtp.C250Completed, smtp.SeOther00, "Done")
}

// injectLMTP runs one Injector per recipient so each can fail
// independently, and reports one status line per recipient, per spec
// section 4.6 and section 8 scenario 5.
func (s *Session) injectLMTP(raw []byte) {
	msg, err := message.Parse(raw, time.Time{})
	if err != nil {
		for range s.recipients {
			s.reply(smtp.C554TransactionFailed, smtp.SeMsg6Other0, "unparsable message: %v", err)
		}
		return
	}

	for _, rcpt := range s.recipients {
		mb := s.cfg.Tree.ByID(rcpt.mailboxID)
		if mb == nil {
			s.reply(smtp.C550MailboxUnavail, smtp.SeAddr1UnknownDestMailbox1, "%s: no such mailbox", rcpt.addr.String())
			continue
		}
		j := inject.New(s.cfg.Pool, s.cfg.Caches, s.cfg.OC, msg, noopOwner{})
		j.SetMailboxes([]*mailbox.Mailbox{mb})
		j.SetSender(s.sender)
		j.SetDeliveryAddresses([]smtp.Address{rcpt.addr})
		j.Execute()

		if j.Failed() {
			metricDeliveries.WithLabelValues("error").Inc()
			s.writeCopy(raw, false)
			s.reply(smtp.C451LocalErr, smtp.SeSys3Other0, "%s: delivery failed: %v", rcpt.addr.String(), j.Error())
			continue
		}
		metricDeliveries.WithLabelValues("ok").Inc()
		s.writeCopy(raw, true)
		s.reply(smtp.C250Completed, smtp.SeOther00, "%s: delivered", rcpt.addr.String())
	}
}

func (s *Session) targetMailboxes() []*mailbox.Mailbox {
	seen := map[int64]bool{}
	var mbs []*mailbox.Mailbox
	for _, r := range s.recipients {
		if seen[r.mailboxID] {
			continue
		}
		seen[r.mailboxID] = true
		if mb := s.cfg.Tree.ByID(r.mailboxID); mb != nil {
			mbs = append(mbs, mb)
		}
	}
	return mbs
}

func (s *Session) recipientAddrs() []smtp.Address {
	addrs := make([]smtp.Address, len(s.recipients))
	for i, r := range s.recipients {
		addrs[i] = r.addr
	}
	return addrs
}

// writeCopy writes a copy of raw to the configured message-copy directory,
// named "<epoch>-<pid>-<seq>[-err]", per spec section 4.6.
func (s *Session) writeCopy(raw []byte, delivered bool) {
	switch s.cfg.MessageCopy {
	case CopyNone, "":
		return
	case CopyDelivered:
		if !delivered {
			return
		}
	case CopyErrors:
		if delivered {
			return
		}
	case CopyAll:
	}

	seq := atomic.AddInt64(&copySeq, 1)
	name := fmt.Sprintf("%d-%d-%d", time.Now().Unix(), os.Getpid(), seq)
	if !delivered {
		name += "-err"
	}
	path := filepath.Join(s.cfg.MessageCopyDir, name)

	f, err := os.Create(path)
	if err != nil {
		xlog.Errorx("creating message copy file", err, mlog.Field("path", path), mlog.Field("storagespace", moxio.IsStorageSpace(err)))
		return
	}
	if _, err := f.Write(raw); err != nil {
		xlog.Errorx("writing message copy file", err, mlog.Field("path", path), mlog.Field("storagespace", moxio.IsStorageSpace(err)))
		f.Close()
		return
	}
	if err := f.Sync(); err != nil {
		xlog.Errorx("syncing message copy file", err, mlog.Field("path", path))
	}
	f.Close()
	if err := moxio.SyncDir(s.cfg.MessageCopyDir); err != nil {
		xlog.Errorx("syncing message copy directory", err, mlog.Field("dir", s.cfg.MessageCopyDir))
	}
}

type noopOwner struct{}

func (noopOwner) InjectorDone(*inject.Injector) {}
