// Package imapserver implements the IMAP4rev1 core: line+literal framing,
// the per-connection command scheduler, session state transitions, and a
// structurally complete command set (spec section 4.5).
package imapserver

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"runtime/debug"
	"strings"
	"sync"
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
	"github.com/aox-project/aox/sasl"
)

var xlog = mlog.New("imapserver")

var metricCommands = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "aox_imap_command_duration_seconds",
		Help:    "IMAP command duration and result in seconds.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	},
	[]string{"cmd", "result"},
)

// State is the session-level state machine from spec section 4.5.
type State int

const (
	NotAuthenticated State = iota
	Authenticated
	Selected
	Logout
)

const (
	idleTimeoutPreAuth  = 120 * time.Second
	idleTimeoutAuth     = 1800 * time.Second
	idleTimeoutIdleCmd  = 10800 * time.Second
)

// UserLookup resolves a login to its CRAM-MD5 secret, for the sasl package.
type UserLookup func(login string) (secret string, ok bool)

// Config bundles everything a Session needs that is shared process-wide.
type Config struct {
	Hostname       string
	Pool           *dbpool.Pool
	Tree           *mailbox.Tree
	Caches         inject.Caches
	OC             mailbox.OCClient
	Users          UserLookup
	AuthAnonymous  bool
	TLSConfig      *tls.Config // nil if STARTTLS/IMAPS not offered
	ImplicitTLS    bool        // true for the 993 listener: negotiate before the banner.
}

// Session is one IMAP connection.
type Session struct {
	cfg  Config
	conn net.Conn
	lr   *lineReader
	bw   *bufio.Writer
	wmu  sync.Mutex
	tr   *moxio.TraceReader
	tw   *moxio.TraceWriter

	state State
	user  string

	selected   *mailbox.Mailbox
	selectedRW bool

	sched *scheduler

	idling       bool
	deadline     time.Time
}

// Serve drives conn until the client logs out or the connection fails. It
// never returns an error; all failures are reported to the client (BYE,
// tagged NO/BAD) and then the connection is closed.
func Serve(conn net.Conn, cfg Config) {
	s := &Session{cfg: cfg, conn: conn, state: NotAuthenticated}
	s.sched = newScheduler(s.emitCommand)

	if cfg.ImplicitTLS {
		if !s.startTLSNow() {
			conn.Close()
			return
		}
	}
	s.wireTrace(s.conn)

	s.writeLine("* OK aox IMAP4rev1 ready")
	s.run()
	conn.Close()
}

// wireTrace (re)builds lr/bw around conn, routing both through a
// TraceReader/TraceWriter pair so "trace"-level logging sees every byte
// exchanged with the client, plaintext or (after STARTTLS) decrypted.
func (s *Session) wireTrace(conn net.Conn) {
	s.tr = moxio.NewTraceReader(xlog, "C: ", conn)
	s.tw = moxio.NewTraceWriter(xlog, "S: ", conn)
	s.lr = newLineReaderFrom(s.tr, conn)
	s.bw = bufio.NewWriter(s.tw)
}

func (s *Session) run() {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(connectionError); ok {
				s.writeLine("* BYE " + r.(connectionError).Error())
				return
			}
			metrics.PanicInc("imapserver")
			xlog.Error("imap session panic", mlog.Field("panic", fmt.Sprint(r)), mlog.Field("stack", string(debug.Stack())))
		}
	}()

	for s.state != Logout {
		s.conn.SetReadDeadline(time.Now().Add(s.currentIdleTimeout()))
		tag, name, args, err := s.lr.ReadCommand()
		if err != nil {
			return
		}
		s.handleCommand(tag, name, args)
	}
}

func (s *Session) currentIdleTimeout() time.Duration {
	if s.idling {
		return idleTimeoutIdleCmd
	}
	if s.state == NotAuthenticated {
		return idleTimeoutPreAuth
	}
	return idleTimeoutAuth
}

func (s *Session) writeLine(line string) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.bw.WriteString(line)
	s.bw.WriteString("\r\n")
	s.bw.Flush()
}

// emitCommand is the scheduler's sink: write a Finished command's buffered
// response.
func (s *Session) emitCommand(cmd *Command) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.bw.Write(cmd.response)
	s.bw.Flush()
}

// handleCommand submits one already-tokenized command to the scheduler.
// A line with no tag or no command name is reported as a tagged/untagged
// BAD directly, since it never enters the arrival-ordered queue.
func (s *Session) handleCommand(tag, name string, args []string) {
	if tag == "" {
		s.writeLine("* BAD missing tag")
		return
	}
	if name == "" {
		s.writeLine(tag + " BAD missing command")
		return
	}

	group := commandGroup(name)
	s.sched.Submit(name, tag, args, group, func(cmd *Command) {
		s.execute(cmd)
	})
}

// commandGroup assigns the concurrency group spec section 4.5 describes.
// Commands that only read state (NOOP, CHECK) may run alongside others in
// the same group; everything else is exclusive (group 0).
func commandGroup(name string) int {
	switch name {
	case "NOOP", "CHECK":
		return 1
	default:
		return 0
	}
}

func (s *Session) execute(cmd *Command) {
	start := time.Now()
	result := "ok"
	defer func() {
		if r := recover(); r != nil {
			result = s.reportPanic(cmd, r)
		}
		metricCommands.WithLabelValues(strings.ToLower(cmd.name), result).Observe(time.Since(start).Seconds())
	}()

	var buf strings.Builder
	s.dispatch(cmd, &buf)
	cmd.finish([]byte(buf.String()), false)
}

func (s *Session) reportPanic(cmd *Command, r any) string {
	switch e := r.(type) {
	case userError:
		code := ""
		if e.code != "" {
			code = "[" + e.code + "] "
		}
		cmd.finish([]byte(cmd.tag+" NO "+code+e.Error()+"\r\n"), true)
		return "usererror"
	case syntaxError:
		cmd.finish([]byte(cmd.tag+" BAD "+e.Error()+"\r\n"), true)
		return "badsyntax"
	case serverError:
		xlog.Errorx("imap command failed", e.err, mlog.Field("cmd", cmd.name))
		cmd.finish([]byte(cmd.tag+" NO server error\r\n"), true)
		return "servererror"
	case connectionError:
		s.writeLine("* BYE " + e.Error())
		cmd.finish(nil, true)
		s.conn.Close()
		return "connerror"
	default:
		metrics.PanicInc("imapserver")
		xlog.Error("imap command panic", mlog.Field("cmd", cmd.name), mlog.Field("panic", fmt.Sprint(r)))
		cmd.finish([]byte(cmd.tag+" NO internal error\r\n"), true)
		return "panic"
	}
}

// dispatch implements the reduced command set: LOGIN, LOGOUT, CAPABILITY,
// NOOP, CHECK, SELECT, EXAMINE, APPEND, IDLE, AUTHENTICATE (CRAM-MD5),
// STARTTLS and ID. Any other command, LIST and LSUB included, is answered
// BAD as unknown or unimplemented.
func (s *Session) dispatch(cmd *Command, w *strings.Builder) {
	switch cmd.name {
	case "CAPABILITY":
		fmt.Fprintf(w, "* CAPABILITY IMAP4rev1 LITERAL+ IDLE ID AUTH=CRAM-MD5%s\r\n", s.starttlsCapability())
		fmt.Fprintf(w, "%s OK CAPABILITY completed\r\n", cmd.tag)

	case "NOOP", "CHECK":
		fmt.Fprintf(w, "%s OK %s completed\r\n", cmd.tag, cmd.name)

	case "LOGOUT":
		fmt.Fprintf(w, "* BYE logging out\r\n%s OK LOGOUT completed\r\n", cmd.tag)
		s.state = Logout

	case "ID":
		fmt.Fprintf(w, "* ID NIL\r\n%s OK ID completed\r\n", cmd.tag)

	case "STARTTLS":
		s.cmdStartTLS(cmd, w)

	case "LOGIN":
		s.cmdLogin(cmd, w)

	case "AUTHENTICATE":
		s.cmdAuthenticate(cmd, w)

	case "SELECT", "EXAMINE":
		s.cmdSelect(cmd, w, cmd.name == "EXAMINE")

	case "APPEND":
		s.cmdAppend(cmd, w)

	case "IDLE":
		s.cmdIdle(cmd, w)

	default:
		xsyntaxErrorf("unknown or unimplemented command %q", cmd.name)
	}
}

func (s *Session) starttlsCapability() string {
	if s.cfg.TLSConfig != nil && !s.isTLS() {
		return " STARTTLS"
	}
	return ""
}

func (s *Session) isTLS() bool {
	_, ok := s.conn.(*tls.Conn)
	return ok
}

func (s *Session) cmdStartTLS(cmd *Command, w *strings.Builder) {
	if s.cfg.TLSConfig == nil {
		xuserErrorf("STARTTLS not offered")
	}
	if s.isTLS() {
		xuserErrorf("already using TLS")
	}
	if s.lr.Buffered() > 0 {
		xconnErrorf("client sent data before STARTTLS negotiation completed")
	}
	fmt.Fprintf(w, "%s OK begin TLS negotiation now\r\n", cmd.tag)
	s.wmu.Lock()
	s.bw.WriteString(w.String())
	s.bw.Flush()
	w.Reset()
	s.wmu.Unlock()

	tlsConn := tls.Server(s.conn, s.cfg.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		xconnErrorf("TLS handshake failed: %v", err)
	}
	s.conn = tlsConn
	s.wireTrace(tlsConn)
}

// startTLSNow performs the implicit-TLS handshake for the 993 listener
// before any banner is written, per spec section 6.
func (s *Session) startTLSNow() bool {
	if s.cfg.TLSConfig == nil {
		return false
	}
	tlsConn := tls.Server(s.conn, s.cfg.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		return false
	}
	s.conn = tlsConn
	return true
}

func (s *Session) cmdLogin(cmd *Command, w *strings.Builder) {
	if s.state != NotAuthenticated {
		xuserErrorf("already authenticated")
	}
	if len(cmd.args) != 2 {
		xsyntaxErrorf("LOGIN needs username and password")
	}
	login, password := cmd.args[0], cmd.args[1]
	secret, ok := s.cfg.Users(login)
	if !ok || secret != password {
		metrics.AuthenticationInc("imap", "login", "badcreds")
		xuserErrorf("invalid credentials")
	}
	metrics.AuthenticationInc("imap", "login", "ok")
	s.user = login
	s.state = Authenticated
	s.lr.authenticated = true
	fmt.Fprintf(w, "%s OK LOGIN completed\r\n", cmd.tag)
}

func (s *Session) cmdAuthenticate(cmd *Command, w *strings.Builder) {
	if s.state != NotAuthenticated {
		xuserErrorf("already authenticated")
	}
	if len(cmd.args) != 1 || !strings.EqualFold(cmd.args[0], "CRAM-MD5") {
		xuserErrorf("unsupported SASL mechanism")
	}
	mech := sasl.NewServerCRAMMD5(s.cfg.Hostname, sasl.SecretLookup(s.cfg.Users), s.cfg.AuthAnonymous)
	challenge := mech.Challenge()

	s.wmu.Lock()
	s.bw.WriteString("+ " + b64(challenge) + "\r\n")
	s.bw.Flush()
	s.wmu.Unlock()

	resp, err := s.lr.ReadLine()
	if err != nil {
		xconnErrorf("reading AUTHENTICATE response: %v", err)
	}
	decoded, ok := b64decode(strings.TrimSpace(resp))
	if !ok {
		xsyntaxErrorf("invalid base64 response")
	}
	login, ok := mech.Verify(decoded)
	if !ok {
		metrics.AuthenticationInc("imap", "cram-md5", "badcreds")
		xuserErrorf("authentication failed")
	}
	metrics.AuthenticationInc("imap", "cram-md5", "ok")
	s.user = login
	s.state = Authenticated
	s.lr.authenticated = true
	fmt.Fprintf(w, "%s OK AUTHENTICATE completed\r\n", cmd.tag)
}

func (s *Session) cmdSelect(cmd *Command, w *strings.Builder, readonly bool) {
	if s.state == NotAuthenticated {
		xuserErrorf("not authenticated")
	}
	if len(cmd.args) != 1 {
		xsyntaxErrorf("SELECT needs a mailbox name")
	}
	name := s.resolveMailboxName(cmd.args[0])
	mb := s.cfg.Tree.ByName(name)
	if mb == nil {
		xusercodeErrorf("TRYCREATE", "no such mailbox %q", name)
	}
	if s.selected != nil {
		s.selected.Detach(s)
	}
	s.selected = mb
	s.selectedRW = !readonly
	s.state = Selected
	mb.Attach(s)

	fmt.Fprintf(w, "* %d EXISTS\r\n", mb.UIDNext()-1)
	fmt.Fprintf(w, "* OK [UIDNEXT %d] next uid\r\n", mb.UIDNext())
	fmt.Fprintf(w, "* OK [HIGHESTMODSEQ %d] highest modseq\r\n", mb.NextModseq()-1)
	if readonly {
		fmt.Fprintf(w, "%s OK [READ-ONLY] EXAMINE completed\r\n", cmd.tag)
	} else {
		fmt.Fprintf(w, "%s OK [READ-WRITE] SELECT completed\r\n", cmd.tag)
	}
}

func (s *Session) resolveMailboxName(name string) string {
	if strings.EqualFold(name, "INBOX") {
		return s.user + "/INBOX"
	}
	return s.user + "/" + name
}

// NotifyMailboxChange implements mailbox.Session; a real implementation
// would push an untagged EXISTS/FETCH to an idling client. Kept minimal:
// the Injector's announce() path is what this method proves is wired.
func (s *Session) NotifyMailboxChange() {}

func (s *Session) cmdIdle(cmd *Command, w *strings.Builder) {
	if s.state != Selected && s.state != Authenticated {
		xuserErrorf("not authenticated")
	}
	s.wmu.Lock()
	s.bw.WriteString("+ idling\r\n")
	s.bw.Flush()
	s.wmu.Unlock()

	s.idling = true
	s.conn.SetReadDeadline(time.Now().Add(idleTimeoutIdleCmd))
	line, err := s.lr.ReadLine()
	s.idling = false
	if err != nil || !strings.EqualFold(strings.TrimSpace(line), "DONE") {
		xconnErrorf("expected DONE to end IDLE")
	}
	fmt.Fprintf(w, "%s OK IDLE terminated\r\n", cmd.tag)
}

func b64(b []byte) string {
	return toBase64(b)
}

// cmdAppend stores a literal message into a mailbox via the Injector,
// per spec section 4.4/8 scenario 2: "a2 APPEND INBOX {11}\r\nhello
// world" reports the uidnext increase in the tagged response's
// APPENDUID code.
//
// Syntax handled: APPEND mailbox [(flag ...)] [date-time] literal. The
// literal is always the last argument, since lineReader.ReadCommand
// appends it as one atomic token; any arguments between the mailbox
// name and the literal that look like a parenthesised flag list are
// taken as flags, anything else is ignored (date-time is accepted but
// not applied — the injector derives InternalDate itself).
func (s *Session) cmdAppend(cmd *Command, w *strings.Builder) {
	if s.state == NotAuthenticated {
		xuserErrorf("not authenticated")
	}
	if len(cmd.args) < 2 {
		xsyntaxErrorf("APPEND needs a mailbox and a message literal")
	}

	mailboxArg := cmd.args[0]
	body := cmd.args[len(cmd.args)-1]
	var flags []string
	inList := false
	for _, a := range cmd.args[1 : len(cmd.args)-1] {
		if strings.HasPrefix(a, "(") {
			inList = true
		}
		if !inList {
			continue
		}
		if strings.HasSuffix(a, ")") {
			inList = false
		}
		a = strings.Trim(a, "()")
		for _, f := range strings.Fields(a) {
			flags = append(flags, f)
		}
	}

	name := s.resolveMailboxName(mailboxArg)
	mb := s.cfg.Tree.ByName(name)
	if mb == nil {
		xusercodeErrorf("TRYCREATE", "no such mailbox %q", name)
	}

	msg, err := message.Parse([]byte(body), time.Time{})
	if err != nil {
		xuserErrorf("invalid message: %v", err)
	}

	j := inject.New(s.cfg.Pool, s.cfg.Caches, s.cfg.OC, msg, s)
	j.SetMailboxes([]*mailbox.Mailbox{mb})
	if len(flags) > 0 {
		j.SetFlags(flags)
	}
	j.Execute()
	if j.Failed() {
		xserverErrorf("append failed: %v", j.Error())
	}

	fmt.Fprintf(w, "%s OK [APPENDUID %d %d] APPEND completed\r\n", cmd.tag, mb.ID, j.UID(mb.ID))
}

// InjectorDone implements inject.Owner. Execute is synchronous in this
// Session's usage, so there is nothing left to do once it returns.
func (s *Session) InjectorDone(j *inject.Injector) {}
