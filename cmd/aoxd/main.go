// Command aoxd is the long-running server process: it loads the static
// configuration, opens the database pool, loads the mailbox tree and the
// name/address caches, then listens for IMAP, SMTP and LMTP connections.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/aox-project/aox/cache"
	"github.com/aox-project/aox/config"
	"github.com/aox-project/aox/dbpool"
	"github.com/aox-project/aox/imapserver"
	"github.com/aox-project/aox/inject"
	"github.com/aox-project/aox/mailbox"
	"github.com/aox-project/aox/mlog"
	"github.com/aox-project/aox/moxio"
	"github.com/aox-project/aox/smtp"
	"github.com/aox-project/aox/smtpserver"
)

var xlog = mlog.New("aoxd")

func main() {
	var configPath, loglevel, imapAddr, imapsAddr, smtpAddr, submissionAddr, lmtpAddr string
	flag.StringVar(&configPath, "config", envString("AOXCONF", "aox.conf"), "configuration file")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, override the configured log level")
	flag.StringVar(&imapAddr, "imap", ":143", "address to listen on for IMAP")
	flag.StringVar(&imapsAddr, "imaps", "", "address to listen on for implicit-TLS IMAP, empty to disable")
	flag.StringVar(&smtpAddr, "smtp", ":25", "address to listen on for SMTP")
	flag.StringVar(&submissionAddr, "submission", "", "address to listen on for SMTP submission, empty to disable")
	flag.StringVar(&lmtpAddr, "lmtp", "", "address to listen on for LMTP, empty to disable")
	flag.Parse()

	if loglevel != "" {
		if lv, ok := mlog.Levels[loglevel]; ok {
			mlog.SetConfig(map[string]mlog.Level{"": lv})
		} else {
			xlog.Fatal("unknown -loglevel", mlog.Field("loglevel", loglevel))
		}
	}

	if err := moxio.CheckUmask(); err != nil {
		xlog.Fatalx("checking umask", err)
	}

	cfg, err := config.ParseFile(configPath)
	if err != nil {
		xlog.Fatalx("parsing configuration", err, mlog.Field("path", configPath))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dsn := dbpool.ConnString(cfg.DB, false)
	pool, err := dbpool.New(ctx, cfg.DB, cfg.Security, dsn, unixSocketRoot(cfg.DB))
	if err != nil {
		xlog.Fatalx("opening database pool", err)
	}
	defer pool.Disconnect()

	tree, err := mailbox.LoadTree(pool)
	if err != nil {
		xlog.Fatalx("loading mailbox tree", err)
	}
	xlog.Print("loaded mailbox tree", mlog.Field("mailboxes", len(tree.All())))

	caches := inject.Caches{
		Flags:       cache.NewNameCache("flag_names"),
		Annotations: cache.NewNameCache("annotation_names"),
		Fields:      cache.NewNameCache("field_names"),
		Addresses:   cache.NewAddressCache(),
	}
	oc := mailbox.NewLocalOCClient()

	authLookup := imapUserLookup(pool)
	rcptLookup := smtpUserLookup(pool, tree)

	var wg sync.WaitGroup

	if imapAddr != "" {
		imapCfg := imapserver.Config{
			Hostname:      cfg.Hostname,
			Pool:          pool,
			Tree:          tree,
			Caches:        caches,
			OC:            oc,
			Users:         authLookup,
			AuthAnonymous: cfg.AuthAnonymous,
		}
		listenIMAP(&wg, imapAddr, imapCfg)
	}
	if imapsAddr != "" {
		imapCfg := imapserver.Config{
			Hostname:      cfg.Hostname,
			Pool:          pool,
			Tree:          tree,
			Caches:        caches,
			OC:            oc,
			Users:         authLookup,
			AuthAnonymous: cfg.AuthAnonymous,
			ImplicitTLS:   true,
		}
		listenIMAP(&wg, imapsAddr, imapCfg)
	}

	smtpBase := smtpserver.Config{
		Hostname:       cfg.Hostname,
		Pool:           pool,
		Tree:           tree,
		Caches:         caches,
		OC:             oc,
		Users:          rcptLookup,
		MessageCopy:    smtpserver.MessageCopy(cfg.MessageCopy),
		MessageCopyDir: cfg.MessageCopyDirectory,
	}
	if smtpAddr != "" {
		listenSMTP(&wg, smtpAddr, smtpBase)
	}
	if submissionAddr != "" {
		listenSMTP(&wg, submissionAddr, smtpBase)
	}
	if lmtpAddr != "" {
		lmtpCfg := smtpBase
		lmtpCfg.LMTP = true
		listenSMTP(&wg, lmtpAddr, lmtpCfg)
	}

	xlog.Print("aoxd started", mlog.Field("pid", os.Getpid()))
	<-ctx.Done()
	xlog.Print("shutting down")
	wg.Wait()
}

func listenIMAP(wg *sync.WaitGroup, addr string, cfg imapserver.Config) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		xlog.Fatalx("listening for imap", err, mlog.Field("addr", addr))
	}
	xlog.Print("imap listening", mlog.Field("addr", addr), mlog.Field("implicitTLS", cfg.ImplicitTLS))
	wg.Add(1)
	go acceptLoop(wg, ln, func(conn net.Conn) { imapserver.Serve(conn, cfg) })
}

func listenSMTP(wg *sync.WaitGroup, addr string, cfg smtpserver.Config) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		xlog.Fatalx("listening for smtp", err, mlog.Field("addr", addr))
	}
	xlog.Print("smtp listening", mlog.Field("addr", addr), mlog.Field("lmtp", cfg.LMTP))
	wg.Add(1)
	go acceptLoop(wg, ln, func(conn net.Conn) { smtpserver.Serve(conn, cfg) })
}

func acceptLoop(wg *sync.WaitGroup, ln net.Listener, serve func(net.Conn)) {
	defer wg.Done()
	defer ln.Close()
	for {
		conn, err := ln.Accept()
		if err != nil {
			xlog.Errorx("accept", err)
			return
		}
		go func() {
			defer func() {
				if r := recover(); r != nil {
					xlog.Error("connection handler panic", mlog.Field("panic", fmt.Sprintf("%v", r)))
				}
			}()
			serve(conn)
		}()
	}
}

// imapUserLookup resolves IMAP LOGIN/AUTHENTICATE credentials against the
// users table, which stores each login's CRAM-MD5 shared secret in the
// clear, per spec section 4.5's requirement that the server be able to
// compute the digest itself.
func imapUserLookup(pool *dbpool.Pool) imapserver.UserLookup {
	return func(login string) (secret string, ok bool) {
		tx := pool.NewTransaction(nil)
		q := dbpool.NewQuery("select secret from users where login = $1", login)
		tx.Enqueue(q)
		tx.Execute()
		if q.FailedState() {
			tx.Rollback()
			xlog.Errorx("user lookup", q.Error(), mlog.Field("login", login))
			return "", false
		}
		row := q.NextRow()
		tx.Commit()
		if row == nil {
			return "", false
		}
		return row.GetString("secret"), true
	}
}

// smtpUserLookup resolves a RCPT TO address to the mailbox id of its inbox.
func smtpUserLookup(pool *dbpool.Pool, tree *mailbox.Tree) smtpserver.UserLookup {
	return func(addr smtp.Address) (mailboxID int64, ok bool) {
		tx := pool.NewTransaction(nil)
		q := dbpool.NewQuery("select login from users where localpart = $1 and lower(domain) = lower($2)", string(addr.Localpart), addr.Domain)
		tx.Enqueue(q)
		tx.Execute()
		if q.FailedState() {
			tx.Rollback()
			xlog.Errorx("recipient lookup", q.Error(), mlog.Field("address", addr.LogString()))
			return 0, false
		}
		row := q.NextRow()
		tx.Commit()
		if row == nil {
			return 0, false
		}
		mb := tree.Inbox(row.GetString("login"))
		if mb == nil {
			return 0, false
		}
		return mb.ID, true
	}
}

func unixSocketRoot(db config.DB) string {
	if db.IsUnixSocket() {
		return db.Address
	}
	return ""
}

func envString(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

