// Command aox is the administration CLI: it operates on users, mailboxes
// and ad-hoc queries by connecting to the database pool directly, the way
// the core does, and waiting for its queries to settle.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/aox-project/aox/config"
	"github.com/aox-project/aox/dbpool"
	"github.com/aox-project/aox/mlog"
)

var xlog = mlog.New("aox")

type cmd struct {
	words []string
	fn    func(args []string, pool *dbpool.Pool)
}

var commands = []cmd{
	{[]string{"mailbox", "create"}, cmdMailboxCreate},
	{[]string{"mailbox", "list"}, cmdMailboxList},
	{[]string{"user", "add"}, cmdUserAdd},
	{[]string{"user", "list"}, cmdUserList},
	{[]string{"user", "rm"}, cmdUserRemove},
	{[]string{"query"}, cmdQuery},
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: aox [-config path] mailbox create <name>")
	fmt.Fprintln(os.Stderr, "       aox [-config path] mailbox list")
	fmt.Fprintln(os.Stderr, "       aox [-config path] user add <login> <secret> <localpart> <domain>")
	fmt.Fprintln(os.Stderr, "       aox [-config path] user list")
	fmt.Fprintln(os.Stderr, "       aox [-config path] user rm <login>")
	fmt.Fprintln(os.Stderr, "       aox [-config path] query <sql> [args...]")
	os.Exit(2)
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", envString("AOXCONF", "aox.conf"), "configuration file")
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	var match *cmd
	var rest []string
	for i := range commands {
		c := &commands[i]
		if len(args) >= len(c.words) && strings.Join(args[:len(c.words)], " ") == strings.Join(c.words, " ") {
			match = c
			rest = args[len(c.words):]
			break
		}
	}
	if match == nil {
		usage()
	}

	cfg, err := config.ParseFile(configPath)
	xcheckf(err, "parsing configuration")

	pool, err := dbpool.New(context.Background(), cfg.DB, cfg.Security, dbpool.ConnString(cfg.DB, true), "")
	xcheckf(err, "opening database pool")
	defer pool.Disconnect()

	match.fn(rest, pool)
}

func cmdMailboxCreate(args []string, pool *dbpool.Pool) {
	if len(args) != 1 {
		usage()
	}
	tx := pool.NewTransaction(nil)
	q := dbpool.NewQuery("insert into mailboxes (name, uidnext, nextmodseq, first_recent) values ($1, 1, 1, 1)", args[0])
	tx.Enqueue(q)
	tx.Execute()
	if q.FailedState() {
		tx.Rollback()
		finish(1, "creating mailbox: %v", q.Error())
	}
	tx.Commit()
	finish(0, "mailbox %q created", args[0])
}

func cmdMailboxList(args []string, pool *dbpool.Pool) {
	if len(args) != 0 {
		usage()
	}
	tx := pool.NewTransaction(nil)
	q := dbpool.NewQuery("select id, name, uidnext from mailboxes order by name")
	tx.Enqueue(q)
	tx.Execute()
	if q.FailedState() {
		tx.Rollback()
		finish(1, "listing mailboxes: %v", q.Error())
	}
	tx.Commit()
	for _, row := range q.Rows() {
		fmt.Printf("%d\t%s\tuidnext=%d\n", row.GetBigint("id"), row.GetString("name"), row.GetBigint("uidnext"))
	}
}

func cmdUserAdd(args []string, pool *dbpool.Pool) {
	if len(args) != 4 {
		usage()
	}
	login, secret, localpart, domain := args[0], args[1], args[2], args[3]
	tx := pool.NewTransaction(nil)
	q := dbpool.NewQuery("insert into users (login, secret, localpart, domain) values ($1, $2, $3, $4)", login, secret, localpart, domain)
	tx.Enqueue(q)
	tx.Execute()
	if q.FailedState() {
		tx.Rollback()
		finish(1, "adding user: %v", q.Error())
	}
	mb := dbpool.NewQuery("insert into mailboxes (name, uidnext, nextmodseq, first_recent) values ($1, 1, 1, 1)", login+"/INBOX").AllowFailure()
	tx.Enqueue(mb)
	tx.Execute()
	tx.Commit()
	finish(0, "user %q added", login)
}

func cmdUserList(args []string, pool *dbpool.Pool) {
	if len(args) != 0 {
		usage()
	}
	tx := pool.NewTransaction(nil)
	q := dbpool.NewQuery("select login, localpart, domain from users order by login")
	tx.Enqueue(q)
	tx.Execute()
	if q.FailedState() {
		tx.Rollback()
		finish(1, "listing users: %v", q.Error())
	}
	tx.Commit()
	for _, row := range q.Rows() {
		fmt.Printf("%s\t%s@%s\n", row.GetString("login"), row.GetString("localpart"), row.GetString("domain"))
	}
}

func cmdUserRemove(args []string, pool *dbpool.Pool) {
	if len(args) != 1 {
		usage()
	}
	tx := pool.NewTransaction(nil)
	q := dbpool.NewQuery("delete from users where login = $1", args[0])
	tx.Enqueue(q)
	tx.Execute()
	if q.FailedState() {
		tx.Rollback()
		finish(1, "removing user: %v", q.Error())
	}
	tx.Commit()
	finish(0, "user %q removed", args[0])
}

// cmdQuery runs an arbitrary parameterised statement, mainly for scripted
// maintenance; $1, $2, ... are bound to the remaining command-line args.
func cmdQuery(args []string, pool *dbpool.Pool) {
	if len(args) == 0 {
		usage()
	}
	sql := args[0]
	params := make([]any, len(args)-1)
	for i, a := range args[1:] {
		if n, err := strconv.ParseInt(a, 10, 64); err == nil {
			params[i] = n
		} else {
			params[i] = a
		}
	}
	tx := pool.NewTransaction(nil)
	q := dbpool.NewQuery(sql, params...)
	tx.Enqueue(q)
	tx.Execute()
	if q.FailedState() {
		tx.Rollback()
		finish(1, "query failed: %v", q.Error())
	}
	tx.Commit()
	finish(0, "query completed, %d rows", len(q.Rows()))
}

// finish prints a message and calls os.Exit(status), mirroring the
// verb-completes-by-calling-finish(status) contract from spec section 6.
func finish(status int, format string, args ...any) {
	fmt.Println(fmt.Sprintf(format, args...))
	os.Exit(status)
}

func xcheckf(err error, format string, args ...any) {
	if err != nil {
		xlog.Fatalx(fmt.Sprintf(format, args...), err)
	}
}

func envString(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}
