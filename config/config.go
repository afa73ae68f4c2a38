// Package config holds the static configuration surface of the server: how
// to reach the PostgreSQL backend, how large the database handle pool may
// grow, and the handful of toggles that change session behaviour.
//
// The configuration file is in "sconf" format, see
// https://pkg.go.dev/github.com/mjl-/sconf.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/mjl-/sconf"
)

// MessageCopy selects which injected/received messages are also copied to
// disk as files, for debugging and audits.
type MessageCopy string

const (
	MessageCopyNone      MessageCopy = "none"
	MessageCopyDelivered MessageCopy = "delivered"
	MessageCopyErrors    MessageCopy = "errors"
	MessageCopyAll       MessageCopy = "all"
)

// DB holds the PostgreSQL connection parameters and pool tuning knobs
// described in spec section 6.
type DB struct {
	Engine          string `sconf-doc:"Database engine, one of pg, pgsql, postgres, pg+tsearch2, pgsql+tsearch2, postgres+tsearch2. Any other value is fatal at startup."`
	Address         string `sconf:"optional" sconf-doc:"Host, or absolute path to a directory holding a Unix socket, of the PostgreSQL server. Empty means the default local socket."`
	Port            int    `sconf:"optional" sconf-doc:"TCP port of the PostgreSQL server. Ignored for Unix-socket addresses. Default 5432."`
	User            string `sconf-doc:"Role used for day to day connections."`
	Password        string `sconf:"optional" sconf-doc:"Password for User."`
	Owner           string `sconf:"optional" sconf-doc:"Role with permission to create/alter the schema, used only by administrative commands."`
	OwnerPassword   string `sconf:"optional"`
	Name            string `sconf-doc:"Database name."`
	MaxHandles      int    `sconf:"optional" sconf-doc:"Upper bound on concurrently open database handles; the pool grows lazily up to it. Default 3. Three handles are opened at startup, except for a local Unix-socket connection under strict security, where this many are opened."`
	HandleInterval  int    `sconf:"optional" sconf-doc:"Minimum seconds between creating two new handles, and the idle time after which an excess handle may be asked to close. Default 1."`
}

// Security gates whether the server is allowed to widen the database pool
// beyond the conservative defaults for Unix-socket connections.
type Security string

const (
	SecurityDefault Security = ""
	SecurityStrict  Security = "strict"
)

// Config is the full static configuration of the server.
type Config struct {
	Hostname            string      `sconf-doc:"Fully qualified hostname of this system, used in CRAM-MD5 challenges and SMTP Received headers."`
	DB                  DB          `sconf-doc:"PostgreSQL connection parameters."`
	Security            Security    `sconf:"optional" sconf-doc:"If non-empty, forces tighter pool sizing for Unix-socket database connections."`
	MessageCopy         MessageCopy `sconf:"optional" sconf-doc:"none, delivered, errors or all."`
	MessageCopyDirectory string     `sconf:"optional" sconf-doc:"Directory to write copies into when MessageCopy is not none."`
	AuthAnonymous       bool        `sconf:"optional" sconf-doc:"Accept the anonymous user via CRAM-MD5 regardless of digest."`
}

// ParseFile reads and validates a configuration file in sconf format.
func ParseFile(path string) (*Config, error) {
	var c Config
	if err := sconf.ParseFile(path, &c); err != nil {
		return nil, fmt.Errorf("parsing config %q: %v", path, err)
	}
	if err := c.check(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) check() error {
	switch strings.TrimSuffix(c.DB.Engine, "+tsearch2") {
	case "pg", "pgsql", "postgres":
	default:
		return fmt.Errorf("unknown db engine %q", c.DB.Engine)
	}
	if c.DB.MaxHandles == 0 {
		c.DB.MaxHandles = 3
	}
	if c.DB.HandleInterval == 0 {
		c.DB.HandleInterval = 1
	}
	if c.DB.Port == 0 {
		c.DB.Port = 5432
	}
	if c.MessageCopy == "" {
		c.MessageCopy = MessageCopyNone
	}
	switch c.MessageCopy {
	case MessageCopyNone, MessageCopyDelivered, MessageCopyErrors, MessageCopyAll:
	default:
		return fmt.Errorf("unknown message-copy value %q", c.MessageCopy)
	}
	if c.MessageCopy != MessageCopyNone && c.MessageCopyDirectory == "" {
		return fmt.Errorf("message-copy-directory required when message-copy is not none")
	}
	return nil
}

// IsUnixSocket returns whether DB.Address names a directory (and therefore a
// Unix socket) rather than a TCP host.
func (db DB) IsUnixSocket() bool {
	if db.Address == "" {
		return true
	}
	if !strings.HasPrefix(db.Address, "/") {
		return false
	}
	fi, err := os.Stat(db.Address)
	return err == nil && fi.IsDir()
}
