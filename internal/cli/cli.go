// Package cli implements the mailsync command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/brandon/mailsync/internal/config"
)

var Version = "dev"

type Globals struct {
	Config   string `help:"Path to config file" short:"c" type:"path" env:"MAILSYNC_CONFIG"`
	LogLevel string `help:"Override log_level (debug, info, warn, error)" name:"log-level"`
	JSON     bool   `help:"Output as JSON" name:"json"`
}

type CLI struct {
	Globals

	Run     RunCmd     `cmd:"" help:"Run every enabled account, optionally serving MCP on stdio"`
	Auth    AuthCmd    `cmd:"" help:"Authorize an account (OAuth2 browser flow or keyring password)"`
	Sync    SyncCmd    `cmd:"" help:"Run one sync pass for an account"`
	Status  StatusCmd  `cmd:"" help:"Show cached state per account"`
	Search  SearchCmd  `cmd:"" help:"Search cached messages"`
	Send    SendCmd    `cmd:"" help:"Send a message"`
	Config  ConfigCmd  `cmd:"" help:"Configuration management"`
	Version VersionCmd `cmd:"" help:"Show version information"`
}

// Context is handed to every command's Run
type Context struct {
	Config  *config.Config
	Logger  *logrus.Logger
	Globals *Globals
	Out     io.Writer
}

// NewContext loads the configuration and sets up logging
func NewContext(globals *Globals) (*Context, error) {
	path := globals.Config
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if globals.LogLevel != "" {
		cfg.LogLevel = globals.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &Context{
		Config:  cfg,
		Logger:  NewLogger(cfg.LogLevel, os.Stderr),
		Globals: globals,
		Out:     os.Stdout,
	}, nil
}

// NewLogger logs to w as text when w is a terminal and as JSON otherwise.
// Logs never go to stdout, which carries MCP traffic.
func NewLogger(level string, w io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetFormatter(&logrus.JSONFormatter{})
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

// PrintJSON writes v indented
func (c *Context) PrintJSON(v interface{}) error {
	enc := json.NewEncoder(c.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// truncate shortens s to n runes for table output
func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
