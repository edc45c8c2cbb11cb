package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/emersion/go-message/mail"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/brandon/mailsync/internal/auth"
	"github.com/brandon/mailsync/internal/backend"
	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/index"
	"github.com/brandon/mailsync/internal/mcp"
	"github.com/brandon/mailsync/internal/metrics"
	"github.com/brandon/mailsync/internal/session"
	"github.com/brandon/mailsync/internal/tools"
	"github.com/brandon/mailsync/pkg/types"
)

type RunCmd struct {
	MCP         bool   `help:"Serve MCP tools over stdin/stdout" name:"mcp"`
	MetricsAddr string `help:"Serve Prometheus metrics on this address (e.g. :9090)" name:"metrics-addr"`
}

type AuthCmd struct {
	Account  string `arg:"" help:"Account id"`
	Password bool   `help:"Store a password in the system keyring instead of running OAuth2"`
	Forget   bool   `help:"Remove the stored token or password"`
}

type SyncCmd struct {
	Account string        `arg:"" help:"Account id"`
	Timeout time.Duration `help:"Give up after this long" default:"5m"`
}

type StatusCmd struct{}

type SearchCmd struct {
	Query   string `arg:"" help:"Search terms"`
	Account string `help:"Restrict to one account" short:"a"`
	Folder  string `help:"Restrict to one folder (requires --account)" short:"f"`
	Limit   int    `help:"Maximum results (default: search_result_limit)" short:"n"`
}

type SendCmd struct {
	Account   string   `help:"Account to send from (default: first enabled)" short:"a"`
	To        []string `help:"Recipient(s)" short:"t" required:""`
	CC        []string `help:"CC recipients" name:"cc"`
	BCC       []string `help:"BCC recipients" name:"bcc"`
	Subject   string   `help:"Subject line" short:"s" required:""`
	Body      string   `help:"Body text, - reads stdin" short:"b"`
	HTML      string   `help:"HTML body" name:"html"`
	InReplyTo string   `help:"Message-ID this replies to" name:"in-reply-to"`
}

// ConfigCmd handles configuration management
type ConfigCmd struct {
	Show     ConfigShowCmd     `cmd:"" help:"Display current configuration with secrets redacted"`
	Validate ConfigValidateCmd `cmd:"" help:"Check every account's configuration"`
}

type ConfigShowCmd struct{}

type ConfigValidateCmd struct{}

type VersionCmd struct{}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func (c *RunCmd) Run(ctx *Context) error {
	runCtx, cancel := signalContext()
	defer cancel()

	interactive := !c.MCP && term.IsTerminal(int(os.Stdin.Fd()))
	app, err := NewApp(runCtx, ctx.Config, ctx.Logger, interactive)
	if err != nil {
		return err
	}
	defer app.Close()

	if c.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: c.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				ctx.Logger.WithError(err).Error("Metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			srv.Shutdown(shutdownCtx)
		}()
		ctx.Logger.WithField("addr", c.MetricsAddr).Info("Serving metrics")
	}

	if err := app.Supervisor.Start(runCtx); err != nil {
		ctx.Logger.WithError(err).Warn("Some accounts failed to start")
	}
	defer app.Supervisor.Stop()

	if !c.MCP {
		<-runCtx.Done()
		ctx.Logger.Info("Shutting down")
		return nil
	}

	registry := tools.NewRegistry(&tools.Deps{
		Config:   ctx.Config,
		Accounts: app.Supervisor,
		Store:    app.Store,
		Search:   app.Index,
		Logger:   ctx.Logger,
	})
	return mcp.NewServer(registry, os.Stdin, os.Stdout, Version, ctx.Logger).Run(runCtx)
}

func (c *AuthCmd) Run(ctx *Context) error {
	acc, err := ctx.Config.AccountByID(c.Account)
	if err != nil {
		return err
	}
	if c.Password || !acc.UsesOAuth2() {
		return c.password(ctx, acc)
	}

	runCtx, cancel := signalContext()
	defer cancel()
	prompt := auth.WithPrompt(func(authURL string) error {
		fmt.Fprintf(os.Stderr, "Open this URL in a browser to authorize %s:\n\n  %s\n\n", acc.ID, authURL)
		return nil
	})
	app, err := NewApp(runCtx, ctx.Config, ctx.Logger, true, prompt)
	if err != nil {
		return err
	}
	defer app.Close()

	if c.Forget {
		if err := app.Tokens.Forget(runCtx, acc); err != nil {
			return err
		}
		fmt.Fprintf(ctx.Out, "Token for %s removed.\n", acc.ID)
		return nil
	}

	if _, err := app.Tokens.Obtain(runCtx, acc); err != nil {
		return err
	}
	info, err := app.Tokens.UserInfo(runCtx, acc)
	if err != nil {
		ctx.Logger.WithError(err).Warn("Token stored but identity lookup failed")
		fmt.Fprintf(ctx.Out, "Authorized %s.\n", acc.ID)
		return nil
	}
	if ctx.Globals.JSON {
		return ctx.PrintJSON(map[string]interface{}{"account_id": acc.ID, "email": info.Email, "name": info.Name})
	}
	fmt.Fprintf(ctx.Out, "Authorized %s as %s.\n", acc.ID, info.Email)
	return nil
}

func (c *AuthCmd) password(ctx *Context, acc *config.AccountConfig) error {
	users := []string{acc.IMAP.Username}
	if acc.SMTP.Username != "" && acc.SMTP.Username != acc.IMAP.Username {
		users = append(users, acc.SMTP.Username)
	}

	if c.Forget {
		for _, u := range users {
			if err := config.DeletePassword(u); err != nil {
				return fmt.Errorf("failed to remove password for %s: %w", u, err)
			}
		}
		fmt.Fprintf(ctx.Out, "Password for %s removed from keyring.\n", acc.ID)
		return nil
	}

	fmt.Fprintf(os.Stderr, "Password for %s (%s): ", acc.ID, acc.IMAP.Username)
	passwordBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	password := string(passwordBytes)
	if password == "" {
		return errors.New("password is required")
	}
	for _, u := range users {
		if err := config.StorePassword(u, password); err != nil {
			return fmt.Errorf("failed to store password in keyring: %w", err)
		}
	}
	fmt.Fprintf(ctx.Out, "Password for %s stored in system keyring.\n", acc.ID)
	return nil
}

func (c *SyncCmd) Run(ctx *Context) error {
	acc, err := ctx.Config.AccountByID(c.Account)
	if err != nil {
		return err
	}
	sigCtx, stop := signalContext()
	defer stop()
	runCtx, cancel := context.WithTimeout(sigCtx, c.Timeout)
	defer cancel()

	app, err := NewApp(runCtx, ctx.Config, ctx.Logger, term.IsTerminal(int(os.Stdin.Fd())))
	if err != nil {
		return err
	}
	defer app.Close()

	sess, err := app.NewSession(acc)
	if err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		sess.Run(runCtx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	res, err := sess.Sync(runCtx)
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	if ctx.Globals.JSON {
		folders := make([]map[string]interface{}, len(res.Folders))
		for i, f := range res.Folders {
			folders[i] = map[string]interface{}{
				"folder":        f.Folder,
				"added":         f.Added,
				"flags_updated": f.FlagsUpdated,
				"deleted":       f.Deleted,
				"evicted":       f.Evicted,
				"resynced":      f.Resynced,
				"uid_validity":  f.Cursor.UIDValidity,
				"highest_uid":   f.Cursor.HighestUID,
			}
			if f.Err != nil {
				folders[i]["error"] = f.Err.Error()
			}
		}
		return ctx.PrintJSON(map[string]interface{}{
			"account_id": acc.ID,
			"folders":    folders,
			"replayed":   res.Replay.Replayed,
			"dropped":    res.Replay.Dropped,
			"duration":   res.Duration.String(),
		})
	}

	w := tabwriter.NewWriter(ctx.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FOLDER\tADDED\tFLAGS\tDELETED\tEVICTED\tCURSOR\tERROR")
	for _, f := range res.Folders {
		errText := ""
		if f.Err != nil {
			errText = f.Err.Error()
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d/%d\t%s\n",
			f.Folder, f.Added, f.FlagsUpdated, f.Deleted, f.Evicted, f.Cursor.UIDValidity, f.Cursor.HighestUID, errText)
	}
	w.Flush()
	fmt.Fprintf(ctx.Out, "\nReplayed %d queued operation(s), dropped %d, in %s.\n",
		res.Replay.Replayed, res.Replay.Dropped, res.Duration.Round(time.Millisecond))
	return nil
}

type accountStatus struct {
	ID       string    `json:"id"`
	Backend  string    `json:"backend"`
	Enabled  bool      `json:"enabled"`
	Folders  int       `json:"folders"`
	Messages int       `json:"messages"`
	Pending  int       `json:"pending"`
	LastSync time.Time `json:"last_sync,omitempty"`
}

func (c *StatusCmd) Run(ctx *Context) error {
	app, err := NewApp(context.Background(), ctx.Config, ctx.Logger, false)
	if err != nil {
		return err
	}
	defer app.Close()
	return writeStatus(context.Background(), ctx, app)
}

func writeStatus(c context.Context, ctx *Context, app *App) error {
	var out []accountStatus
	for _, acc := range ctx.Config.Accounts {
		st := accountStatus{ID: acc.ID, Backend: acc.Backend, Enabled: acc.Enabled}
		folders, err := app.Store.ListFolders(c, acc.ID)
		if err != nil {
			return err
		}
		st.Folders = len(folders)
		for _, f := range folders {
			st.Messages += f.MessageCount
			if f.Cursor.LastSync.After(st.LastSync) {
				st.LastSync = f.Cursor.LastSync
			}
		}
		ops, err := app.Store.PendingOps(c, acc.ID)
		if err != nil {
			return err
		}
		st.Pending = len(ops)
		out = append(out, st)
	}

	if ctx.Globals.JSON {
		return ctx.PrintJSON(out)
	}
	w := tabwriter.NewWriter(ctx.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tBACKEND\tENABLED\tFOLDERS\tMESSAGES\tPENDING\tLAST SYNC")
	for _, st := range out {
		last := "never"
		if !st.LastSync.IsZero() {
			last = st.LastSync.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%d\t%d\t%s\n", st.ID, st.Backend, st.Enabled, st.Folders, st.Messages, st.Pending, last)
	}
	return w.Flush()
}

func (c *SearchCmd) Run(ctx *Context) error {
	bg := context.Background()
	app, err := NewApp(bg, ctx.Config, ctx.Logger, false)
	if err != nil {
		return err
	}
	defer app.Close()

	limit := c.Limit
	if limit <= 0 {
		limit = ctx.Config.SearchResultLimit
	}
	opts := index.SearchOptions{AccountID: c.Account, Limit: limit}
	if c.Folder != "" {
		if c.Account == "" {
			return errors.New("--folder requires --account")
		}
		f, err := app.Store.GetFolder(bg, c.Account, c.Folder)
		if err != nil {
			return fmt.Errorf("folder %s: %w", c.Folder, err)
		}
		opts.FolderID = f.ID
	}

	hits, err := app.Index.Search(bg, c.Query, opts)
	if err != nil {
		return err
	}
	return writeHits(bg, ctx, app, hits)
}

func writeHits(c context.Context, ctx *Context, app *App, hits []types.SearchHit) error {
	if ctx.Globals.JSON {
		return ctx.PrintJSON(map[string]interface{}{"count": len(hits), "results": hits})
	}
	if len(hits) == 0 {
		fmt.Fprintln(ctx.Out, "No messages found.")
		return nil
	}
	names := make(map[int64]string)
	w := tabwriter.NewWriter(ctx.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tFOLDER\tUID\tFROM\tSUBJECT")
	for _, h := range hits {
		name, ok := names[h.FolderID]
		if !ok {
			if f, err := app.Store.FolderByID(c, h.FolderID); err == nil {
				name = f.ServerName
			}
			names[h.FolderID] = name
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", h.AccountID, name, h.UID, truncate(h.From, 30), truncate(h.Subject, 60))
	}
	return w.Flush()
}

func parseAddresses(list []string) ([]types.Address, error) {
	var out []types.Address
	for _, item := range list {
		for _, s := range strings.Split(item, ",") {
			if s = strings.TrimSpace(s); s == "" {
				continue
			}
			a, err := mail.ParseAddress(s)
			if err != nil {
				return nil, fmt.Errorf("invalid address %q: %w", s, err)
			}
			out = append(out, types.Address{Name: a.Name, Email: a.Address})
		}
	}
	return out, nil
}

func (c *SendCmd) Run(ctx *Context) error {
	acc := ctx.Config.DefaultAccount()
	if c.Account != "" {
		var err error
		if acc, err = ctx.Config.AccountByID(c.Account); err != nil {
			return err
		}
	}
	if acc == nil {
		return errors.New("no enabled account to send from")
	}

	d := &backend.Draft{Subject: c.Subject, Text: c.Body, HTML: c.HTML, InReplyTo: c.InReplyTo}
	if c.Body == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read body: %w", err)
		}
		d.Text = string(data)
	}
	if d.Text == "" && d.HTML == "" {
		return errors.New("--body or --html is required")
	}
	var err error
	if d.To, err = parseAddresses(c.To); err != nil {
		return err
	}
	if d.Cc, err = parseAddresses(c.CC); err != nil {
		return err
	}
	if d.Bcc, err = parseAddresses(c.BCC); err != nil {
		return err
	}

	runCtx, cancel := signalContext()
	defer cancel()
	app, err := NewApp(runCtx, ctx.Config, ctx.Logger, false)
	if err != nil {
		return err
	}
	defer app.Close()

	sess, err := app.NewSession(acc)
	if err != nil {
		return err
	}
	res, err := sess.Send(runCtx, d)
	if err != nil {
		return err
	}
	return writeSendResult(ctx, res)
}

func writeSendResult(ctx *Context, res *session.SendResult) error {
	if ctx.Globals.JSON {
		return ctx.PrintJSON(map[string]interface{}{
			"success":    true,
			"message_id": res.MessageID,
			"queued":     res.Queued,
		})
	}
	if res.Queued {
		fmt.Fprintf(ctx.Out, "Server unreachable, message %s queued for the next sync.\n", res.MessageID)
		return nil
	}
	fmt.Fprintf(ctx.Out, "Message %s sent.\n", res.MessageID)
	return nil
}

func (c *ConfigShowCmd) Run(ctx *Context) error {
	redacted := ctx.Config.Redacted()
	if ctx.Globals.JSON {
		return ctx.PrintJSON(redacted)
	}
	enc := yaml.NewEncoder(ctx.Out)
	enc.SetIndent(2)
	if err := enc.Encode(redacted); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

func (c *ConfigValidateCmd) Run(ctx *Context) error {
	var errs []error
	for i := range ctx.Config.Accounts {
		acc := &ctx.Config.Accounts[i]
		if err := acc.Validate(); err != nil {
			fmt.Fprintf(ctx.Out, "%s: %v\n", acc.ID, err)
			errs = append(errs, err)
			continue
		}
		fmt.Fprintf(ctx.Out, "%s: ok\n", acc.ID)
	}
	return errors.Join(errs...)
}

func (c *VersionCmd) Run(ctx *Context) error {
	if ctx.Globals.JSON {
		return ctx.PrintJSON(map[string]interface{}{
			"name":       "mailsync",
			"version":    Version,
			"go_version": runtime.Version(),
			"os":         runtime.GOOS,
			"arch":       runtime.GOARCH,
		})
	}

	fmt.Fprintf(ctx.Out, "mailsync version %s\n", Version)
	fmt.Fprintf(ctx.Out, "Go version: %s\n", runtime.Version())
	fmt.Fprintf(ctx.Out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	return nil
}
