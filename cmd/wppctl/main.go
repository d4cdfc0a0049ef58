package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/matheus3301/wppbak/internal/client"
	"github.com/matheus3301/wppbak/internal/config"
	"github.com/matheus3301/wppbak/internal/lock"
	"github.com/matheus3301/wppbak/internal/session"
	"github.com/spf13/cobra"
)

type globals struct {
	session string
	addr    string
	jsonOut bool
	timeout time.Duration
}

func main() {
	config.LoadDotEnv()

	g := &globals{}
	root := &cobra.Command{
		Use:           "wppctl",
		Short:         "Control a running wppd session daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.session, "session", "", "session name (overrides config default)")
	root.PersistentFlags().StringVar(&g.addr, "addr", "", "daemon address (default: discovered from the session lock)")
	root.PersistentFlags().BoolVar(&g.jsonOut, "json", false, "output in JSON format")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		statusCmd(g),
		authCmd(g),
		logoutCmd(g),
		backupCmd(g),
		chatsCmd(g),
		sendCmd(g),
		sendBulkCmd(g),
		outboxCmd(g),
		relaySendCmd(g),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// connect resolves the daemon address: --addr, then the session lock, then
// the configured listen address.
func (g *globals) connect() (*client.Client, error) {
	if g.addr != "" {
		return client.New(g.addr), nil
	}
	name := session.Resolve(g.session)
	if err := session.ValidateName(name); err != nil {
		return nil, err
	}
	c, err := client.Discover(name)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, lock.ErrNoAddr) {
		return nil, err
	}
	cfg, cfgErr := config.LoadOrDefault(session.ConfigPath())
	if cfgErr != nil {
		return nil, fmt.Errorf("load config: %w", cfgErr)
	}
	return client.New(cfg.HTTP.Addr), nil
}

func (g *globals) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), g.timeout)
}

// run connects and calls fn with a request-scoped context.
func (g *globals) run(fn func(ctx context.Context, c *client.Client) error) error {
	c, err := g.connect()
	if err != nil {
		return err
	}
	ctx, cancel := g.requestContext()
	defer cancel()
	return fn(ctx, c)
}

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04")
}

func formatUnix(sec int64) string {
	if sec == 0 {
		return "-"
	}
	return time.Unix(sec, 0).Local().Format("2006-01-02 15:04")
}
