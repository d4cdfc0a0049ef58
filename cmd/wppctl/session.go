package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/matheus3301/wppbak/internal/client"
	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"
)

func statusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session status",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return g.run(func(ctx context.Context, c *client.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				if g.jsonOut {
					return outputJSON(st)
				}
				fmt.Printf("Session:  %s\n", st.Session)
				fmt.Printf("Status:   %s\n", st.Status)
				fmt.Printf("Logged in: %v\n", st.LoggedIn)
				if st.PhoneNumber != "" {
					fmt.Printf("Phone:    %s\n", st.PhoneNumber)
				}
				fmt.Printf("Chats:    %d\n", st.ChatCount)
				fmt.Printf("Messages: %d\n", st.MessageCount)
				fmt.Printf("Backups:  %d\n", st.BackupCount)
				fmt.Printf("Uptime:   %s\n", (time.Duration(st.UptimeMs) * time.Millisecond).Round(time.Second))
				return nil
			})
		},
	}
}

func authCmd(g *globals) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Pair the session by scanning a QR code in the terminal",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := g.connect()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), wait)
			defer cancel()
			return pair(ctx, c)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 3*time.Minute, "how long to wait for the phone to scan")
	return cmd
}

// pair starts pairing and renders each new code until the session logs in.
func pair(ctx context.Context, c *client.Client) error {
	err := c.StartAuth(ctx)
	if client.StatusOf(err) == http.StatusConflict {
		fmt.Println("Session already authenticated.")
		return nil
	}
	if err != nil {
		return err
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var shown string
	for {
		st, err := c.Status(ctx)
		if err != nil {
			return err
		}
		if st.LoggedIn {
			fmt.Printf("Authenticated as %s.\n", st.PhoneNumber)
			return nil
		}
		code, err := c.QRCode(ctx)
		switch {
		case errors.Is(err, client.ErrNoPairing):
		case err != nil:
			return err
		case code != shown:
			shown = code
			fmt.Println("Scan this code with WhatsApp > Linked devices:")
			qrterminal.GenerateHalfBlock(code, qrterminal.L, os.Stdout)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("pairing not completed: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func logoutCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Log the session out and remove its credentials",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return g.run(func(ctx context.Context, c *client.Client) error {
				if err := c.Logout(ctx); err != nil {
					return err
				}
				fmt.Println("Logged out.")
				return nil
			})
		},
	}
}
