package main

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/wppbak/internal/client"
	"github.com/matheus3301/wppbak/internal/config"
	"github.com/matheus3301/wppbak/internal/relay"
	"github.com/matheus3301/wppbak/internal/session"
	"github.com/spf13/cobra"
)

// parseSendAt reads an RFC 3339 timestamp; empty means send now.
func parseSendAt(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("--at: %w", err)
	}
	return &t, nil
}

func sendCmd(g *globals) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "send <chat-id> <text>",
		Short: "Queue a text message",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			sendAt, err := parseSendAt(at)
			if err != nil {
				return err
			}
			return g.run(func(ctx context.Context, c *client.Client) error {
				id, err := c.Send(ctx, args[0], args[1], sendAt)
				if err != nil {
					return err
				}
				if g.jsonOut {
					return outputJSON(map[string]string{"clientMsgId": id})
				}
				fmt.Printf("Queued %s.\n", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "send at this RFC 3339 time instead of now")
	return cmd
}

func sendBulkCmd(g *globals) *cobra.Command {
	var (
		at      string
		spacing time.Duration
		body    string
	)
	cmd := &cobra.Command{
		Use:   "send-bulk <chat-id>...",
		Short: "Queue the same message for several chats",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			sendAt, err := parseSendAt(at)
			if err != nil {
				return err
			}
			return g.run(func(ctx context.Context, c *client.Client) error {
				ids, err := c.SendBulk(ctx, args, body, sendAt, spacing)
				if err != nil {
					return err
				}
				if g.jsonOut {
					return outputJSON(map[string][]string{"clientMsgIds": ids})
				}
				fmt.Printf("Queued %d messages.\n", len(ids))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&body, "text", "", "message text")
	cmd.Flags().StringVar(&at, "at", "", "first send time, RFC 3339")
	cmd.Flags().DurationVar(&spacing, "spacing", 30*time.Second, "delay between consecutive sends")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func outboxCmd(g *globals) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "List recent outgoing messages",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return g.run(func(ctx context.Context, c *client.Client) error {
				entries, err := c.Outbox(ctx, limit)
				if err != nil {
					return err
				}
				if g.jsonOut {
					return outputJSON(entries)
				}
				for _, e := range entries {
					line := fmt.Sprintf("%s  %-8s %-6s %-32s %s", formatMillis(e.CreatedAt), e.Status, e.Source, e.ChatID, e.Body)
					if e.Error != "" {
						line += "  (" + e.Error + ")"
					}
					fmt.Println(line)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries")
	return cmd
}

func chatsCmd(g *globals) *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "chats",
		Short: "List mirrored chats, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return g.run(func(ctx context.Context, c *client.Client) error {
				chats, more, err := c.Chats(ctx, limit, offset)
				if err != nil {
					return err
				}
				if g.jsonOut {
					return outputJSON(map[string]any{"chats": chats, "hasMore": more})
				}
				for _, ch := range chats {
					mark := " "
					if ch.Registered {
						mark = "*"
					}
					fmt.Printf("%s %-40s %-8s %-24s %s\n", mark, ch.ID, ch.Type, ch.Name, formatMillis(ch.LastMessageAt))
				}
				if more {
					fmt.Printf("... more with --offset %d\n", offset+len(chats))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum chats")
	cmd.Flags().IntVar(&offset, "offset", 0, "skip this many chats")
	return cmd
}

func relaySendCmd(g *globals) *cobra.Command {
	var at, redisURL string
	cmd := &cobra.Command{
		Use:   "relay-send <chat-id> <text>",
		Short: "Queue a message through the Redis relay instead of the daemon API",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			sendAt, err := parseSendAt(at)
			if err != nil {
				return err
			}
			name := session.Resolve(g.session)
			if err := session.ValidateName(name); err != nil {
				return err
			}
			if redisURL == "" {
				cfg, err := config.LoadOrDefault(session.ConfigPath())
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				redisURL = cfg.Relay.RedisURL
			}
			if redisURL == "" {
				return fmt.Errorf("no relay configured: set relay.redis_url or --redis-url")
			}

			q, err := relay.NewRedisQueue(redisURL, name)
			if err != nil {
				return err
			}
			defer func() { _ = q.Close() }()
			ctx, cancel := g.requestContext()
			defer cancel()
			if err := q.Send(ctx, relay.Job{ChatID: args[0], Body: args[1], SendAt: sendAt}); err != nil {
				return fmt.Errorf("relay send: %w", err)
			}
			fmt.Printf("Queued on %s.\n", relay.Key(name))
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "send at this RFC 3339 time instead of now")
	cmd.Flags().StringVar(&redisURL, "redis-url", "", "Redis URL (default: relay.redis_url from config)")
	return cmd
}
