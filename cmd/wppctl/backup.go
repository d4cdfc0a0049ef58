package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/wppbak/internal/backup"
	"github.com/matheus3301/wppbak/internal/client"
	"github.com/spf13/cobra"
)

func backupCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Manage chat backups",
	}
	cmd.AddCommand(
		backupListCmd(g),
		backupAddCmd(g),
		backupRunCmd(g),
		backupProgressCmd(g),
		backupMessagesCmd(g),
		backupPeopleCmd(g),
		backupScheduleCmd(g),
	)
	return cmd
}

func backupListCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List chats registered for backup",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return g.run(func(ctx context.Context, c *client.Client) error {
				entries, err := c.ListBackups(ctx)
				if err != nil {
					return err
				}
				if g.jsonOut {
					return outputJSON(entries)
				}
				if len(entries) == 0 {
					fmt.Println("No chats registered for backup.")
					return nil
				}
				for _, e := range entries {
					last := "never"
					if e.LastBackup != nil {
						last = e.LastBackup.Local().Format("2006-01-02 15:04")
					}
					fmt.Printf("%-40s %-8s %-24s msgs=%-6d people=%-4d last=%s\n",
						e.ChatID, e.ChatType, e.ChatName, e.MessageCount, e.PeopleCount, last)
				}
				return nil
			})
		},
	}
}

func backupAddCmd(g *globals) *cobra.Command {
	var req client.AddBackupRequest
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a chat for backup by id or name",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if req.ChatID == "" && req.ChatName == "" {
				return fmt.Errorf("one of --id or --name is required")
			}
			return g.run(func(ctx context.Context, c *client.Client) error {
				entry, err := c.AddBackup(ctx, req)
				if err != nil {
					return err
				}
				if g.jsonOut {
					return outputJSON(entry)
				}
				fmt.Printf("Registered %s (%s).\n", entry.ChatName, entry.ChatID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.ChatType, "type", string(backup.ChatGroup), "chat type: group, private or channel")
	cmd.Flags().StringVar(&req.ChatID, "id", "", "chat JID")
	cmd.Flags().StringVar(&req.ChatName, "name", "", "chat display name")
	return cmd
}

func backupRunCmd(g *globals) *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "run <chat-id>",
		Short: "Back up a registered chat now",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			c, err := g.connect()
			if err != nil {
				return err
			}
			ctx, cancel := g.requestContext()
			err = c.BackupNow(ctx, args[0])
			cancel()
			if err != nil {
				return err
			}
			if !follow {
				fmt.Println("Backup started.")
				return nil
			}
			return followProgress(context.Background(), c, args[0])
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream progress until the run finishes")
	return cmd
}

// followProgress prints new log lines until the run leaves the running state.
func followProgress(ctx context.Context, c *client.Client, chatID string) error {
	seen := 0
	for {
		p, err := c.Progress(ctx, chatID)
		if err != nil {
			return err
		}
		for _, l := range p.Logs[min(seen, len(p.Logs)):] {
			fmt.Printf("%s  %s\n", l.Timestamp.Local().Format("15:04:05"), l.Message)
		}
		seen = len(p.Logs)
		if p.Status == backup.StatusCompleted || p.Status == backup.StatusFailed {
			fmt.Printf("Backup %s.\n", p.Status)
			return nil
		}
		time.Sleep(time.Second)
	}
}

func backupProgressCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "progress <chat-id>",
		Short: "Show progress of the latest run",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return g.run(func(ctx context.Context, c *client.Client) error {
				p, err := c.Progress(ctx, args[0])
				if err != nil {
					return err
				}
				if g.jsonOut {
					return outputJSON(p)
				}
				fmt.Printf("Status: %s\n", p.Status)
				for _, l := range p.Logs {
					fmt.Printf("%s  %s\n", l.Timestamp.Local().Format("15:04:05"), l.Message)
				}
				return nil
			})
		},
	}
}

func backupMessagesCmd(g *globals) *cobra.Command {
	var page, size int
	cmd := &cobra.Command{
		Use:   "messages <chat-id>",
		Short: "Page through backed up messages, newest page first",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return g.run(func(ctx context.Context, c *client.Client) error {
				p, err := c.Messages(ctx, args[0], page, size)
				if err != nil {
					return err
				}
				if g.jsonOut {
					return outputJSON(p)
				}
				fmt.Printf("%s  page %d/%d  (%d messages)\n", p.ChatName, p.Page, p.TotalPages, p.Total)
				for _, m := range p.Messages {
					who := m.SenderName
					if m.FromMe {
						who = "me"
					}
					body := strings.ReplaceAll(m.Body, "\n", " ")
					if m.HasMedia && body == "" {
						body = "<" + m.Type + ">"
					}
					fmt.Printf("%s  %-20s %s\n", formatUnix(m.Timestamp), who, body)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "page number, 1 is the newest")
	cmd.Flags().IntVar(&size, "page-size", 50, "messages per page")
	return cmd
}

func backupPeopleCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "people <chat-id>",
		Short: "List participants by message count",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return g.run(func(ctx context.Context, c *client.Client) error {
				people, err := c.People(ctx, args[0])
				if err != nil {
					return err
				}
				if g.jsonOut {
					return outputJSON(people)
				}
				for _, p := range people {
					fmt.Printf("%-16s %-24s %6d  last=%s\n", p.Number, p.Name, p.MessageCount, formatUnix(p.LastSeen))
				}
				return nil
			})
		},
	}
}

func backupScheduleCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Show the nightly scheduler state",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return g.run(func(ctx context.Context, c *client.Client) error {
				s, err := c.Schedule(ctx)
				if err != nil {
					return err
				}
				if g.jsonOut {
					return outputJSON(s)
				}
				fmt.Printf("State:    %s\n", s.State)
				if s.NextRun != nil {
					fmt.Printf("Next run: %s\n", s.NextRun.Local().Format(time.RFC1123))
				}
				if s.LastRunDate != "" {
					fmt.Printf("Last run: %s\n", s.LastRunDate)
				}
				return nil
			})
		},
	}
}
