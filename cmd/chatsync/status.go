package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/greenswap/chatsync"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and token status",
	Long:  "Display the current configuration, decode the token's participant and expiry, and check the backend.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		out := cmd.OutOrStdout()
		printStatus(out, cfg, time.Now())

		if cfg.BaseURL == "" || cfg.Token == "" {
			return nil
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		convs, err := newClient(*cfg).ListConversations(ctx)
		if err != nil {
			color.New(color.FgRed).Fprintf(out, "  Backend:       UNREACHABLE (%v)\n", err)
			return nil
		}
		color.New(color.FgGreen).Fprintln(out, "  Backend:       OK")
		fmt.Fprintf(out, "  Conversations: %d\n", len(convs))
		fmt.Fprintf(out, "  Unread:        %d\n", lo.SumBy(convs, func(c chatsync.Conversation) int { return c.Unread }))
		return nil
	},
}

func printStatus(w io.Writer, cfg *chatsync.Config, now time.Time) {
	fmt.Fprintln(w, "Configuration:")
	fmt.Fprintf(w, "  Base URL:    %s\n", valueOrDefault(cfg.BaseURL, "(not set)"))
	if cfg.WebSocketURL != "" {
		fmt.Fprintf(w, "  Channel URL: %s\n", cfg.WebSocketURL)
	}
	fmt.Fprintf(w, "  Log:         %s/%s\n", cfg.Log.Level, cfg.Log.Format)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Auth:")
	if cfg.Token == "" {
		fmt.Fprintln(w, "  Token:       (not set)")
		return
	}
	fmt.Fprintf(w, "  Token:       %s\n", maskKey(cfg.Token))

	participant := cfg.ParticipantID
	if participant == "" {
		id, err := chatsync.ParticipantFromToken(cfg.Token)
		if err != nil {
			participant = "(unreadable)"
		} else {
			participant = id
		}
	}
	fmt.Fprintf(w, "  Participant: %s\n", participant)

	expires, err := chatsync.TokenExpiry(cfg.Token)
	switch {
	case err != nil:
		fmt.Fprintln(w, "  Expiry:      (unreadable)")
	case expires.IsZero():
		fmt.Fprintln(w, "  Expiry:      (none)")
	case now.Before(expires):
		color.New(color.FgGreen).Fprintf(w, "  Expiry:      valid (expires %s)\n", expires.Format(time.RFC3339))
	default:
		color.New(color.FgRed).Fprintf(w, "  Expiry:      EXPIRED (expired %s)\n", expires.Format(time.RFC3339))
	}
}

// maskKey shows the first 8 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
