package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/greenswap/chatsync"
	"github.com/spf13/cobra"
)

var watchInteractive bool

func init() {
	watchCmd.Flags().BoolVarP(&watchInteractive, "interactive", "i", false, "Send each line read from stdin")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Join a conversation and stream live changes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		engine, err := startEngine(ctx)
		if err != nil {
			return err
		}
		defer engine.Close()

		store := engine.Subscribe(ctx, chatsync.TopicStore)
		presence := engine.Subscribe(ctx, chatsync.TopicPresence)
		syncs := engine.Subscribe(ctx, chatsync.TopicSync)

		if err := engine.Join(ctx, id); err != nil {
			return err
		}
		defer engine.Leave(id)

		out := cmd.OutOrStdout()
		color.New(color.FgCyan).Fprintf(out, "Watching %s (%s). Ctrl-C to stop.\n", engine.Title(ctx, id), id)
		for _, m := range engine.Messages(id) {
			printMessage(out, m)
		}

		if watchInteractive {
			go sendLines(ctx, engine, id, cmd.InOrStdin(), out)
		}

		for {
			var c chatsync.Change
			var ok bool
			select {
			case <-ctx.Done():
				return nil
			case c, ok = <-store:
			case c, ok = <-presence:
			case c, ok = <-syncs:
			}
			if !ok {
				return nil
			}
			if c.ConversationID != "" && c.ConversationID != id {
				continue
			}
			printChange(out, engine, c)
		}
	},
}

func printChange(w io.Writer, engine *chatsync.Engine, c chatsync.Change) {
	faint := color.New(color.Faint)
	switch c.Kind {
	case chatsync.ChangeMessage, chatsync.ChangeMessageReplaced, chatsync.ChangeMessageStatus,
		chatsync.ChangeMessageEdited, chatsync.ChangeMessageDeleted:
		if c.Message != nil {
			printMessage(w, *c.Message)
		}
	case chatsync.ChangeTyping:
		if c.Typing {
			faint.Fprintf(w, "%s is typing...\n", c.ParticipantID)
		}
	case chatsync.ChangeReachable:
		faint.Fprintf(w, "%s is %s\n", c.ParticipantID, map[bool]string{true: "online", false: "offline"}[c.Reachable])
	case chatsync.ChangeSyncState:
		line := fmt.Sprintf("conversation %s", c.State)
		if c.Err != nil {
			color.New(color.FgRed).Fprintf(w, "%s: %v\n", line, c.Err)
			return
		}
		faint.Fprintln(w, line)
	case chatsync.ChangeConnection:
		col := color.New(color.FgYellow)
		if c.Connection == chatsync.ConnConnected {
			col = color.New(color.FgGreen)
		}
		col.Fprintf(w, "channel %s\n", c.Connection)
	case chatsync.ChangeUnread:
		faint.Fprintf(w, "%d unread (%d total)\n", c.Unread, engine.UnreadTotal())
	}
}

func printMessage(w io.Writer, m chatsync.Message) {
	stamp := m.CreatedAt.Local().Format("15:04:05")
	body := m.Content
	if m.AttachmentURL != "" {
		body = strings.TrimSpace(body + " " + m.AttachmentURL)
	}
	if m.Edited && !m.Deleted {
		body += " (edited)"
	}
	switch {
	case m.Deleted:
		color.New(color.Faint, color.Italic).Fprintf(w, "%s  %s: %s\n", stamp, m.SenderID, body)
	case m.Status == chatsync.StatusPending:
		color.New(color.Faint).Fprintf(w, "%s  %s: %s (sending)\n", stamp, m.SenderID, body)
	case m.Status == chatsync.StatusFailed:
		color.New(color.FgRed).Fprintf(w, "%s  %s: %s (failed, retry with id %s)\n", stamp, m.SenderID, body, m.ClientID)
	default:
		color.New(color.FgWhite).Fprintf(w, "%s  ", stamp)
		color.New(color.FgCyan, color.Bold).Fprintf(w, "%s", m.SenderID)
		fmt.Fprintf(w, ": %s\n", body)
	}
}

func sendLines(ctx context.Context, engine *chatsync.Engine, id string, in io.Reader, w io.Writer) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if _, err := engine.Send(ctx, id, line, chatsync.MessageText); err != nil {
			color.New(color.FgRed).Fprintf(w, "send failed: %v\n", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}
