package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/greenswap/chatsync"
	"github.com/spf13/cobra"
)

var (
	sendKind       string
	sendReplyTo    string
	sendAttachment string
	sendJSON       bool
)

func init() {
	sendCmd.Flags().StringVarP(&sendKind, "kind", "k", string(chatsync.MessageText), "Message kind (text, image, file, location)")
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "Id of the message being answered")
	sendCmd.Flags().StringVar(&sendAttachment, "attachment", "", "Attachment URL for image and file messages")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output the confirmed message as JSON")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> [content]",
	Short: "Send a message and wait for confirmation",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		content := ""
		if len(args) == 2 {
			content = args[1]
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		engine, err := startEngine(ctx)
		if err != nil {
			return err
		}
		defer engine.Close()

		var opts []chatsync.SendOption
		if sendReplyTo != "" {
			opts = append(opts, chatsync.WithReplyTo(sendReplyTo))
		}
		if sendAttachment != "" {
			opts = append(opts, chatsync.WithAttachment(sendAttachment))
		}

		out, err := engine.Send(ctx, id, content, chatsync.MessageKind(sendKind), opts...)
		if err != nil {
			return err
		}
		msg, err := out.Wait(ctx)
		if err != nil {
			return fmt.Errorf("message %s not delivered: %w", out.TempID, err)
		}

		if sendJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(msg)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Message sent to conversation %s\n", msg.ConversationID)
		fmt.Fprintf(cmd.OutOrStdout(), "  Message ID: %s\n", msg.ID)
		fmt.Fprintf(cmd.OutOrStdout(), "  Sent at:    %s\n", msg.CreatedAt.Local().Format(time.RFC3339))
		return nil
	},
}
