package main

import (
	"context"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(editCmd)
	rootCmd.AddCommand(deleteCmd)
}

var editCmd = &cobra.Command{
	Use:   "edit <conversation-id> <message-id> <content>",
	Short: "Edit one of your messages (within 15 minutes of sending)",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		engine, err := startEngine(ctx)
		if err != nil {
			return err
		}
		defer engine.Close()

		if err := engine.Join(ctx, args[0]); err != nil {
			return err
		}
		defer engine.Leave(args[0])

		msg, err := engine.Edit(ctx, args[0], args[1], args[2])
		if err != nil {
			return err
		}
		printMessage(cmd.OutOrStdout(), msg)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <conversation-id> <message-id>",
	Aliases: []string{"rm"},
	Short:   "Delete one of your messages",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		engine, err := startEngine(ctx)
		if err != nil {
			return err
		}
		defer engine.Close()

		if err := engine.Join(ctx, args[0]); err != nil {
			return err
		}
		defer engine.Leave(args[0])

		if err := engine.Delete(ctx, args[0], args[1]); err != nil {
			return err
		}
		color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "Message %s deleted\n", args[1])
		return nil
	},
}
