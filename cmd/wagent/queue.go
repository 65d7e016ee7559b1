package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/hmunoz/wagent/pkg/config"
	"github.com/hmunoz/wagent/pkg/outbound"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Manage the operator outbound queue",
}

var queueAddCmd = &cobra.Command{
	Use:   "add <chat_id> <message>",
	Short: "Queue a message to be sent on the next tick",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return errors.Wrap(err, "invalid configuration")
		}
		q := outbound.New(cfg.QueuePath)
		id, err := q.Enqueue(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("queued %s\n", id)
		return nil
	},
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all queue entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return errors.Wrap(err, "invalid configuration")
		}
		entries := outbound.New(cfg.QueuePath).List(cmd.Context())
		if len(entries) == 0 {
			fmt.Println("queue is empty")
			return nil
		}
		for _, e := range entries {
			line := fmt.Sprintf("%s  %-7s  %s  %q", e.ID, e.Status, e.ChatID, e.Message)
			if e.Error != "" {
				line += "  error: " + e.Error
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	queueCmd.AddCommand(queueAddCmd)
	queueCmd.AddCommand(queueListCmd)
}
