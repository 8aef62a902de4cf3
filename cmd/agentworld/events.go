package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/agentworld/internal/storage"
	"github.com/haasonsaas/agentworld/pkg/models"
)

func newEventsCmd() *cobra.Command {
	var (
		worldID, chatID, eventType string
		limit, offset              int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect the persisted event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			q := storage.EventQuery{
				WorldID: worldID,
				Type:    models.EventType(eventType),
				Limit:   limit,
				Offset:  offset,
			}
			if cmd.Flags().Changed("chat") {
				q.ChatID = &chatID
			}
			records, err := e.store.Events(cmd.Context(), q)
			if err != nil {
				return err
			}
			for _, rec := range records {
				fmt.Printf("%6d  %-8s  %s  %s\n", rec.Seq, rec.Type,
					rec.CreatedAt.Format("2006-01-02 15:04:05"), string(rec.Payload))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&worldID, "world", "", "world id (required)")
	cmd.Flags().StringVar(&chatID, "chat", "", "chat id; empty string selects world-scoped events")
	cmd.Flags().StringVar(&eventType, "type", "", "filter by event type (message, sse, world, system)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum records")
	cmd.Flags().IntVar(&offset, "offset", 0, "records to skip")
	_ = cmd.MarkFlagRequired("world")
	return cmd
}
