package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/agentworld/pkg/models"
)

func newAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Manage the agents of a world",
	}
	cmd.AddCommand(newAgentsListCmd(), newAgentsCreateCmd(), newAgentsDeleteCmd())
	return cmd
}

func newAgentsListCmd() *cobra.Command {
	var worldID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			agents, err := e.store.ListAgents(cmd.Context(), worldID)
			if err != nil {
				return err
			}
			if len(agents) == 0 {
				fmt.Println("no agents")
				return nil
			}
			for _, a := range agents {
				fmt.Printf("%s\t%s\t%s/%s\tautoReply=%v\tmemory=%d\n",
					a.ID, a.Name, a.Provider, a.Model, a.AutoReply, len(a.Memory))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&worldID, "world", "", "world id (required)")
	_ = cmd.MarkFlagRequired("world")
	return cmd
}

func newAgentsCreateCmd() *cobra.Command {
	var (
		worldID, id, name, provider, model, systemPrompt string
		temperature                                      float32
		maxTokens                                        int
		noAutoReply                                      bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			agent := &models.Agent{
				ID:           id,
				WorldID:      worldID,
				Name:         name,
				Provider:     provider,
				Model:        model,
				Temperature:  temperature,
				MaxTokens:    maxTokens,
				SystemPrompt: systemPrompt,
				AutoReply:    !noAutoReply,
			}
			if err := e.store.SaveAgent(cmd.Context(), agent); err != nil {
				return err
			}
			fmt.Println(agent.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&worldID, "world", "", "world id (required)")
	cmd.Flags().StringVar(&id, "id", "", "agent id; generated when empty")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&provider, "provider", "openai", "llm provider")
	cmd.Flags().StringVar(&model, "model", "", "model identifier (required)")
	cmd.Flags().StringVar(&systemPrompt, "system-prompt", "", "system prompt template with {{ key }} placeholders")
	cmd.Flags().Float32Var(&temperature, "temperature", 0, "sampling temperature")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "completion token cap")
	cmd.Flags().BoolVar(&noAutoReply, "no-auto-reply", false, "respond only when mentioned")
	_ = cmd.MarkFlagRequired("world")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}

func newAgentsDeleteCmd() *cobra.Command {
	var worldID string

	cmd := &cobra.Command{
		Use:   "delete <agent-id>",
		Short: "Delete an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}
			defer e.Close()
			return e.store.DeleteAgent(cmd.Context(), worldID, args[0])
		},
	}
	cmd.Flags().StringVar(&worldID, "world", "", "world id (required)")
	_ = cmd.MarkFlagRequired("world")
	return cmd
}
