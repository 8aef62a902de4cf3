package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/agentworld/pkg/models"
)

func newWorldsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worlds",
		Short: "Manage worlds",
	}
	cmd.AddCommand(newWorldsListCmd(), newWorldsCreateCmd(), newWorldsDeleteCmd())
	return cmd
}

func newWorldsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List worlds",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			worlds, err := e.store.ListWorlds(cmd.Context())
			if err != nil {
				return err
			}
			if len(worlds) == 0 {
				fmt.Println("no worlds")
				return nil
			}
			for _, w := range worlds {
				main := w.MainAgent
				if main == "" {
					main = "-"
				}
				fmt.Printf("%s\t%s\tmain=%s\n", w.ID, w.Name, main)
			}
			return nil
		},
	}
}

func newWorldsCreateCmd() *cobra.Command {
	var name, mainAgent, variables string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a world",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			w := &models.World{Name: name, MainAgent: mainAgent, Variables: variables}
			if err := e.store.SaveWorld(cmd.Context(), w); err != nil {
				return err
			}
			fmt.Println(w.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name (required)")
	cmd.Flags().StringVar(&mainAgent, "main-agent", "", "agent id receiving unmentioned human messages")
	cmd.Flags().StringVar(&variables, "variables", "", "KEY=value lines for prompt substitution")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newWorldsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <world-id>",
		Short: "Delete a world with its agents, chats, and events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}
			defer e.Close()
			return e.manager.DeleteWorld(cmd.Context(), args[0])
		},
	}
}
