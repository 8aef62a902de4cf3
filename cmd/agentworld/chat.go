package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/agentworld/internal/bus"
	"github.com/haasonsaas/agentworld/internal/world"
	"github.com/haasonsaas/agentworld/pkg/models"
)

func newChatCmd() *cobra.Command {
	var worldID, chatID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat with the agents of a world",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}
			defer e.Close()
			return runChat(cmd.Context(), e, worldID, chatID)
		},
	}
	cmd.Flags().StringVar(&worldID, "world", "", "world id (required)")
	cmd.Flags().StringVar(&chatID, "chat", "", "chat id to resume; a new chat is created when empty")
	_ = cmd.MarkFlagRequired("world")
	return cmd
}

func runChat(ctx context.Context, e *env, worldID, chatID string) error {
	rt, err := e.manager.Subscribe(ctx, worldID, e.worldOptions())
	if err != nil {
		return err
	}
	defer e.manager.Unsubscribe(worldID)

	if chatID == "" {
		chat, err := rt.CreateChat(ctx, models.DefaultChatTitle)
		if err != nil {
			return fmt.Errorf("create chat: %w", err)
		}
		chatID = chat.ID
		fmt.Printf("chat %s\n", chatID)
	} else if err := rt.SetCurrentChat(ctx, chatID); err != nil {
		return fmt.Errorf("select chat: %w", err)
	}

	detach := attachPrinters(rt)
	defer detach()

	// Ctrl-C stops the in-flight response; a second one exits.
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(interrupts)
	go func() {
		<-interrupts
		if rt.StopMessage(chatID) == world.StopStatusNoActive {
			os.Exit(0)
		}
		<-interrupts
		os.Exit(0)
	}()

	fmt.Println("type a message; /stop cancels, /quit exits")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return nil
		case line == "/stop":
			fmt.Printf("[%s]\n", rt.StopMessage(chatID))
			continue
		}
		rt.PublishMessage(line, models.SenderHuman, world.PublishOptions{ChatID: chatID})
	}
}

// attachPrinters renders streaming and system traffic to stdout.
func attachPrinters(rt *world.Runtime) func() {
	b := rt.Bus()
	streaming := false

	unsubSSE := b.Subscribe(bus.ChannelSSE, func(payload any) {
		ev, ok := payload.(models.SSEEvent)
		if !ok {
			return
		}
		switch ev.Type {
		case models.SSEStart:
			fmt.Printf("\n%s: ", ev.AgentName)
			streaming = true
		case models.SSEChunk:
			fmt.Print(ev.Content)
		case models.SSEEnd:
			if ev.Aborted {
				fmt.Print(" [aborted]")
			}
			fmt.Println()
			streaming = false
		case models.SSEError:
			fmt.Printf("\n[error] %s\n", ev.Error)
			streaming = false
		}
	})
	unsubSystem := b.Subscribe(bus.ChannelSystem, func(payload any) {
		ev, ok := payload.(models.SystemEvent)
		if !ok {
			return
		}
		if streaming {
			fmt.Println()
		}
		fmt.Printf("[system] %s\n", ev.Content)
	})
	unsubTools := b.Subscribe(string(models.ToolStream), func(payload any) {
		ev, ok := payload.(models.ToolEvent)
		if !ok {
			return
		}
		fmt.Printf("[%s %s] %s\n", ev.ToolExecution.ToolName, ev.ToolExecution.Stream, ev.ToolExecution.Result)
	})

	return func() {
		unsubSSE()
		unsubSystem()
		unsubTools()
	}
}
