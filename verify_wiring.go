package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/convoflow/convoflow/pkg/app"
	"github.com/convoflow/convoflow/pkg/bus"
	"github.com/convoflow/convoflow/pkg/flow"
	"github.com/convoflow/convoflow/pkg/infrastructure/eventbus"
	"github.com/convoflow/convoflow/pkg/infrastructure/persistence"
	"github.com/convoflow/convoflow/pkg/runtime"
)

// Verification script to exercise the engine wiring end to end without
// a real Python runtime: in-memory store, no-op environment builder.
func main() {
	store, err := persistence.Open(":memory:")
	if err != nil {
		fmt.Printf("Error opening store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()
	fmt.Println("✓ Store opened (in-memory)")

	events := eventbus.New()
	defer events.Close()
	messageBus := bus.New()
	defer messageBus.Close()
	fmt.Println("✓ Buses created")

	root, err := os.MkdirTemp("", "flow-verify-")
	if err != nil {
		fmt.Printf("Error creating runtime root: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(root)

	noop := func(ctx context.Context, dir, requirementsFile string, indexURLs []string) error {
		return nil
	}
	provisioner := runtime.NewVenvProvisioner(root, "python3", noop)
	botService := app.NewBotService(store.Bots(), provisioner, nil, events)

	// Test bot install
	fmt.Println("Testing bot install...")
	cfg := flow.BotConfig{
		BotID:  "verify-bot",
		Intent: flow.BotInstall,
		Bot: &flow.BotSpec{
			Name:            "verifier",
			FSMCode:         "def run_machine(**kwargs):\n    pass\n",
			RequirementsTxt: "",
			Version:         "1.0.0",
		},
	}
	if err := botService.Install(cfg); err != nil {
		fmt.Printf("Error installing bot: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Bot installed: %s\n", provisioner.Dir("verify-bot"))

	// Test routing table
	fmt.Println("Testing effect routing...")
	env, err := flow.Route(flow.FSMOutput{
		Intent:  flow.FSMSendMessage,
		Message: &flow.Message{Type: flow.MessageText, Text: &flow.TextMessage{Body: "hello"}},
	}, "turn-1")
	if err != nil {
		fmt.Printf("Error routing effect: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Text effect routed to topic: %s\n", env.Topic)

	// Test janitor construction
	janitor, err := app.NewJanitor(store.Sessions(), store.Bots(), provisioner, events, "*/30 * * * *", 24*time.Hour)
	if err != nil {
		fmt.Printf("Error creating janitor: %v\n", err)
		os.Exit(1)
	}
	janitor.Sweep()
	fmt.Println("✓ Janitor sweep completed")

	fmt.Println("\n✓✓✓ Engine wiring verified! ✓✓✓")
}
