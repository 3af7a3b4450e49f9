// Command flowd runs the flow orchestration engine: it consumes inbound
// flow messages, drives per-conversation state machines in isolated bot
// environments, and routes the resulting effects to the outbound topics.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/convoflow/convoflow/pkg/app"
	"github.com/convoflow/convoflow/pkg/bus"
	"github.com/convoflow/convoflow/pkg/config"
	"github.com/convoflow/convoflow/pkg/domain"
	"github.com/convoflow/convoflow/pkg/flow"
	"github.com/convoflow/convoflow/pkg/infrastructure/eventbus"
	"github.com/convoflow/convoflow/pkg/infrastructure/persistence"
	"github.com/convoflow/convoflow/pkg/logger"
	"github.com/convoflow/convoflow/pkg/runtime"
	"github.com/convoflow/convoflow/pkg/secret"
)

func main() {
	configPath := flag.String("config", "flowd.yaml", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "flowd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	var sealer *secret.Sealer
	if cfg.SealKey != "" {
		if sealer, err = secret.NewSealer(cfg.SealKey); err != nil {
			return fmt.Errorf("seal key: %w", err)
		}
	} else {
		logger.WarnC("flowd", "No seal key configured, credentials stored in the clear")
	}

	messageBus := bus.New()
	defer messageBus.Close()

	events := eventbus.New()
	defer events.Close()
	events.SubscribeAll(func(e domain.Event) {
		logger.DebugCF("events", string(e.EventType()), map[string]interface{}{
			"aggregate_id": e.AggregateID().String(),
		})
		// Mirror lifecycle events onto the logger topic next to the
		// per-turn audit records.
		record, err := json.Marshal(map[string]interface{}{
			"event":        string(e.EventType()),
			"aggregate_id": e.AggregateID().String(),
			"occurred_at":  e.OccurredAt(),
			"data":         e.Payload(),
		})
		if err != nil {
			return
		}
		messageBus.Publish(bus.TopicLogger, record)
	})

	provisioner := runtime.NewVenvProvisioner(cfg.RuntimeRoot, cfg.Interpreter, nil)
	runner := &flow.SubprocessRunner{Root: cfg.RuntimeRoot}

	c := app.NewContainer(events, store.Bots(), store.Channels(), store.Sessions(), provisioner, sealer)

	botService := app.NewBotService(c.Bots, c.Provisioner, c.Sealer, c.EventBus)
	manager := flow.NewSessionManager(c.Sessions, cfg.SessionTTL)
	gateway := flow.NewGateway(c.Bots, c.Sessions, runner, c.Sealer, cfg.RunTimeout)
	auditor := flow.NewAuditor(messageBus)
	dispatcher := flow.NewDispatcher(botService, manager, gateway, c.Sessions, messageBus, auditor, events)

	janitor, err := app.NewJanitor(c.Sessions, c.Bots, c.Provisioner, c.EventBus, cfg.JanitorCron, cfg.SessionTTL)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Bot rows survive restarts, runtime directories may not.
	if err := botService.ReinstallActive(ctx); err != nil {
		return err
	}

	go janitor.Run(ctx)

	events.Publish(domain.NewEvent(domain.EventSystemStartup, "", map[string]interface{}{
		"db_path":      cfg.DBPath,
		"runtime_root": cfg.RuntimeRoot,
	}))
	logger.InfoCF("flowd", "Flow engine started", map[string]interface{}{
		"db_path":      cfg.DBPath,
		"runtime_root": cfg.RuntimeRoot,
		"session_ttl":  cfg.SessionTTL.String(),
	})

	consume(ctx, messageBus, dispatcher)

	events.Publish(domain.NewEvent(domain.EventSystemShutdown, "", nil))
	logger.InfoC("flowd", "Flow engine stopped")
	return nil
}

// consume runs the single-consumer loop over the inbound flow topic.
// One goroutine keeps state writes for a conversation serialized. A bad
// message is logged and dropped; it never stops the loop.
func consume(ctx context.Context, messageBus *bus.MessageBus, dispatcher *flow.Dispatcher) {
	for {
		payload, ok := messageBus.Consume(ctx, bus.TopicFlow)
		if !ok {
			return
		}
		handle(ctx, dispatcher, payload)
	}
}

func handle(ctx context.Context, dispatcher *flow.Dispatcher, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("flowd", "Panic while handling message", map[string]interface{}{
				"panic": fmt.Sprint(r),
			})
		}
	}()

	msg, err := flow.DecodeFlowMessage(payload)
	if err != nil {
		logger.WarnCF("flowd", "Dropping malformed message", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if err := dispatcher.Handle(ctx, msg); err != nil {
		logger.ErrorCF("flowd", "Message handling failed", map[string]interface{}{
			"intent": string(msg.Intent),
			"source": msg.Source,
			"error":  err.Error(),
		})
	}
}
