package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/convoflow/convoflow/pkg/bus"
	"github.com/convoflow/convoflow/pkg/domain"
	sessiondomain "github.com/convoflow/convoflow/pkg/domain/session"
	"github.com/convoflow/convoflow/pkg/logger"
)

func entityID(s string) domain.EntityID { return domain.EntityID(s) }

// BotLifecycle is the dispatcher's view of bot install/delete handling:
// provisioning plus registry bookkeeping.
type BotLifecycle interface {
	Install(cfg BotConfig) error
	Delete(botID domain.EntityID) error
}

// Dispatcher is the entry point of the flow engine. It decodes the
// inbound message's intent and drives sessions, the gateway, and the
// router. Failures inside one message never escape the dispatcher except
// as a returned error for the consumer loop to log.
type Dispatcher struct {
	lifecycle BotLifecycle
	sessions  *Manager
	gateway   *Gateway
	registry  sessiondomain.Repository
	bus       *bus.MessageBus
	auditor   *Auditor
	events    domain.EventBus
}

// NewDispatcher wires the dispatcher.
func NewDispatcher(lifecycle BotLifecycle, sessions *Manager, gateway *Gateway, registry sessiondomain.Repository, b *bus.MessageBus, auditor *Auditor, events domain.EventBus) *Dispatcher {
	return &Dispatcher{
		lifecycle: lifecycle,
		sessions:  sessions,
		gateway:   gateway,
		registry:  registry,
		bus:       b,
		auditor:   auditor,
		events:    events,
	}
}

// Handle processes one validated inbound flow message to completion.
func (d *Dispatcher) Handle(ctx context.Context, msg FlowMessage) error {
	switch msg.Intent {
	case IntentBot:
		return d.handleLifecycle(*msg.BotConfig)
	case IntentDialog:
		return d.handleDialog(ctx, *msg.Dialog)
	case IntentCallback:
		return d.handleCallback(ctx, *msg.Callback)
	case IntentUserInput:
		return d.handleUserInput(ctx, *msg.UserInput)
	default:
		// Unknown intents are rejected in DecodeFlowMessage; this is the
		// exhaustiveness backstop.
		return fmt.Errorf("unknown flow intent %q", msg.Intent)
	}
}

// ---------------------------------------------------------------------------
// BOT_LIFECYCLE
// ---------------------------------------------------------------------------

func (d *Dispatcher) handleLifecycle(cfg BotConfig) error {
	switch cfg.Intent {
	case BotInstall:
		if err := d.lifecycle.Install(cfg); err != nil {
			return fmt.Errorf("install bot %s: %w", cfg.BotID, err)
		}
		logger.InfoCF("dispatcher", "Installed bot", map[string]interface{}{
			"bot_id": cfg.BotID,
			"name":   cfg.Bot.Name,
		})
		return nil
	case BotDelete:
		if err := d.lifecycle.Delete(entityID(cfg.BotID)); err != nil {
			return fmt.Errorf("delete bot %s: %w", cfg.BotID, err)
		}
		logger.InfoCF("dispatcher", "Deleted bot", map[string]interface{}{
			"bot_id": cfg.BotID,
		})
		return nil
	default:
		return fmt.Errorf("unknown bot intent %q", cfg.Intent)
	}
}

// ---------------------------------------------------------------------------
// DIALOG
// ---------------------------------------------------------------------------

func (d *Dispatcher) handleDialog(ctx context.Context, dlg Dialog) error {
	var (
		in       FSMInput
		forceNew bool
	)
	switch dlg.Message.Dialog.DialogID {
	case DialogConversationReset:
		in = NewUserFSMInput("reset")
		forceNew = true
	case DialogLanguageSelected:
		if err := d.registry.UpdateUserLanguage(entityID(dlg.TurnID), dlg.Message.Dialog.DialogInput); err != nil {
			return fmt.Errorf("update user language for turn %s: %w", dlg.TurnID, err)
		}
		in = NewUserFSMInput("language_selected")
	default:
		logger.WarnCF("dispatcher", "Dropping unsupported dialog", map[string]interface{}{
			"dialog_id": string(dlg.Message.Dialog.DialogID),
			"turn_id":   dlg.TurnID,
		})
		return nil
	}
	return d.runTurn(ctx, dlg.TurnID, in, forceNew)
}

// ---------------------------------------------------------------------------
// CALLBACK
// ---------------------------------------------------------------------------

func (d *Dispatcher) handleCallback(ctx context.Context, cb Callback) error {
	var in FSMInput
	switch cb.Type {
	case CallbackExternal:
		in = NewCallbackFSMInput(cb.External)
	case CallbackRAG:
		payload, err := json.Marshal(cb.RAGResponse)
		if err != nil {
			return fmt.Errorf("encode rag response: %w", err)
		}
		in = NewCallbackFSMInput(string(payload))
	default:
		return fmt.Errorf("unknown callback type %q", cb.Type)
	}
	return d.runTurn(ctx, cb.TurnID, in, false)
}

// ---------------------------------------------------------------------------
// USER_INPUT
// ---------------------------------------------------------------------------

func (d *Dispatcher) handleUserInput(ctx context.Context, ui UserInput) error {
	in, record, err := extractUserInput(ui.Message)
	if err != nil {
		logger.WarnCF("dispatcher", "Dropping user input", map[string]interface{}{
			"turn_id": ui.TurnID,
			"reason":  err.Error(),
		})
		return nil
	}

	// Persist the inbound message before invoking the gateway so that a
	// failed turn still leaves an audit trail of what arrived.
	if _, err := d.registry.RecordMessage(entityID(ui.TurnID), string(ui.Message.Type), record, true); err != nil {
		return fmt.Errorf("record inbound message for turn %s: %w", ui.TurnID, err)
	}

	return d.runTurn(ctx, ui.TurnID, in, false)
}

// extractUserInput flattens a channel message into the single FSM input
// string: plain text body, or a JSON-encoded structured payload for
// interactive replies, forms, and media references. The JSON form of the
// message sub-payload is returned for persistence.
func extractUserInput(m Message) (FSMInput, string, error) {
	encode := func(v interface{}) (FSMInput, string, error) {
		data, err := json.Marshal(v)
		if err != nil {
			return FSMInput{}, "", fmt.Errorf("encode %s payload: %w", m.Type, err)
		}
		return NewUserFSMInput(string(data)), string(data), nil
	}

	switch m.Type {
	case MessageText:
		record, err := json.Marshal(m.Text)
		if err != nil {
			return FSMInput{}, "", fmt.Errorf("encode text payload: %w", err)
		}
		return NewUserFSMInput(m.Text.Body), string(record), nil
	case MessageInteractiveReply:
		return encode(m.InteractiveReply.Options)
	case MessageFormReply:
		return encode(m.FormReply.FormData)
	case MessageAudio:
		return encode(m.Audio)
	case MessageImage:
		return encode(m.Image)
	case MessageDocument:
		return encode(m.Document)
	default:
		return FSMInput{}, "", fmt.Errorf("unsupported user input message type %q", m.Type)
	}
}

// ---------------------------------------------------------------------------
// Turn execution
// ---------------------------------------------------------------------------

// runTurn resolves the session, drives one gateway run, and routes every
// effect. Runtime failures are contained: logged, audited, and absorbed.
func (d *Dispatcher) runTurn(ctx context.Context, turnID string, in FSMInput, forceNew bool) error {
	sess, err := d.sessions.Resolve(entityID(turnID), forceNew)
	if err != nil {
		return err
	}
	sessionID := sess.ID().String()
	d.publishEvents(sess)

	err = d.gateway.Run(ctx, sessionID, in, func(out FSMOutput) error {
		return d.applyEffect(sessionID, turnID, out)
	})
	if err != nil {
		if errors.Is(err, ErrRuntimeFailure) {
			// Turn abandoned; prior state untouched. The user simply gets
			// no reply and their next message retries from the same state.
			d.auditor.Emit(AuditRecord{
				TurnID:    turnID,
				SessionID: sessionID,
				Direction: "outgoing",
				Status:    "runtime_failure",
			})
			d.events.Publish(domain.NewEvent(domain.EventTurnFailed, entityID(turnID), map[string]string{
				"session_id": sessionID,
			}))
			return nil
		}
		return err
	}
	return nil
}

// applyEffect routes one effect to exactly one destination, or consumes
// it when the effect is a webhook wait.
func (d *Dispatcher) applyEffect(sessionID, turnID string, out FSMOutput) error {
	if out.Intent == FSMWebhook {
		token, err := d.registry.MintCallbackRef(entityID(sessionID), entityID(turnID))
		if err != nil {
			return fmt.Errorf("mint callback reference: %w", err)
		}
		logger.InfoCF("dispatcher", "Minted callback reference", map[string]interface{}{
			"turn_id": turnID,
		})
		d.auditor.Emit(AuditRecord{
			TurnID:      turnID,
			SessionID:   sessionID,
			Direction:   "internal",
			Destination: "callback",
			MessageKind: string(FSMWebhook),
			Status:      "minted",
		})
		d.events.Publish(domain.NewEvent(domain.EventCallbackMinted, entityID(turnID), map[string]string{
			"token": token,
		}))
		return nil
	}

	env, err := Route(out, turnID)
	if err != nil {
		return fmt.Errorf("route effect: %w", err)
	}
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", env.Topic, err)
	}
	d.bus.Publish(env.Topic, payload)

	d.auditor.Emit(AuditRecord{
		TurnID:      turnID,
		SessionID:   sessionID,
		Direction:   "outgoing",
		Destination: string(env.Topic),
		MessageKind: MessageKind(out),
		Status:      "routed",
	})
	d.events.Publish(domain.NewEvent(domain.EventEffectRouted, entityID(turnID), map[string]string{
		"destination": string(env.Topic),
		"kind":        MessageKind(out),
	}))
	return nil
}

func (d *Dispatcher) publishEvents(aggregate interface{ PullEvents() []domain.Event }) {
	for _, event := range aggregate.PullEvents() {
		d.events.Publish(event)
	}
}
