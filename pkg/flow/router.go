package flow

import (
	"encoding/json"
	"fmt"

	"github.com/convoflow/convoflow/pkg/bus"
)

// Envelope is one outbound message addressed to a downstream topic.
type Envelope struct {
	Topic   bus.Topic
	Payload interface{}
}

// ErrNotRoutable marks effects the dispatcher must consume itself
// (WEBHOOK mints a callback reference instead of producing traffic).
var ErrNotRoutable = fmt.Errorf("effect is not routable")

// Route maps one FSM effect to exactly one outbound envelope.
//
//	SEND_MESSAGE + form message  -> channel-out, message verbatim
//	SEND_MESSAGE otherwise       -> language-out, message verbatim
//	CONVERSATION_RESET           -> flow-in, reset dialog (re-enters the dispatcher)
//	LANGUAGE_CHANGE              -> channel-out, language-selection dialog
//	RAG_CALL                     -> retriever-out, query envelope
//
// Effects are assumed validated on construction; Route never produces
// zero or multiple envelopes for a routable effect.
func Route(out FSMOutput, turnID string) (Envelope, error) {
	switch out.Intent {
	case FSMSendMessage:
		if out.Message.Type == MessageForm {
			return Envelope{
				Topic: bus.TopicChannel,
				Payload: ChannelEnvelope{
					Source:    "flow",
					TurnID:    turnID,
					Intent:    ChannelOut,
					BotOutput: out.Message,
				},
			}, nil
		}
		return Envelope{
			Topic: bus.TopicLanguage,
			Payload: LanguageEnvelope{
				Source:  "flow",
				TurnID:  turnID,
				Intent:  LanguageOut,
				Message: *out.Message,
			},
		}, nil

	case FSMConversationReset:
		reset := NewDialogMessage(DialogConversationReset, "")
		return Envelope{
			Topic: bus.TopicFlow,
			Payload: FlowMessage{
				Source: "flow",
				Intent: IntentDialog,
				Dialog: &Dialog{TurnID: turnID, Message: reset},
			},
		}, nil

	case FSMLanguageChange:
		prompt := NewDialogMessage(DialogLanguageChange, "")
		return Envelope{
			Topic: bus.TopicChannel,
			Payload: ChannelEnvelope{
				Source:    "flow",
				TurnID:    turnID,
				Intent:    ChannelOut,
				BotOutput: &prompt,
			},
		}, nil

	case FSMRAGCall:
		return Envelope{
			Topic: bus.TopicRetriever,
			Payload: RAGRequest{
				Source:         "flow",
				TurnID:         turnID,
				CollectionName: out.RAGQuery.CollectionName,
				Query:          out.RAGQuery.Query,
				TopChunkK:      out.RAGQuery.TopChunkK,
				Hybrid:         out.RAGQuery.Hybrid,
			},
		}, nil

	case FSMWebhook:
		return Envelope{}, ErrNotRoutable

	default:
		return Envelope{}, fmt.Errorf("no route for fsm intent %q", out.Intent)
	}
}

// MessageKind names the routed payload for audit records.
func MessageKind(out FSMOutput) string {
	if out.Intent == FSMSendMessage && out.Message != nil {
		return string(out.Message.Type)
	}
	return string(out.Intent)
}

// ---------------------------------------------------------------------------
// Auditor
// ---------------------------------------------------------------------------

// Auditor publishes audit records to the logger-out topic. Emitting is
// best-effort: it never blocks the routing path and never returns an
// error, even with the sink gone.
type Auditor struct {
	bus *bus.MessageBus
}

// NewAuditor creates an auditor over the bus.
func NewAuditor(b *bus.MessageBus) *Auditor {
	return &Auditor{bus: b}
}

// Emit publishes one audit record. Failures are swallowed.
func (a *Auditor) Emit(rec AuditRecord) {
	defer func() { _ = recover() }()
	if a == nil || a.bus == nil {
		return
	}
	rec.Source = "flow"
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	a.bus.Publish(bus.TopicLogger, data)
}
