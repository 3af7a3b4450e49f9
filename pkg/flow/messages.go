// Package flow implements the flow orchestration engine: the wire model
// for the bus, the intent dispatcher, the session manager, the FSM
// execution gateway, and the output router.
package flow

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Inbound envelope — everything arriving on the flow-in topic
// ---------------------------------------------------------------------------

// FlowIntent discriminates the inbound message's payload.
type FlowIntent string

const (
	IntentBot       FlowIntent = "bot"
	IntentDialog    FlowIntent = "dialog"
	IntentCallback  FlowIntent = "callback"
	IntentUserInput FlowIntent = "user_input"
)

// FlowMessage is the envelope consumed from flow-in. Exactly one payload
// field must be set, matching the intent.
type FlowMessage struct {
	Source    string     `json:"source"`
	Intent    FlowIntent `json:"intent"`
	BotConfig *BotConfig `json:"bot_config,omitempty"`
	Dialog    *Dialog    `json:"dialog,omitempty"`
	Callback  *Callback  `json:"callback,omitempty"`
	UserInput *UserInput `json:"user_input,omitempty"`
}

// Validate enforces the intent/payload pairing. Unknown intents are
// rejected rather than ignored.
func (m *FlowMessage) Validate() error {
	switch m.Intent {
	case IntentBot:
		if m.BotConfig == nil {
			return fmt.Errorf("bot_config required for intent %q", m.Intent)
		}
		return m.BotConfig.Validate()
	case IntentDialog:
		if m.Dialog == nil {
			return fmt.Errorf("dialog required for intent %q", m.Intent)
		}
		return m.Dialog.Validate()
	case IntentCallback:
		if m.Callback == nil {
			return fmt.Errorf("callback required for intent %q", m.Intent)
		}
		return m.Callback.Validate()
	case IntentUserInput:
		if m.UserInput == nil {
			return fmt.Errorf("user_input required for intent %q", m.Intent)
		}
		return m.UserInput.Validate()
	default:
		return fmt.Errorf("unknown flow intent %q", m.Intent)
	}
}

// DecodeFlowMessage unmarshals and validates a flow-in payload.
func DecodeFlowMessage(data []byte) (FlowMessage, error) {
	var m FlowMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("decode flow message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return m, fmt.Errorf("invalid flow message: %w", err)
	}
	return m, nil
}

// ---------------------------------------------------------------------------
// Bot lifecycle payload
// ---------------------------------------------------------------------------

// BotIntent selects the lifecycle operation.
type BotIntent string

const (
	BotInstall BotIntent = "install"
	BotDelete  BotIntent = "delete"
)

// BotSpec is the install payload: the FSM program and its manifest.
type BotSpec struct {
	Name                string   `json:"name"`
	FSMCode             string   `json:"fsm_code"`
	RequirementsTxt     string   `json:"requirements_txt"`
	IndexURLs           []string `json:"index_urls,omitempty"`
	RequiredCredentials []string `json:"required_credentials,omitempty"`
	Version             string   `json:"version"`
}

// BotConfig is the lifecycle envelope.
type BotConfig struct {
	BotID  string    `json:"bot_id"`
	Intent BotIntent `json:"intent"`
	Bot    *BotSpec  `json:"bot,omitempty"`
}

// Validate checks the intent/payload pairing.
func (c *BotConfig) Validate() error {
	if c.BotID == "" {
		return errors.New("bot_id is required")
	}
	switch c.Intent {
	case BotInstall:
		if c.Bot == nil {
			return errors.New("bot spec required for intent install")
		}
		if c.Bot.FSMCode == "" {
			return errors.New("fsm_code is required")
		}
		return nil
	case BotDelete:
		return nil
	default:
		return fmt.Errorf("unknown bot intent %q", c.Intent)
	}
}

// ---------------------------------------------------------------------------
// Dialog payload
// ---------------------------------------------------------------------------

// DialogOption identifies the dialog being signaled.
type DialogOption string

const (
	DialogConversationReset DialogOption = "CONVERSATION_RESET"
	DialogLanguageChange    DialogOption = "LANGUAGE_CHANGE"
	DialogLanguageSelected  DialogOption = "LANGUAGE_SELECTED"
)

// DialogMessage carries a dialog id and its optional input (the selected
// language for LANGUAGE_SELECTED).
type DialogMessage struct {
	DialogID    DialogOption `json:"dialog_id"`
	DialogInput string       `json:"dialog_input,omitempty"`
}

// Dialog is the dialog envelope. Its message must be of type dialog.
type Dialog struct {
	TurnID  string  `json:"turn_id"`
	Message Message `json:"message"`
}

// Validate checks the dialog invariants.
func (d *Dialog) Validate() error {
	if d.TurnID == "" {
		return errors.New("turn_id is required")
	}
	if d.Message.Type != MessageDialog {
		return fmt.Errorf("dialog intent requires a dialog message, got %q", d.Message.Type)
	}
	return d.Message.Validate()
}

// ---------------------------------------------------------------------------
// Callback payload
// ---------------------------------------------------------------------------

// CallbackType discriminates the two callback shapes.
type CallbackType string

const (
	CallbackExternal CallbackType = "external"
	CallbackRAG      CallbackType = "rag"
)

// Callback delivers either an opaque external webhook payload or a
// structured retrieval response to a waiting turn.
type Callback struct {
	TurnID      string        `json:"turn_id"`
	Type        CallbackType  `json:"callback_type"`
	External    string        `json:"external,omitempty"`
	RAGResponse []RAGResponse `json:"rag_response,omitempty"`
}

// Validate enforces exactly one payload shape.
func (c *Callback) Validate() error {
	if c.TurnID == "" {
		return errors.New("turn_id is required")
	}
	switch c.Type {
	case CallbackExternal:
		if c.External == "" {
			return errors.New("external payload required for callback_type external")
		}
	case CallbackRAG:
		if c.RAGResponse == nil {
			return errors.New("rag_response required for callback_type rag")
		}
	default:
		return fmt.Errorf("unknown callback type %q", c.Type)
	}
	return nil
}

// ---------------------------------------------------------------------------
// User input payload
// ---------------------------------------------------------------------------

// UserInput is a user's inbound message for one turn.
type UserInput struct {
	TurnID  string  `json:"turn_id"`
	Message Message `json:"message"`
}

// Validate checks the user input invariants.
func (u *UserInput) Validate() error {
	if u.TurnID == "" {
		return errors.New("turn_id is required")
	}
	return u.Message.Validate()
}

// ---------------------------------------------------------------------------
// Message — the channel-facing content model
// ---------------------------------------------------------------------------

// MessageType discriminates message content.
type MessageType string

const (
	MessageText             MessageType = "text"
	MessageAudio            MessageType = "audio"
	MessageButton           MessageType = "button"
	MessageOptionList       MessageType = "option_list"
	MessageInteractiveReply MessageType = "interactive_reply"
	MessageForm             MessageType = "form"
	MessageFormReply        MessageType = "form_reply"
	MessageDocument         MessageType = "document"
	MessageImage            MessageType = "image"
	MessageDialog           MessageType = "dialog"
)

// TextMessage is plain text with optional header/footer.
type TextMessage struct {
	Header string `json:"header,omitempty"`
	Body   string `json:"body"`
	Footer string `json:"footer,omitempty"`
}

// AudioMessage references an audio artifact by URL.
type AudioMessage struct {
	MediaURL string `json:"media_url"`
}

// Option is one selectable choice in interactive messages.
type Option struct {
	ID    string `json:"option_id"`
	Title string `json:"option_text"`
}

// ButtonMessage presents up to a handful of quick-reply options.
type ButtonMessage struct {
	Header  string   `json:"header"`
	Body    string   `json:"body"`
	Footer  string   `json:"footer"`
	Options []Option `json:"options"`
}

// ListMessage presents a titled option list behind a menu button.
type ListMessage struct {
	Header     string   `json:"header"`
	Body       string   `json:"body"`
	Footer     string   `json:"footer"`
	ButtonText string   `json:"button_text"`
	ListTitle  string   `json:"list_title"`
	Options    []Option `json:"options"`
}

// InteractiveReplyMessage is the user's pick from a button or list.
type InteractiveReplyMessage struct {
	Options []Option `json:"options"`
}

// FormMessage asks the channel to render a native form.
type FormMessage struct {
	Header string `json:"header"`
	Body   string `json:"body"`
	Footer string `json:"footer"`
	FormID string `json:"form_id"`
}

// FormReplyMessage is the user's submitted form data.
type FormReplyMessage struct {
	FormData map[string]string `json:"form_data"`
}

// ImageMessage references an image by URL.
type ImageMessage struct {
	URL     string `json:"url"`
	Caption string `json:"caption"`
}

// DocumentMessage references a document by URL.
type DocumentMessage struct {
	URL     string `json:"url"`
	Name    string `json:"name"`
	Caption string `json:"caption"`
}

// Message is the tagged union of all content kinds. Exactly the field
// matching Type must be set.
type Message struct {
	Type             MessageType              `json:"message_type"`
	Text             *TextMessage             `json:"text,omitempty"`
	Audio            *AudioMessage            `json:"audio,omitempty"`
	Button           *ButtonMessage           `json:"button,omitempty"`
	OptionList       *ListMessage             `json:"option_list,omitempty"`
	InteractiveReply *InteractiveReplyMessage `json:"interactive_reply,omitempty"`
	Form             *FormMessage             `json:"form,omitempty"`
	FormReply        *FormReplyMessage        `json:"form_reply,omitempty"`
	Image            *ImageMessage            `json:"image,omitempty"`
	Document         *DocumentMessage         `json:"document,omitempty"`
	Dialog           *DialogMessage           `json:"dialog,omitempty"`
}

// Validate checks that the payload matching Type is present.
func (m *Message) Validate() error {
	var ok bool
	switch m.Type {
	case MessageText:
		ok = m.Text != nil
	case MessageAudio:
		ok = m.Audio != nil
	case MessageButton:
		ok = m.Button != nil
	case MessageOptionList:
		ok = m.OptionList != nil
	case MessageInteractiveReply:
		ok = m.InteractiveReply != nil
	case MessageForm:
		ok = m.Form != nil
	case MessageFormReply:
		ok = m.FormReply != nil
	case MessageImage:
		ok = m.Image != nil
	case MessageDocument:
		ok = m.Document != nil
	case MessageDialog:
		ok = m.Dialog != nil
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	if !ok {
		return fmt.Errorf("%s payload missing for message type %q", m.Type, m.Type)
	}
	return nil
}

// NewTextMessage builds a plain text message.
func NewTextMessage(body string) Message {
	return Message{Type: MessageText, Text: &TextMessage{Body: body}}
}

// NewDialogMessage builds a dialog message.
func NewDialogMessage(id DialogOption, input string) Message {
	return Message{Type: MessageDialog, Dialog: &DialogMessage{DialogID: id, DialogInput: input}}
}

// ---------------------------------------------------------------------------
// FSM contract — what crosses the runtime boundary
// ---------------------------------------------------------------------------

// FSMInput is the single input of one FSM invocation: exactly one of raw
// user text or an opaque callback payload.
type FSMInput struct {
	UserInput     string `json:"user_input,omitempty"`
	CallbackInput string `json:"callback_input,omitempty"`
}

// NewUserFSMInput builds an FSMInput from user text.
func NewUserFSMInput(text string) FSMInput { return FSMInput{UserInput: text} }

// NewCallbackFSMInput builds an FSMInput from a callback payload.
func NewCallbackFSMInput(payload string) FSMInput { return FSMInput{CallbackInput: payload} }

// Validate enforces the exactly-one-of invariant.
func (in FSMInput) Validate() error {
	switch {
	case in.UserInput == "" && in.CallbackInput == "":
		return errors.New("fsm input requires user_input or callback_input")
	case in.UserInput != "" && in.CallbackInput != "":
		return errors.New("fsm input cannot carry both user_input and callback_input")
	}
	return nil
}

// FSMIntent is the kind of effect an FSM run emits.
type FSMIntent string

const (
	FSMSendMessage       FSMIntent = "SEND_MESSAGE"
	FSMRAGCall           FSMIntent = "RAG_CALL"
	FSMWebhook           FSMIntent = "WEBHOOK"
	FSMConversationReset FSMIntent = "CONVERSATION_RESET"
	FSMLanguageChange    FSMIntent = "LANGUAGE_CHANGE"
)

// RAGQuery is the retrieval request an FSM may raise.
type RAGQuery struct {
	CollectionName string `json:"collection_name"`
	Query          string `json:"query"`
	TopChunkK      int    `json:"top_chunk_k_value"`
	Hybrid         bool   `json:"do_hybrid_search,omitempty"`
}

// WebhookRef is the descriptor an FSM supplies when asking to wait on an
// external callback.
type WebhookRef struct {
	ReferenceID string `json:"reference_id,omitempty"`
}

// FSMOutput is one effect emitted by an FSM run. Its payload fields are
// validated on construction, never at use-time.
type FSMOutput struct {
	Intent   FSMIntent   `json:"intent"`
	Message  *Message    `json:"message,omitempty"`
	RAGQuery *RAGQuery   `json:"rag_query,omitempty"`
	Webhook  *WebhookRef `json:"webhook,omitempty"`
}

// Validate enforces the intent/payload pairing.
func (o *FSMOutput) Validate() error {
	switch o.Intent {
	case FSMSendMessage:
		if o.Message == nil {
			return errors.New("message required for intent SEND_MESSAGE")
		}
		return o.Message.Validate()
	case FSMRAGCall:
		if o.RAGQuery == nil {
			return errors.New("rag_query required for intent RAG_CALL")
		}
	case FSMWebhook:
		if o.Webhook == nil {
			return errors.New("webhook reference required for intent WEBHOOK")
		}
	case FSMConversationReset, FSMLanguageChange:
		// no payload
	default:
		return fmt.Errorf("unknown fsm intent %q", o.Intent)
	}
	return nil
}

// ParseFSMOutput unmarshals and validates one effect record.
func ParseFSMOutput(data []byte) (FSMOutput, error) {
	var o FSMOutput
	if err := json.Unmarshal(data, &o); err != nil {
		return o, fmt.Errorf("decode fsm output: %w", err)
	}
	if err := o.Validate(); err != nil {
		return o, fmt.Errorf("invalid fsm output: %w", err)
	}
	return o, nil
}

// ---------------------------------------------------------------------------
// Outbound envelopes — what the router produces
// ---------------------------------------------------------------------------

// ChannelIntent tags channel-topic traffic direction.
type ChannelIntent string

const (
	ChannelIn  ChannelIntent = "channel_in"
	ChannelOut ChannelIntent = "channel_out"
)

// ChannelEnvelope is a message bound for a channel-delivery worker.
type ChannelEnvelope struct {
	Source    string        `json:"source"`
	TurnID    string        `json:"turn_id"`
	Intent    ChannelIntent `json:"intent"`
	BotOutput *Message      `json:"bot_output,omitempty"`
}

// LanguageIntent tags language-topic traffic direction.
type LanguageIntent string

const (
	LanguageIn  LanguageIntent = "language_in"
	LanguageOut LanguageIntent = "language_out"
)

// LanguageEnvelope is a message bound for the translation pipeline.
type LanguageEnvelope struct {
	Source  string         `json:"source"`
	TurnID  string         `json:"turn_id"`
	Intent  LanguageIntent `json:"intent"`
	Message Message        `json:"message"`
}

// RAGRequest is a query bound for the retrieval service.
type RAGRequest struct {
	Source         string `json:"source"`
	TurnID         string `json:"turn_id"`
	CollectionName string `json:"collection_name"`
	Query          string `json:"query"`
	TopChunkK      int    `json:"top_chunk_k_value"`
	Hybrid         bool   `json:"do_hybrid_search,omitempty"`
}

// RAGResponse is one retrieved chunk coming back via a callback.
type RAGResponse struct {
	Chunk    string                 `json:"chunk"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// AuditRecord is the observability record emitted alongside every routed
// envelope and every failed turn.
type AuditRecord struct {
	Source      string `json:"source"`
	TurnID      string `json:"turn_id"`
	SessionID   string `json:"session_id,omitempty"`
	Direction   string `json:"direction"`
	Destination string `json:"destination,omitempty"`
	MessageKind string `json:"message_kind,omitempty"`
	Status      string `json:"status"`
}
