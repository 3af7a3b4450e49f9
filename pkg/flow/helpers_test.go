package flow

import (
	"context"
	"fmt"
	"sync"

	"github.com/convoflow/convoflow/pkg/domain"
	botdomain "github.com/convoflow/convoflow/pkg/domain/bot"
	sessiondomain "github.com/convoflow/convoflow/pkg/domain/session"
)

// fakeRegistry is an in-memory session.Repository for exercising the
// session manager, gateway, and dispatcher without sqlite.
type fakeRegistry struct {
	mu        sync.Mutex
	sessions  map[domain.EntityID]*sessiondomain.Session
	turns     map[domain.EntityID]*sessiondomain.Turn
	states    map[domain.EntityID]*sessiondomain.FSMState
	refs      map[string]*sessiondomain.CallbackRef
	messages  []recordedMessage
	languages map[domain.EntityID]string

	persistCalls int
	createCalls  int
	renewCalls   int
}

type recordedMessage struct {
	TurnID      domain.EntityID
	MessageType string
	Payload     string
	UserSent    bool
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		sessions:  make(map[domain.EntityID]*sessiondomain.Session),
		turns:     make(map[domain.EntityID]*sessiondomain.Turn),
		states:    make(map[domain.EntityID]*sessiondomain.FSMState),
		refs:      make(map[string]*sessiondomain.CallbackRef),
		languages: make(map[domain.EntityID]string),
	}
}

func (f *fakeRegistry) addTurn(turnID, botID, channelID, userID domain.EntityID) {
	f.turns[turnID] = &sessiondomain.Turn{
		ID:        turnID,
		BotID:     botID,
		ChannelID: channelID,
		UserID:    userID,
		CreatedAt: domain.Now(),
	}
}

func (f *fakeRegistry) CreateSession(turnID domain.EntityID) (*sessiondomain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	turn, ok := f.turns[turnID]
	if !ok {
		return nil, sessiondomain.ErrTurnNotFound
	}
	sess := sessiondomain.New(turn.UserID, turn.ChannelID)
	f.sessions[sess.ID()] = sess
	turn.SessionID = sess.ID()
	return sess, nil
}

func (f *fakeRegistry) FindByTurn(turnID domain.EntityID) (*sessiondomain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	turn, ok := f.turns[turnID]
	if !ok {
		return nil, sessiondomain.ErrTurnNotFound
	}
	var latest *sessiondomain.Session
	for _, sess := range f.sessions {
		if sess.UserID != turn.UserID || sess.ChannelID != turn.ChannelID {
			continue
		}
		if latest == nil || sess.UpdatedAt.After(latest.UpdatedAt.Time) {
			latest = sess
		}
	}
	if latest == nil {
		return nil, sessiondomain.ErrNotFound
	}
	return latest, nil
}

func (f *fakeRegistry) Renew(sessionID, turnID domain.EntityID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewCalls++
	sess, ok := f.sessions[sessionID]
	if !ok {
		return sessiondomain.ErrNotFound
	}
	sess.UpdatedAt = domain.Now()
	if turn, ok := f.turns[turnID]; ok {
		turn.SessionID = sessionID
	}
	return nil
}

func (f *fakeRegistry) ExpireIdle(cutoff domain.Timestamp) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, sess := range f.sessions {
		if sess.Status == sessiondomain.StatusActive && sess.UpdatedAt.Before(cutoff.Time) {
			sess.Status = sessiondomain.StatusExpired
			n++
		}
	}
	return n, nil
}

func (f *fakeRegistry) GetTurn(turnID domain.EntityID) (*sessiondomain.Turn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	turn, ok := f.turns[turnID]
	if !ok {
		return nil, sessiondomain.ErrTurnNotFound
	}
	return turn, nil
}

func (f *fakeRegistry) CreateTurn(t *sessiondomain.Turn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t.ID.IsZero() {
		t.ID = domain.NewID()
	}
	f.turns[t.ID] = t
	return nil
}

func (f *fakeRegistry) GetOrCreateState(sessionID domain.EntityID) (*sessiondomain.FSMState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if state, ok := f.states[sessionID]; ok {
		return state, nil
	}
	state := &sessiondomain.FSMState{
		ID:        domain.NewID(),
		SessionID: sessionID,
		Label:     sessiondomain.InitialStateLabel,
		Variables: map[string]interface{}{},
	}
	f.states[sessionID] = state
	return state, nil
}

func (f *fakeRegistry) PersistState(sessionID domain.EntityID, label string, variables map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persistCalls++
	f.states[sessionID] = &sessiondomain.FSMState{
		ID:        domain.NewID(),
		SessionID: sessionID,
		Label:     label,
		Variables: variables,
	}
	return nil
}

func (f *fakeRegistry) MintCallbackRef(sessionID, turnID domain.EntityID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	token := sessiondomain.MintToken()
	f.refs[token] = &sessiondomain.CallbackRef{
		Token:     token,
		SessionID: sessionID,
		TurnID:    turnID,
		CreatedAt: domain.Now(),
	}
	return token, nil
}

func (f *fakeRegistry) ResolveCallbackRef(token string) (domain.EntityID, domain.EntityID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref, ok := f.refs[token]
	if !ok || ref.Consumed {
		return "", "", sessiondomain.ErrReferenceNotFound
	}
	ref.Consumed = true
	return ref.SessionID, ref.TurnID, nil
}

func (f *fakeRegistry) RecordMessage(turnID domain.EntityID, messageType, payload string, userSent bool) (domain.EntityID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, recordedMessage{turnID, messageType, payload, userSent})
	return domain.NewID(), nil
}

func (f *fakeRegistry) CreateUser(u *sessiondomain.User) error {
	return nil
}

func (f *fakeRegistry) UpdateUserLanguage(turnID domain.EntityID, language string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.turns[turnID]; !ok {
		return sessiondomain.ErrTurnNotFound
	}
	f.languages[turnID] = language
	return nil
}

var _ sessiondomain.Repository = (*fakeRegistry)(nil)

// fakeBots serves a fixed bot for every session.
type fakeBots struct {
	bot *botdomain.Bot
}

func (f *fakeBots) FindByID(id domain.EntityID) (*botdomain.Bot, error) {
	if f.bot == nil || f.bot.ID() != id {
		return nil, botdomain.ErrNotFound
	}
	return f.bot, nil
}

func (f *fakeBots) Save(b *botdomain.Bot) error { f.bot = b; return nil }

func (f *fakeBots) Delete(id domain.EntityID) error { return nil }

func (f *fakeBots) FindAll() ([]*botdomain.Bot, error) {
	if f.bot == nil {
		return nil, nil
	}
	return []*botdomain.Bot{f.bot}, nil
}

func (f *fakeBots) FindBySession(sessionID domain.EntityID) (*botdomain.Bot, error) {
	if f.bot == nil {
		return nil, botdomain.ErrNotFound
	}
	return f.bot, nil
}

func (f *fakeBots) FindActive() ([]*botdomain.Bot, error) { return f.FindAll() }

var _ botdomain.Repository = (*fakeBots)(nil)

// scriptedRunner returns canned output streams and records the payloads
// it was invoked with.
type scriptedRunner struct {
	stdout   string
	stderr   string
	err      error
	payloads [][]byte
}

func (r *scriptedRunner) Run(ctx context.Context, botID string, payload []byte) ([]byte, []byte, error) {
	r.payloads = append(r.payloads, payload)
	return []byte(r.stdout), []byte(r.stderr), r.err
}

func testBot() *botdomain.Bot {
	return botdomain.New("bot-1", "greeter", "def run_machine(**kw): pass", "", nil, nil, "1.0.0")
}

func effectLine(intent FSMIntent, body string) string {
	switch intent {
	case FSMSendMessage:
		return fmt.Sprintf(`{"fsm_output":{"intent":"SEND_MESSAGE","message":{"message_type":"text","text":{"body":%q}}}}`, body)
	case FSMRAGCall:
		return `{"fsm_output":{"intent":"RAG_CALL","rag_query":{"collection_name":"docs","query":"` + body + `","top_chunk_k_value":3}}}`
	case FSMWebhook:
		return `{"fsm_output":{"intent":"WEBHOOK","webhook":{"reference_id":"` + body + `"}}}`
	default:
		return fmt.Sprintf(`{"fsm_output":{"intent":%q}}`, intent)
	}
}

func terminalLine(label string) string {
	return fmt.Sprintf(`{"new_state":{"label":%q,"variables":{"count":1}}}`, label)
}
