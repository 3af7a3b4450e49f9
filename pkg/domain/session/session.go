// Package session defines the Session bounded context: sessions, turns,
// users, per-session FSM state, and callback references. A Session is one
// continuous conversation between a user and a channel; a Turn is one
// inbound-event-to-response cycle inside it.
package session

import (
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/convoflow/convoflow/pkg/domain"
)

var (
	// ErrNotFound is returned when a session, turn, or user is missing.
	ErrNotFound = errors.New("session not found")
	// ErrTurnNotFound is returned when a turn id resolves to nothing.
	ErrTurnNotFound = errors.New("turn not found")
	// ErrReferenceNotFound is returned for unknown or already consumed
	// callback references.
	ErrReferenceNotFound = errors.New("callback reference not found")
)

// Status is the session's lifecycle state.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
)

// ---------------------------------------------------------------------------
// Session aggregate root
// ---------------------------------------------------------------------------

// Session is the aggregate root for conversation lifetime management.
// It belongs to exactly one (bot, channel, user) triple; the bot is
// reachable through the channel binding.
type Session struct {
	domain.AggregateRoot

	UserID    domain.EntityID `json:"user_id"`
	ChannelID domain.EntityID `json:"channel_id"`
	Status    Status          `json:"status"`

	CreatedAt domain.Timestamp `json:"created_at"`
	UpdatedAt domain.Timestamp `json:"updated_at"`
}

// New creates a session for a user on a channel.
func New(userID, channelID domain.EntityID) *Session {
	s := &Session{
		UserID:    userID,
		ChannelID: channelID,
		Status:    StatusActive,
		CreatedAt: domain.Now(),
		UpdatedAt: domain.Now(),
	}
	s.SetID(domain.NewID())
	s.RecordEvent(domain.NewEvent(domain.EventSessionCreated, s.ID(), map[string]string{
		"user_id":    userID.String(),
		"channel_id": channelID.String(),
	}))
	return s
}

// Expire marks the session as idle-timed-out. Resolution never reuses an
// expired session regardless of timestamps.
func (s *Session) Expire() {
	s.Status = StatusExpired
	s.RecordEvent(domain.NewEvent(domain.EventSessionExpired, s.ID(), nil))
}

// ---------------------------------------------------------------------------
// Turn
// ---------------------------------------------------------------------------

// Turn correlates one inbound event with everything derived from it: the
// bus messages, the FSM invocation, and any callback minted while the
// turn was processed. Turns are created by the ingress before the flow
// sees them; the flow pins them to sessions.
type Turn struct {
	ID        domain.EntityID  `json:"id"`
	SessionID domain.EntityID  `json:"session_id,omitempty"`
	BotID     domain.EntityID  `json:"bot_id"`
	ChannelID domain.EntityID  `json:"channel_id"`
	UserID    domain.EntityID  `json:"user_id"`
	TurnType  string           `json:"turn_type,omitempty"`
	CreatedAt domain.Timestamp `json:"created_at"`
}

// ---------------------------------------------------------------------------
// User
// ---------------------------------------------------------------------------

// User is the external person bound to a channel. The flow only touches
// the language preference; everything else is ingress-owned.
type User struct {
	ID                 domain.EntityID  `json:"id"`
	ChannelID          domain.EntityID  `json:"channel_id"`
	FirstName          string           `json:"first_name,omitempty"`
	LastName           string           `json:"last_name,omitempty"`
	Identifier         string           `json:"identifier"`
	LanguagePreference string           `json:"language_preference"`
	CreatedAt          domain.Timestamp `json:"created_at"`
}

// ---------------------------------------------------------------------------
// FSM state
// ---------------------------------------------------------------------------

// FSMState is the single persisted memory of a bot program for one
// session: an opaque label and a variable bag the program rewrites every
// turn. The orchestrator never interprets Variables.
type FSMState struct {
	ID        domain.EntityID        `json:"id"`
	SessionID domain.EntityID        `json:"session_id"`
	Label     string                 `json:"label"`
	Variables map[string]interface{} `json:"variables"`
}

// InitialStateLabel is the label a fresh session starts from.
const InitialStateLabel = "zero"

// ---------------------------------------------------------------------------
// Callback reference
// ---------------------------------------------------------------------------

// TokenSentinel brackets every callback token. The external ingress
// scans arbitrary third-party webhook bodies for this sentinel pair to
// locate the embedded token.
const TokenSentinel = "cfkey"

// MintToken generates an unguessable sentinel-wrapped callback token.
func MintToken() string {
	return TokenSentinel + uuid.NewString()[:25] + TokenSentinel
}

// ExtractToken locates a sentinel-wrapped token inside an arbitrary
// payload. Returns false when no complete token is present.
func ExtractToken(payload string) (string, bool) {
	start := strings.Index(payload, TokenSentinel)
	if start < 0 {
		return "", false
	}
	rest := payload[start+len(TokenSentinel):]
	end := strings.Index(rest, TokenSentinel)
	if end < 0 {
		return "", false
	}
	return payload[start : start+len(TokenSentinel)+end+len(TokenSentinel)], true
}

// CallbackRef maps an unguessable token back to the turn that is waiting
// on an external webhook. Once resolved it is consumed and cannot be
// resolved again.
type CallbackRef struct {
	Token     string           `json:"token"`
	SessionID domain.EntityID  `json:"session_id"`
	TurnID    domain.EntityID  `json:"turn_id"`
	Consumed  bool             `json:"consumed"`
	CreatedAt domain.Timestamp `json:"created_at"`
}

// ---------------------------------------------------------------------------
// Repository contract
// ---------------------------------------------------------------------------

// Repository is the persistence contract for the session context. All
// operations are point reads/writes; the one read-modify-write cycle
// (state persistence) is serialized by the single-consumer model.
type Repository interface {
	// CreateSession creates a fresh session for the turn's user and
	// channel and pins the turn to it.
	CreateSession(turnID domain.EntityID) (*Session, error)
	// FindByTurn returns the most recently updated session sharing the
	// turn's (user, channel) pair, or ErrNotFound.
	FindByTurn(turnID domain.EntityID) (*Session, error)
	// Renew bumps the session's updated-at and pins the turn to it.
	Renew(sessionID, turnID domain.EntityID) error
	// ExpireIdle marks sessions idle beyond the cutoff as expired and
	// returns how many were swept.
	ExpireIdle(cutoff domain.Timestamp) (int, error)

	// GetTurn loads a turn row.
	GetTurn(turnID domain.EntityID) (*Turn, error)
	// CreateTurn records a turn (ingress-shaped; used by tests and local
	// deployments where ingress and flow share a process).
	CreateTurn(t *Turn) error

	// GetOrCreateState loads the session's FSM state, creating the
	// initial row on first use.
	GetOrCreateState(sessionID domain.EntityID) (*FSMState, error)
	// PersistState overwrites the session's state label and variables.
	PersistState(sessionID domain.EntityID, label string, variables map[string]interface{}) error

	// MintCallbackRef mints an opaque token for (session, turn).
	MintCallbackRef(sessionID, turnID domain.EntityID) (string, error)
	// ResolveCallbackRef consumes a token, returning the waiting session
	// and turn. A consumed or unknown token is ErrReferenceNotFound.
	ResolveCallbackRef(token string) (sessionID, turnID domain.EntityID, err error)

	// RecordMessage stores one inbound or outbound message for a turn.
	RecordMessage(turnID domain.EntityID, messageType string, payload string, userSent bool) (domain.EntityID, error)

	// Users
	CreateUser(u *User) error
	UpdateUserLanguage(turnID domain.EntityID, language string) error
}
