// Package bot defines the Bot bounded context.
// A Bot is an aggregate root holding a user-supplied FSM program: its
// source code, dependency manifest, credentials, and config environment.
// The orchestrator installs the program into an isolated runtime and
// executes it once per conversation turn.
package bot

import (
	"errors"

	"github.com/convoflow/convoflow/pkg/domain"
)

// ErrNotFound is returned when a bot does not exist in the registry.
var ErrNotFound = errors.New("bot not found")

// Status is the bot's lifecycle state in the registry.
type Status string

const (
	// StatusActive means the bot is installed and serving turns.
	StatusActive Status = "active"
	// StatusDeleted is the soft-delete tombstone. The row is kept because
	// sessions still reference it; the runtime directory is gone.
	StatusDeleted Status = "deleted"
)

// ---------------------------------------------------------------------------
// Bot aggregate root
// ---------------------------------------------------------------------------

// Bot is the aggregate root for the bot context.
type Bot struct {
	domain.AggregateRoot

	Name string `json:"name"`

	// FSM program
	Code         string   `json:"code"`
	Requirements string   `json:"requirements"`
	IndexURLs    []string `json:"index_urls,omitempty"`

	// Credentials: names the program declares it needs, and the sealed
	// values supplied so far. Values are opaque ciphertext at rest.
	RequiredCredentials []string          `json:"required_credentials,omitempty"`
	Credentials         map[string]string `json:"credentials,omitempty"`

	// ConfigEnv is passed verbatim into every FSM invocation.
	ConfigEnv map[string]string `json:"config_env,omitempty"`

	Version string `json:"version"`
	Status  Status `json:"status"`

	CreatedAt domain.Timestamp `json:"created_at"`
	UpdatedAt domain.Timestamp `json:"updated_at"`
}

// New creates a new Bot aggregate with the given identity. The id comes
// from the install payload so that the installer controls addressing.
func New(id domain.EntityID, name, code, requirements string, indexURLs, requiredCredentials []string, version string) *Bot {
	b := &Bot{
		Name:                name,
		Code:                code,
		Requirements:        requirements,
		IndexURLs:           indexURLs,
		RequiredCredentials: requiredCredentials,
		Version:             version,
		Status:              StatusActive,
		CreatedAt:           domain.Now(),
		UpdatedAt:           domain.Now(),
	}
	b.SetID(id)
	b.RecordEvent(domain.NewEvent(domain.EventBotInstalled, id, map[string]string{
		"name":    name,
		"version": version,
	}))
	return b
}

// ---------------------------------------------------------------------------
// Bot behavior
// ---------------------------------------------------------------------------

// Active reports whether the bot is serving turns.
func (b *Bot) Active() bool { return b.Status == StatusActive }

// MarkDeleted soft-deletes the bot. The registry row survives as a
// tombstone while sessions reference it.
func (b *Bot) MarkDeleted() {
	b.Status = StatusDeleted
	b.UpdatedAt = domain.Now()
	b.RecordEvent(domain.NewEvent(domain.EventBotDeleted, b.ID(), map[string]string{
		"name": b.Name,
	}))
}

// SetCredential stores one sealed credential value under its declared name.
func (b *Bot) SetCredential(name, sealed string) {
	if b.Credentials == nil {
		b.Credentials = make(map[string]string)
	}
	b.Credentials[name] = sealed
	b.UpdatedAt = domain.Now()
	b.RecordEvent(domain.NewEvent(domain.EventBotUpdated, b.ID(), map[string]string{
		"credential": name,
	}))
}

// MissingCredentials returns declared credential names with no value yet.
func (b *Bot) MissingCredentials() []string {
	var missing []string
	for _, name := range b.RequiredCredentials {
		if _, ok := b.Credentials[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// ---------------------------------------------------------------------------
// Repository contract
// ---------------------------------------------------------------------------

// Repository is the persistence contract for the bot context.
type Repository interface {
	domain.Repository[Bot]
	// FindBySession resolves the bot owning a session, via the session's
	// channel binding.
	FindBySession(sessionID domain.EntityID) (*Bot, error)
	// FindActive returns all bots that are not soft-deleted.
	FindActive() ([]*Bot, error)
}

// ActiveSpec is satisfied by bots that are currently serving.
type ActiveSpec struct{}

func (ActiveSpec) IsSatisfiedBy(b *Bot) bool { return b.Active() }
