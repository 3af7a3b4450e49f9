// Package channel defines the Channel bounded context.
// A Channel binds a bot to one external messaging surface. The
// orchestrator never speaks the surface's protocol; delivery workers
// consume channel-out envelopes and use the binding's key, app id, and
// base URL.
package channel

import (
	"errors"

	"github.com/convoflow/convoflow/pkg/domain"
)

// ErrNotFound is returned when a channel does not exist in the registry.
var ErrNotFound = errors.New("channel not found")

// Status is the channel's lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusDeleted  Status = "deleted"
)

// ---------------------------------------------------------------------------
// Channel aggregate root
// ---------------------------------------------------------------------------

// Channel is the aggregate root binding a bot to a messaging surface.
// Many channels may exist per bot.
type Channel struct {
	domain.AggregateRoot

	BotID domain.EntityID    `json:"bot_id"`
	Name  string             `json:"name"`
	Type  domain.ChannelType `json:"type"`

	// Delivery-worker material
	Key   string `json:"key"`    // access key for the surface's API
	AppID string `json:"app_id"` // external application identifier
	URL   string `json:"url"`    // base URL of the surface's API

	Status Status `json:"status"`

	CreatedAt domain.Timestamp `json:"created_at"`
}

// New creates a channel binding for a bot. New bindings start inactive
// until the operator activates them.
func New(botID domain.EntityID, name string, ctype domain.ChannelType, key, appID, url string) *Channel {
	c := &Channel{
		BotID:     botID,
		Name:      name,
		Type:      ctype,
		Key:       key,
		AppID:     appID,
		URL:       url,
		Status:    StatusInactive,
		CreatedAt: domain.Now(),
	}
	c.SetID(domain.NewID())
	return c
}

// Activate marks the channel as serving.
func (c *Channel) Activate() { c.Status = StatusActive }

// Deactivate stops the channel without deleting the binding.
func (c *Channel) Deactivate() { c.Status = StatusInactive }

// ---------------------------------------------------------------------------
// Repository contract
// ---------------------------------------------------------------------------

// Repository is the persistence contract for the channel context.
type Repository interface {
	domain.Repository[Channel]
	// FindByBot returns all channel bindings for a bot.
	FindByBot(botID domain.EntityID) ([]*Channel, error)
}
