// Package app provides application services that orchestrate domain
// operations. These services sit between the message consumer and the
// domain layer, coordinating use cases across bounded contexts.
package app

import (
	"github.com/convoflow/convoflow/pkg/domain"
	botdomain "github.com/convoflow/convoflow/pkg/domain/bot"
	channeldomain "github.com/convoflow/convoflow/pkg/domain/channel"
	sessiondomain "github.com/convoflow/convoflow/pkg/domain/session"
	"github.com/convoflow/convoflow/pkg/runtime"
	"github.com/convoflow/convoflow/pkg/secret"
)

// ---------------------------------------------------------------------------
// Application container — dependency injection root
// ---------------------------------------------------------------------------

// Container holds all application services and their dependencies.
// It acts as a composition root for dependency injection.
type Container struct {
	// Domain event bus
	EventBus domain.EventBus

	// Repositories
	Bots     botdomain.Repository
	Channels channeldomain.Repository
	Sessions sessiondomain.Repository

	// Runtime environments
	Provisioner runtime.Provisioner

	// Credential sealing (nil disables sealing)
	Sealer *secret.Sealer
}

// NewContainer creates a fully wired application container.
func NewContainer(
	eventBus domain.EventBus,
	bots botdomain.Repository,
	channels channeldomain.Repository,
	sessions sessiondomain.Repository,
	provisioner runtime.Provisioner,
	sealer *secret.Sealer,
) *Container {
	return &Container{
		EventBus:    eventBus,
		Bots:        bots,
		Channels:    channels,
		Sessions:    sessions,
		Provisioner: provisioner,
		Sealer:      sealer,
	}
}

// PublishEvents dispatches pending events from an aggregate and clears them.
func (c *Container) PublishEvents(aggregate interface {
	PullEvents() []domain.Event
}) {
	events := aggregate.PullEvents()
	for _, event := range events {
		c.EventBus.Publish(event)
	}
}
