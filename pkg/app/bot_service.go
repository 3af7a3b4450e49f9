package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/convoflow/convoflow/pkg/domain"
	botdomain "github.com/convoflow/convoflow/pkg/domain/bot"
	"github.com/convoflow/convoflow/pkg/flow"
	"github.com/convoflow/convoflow/pkg/logger"
	"github.com/convoflow/convoflow/pkg/runtime"
	"github.com/convoflow/convoflow/pkg/secret"
)

// ---------------------------------------------------------------------------
// Bot application service
// ---------------------------------------------------------------------------

// DefaultInstallTimeout bounds a single environment build. Resolving and
// installing a bot's dependency set can legitimately take minutes.
const DefaultInstallTimeout = 10 * time.Minute

// BotService orchestrates bot lifecycle: registry bookkeeping plus the
// isolated runtime environment for each bot. It is the dispatcher's
// BotLifecycle implementation.
type BotService struct {
	repo           botdomain.Repository
	provisioner    runtime.Provisioner
	sealer         *secret.Sealer
	eventBus       domain.EventBus
	installTimeout time.Duration
}

// NewBotService creates a new bot application service. A nil sealer
// stores credentials as provided.
func NewBotService(repo botdomain.Repository, provisioner runtime.Provisioner, sealer *secret.Sealer, eventBus domain.EventBus) *BotService {
	return &BotService{
		repo:           repo,
		provisioner:    provisioner,
		sealer:         sealer,
		eventBus:       eventBus,
		installTimeout: DefaultInstallTimeout,
	}
}

// Install provisions the bot's runtime environment and upserts the
// registry row. Installing an existing bot id replaces its code and
// environment in place; sealed credentials survive the update.
func (s *BotService) Install(cfg flow.BotConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	spec := cfg.Bot
	id := domain.EntityID(cfg.BotID)

	b, err := s.repo.FindByID(id)
	switch {
	case errors.Is(err, botdomain.ErrNotFound):
		b = botdomain.New(id, spec.Name, spec.FSMCode, spec.RequirementsTxt,
			spec.IndexURLs, spec.RequiredCredentials, spec.Version)
	case err != nil:
		return err
	default:
		b.Name = spec.Name
		b.Code = spec.FSMCode
		b.Requirements = spec.RequirementsTxt
		b.IndexURLs = spec.IndexURLs
		b.RequiredCredentials = spec.RequiredCredentials
		b.Version = spec.Version
		b.Status = botdomain.StatusActive
		b.UpdatedAt = domain.Now()
		b.RecordEvent(domain.NewEvent(domain.EventBotUpdated, b.ID(), map[string]interface{}{
			"version": spec.Version,
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.installTimeout)
	defer cancel()

	if err := s.provisioner.Install(ctx, b); err != nil {
		s.eventBus.Publish(domain.NewEvent(domain.EventBotInstallFail, id, map[string]interface{}{
			"error": err.Error(),
		}))
		return fmt.Errorf("provision environment for bot %s: %w", id, err)
	}

	if err := s.repo.Save(b); err != nil {
		return fmt.Errorf("save bot %s: %w", id, err)
	}
	s.publishEvents(b)

	if missing := b.MissingCredentials(); len(missing) > 0 {
		logger.WarnCF("bot-service", "Bot installed with missing credentials", map[string]interface{}{
			"bot_id":  id.String(),
			"missing": missing,
		})
	}
	return nil
}

// Delete removes the bot's runtime environment and soft-deletes the
// registry row. Deleting an unknown bot is an error; deleting an
// already deleted one is not.
func (s *BotService) Delete(botID domain.EntityID) error {
	b, err := s.repo.FindByID(botID)
	if err != nil {
		return err
	}

	if err := s.provisioner.Delete(botID); err != nil {
		return fmt.Errorf("remove environment for bot %s: %w", botID, err)
	}

	b.MarkDeleted()
	if err := s.repo.Save(b); err != nil {
		return fmt.Errorf("save bot %s: %w", botID, err)
	}
	s.publishEvents(b)
	return nil
}

// AddCredential seals one credential value and stores it on the bot.
func (s *BotService) AddCredential(botID domain.EntityID, name, value string) error {
	b, err := s.repo.FindByID(botID)
	if err != nil {
		return err
	}

	sealed := value
	if s.sealer != nil {
		if sealed, err = s.sealer.Seal(value); err != nil {
			return fmt.Errorf("seal credential %s: %w", name, err)
		}
	}
	b.SetCredential(name, sealed)
	return s.repo.Save(b)
}

// ReinstallActive rebuilds the runtime environment of every active bot
// that is missing one. Rows survive restarts but runtime directories
// may not, so this runs once at boot. A failed rebuild is logged and
// skipped rather than failing startup.
func (s *BotService) ReinstallActive(ctx context.Context) error {
	bots, err := s.repo.FindActive()
	if err != nil {
		return fmt.Errorf("list active bots: %w", err)
	}

	for _, b := range bots {
		if s.provisioner.Installed(b.ID()) {
			continue
		}
		installCtx, cancel := context.WithTimeout(ctx, s.installTimeout)
		err := s.provisioner.Install(installCtx, b)
		cancel()
		if err != nil {
			logger.ErrorCF("bot-service", "Boot reinstall failed", map[string]interface{}{
				"bot_id": b.ID().String(),
				"error":  err.Error(),
			})
			s.eventBus.Publish(domain.NewEvent(domain.EventBotInstallFail, b.ID(), map[string]interface{}{
				"error": err.Error(),
				"boot":  true,
			}))
			continue
		}
		logger.InfoCF("bot-service", "Rebuilt bot environment", map[string]interface{}{
			"bot_id": b.ID().String(),
			"name":   b.Name,
		})
	}
	return nil
}

func (s *BotService) publishEvents(aggregate interface {
	PullEvents() []domain.Event
}) {
	for _, event := range aggregate.PullEvents() {
		s.eventBus.Publish(event)
	}
}

var _ flow.BotLifecycle = (*BotService)(nil)
