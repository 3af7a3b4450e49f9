package app

import (
	"context"
	"errors"
	"time"

	"github.com/adhocore/gronx"

	"github.com/convoflow/convoflow/pkg/domain"
	botdomain "github.com/convoflow/convoflow/pkg/domain/bot"
	sessiondomain "github.com/convoflow/convoflow/pkg/domain/session"
	"github.com/convoflow/convoflow/pkg/logger"
	"github.com/convoflow/convoflow/pkg/runtime"
)

// ---------------------------------------------------------------------------
// Janitor — periodic housekeeping
// ---------------------------------------------------------------------------

// Janitor expires idle sessions and prunes orphaned runtime
// environments on a cron schedule.
type Janitor struct {
	sessions    sessiondomain.Repository
	bots        botdomain.Repository
	provisioner runtime.Provisioner
	eventBus    domain.EventBus

	schedule   string
	sessionTTL time.Duration
	cron       *gronx.Gronx
	now        func() time.Time
}

// NewJanitor creates a janitor. schedule is a standard cron expression;
// sessionTTL is how long a session may sit idle before it expires.
func NewJanitor(sessions sessiondomain.Repository, bots botdomain.Repository, provisioner runtime.Provisioner, eventBus domain.EventBus, schedule string, sessionTTL time.Duration) (*Janitor, error) {
	cron := gronx.New()
	if !cron.IsValid(schedule) {
		return nil, errors.New("invalid janitor cron expression: " + schedule)
	}
	return &Janitor{
		sessions:    sessions,
		bots:        bots,
		provisioner: provisioner,
		eventBus:    eventBus,
		schedule:    schedule,
		sessionTTL:  sessionTTL,
		cron:        cron,
		now:         time.Now,
	}, nil
}

// Run blocks until ctx is cancelled, firing a sweep whenever the cron
// expression matches the current minute.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticker.C:
			due, err := j.cron.IsDue(j.schedule, tick)
			if err != nil {
				logger.ErrorCF("janitor", "Cron evaluation failed", map[string]interface{}{
					"schedule": j.schedule,
					"error":    err.Error(),
				})
				continue
			}
			if due {
				j.Sweep()
			}
		}
	}
}

// Sweep runs one housekeeping pass. It is safe to call directly.
func (j *Janitor) Sweep() {
	expired := j.expireSessions()
	pruned := j.pruneEnvironments()

	j.eventBus.Publish(domain.NewEvent(domain.EventJanitorSweep, "", map[string]interface{}{
		"sessions_expired":    expired,
		"environments_pruned": pruned,
	}))
	logger.InfoCF("janitor", "Sweep complete", map[string]interface{}{
		"sessions_expired":    expired,
		"environments_pruned": pruned,
	})
}

func (j *Janitor) expireSessions() int {
	cutoff := domain.TimestampFrom(j.now().Add(-j.sessionTTL))
	n, err := j.sessions.ExpireIdle(cutoff)
	if err != nil {
		logger.ErrorCF("janitor", "Session expiry failed", map[string]interface{}{
			"error": err.Error(),
		})
		return 0
	}
	return n
}

// pruneEnvironments removes runtime directories whose bot row is gone
// or soft-deleted. Registry deletes already remove the environment, so
// this only catches crash leftovers.
func (j *Janitor) pruneEnvironments() int {
	ids, err := j.provisioner.List()
	if err != nil {
		logger.ErrorCF("janitor", "Environment listing failed", map[string]interface{}{
			"error": err.Error(),
		})
		return 0
	}

	pruned := 0
	for _, id := range ids {
		b, err := j.bots.FindByID(id)
		switch {
		case errors.Is(err, botdomain.ErrNotFound):
			// fall through to prune
		case err != nil:
			logger.WarnCF("janitor", "Bot lookup failed during prune", map[string]interface{}{
				"bot_id": id.String(),
				"error":  err.Error(),
			})
			continue
		case b.Active():
			continue
		}
		if err := j.provisioner.Delete(id); err != nil {
			logger.WarnCF("janitor", "Environment prune failed", map[string]interface{}{
				"bot_id": id.String(),
				"error":  err.Error(),
			})
			continue
		}
		pruned++
	}
	return pruned
}
