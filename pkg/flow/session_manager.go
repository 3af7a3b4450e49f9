package flow

import (
	"errors"
	"fmt"
	"time"

	"github.com/convoflow/convoflow/pkg/domain"
	sessiondomain "github.com/convoflow/convoflow/pkg/domain/session"
	"github.com/convoflow/convoflow/pkg/logger"
)

// NewSessionManager creates a session manager with the given idle
// timeout. The clock is injectable so the timeout boundary is testable
// to the second.
func NewSessionManager(repo sessiondomain.Repository, idleTimeout time.Duration) *Manager {
	return &Manager{
		repo:        repo,
		idleTimeout: idleTimeout,
		now:         time.Now,
	}
}

// Manager implements session resolution. It is invoked uniformly for
// USER_INPUT, CALLBACK, and DIALOG turns.
type Manager struct {
	repo        sessiondomain.Repository
	idleTimeout time.Duration
	now         func() time.Time
}

// Resolve returns the session owning the turn. With forceNew, or when no
// session exists, or when the latest session has been idle past the
// timeout, a fresh session is created; otherwise the existing session is
// renewed and the turn attached to it.
func (m *Manager) Resolve(turnID domain.EntityID, forceNew bool) (*sessiondomain.Session, error) {
	if forceNew {
		return m.create(turnID)
	}

	sess, err := m.repo.FindByTurn(turnID)
	switch {
	case errors.Is(err, sessiondomain.ErrNotFound):
		return m.create(turnID)
	case err != nil:
		return nil, fmt.Errorf("resolve session for turn %s: %w", turnID, err)
	}

	if sess.Status == sessiondomain.StatusExpired || m.idle(sess) {
		return m.create(turnID)
	}

	if err := m.repo.Renew(sess.ID(), turnID); err != nil {
		return nil, fmt.Errorf("renew session %s: %w", sess.ID(), err)
	}
	sess.UpdatedAt = domain.TimestampFrom(m.now())
	logger.DebugCF("session", "Renewed session", map[string]interface{}{
		"session_id": sess.ID().String(),
		"turn_id":    turnID.String(),
	})
	return sess, nil
}

func (m *Manager) idle(sess *sessiondomain.Session) bool {
	return m.now().Sub(sess.UpdatedAt.Time) > m.idleTimeout
}

func (m *Manager) create(turnID domain.EntityID) (*sessiondomain.Session, error) {
	sess, err := m.repo.CreateSession(turnID)
	if err != nil {
		return nil, fmt.Errorf("create session for turn %s: %w", turnID, err)
	}
	logger.InfoCF("session", "Created session", map[string]interface{}{
		"session_id": sess.ID().String(),
		"turn_id":    turnID.String(),
	})
	return sess, nil
}
