package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/convoflow/convoflow/pkg/domain"
	sessiondomain "github.com/convoflow/convoflow/pkg/domain/session"
)

// SessionRepository is the sqlite implementation of session.Repository.
type SessionRepository struct {
	db *sql.DB
}

func scanSession(row interface{ Scan(...interface{}) error }) (*sessiondomain.Session, error) {
	var (
		id, userID, channelID, status string
		createdAt, updatedAt          time.Time
	)
	err := row.Scan(&id, &userID, &channelID, &status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sessiondomain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	s := &sessiondomain.Session{
		UserID:    domain.EntityID(userID),
		ChannelID: domain.EntityID(channelID),
		Status:    sessiondomain.Status(status),
		CreatedAt: domain.TimestampFrom(createdAt),
		UpdatedAt: domain.TimestampFrom(updatedAt),
	}
	s.SetID(domain.EntityID(id))
	return s, nil
}

// CreateSession creates a fresh session for the turn's user and channel
// and pins the turn to it. The insert and the turn update run in one
// transaction.
func (r *SessionRepository) CreateSession(turnID domain.EntityID) (*sessiondomain.Session, error) {
	turn, err := r.GetTurn(turnID)
	if err != nil {
		return nil, err
	}

	sess := sessiondomain.New(turn.UserID, turn.ChannelID)

	tx, err := r.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin create session: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO sessions (id, user_id, channel_id, status, created_at, updated_at) VALUES (?,?,?,?,?,?)`,
		sess.ID().String(), sess.UserID.String(), sess.ChannelID.String(),
		string(sess.Status), sess.CreatedAt.Time, sess.UpdatedAt.Time); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	if _, err := tx.Exec(`UPDATE turns SET session_id = ? WHERE id = ?`,
		sess.ID().String(), turnID.String()); err != nil {
		return nil, fmt.Errorf("pin turn %s: %w", turnID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create session: %w", err)
	}
	return sess, nil
}

// FindByTurn returns the most recently updated session sharing the
// turn's (user, channel) pair.
func (r *SessionRepository) FindByTurn(turnID domain.EntityID) (*sessiondomain.Session, error) {
	row := r.db.QueryRow(`
		SELECT s.id, s.user_id, s.channel_id, s.status, s.created_at, s.updated_at
		FROM sessions s
		JOIN turns t ON t.user_id = s.user_id AND t.channel_id = s.channel_id
		WHERE t.id = ?
		ORDER BY s.updated_at DESC
		LIMIT 1`, turnID.String())
	return scanSession(row)
}

// Renew bumps the session's updated-at and pins the turn to it.
func (r *SessionRepository) Renew(sessionID, turnID domain.EntityID) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin renew: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE sessions SET updated_at = ? WHERE id = ?`,
		time.Now().UTC(), sessionID.String()); err != nil {
		return fmt.Errorf("renew session %s: %w", sessionID, err)
	}
	if _, err := tx.Exec(`UPDATE turns SET session_id = ? WHERE id = ?`,
		sessionID.String(), turnID.String()); err != nil {
		return fmt.Errorf("pin turn %s: %w", turnID, err)
	}
	return tx.Commit()
}

// ExpireIdle marks active sessions idle beyond the cutoff as expired.
func (r *SessionRepository) ExpireIdle(cutoff domain.Timestamp) (int, error) {
	res, err := r.db.Exec(`UPDATE sessions SET status = ? WHERE status = ? AND updated_at < ?`,
		string(sessiondomain.StatusExpired), string(sessiondomain.StatusActive), cutoff.Time)
	if err != nil {
		return 0, fmt.Errorf("expire idle sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// GetTurn loads a turn row.
func (r *SessionRepository) GetTurn(turnID domain.EntityID) (*sessiondomain.Turn, error) {
	var (
		t         sessiondomain.Turn
		id, botID, channelID, userID string
		sessionID sql.NullString
		createdAt time.Time
	)
	err := r.db.QueryRow(`SELECT id, session_id, bot_id, channel_id, user_id, turn_type, created_at FROM turns WHERE id = ?`,
		turnID.String()).Scan(&id, &sessionID, &botID, &channelID, &userID, &t.TurnType, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sessiondomain.ErrTurnNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get turn %s: %w", turnID, err)
	}
	t.ID = domain.EntityID(id)
	if sessionID.Valid {
		t.SessionID = domain.EntityID(sessionID.String)
	}
	t.BotID = domain.EntityID(botID)
	t.ChannelID = domain.EntityID(channelID)
	t.UserID = domain.EntityID(userID)
	t.CreatedAt = domain.TimestampFrom(createdAt)
	return &t, nil
}

// CreateTurn records a turn row.
func (r *SessionRepository) CreateTurn(t *sessiondomain.Turn) error {
	if t.ID.IsZero() {
		t.ID = domain.NewID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = domain.Now()
	}
	var sessionID interface{}
	if !t.SessionID.IsZero() {
		sessionID = t.SessionID.String()
	}
	_, err := r.db.Exec(`INSERT INTO turns (id, session_id, bot_id, channel_id, user_id, turn_type, created_at) VALUES (?,?,?,?,?,?,?)`,
		t.ID.String(), sessionID, t.BotID.String(), t.ChannelID.String(), t.UserID.String(), t.TurnType, t.CreatedAt.Time)
	if err != nil {
		return fmt.Errorf("create turn %s: %w", t.ID, err)
	}
	return nil
}

// GetOrCreateState loads the session's FSM state, creating the initial
// row on first use.
func (r *SessionRepository) GetOrCreateState(sessionID domain.EntityID) (*sessiondomain.FSMState, error) {
	var (
		id, label, variables string
	)
	err := r.db.QueryRow(`SELECT id, label, variables FROM fsm_states WHERE session_id = ?`,
		sessionID.String()).Scan(&id, &label, &variables)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		state := &sessiondomain.FSMState{
			ID:        domain.NewID(),
			SessionID: sessionID,
			Label:     sessiondomain.InitialStateLabel,
			Variables: map[string]interface{}{},
		}
		if _, err := r.db.Exec(`INSERT INTO fsm_states (id, session_id, label, variables) VALUES (?,?,?,?)`,
			state.ID.String(), sessionID.String(), state.Label, "{}"); err != nil {
			return nil, fmt.Errorf("insert initial state: %w", err)
		}
		return state, nil
	case err != nil:
		return nil, fmt.Errorf("get state for session %s: %w", sessionID, err)
	}

	vars, err := unmarshalVariables(variables)
	if err != nil {
		return nil, err
	}
	return &sessiondomain.FSMState{
		ID:        domain.EntityID(id),
		SessionID: sessionID,
		Label:     label,
		Variables: vars,
	}, nil
}

// PersistState overwrites the session's state label and variable bag.
func (r *SessionRepository) PersistState(sessionID domain.EntityID, label string, variables map[string]interface{}) error {
	vars, err := marshalJSON(variables)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(`
		INSERT INTO fsm_states (id, session_id, label, variables) VALUES (?,?,?,?)
		ON CONFLICT(session_id) DO UPDATE SET label=excluded.label, variables=excluded.variables`,
		domain.NewID().String(), sessionID.String(), label, vars)
	if err != nil {
		return fmt.Errorf("persist state for session %s: %w", sessionID, err)
	}
	return nil
}

// MintCallbackRef mints a sentinel-wrapped token for (session, turn).
func (r *SessionRepository) MintCallbackRef(sessionID, turnID domain.EntityID) (string, error) {
	token := sessiondomain.MintToken()
	_, err := r.db.Exec(`INSERT INTO callback_refs (token, session_id, turn_id, consumed, created_at) VALUES (?,?,?,0,?)`,
		token, sessionID.String(), turnID.String(), time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("mint callback reference: %w", err)
	}
	return token, nil
}

// ResolveCallbackRef consumes a token. A consumed or unknown token is
// ErrReferenceNotFound; consumption is atomic so a token resolves at
// most once.
func (r *SessionRepository) ResolveCallbackRef(token string) (domain.EntityID, domain.EntityID, error) {
	var sessionID, turnID string
	err := r.db.QueryRow(`
		UPDATE callback_refs SET consumed = 1
		WHERE token = ? AND consumed = 0
		RETURNING session_id, turn_id`, token).Scan(&sessionID, &turnID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", sessiondomain.ErrReferenceNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("resolve callback reference: %w", err)
	}
	return domain.EntityID(sessionID), domain.EntityID(turnID), nil
}

// RecordMessage stores one message row for a turn.
func (r *SessionRepository) RecordMessage(turnID domain.EntityID, messageType, payload string, userSent bool) (domain.EntityID, error) {
	id := domain.EntityID(uuid.NewString())
	_, err := r.db.Exec(`INSERT INTO messages (id, turn_id, message_type, message, is_user_sent) VALUES (?,?,?,?,?)`,
		id.String(), turnID.String(), messageType, payload, userSent)
	if err != nil {
		return "", fmt.Errorf("record message for turn %s: %w", turnID, err)
	}
	return id, nil
}

// CreateUser records a user row.
func (r *SessionRepository) CreateUser(u *sessiondomain.User) error {
	if u.ID.IsZero() {
		u.ID = domain.NewID()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = domain.Now()
	}
	if u.LanguagePreference == "" {
		u.LanguagePreference = "en"
	}
	_, err := r.db.Exec(`INSERT INTO users (id, channel_id, first_name, last_name, identifier, language_preference, created_at) VALUES (?,?,?,?,?,?,?)`,
		u.ID.String(), u.ChannelID.String(), u.FirstName, u.LastName, u.Identifier, u.LanguagePreference, u.CreatedAt.Time)
	if err != nil {
		return fmt.Errorf("create user %s: %w", u.ID, err)
	}
	return nil
}

// UpdateUserLanguage persists the language preference of the user bound
// to a turn.
func (r *SessionRepository) UpdateUserLanguage(turnID domain.EntityID, language string) error {
	res, err := r.db.Exec(`UPDATE users SET language_preference = ? WHERE id = (SELECT user_id FROM turns WHERE id = ?)`,
		language, turnID.String())
	if err != nil {
		return fmt.Errorf("update language for turn %s: %w", turnID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sessiondomain.ErrTurnNotFound
	}
	return nil
}
