package persistence

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/convoflow/convoflow/pkg/domain"
	botdomain "github.com/convoflow/convoflow/pkg/domain/bot"
	channeldomain "github.com/convoflow/convoflow/pkg/domain/channel"
	sessiondomain "github.com/convoflow/convoflow/pkg/domain/session"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// seedConversation creates the bot, channel, user, and turn rows every
// session test needs, returning the turn id.
func seedConversation(t *testing.T, store *Store) domain.EntityID {
	t.Helper()

	b := botdomain.New("bot-1", "greeter", "code", "", nil, nil, "1.0.0")
	require.NoError(t, store.Bots().Save(b))

	ch := channeldomain.New(b.ID(), "main", domain.ChannelWeb, "key", "app", "https://example.test")
	require.NoError(t, store.Channels().Save(ch))

	user := &sessiondomain.User{ChannelID: ch.ID(), Identifier: "user-ext-1"}
	require.NoError(t, store.Sessions().CreateUser(user))

	turn := &sessiondomain.Turn{
		BotID:     b.ID(),
		ChannelID: ch.ID(),
		UserID:    user.ID,
		TurnType:  "text",
	}
	require.NoError(t, store.Sessions().CreateTurn(turn))
	return turn.ID
}

func TestBotRepositoryRoundTrip(t *testing.T) {
	store := openTestStore(t)
	bots := store.Bots()

	b := botdomain.New("bot-1", "greeter", "def run(): pass", "requests", []string{"https://pypi.example"}, []string{"API_KEY"}, "1.0.0")
	b.ConfigEnv = map[string]string{"MODE": "test"}
	require.NoError(t, bots.Save(b))

	got, err := bots.FindByID("bot-1")
	require.NoError(t, err)
	require.Equal(t, "greeter", got.Name)
	require.Equal(t, []string{"API_KEY"}, got.RequiredCredentials)
	require.Equal(t, "test", got.ConfigEnv["MODE"])
	require.True(t, got.Active())

	// Upsert replaces in place.
	b.Version = "1.1.0"
	require.NoError(t, bots.Save(b))
	got, err = bots.FindByID("bot-1")
	require.NoError(t, err)
	require.Equal(t, "1.1.0", got.Version)

	_, err = bots.FindByID("missing")
	require.ErrorIs(t, err, botdomain.ErrNotFound)
}

func TestBotRepositorySoftDelete(t *testing.T) {
	store := openTestStore(t)
	bots := store.Bots()

	b := botdomain.New("bot-1", "greeter", "code", "", nil, nil, "1.0.0")
	require.NoError(t, bots.Save(b))
	require.NoError(t, bots.Delete("bot-1"))

	// The row survives as deleted.
	got, err := bots.FindByID("bot-1")
	require.NoError(t, err)
	require.Equal(t, botdomain.StatusDeleted, got.Status)

	active, err := bots.FindActive()
	require.NoError(t, err)
	require.Empty(t, active)

	require.ErrorIs(t, bots.Delete("missing"), botdomain.ErrNotFound)
}

func TestBotRepositoryFindBySession(t *testing.T) {
	store := openTestStore(t)
	turnID := seedConversation(t, store)

	sess, err := store.Sessions().CreateSession(turnID)
	require.NoError(t, err)

	got, err := store.Bots().FindBySession(sess.ID())
	require.NoError(t, err)
	require.Equal(t, domain.EntityID("bot-1"), got.ID())
}

func TestChannelRepositoryFindByBot(t *testing.T) {
	store := openTestStore(t)

	b := botdomain.New("bot-1", "greeter", "code", "", nil, nil, "1.0.0")
	require.NoError(t, store.Bots().Save(b))

	first := channeldomain.New(b.ID(), "wa", domain.ChannelWhatsApp, "k1", "a1", "u1")
	second := channeldomain.New(b.ID(), "tg", domain.ChannelTelegram, "k2", "a2", "u2")
	require.NoError(t, store.Channels().Save(first))
	require.NoError(t, store.Channels().Save(second))

	chans, err := store.Channels().FindByBot(b.ID())
	require.NoError(t, err)
	require.Len(t, chans, 2)
}

func TestSessionCreateAndFindByTurn(t *testing.T) {
	store := openTestStore(t)
	sessions := store.Sessions()
	turnID := seedConversation(t, store)

	created, err := sessions.CreateSession(turnID)
	require.NoError(t, err)
	require.Equal(t, sessiondomain.StatusActive, created.Status)

	// The turn is pinned to the new session.
	turn, err := sessions.GetTurn(turnID)
	require.NoError(t, err)
	require.Equal(t, created.ID(), turn.SessionID)

	found, err := sessions.FindByTurn(turnID)
	require.NoError(t, err)
	require.Equal(t, created.ID(), found.ID())
}

func TestSessionFindByTurnPrefersLatest(t *testing.T) {
	store := openTestStore(t)
	sessions := store.Sessions()
	turnID := seedConversation(t, store)

	first, err := sessions.CreateSession(turnID)
	require.NoError(t, err)
	second, err := sessions.CreateSession(turnID)
	require.NoError(t, err)

	// Renewing the second session makes it strictly newer.
	require.NoError(t, sessions.Renew(second.ID(), turnID))

	found, err := sessions.FindByTurn(turnID)
	require.NoError(t, err)
	require.Equal(t, second.ID(), found.ID())
	require.NotEqual(t, first.ID(), found.ID())
}

func TestSessionExpireIdle(t *testing.T) {
	store := openTestStore(t)
	sessions := store.Sessions()
	turnID := seedConversation(t, store)

	sess, err := sessions.CreateSession(turnID)
	require.NoError(t, err)

	// A cutoff in the past expires nothing.
	n, err := sessions.ExpireIdle(domain.TimestampFrom(time.Now().Add(-time.Hour)))
	require.NoError(t, err)
	require.Zero(t, n)

	// A cutoff in the future expires the idle session.
	n, err = sessions.ExpireIdle(domain.TimestampFrom(time.Now().Add(time.Hour)))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	found, err := sessions.FindByTurn(turnID)
	require.NoError(t, err)
	require.Equal(t, sess.ID(), found.ID())
	require.Equal(t, sessiondomain.StatusExpired, found.Status)
}

func TestFSMStateLifecycle(t *testing.T) {
	store := openTestStore(t)
	sessions := store.Sessions()
	turnID := seedConversation(t, store)

	sess, err := sessions.CreateSession(turnID)
	require.NoError(t, err)

	state, err := sessions.GetOrCreateState(sess.ID())
	require.NoError(t, err)
	require.Equal(t, sessiondomain.InitialStateLabel, state.Label)
	require.Empty(t, state.Variables)

	require.NoError(t, sessions.PersistState(sess.ID(), "asking_name", map[string]interface{}{"lang": "en"}))
	state, err = sessions.GetOrCreateState(sess.ID())
	require.NoError(t, err)
	require.Equal(t, "asking_name", state.Label)
	require.Equal(t, "en", state.Variables["lang"])

	// Persisting again overwrites, never duplicates.
	require.NoError(t, sessions.PersistState(sess.ID(), "done", map[string]interface{}{}))
	state, err = sessions.GetOrCreateState(sess.ID())
	require.NoError(t, err)
	require.Equal(t, "done", state.Label)
}

func TestCallbackRefResolveOnce(t *testing.T) {
	store := openTestStore(t)
	sessions := store.Sessions()
	turnID := seedConversation(t, store)

	sess, err := sessions.CreateSession(turnID)
	require.NoError(t, err)

	token, err := sessions.MintCallbackRef(sess.ID(), turnID)
	require.NoError(t, err)
	extracted, ok := sessiondomain.ExtractToken("body with " + token + " inside")
	require.True(t, ok)
	require.Equal(t, token, extracted)

	gotSession, gotTurn, err := sessions.ResolveCallbackRef(token)
	require.NoError(t, err)
	require.Equal(t, sess.ID(), gotSession)
	require.Equal(t, turnID, gotTurn)

	// A token resolves at most once.
	_, _, err = sessions.ResolveCallbackRef(token)
	require.ErrorIs(t, err, sessiondomain.ErrReferenceNotFound)

	_, _, err = sessions.ResolveCallbackRef("cfkey-unknown-cfkey")
	require.ErrorIs(t, err, sessiondomain.ErrReferenceNotFound)
}

func TestRecordMessageAndUserLanguage(t *testing.T) {
	store := openTestStore(t)
	sessions := store.Sessions()
	turnID := seedConversation(t, store)

	id, err := sessions.RecordMessage(turnID, "text", `{"body":"hi"}`, true)
	require.NoError(t, err)
	require.False(t, id.IsZero())

	require.NoError(t, sessions.UpdateUserLanguage(turnID, "hi"))
	require.ErrorIs(t, sessions.UpdateUserLanguage("missing-turn", "hi"), sessiondomain.ErrTurnNotFound)
}

func TestCreateSessionUnknownTurn(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Sessions().CreateSession("missing")
	require.True(t, errors.Is(err, sessiondomain.ErrTurnNotFound))
}
