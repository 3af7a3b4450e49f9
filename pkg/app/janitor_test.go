package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/convoflow/convoflow/pkg/domain"
	botdomain "github.com/convoflow/convoflow/pkg/domain/bot"
	channeldomain "github.com/convoflow/convoflow/pkg/domain/channel"
	sessiondomain "github.com/convoflow/convoflow/pkg/domain/session"
)

func TestNewJanitorRejectsBadCron(t *testing.T) {
	f := newBotFixture(t, nil)
	_, err := NewJanitor(f.store.Sessions(), f.store.Bots(), f.provisioner, f.events, "not a cron", time.Hour)
	require.Error(t, err)
}

func TestJanitorSweepExpiresIdleSessions(t *testing.T) {
	f := newBotFixture(t, nil)

	b := botdomain.New("bot-1", "greeter", "code", "", nil, nil, "1")
	require.NoError(t, f.store.Bots().Save(b))
	ch := channeldomain.New(b.ID(), "main", domain.ChannelWeb, "k", "a", "u")
	require.NoError(t, f.store.Channels().Save(ch))
	user := &sessiondomain.User{ChannelID: ch.ID(), Identifier: "ext-1"}
	require.NoError(t, f.store.Sessions().CreateUser(user))
	turn := &sessiondomain.Turn{BotID: b.ID(), ChannelID: ch.ID(), UserID: user.ID}
	require.NoError(t, f.store.Sessions().CreateTurn(turn))
	sess, err := f.store.Sessions().CreateSession(turn.ID)
	require.NoError(t, err)

	j, err := NewJanitor(f.store.Sessions(), f.store.Bots(), f.provisioner, f.events, "* * * * *", time.Hour)
	require.NoError(t, err)

	// Within the TTL nothing expires.
	j.Sweep()
	found, err := f.store.Sessions().FindByTurn(turn.ID)
	require.NoError(t, err)
	require.Equal(t, sessiondomain.StatusActive, found.Status)

	// Move the clock past the TTL.
	j.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	j.Sweep()
	found, err = f.store.Sessions().FindByTurn(turn.ID)
	require.NoError(t, err)
	require.Equal(t, sessiondomain.StatusExpired, found.Status)
	require.Equal(t, sess.ID(), found.ID())
}

func TestJanitorSweepPrunesOrphanedEnvironments(t *testing.T) {
	f := newBotFixture(t, nil)

	// Active bot: environment survives.
	require.NoError(t, f.service.Install(installConfig("bot-live")))

	// Orphan: environment on disk with no registry row.
	require.NoError(t, os.MkdirAll(filepath.Join(f.root, "bot-ghost"), 0o755))

	// Deleted bot whose environment lingered after a crash.
	require.NoError(t, f.service.Install(installConfig("bot-gone")))
	require.NoError(t, f.store.Bots().Delete("bot-gone"))

	j, err := NewJanitor(f.store.Sessions(), f.store.Bots(), f.provisioner, f.events, "* * * * *", time.Hour)
	require.NoError(t, err)
	j.Sweep()

	require.True(t, f.provisioner.Installed("bot-live"))
	require.False(t, f.provisioner.Installed("bot-ghost"))
	require.False(t, f.provisioner.Installed("bot-gone"))
}
