package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/convoflow/convoflow/pkg/domain"
	botdomain "github.com/convoflow/convoflow/pkg/domain/bot"
	"github.com/convoflow/convoflow/pkg/flow"
	"github.com/convoflow/convoflow/pkg/infrastructure/eventbus"
	"github.com/convoflow/convoflow/pkg/infrastructure/persistence"
	"github.com/convoflow/convoflow/pkg/runtime"
	"github.com/convoflow/convoflow/pkg/secret"
)

const testSealKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type botFixture struct {
	service     *BotService
	store       *persistence.Store
	provisioner *runtime.VenvProvisioner
	events      *eventbus.InProcessEventBus
	root        string
}

func newBotFixture(t *testing.T, buildErr error) *botFixture {
	t.Helper()

	store, err := persistence.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	root := t.TempDir()
	build := func(ctx context.Context, dir, requirementsFile string, indexURLs []string) error {
		return buildErr
	}
	provisioner := runtime.NewVenvProvisioner(root, "python3", build)

	sealer, err := secret.NewSealer(testSealKey)
	require.NoError(t, err)

	events := eventbus.New()
	t.Cleanup(events.Close)

	return &botFixture{
		service:     NewBotService(store.Bots(), provisioner, sealer, events),
		store:       store,
		provisioner: provisioner,
		events:      events,
		root:        root,
	}
}

func installConfig(botID string) flow.BotConfig {
	return flow.BotConfig{
		BotID:  botID,
		Intent: flow.BotInstall,
		Bot: &flow.BotSpec{
			Name:                "greeter",
			FSMCode:             "def run_machine(**kw): pass\n",
			RequirementsTxt:     "requests",
			RequiredCredentials: []string{"API_KEY"},
			Version:             "1.0.0",
		},
	}
}

func TestBotServiceInstall(t *testing.T) {
	f := newBotFixture(t, nil)

	var installed []domain.Event
	f.events.Subscribe(domain.EventBotInstalled, func(e domain.Event) {
		installed = append(installed, e)
	})

	require.NoError(t, f.service.Install(installConfig("bot-1")))

	b, err := f.store.Bots().FindByID("bot-1")
	require.NoError(t, err)
	require.Equal(t, "greeter", b.Name)
	require.True(t, f.provisioner.Installed("bot-1"))
	require.Len(t, installed, 1)
	require.Equal(t, []string{"API_KEY"}, b.MissingCredentials())
}

func TestBotServiceReinstallKeepsCredentials(t *testing.T) {
	f := newBotFixture(t, nil)

	require.NoError(t, f.service.Install(installConfig("bot-1")))
	require.NoError(t, f.service.AddCredential("bot-1", "API_KEY", "secret-value"))

	cfg := installConfig("bot-1")
	cfg.Bot.Version = "2.0.0"
	require.NoError(t, f.service.Install(cfg))

	b, err := f.store.Bots().FindByID("bot-1")
	require.NoError(t, err)
	require.Equal(t, "2.0.0", b.Version)
	require.Empty(t, b.MissingCredentials())
	// Stored sealed, not in the clear.
	require.NotEqual(t, "secret-value", b.Credentials["API_KEY"])
}

func TestBotServiceInstallFailureLeavesNoRow(t *testing.T) {
	f := newBotFixture(t, errors.New("resolution impossible"))

	var failures int
	f.events.Subscribe(domain.EventBotInstallFail, func(domain.Event) { failures++ })

	require.Error(t, f.service.Install(installConfig("bot-1")))

	_, err := f.store.Bots().FindByID("bot-1")
	require.ErrorIs(t, err, botdomain.ErrNotFound)
	require.False(t, f.provisioner.Installed("bot-1"))
	require.Equal(t, 1, failures)
}

func TestBotServiceDelete(t *testing.T) {
	f := newBotFixture(t, nil)

	require.NoError(t, f.service.Install(installConfig("bot-1")))
	require.NoError(t, f.service.Delete("bot-1"))

	b, err := f.store.Bots().FindByID("bot-1")
	require.NoError(t, err)
	require.Equal(t, botdomain.StatusDeleted, b.Status)
	require.False(t, f.provisioner.Installed("bot-1"))

	require.ErrorIs(t, f.service.Delete("missing"), botdomain.ErrNotFound)
}

func TestReinstallActiveRebuildsMissingEnvironments(t *testing.T) {
	f := newBotFixture(t, nil)

	require.NoError(t, f.service.Install(installConfig("bot-1")))
	require.NoError(t, f.service.Install(installConfig("bot-2")))

	// Simulate a host rebuild wiping one runtime directory.
	require.NoError(t, os.RemoveAll(filepath.Join(f.root, "bot-1")))
	require.False(t, f.provisioner.Installed("bot-1"))

	require.NoError(t, f.service.ReinstallActive(context.Background()))
	require.True(t, f.provisioner.Installed("bot-1"))
	require.True(t, f.provisioner.Installed("bot-2"))
}

func TestReinstallActiveSkipsDeletedBots(t *testing.T) {
	f := newBotFixture(t, nil)

	require.NoError(t, f.service.Install(installConfig("bot-1")))
	require.NoError(t, f.service.Delete("bot-1"))

	require.NoError(t, f.service.ReinstallActive(context.Background()))
	require.False(t, f.provisioner.Installed("bot-1"))
}
