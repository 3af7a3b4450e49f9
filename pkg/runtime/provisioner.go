// Package runtime materializes bot programs into isolated, runnable
// environments on disk. Each bot gets its own directory holding the
// runner shim, the program source, the dependency manifest, and a
// private dependency environment.
package runtime

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/convoflow/convoflow/pkg/domain"
	botdomain "github.com/convoflow/convoflow/pkg/domain/bot"
	"github.com/convoflow/convoflow/pkg/logger"
)

//go:embed template
var templateFS embed.FS

// baseRequirements are prepended to every bot's manifest: the packages
// the runner shim contract assumes inside the environment.
var baseRequirements = []string{"convoflow-bot"}

// Provisioner is the contract for bot runtime environments. The concrete
// isolation mechanism stays behind this interface.
type Provisioner interface {
	// Install builds a fresh environment for the bot, replacing any
	// previous one. A failed dependency build is a hard error; the live
	// environment (if any) is left untouched and install must be retried.
	Install(ctx context.Context, b *botdomain.Bot) error
	// Update is a full idempotent replace — same as Install.
	Update(ctx context.Context, b *botdomain.Bot) error
	// Delete removes the environment. Idempotent; a missing directory is
	// not an error.
	Delete(botID domain.EntityID) error
	// Dir returns the live environment directory for a bot id.
	Dir(botID domain.EntityID) string
	// Installed reports whether a live environment exists on disk.
	Installed(botID domain.EntityID) bool
	// List returns the bot ids that currently have live environments.
	List() ([]domain.EntityID, error)
}

// EnvBuilder constructs the isolated dependency environment inside dir
// from the manifest file. Injectable so tests skip the network.
type EnvBuilder func(ctx context.Context, dir, requirementsFile string, indexURLs []string) error

// VenvProvisioner provisions per-bot Python virtual environments under a
// root directory, using an atomic staging-directory rename so an
// in-flight execution never observes a half-written environment.
type VenvProvisioner struct {
	root        string
	interpreter string
	build       EnvBuilder
}

// NewVenvProvisioner creates a provisioner rooted at root. A nil builder
// gets the default venv+pip builder using the given interpreter.
func NewVenvProvisioner(root, interpreter string, build EnvBuilder) *VenvProvisioner {
	p := &VenvProvisioner{root: root, interpreter: interpreter, build: build}
	if p.build == nil {
		p.build = p.buildVenv
	}
	return p
}

// Dir returns the live directory for a bot id.
func (p *VenvProvisioner) Dir(botID domain.EntityID) string {
	return filepath.Join(p.root, botID.String())
}

func (p *VenvProvisioner) stagingDir(botID domain.EntityID) string {
	return filepath.Join(p.root, botID.String()+".staging")
}

// Installed reports whether a live environment exists.
func (p *VenvProvisioner) Installed(botID domain.EntityID) bool {
	info, err := os.Stat(p.Dir(botID))
	return err == nil && info.IsDir()
}

// Install materializes the bot into a staging directory, builds its
// dependency environment, then atomically swaps it live.
func (p *VenvProvisioner) Install(ctx context.Context, b *botdomain.Bot) error {
	staging := p.stagingDir(b.ID())

	// Clean slate: a leftover staging tree from a failed attempt is
	// discarded, never repaired.
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("clear staging for bot %s: %w", b.ID(), err)
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return fmt.Errorf("create staging for bot %s: %w", b.ID(), err)
	}

	if err := copyTemplate(staging); err != nil {
		return fmt.Errorf("copy template for bot %s: %w", b.ID(), err)
	}

	if err := os.WriteFile(filepath.Join(staging, "bot.py"), []byte(b.Code), 0o644); err != nil {
		return fmt.Errorf("write fsm source for bot %s: %w", b.ID(), err)
	}

	manifest := strings.Join(baseRequirements, "\n") + "\n" + b.Requirements
	requirementsFile := filepath.Join(staging, "requirements.txt")
	if err := os.WriteFile(requirementsFile, []byte(manifest), 0o644); err != nil {
		return fmt.Errorf("write manifest for bot %s: %w", b.ID(), err)
	}

	if err := p.build(ctx, staging, requirementsFile, b.IndexURLs); err != nil {
		// Leave the staging tree behind for inspection; the live
		// environment, if any, keeps serving the previous version.
		return fmt.Errorf("build environment for bot %s: %w", b.ID(), err)
	}

	live := p.Dir(b.ID())
	if err := os.RemoveAll(live); err != nil {
		return fmt.Errorf("clear live dir for bot %s: %w", b.ID(), err)
	}
	if err := os.Rename(staging, live); err != nil {
		return fmt.Errorf("activate environment for bot %s: %w", b.ID(), err)
	}
	logger.InfoCF("provisioner", "Installed bot runtime", map[string]interface{}{
		"bot_id": b.ID().String(),
		"dir":    live,
	})
	return nil
}

// Update is a full replace, identical to Install.
func (p *VenvProvisioner) Update(ctx context.Context, b *botdomain.Bot) error {
	return p.Install(ctx, b)
}

// Delete removes the live and staging directories. Calling it twice is
// fine.
func (p *VenvProvisioner) Delete(botID domain.EntityID) error {
	if err := os.RemoveAll(p.Dir(botID)); err != nil {
		return fmt.Errorf("remove environment for bot %s: %w", botID, err)
	}
	if err := os.RemoveAll(p.stagingDir(botID)); err != nil {
		return fmt.Errorf("remove staging for bot %s: %w", botID, err)
	}
	logger.InfoCF("provisioner", "Deleted bot runtime", map[string]interface{}{
		"bot_id": botID.String(),
	})
	return nil
}

// List returns bot ids with live environments, skipping staging trees.
func (p *VenvProvisioner) List() ([]domain.EntityID, error) {
	entries, err := os.ReadDir(p.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read runtime root: %w", err)
	}
	var ids []domain.EntityID
	for _, e := range entries {
		if !e.IsDir() || strings.HasSuffix(e.Name(), ".staging") {
			continue
		}
		ids = append(ids, domain.EntityID(e.Name()))
	}
	return ids, nil
}

// buildVenv is the default environment builder: python -m venv plus a
// pip install of the manifest with any extra index URLs.
func (p *VenvProvisioner) buildVenv(ctx context.Context, dir, requirementsFile string, indexURLs []string) error {
	venv := filepath.Join(dir, ".venv")
	cmd := exec.CommandContext(ctx, p.interpreter, "-m", "venv", venv)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("create venv: %w: %s", err, strings.TrimSpace(string(out)))
	}

	args := []string{"install"}
	for _, u := range indexURLs {
		args = append(args, "--extra-index-url", u)
	}
	args = append(args, "-r", requirementsFile)
	pip := exec.CommandContext(ctx, filepath.Join(venv, "bin", "pip"), args...)
	if out, err := pip.CombinedOutput(); err != nil {
		return fmt.Errorf("pip install: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func copyTemplate(dst string) error {
	return fs.WalkDir(templateFS, "template", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel("template", path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			if rel == "." {
				return nil
			}
			return os.MkdirAll(target, 0o755)
		}
		data, err := templateFS.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644)
	})
}
