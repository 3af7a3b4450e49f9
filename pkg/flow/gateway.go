package flow

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	botdomain "github.com/convoflow/convoflow/pkg/domain/bot"
	sessiondomain "github.com/convoflow/convoflow/pkg/domain/session"
	"github.com/convoflow/convoflow/pkg/logger"
	"github.com/convoflow/convoflow/pkg/secret"
)

// ErrRuntimeFailure marks a turn abandoned because the bot program
// failed: stderr output, a non-zero exit, or a timeout. The session's
// prior state is left untouched so the next turn retries from the same
// point.
var ErrRuntimeFailure = errors.New("fsm runtime failure")

// Runner invokes one isolated execution of a bot's FSM program and
// returns its raw output streams.
type Runner interface {
	Run(ctx context.Context, botID string, payload []byte) (stdout, stderr []byte, err error)
}

// SubprocessRunner runs the bot's runner shim inside its provisioned
// environment: <root>/<botID>/.venv/bin/python fsm_wrapper.py <payload>.
type SubprocessRunner struct {
	Root string
}

// Run executes the shim. The payload travels on argv as one JSON blob.
func (r *SubprocessRunner) Run(ctx context.Context, botID string, payload []byte) ([]byte, []byte, error) {
	dir := filepath.Join(r.Root, botID)
	interpreter := filepath.Join(dir, ".venv", "bin", "python")

	cmd := exec.CommandContext(ctx, interpreter, filepath.Join(dir, "fsm_wrapper.py"), string(payload))
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return stdout.Bytes(), stderr.Bytes(), fmt.Errorf("runner timed out: %w", ctx.Err())
	}
	return stdout.Bytes(), stderr.Bytes(), err
}

// runnerInput is the single JSON blob handed to the shim on argv.
type runnerInput struct {
	FSMInput    FSMInput               `json:"fsm_input"`
	State       map[string]interface{} `json:"state"`
	BotName     string                 `json:"bot_name"`
	Credentials map[string]string      `json:"credentials"`
	ConfigEnv   map[string]string      `json:"config_env"`
}

// terminalState is the shim's final-state record payload.
type terminalState struct {
	Label     string                 `json:"label"`
	Variables map[string]interface{} `json:"variables"`
}

// runnerRecord is one newline-delimited JSON record on the shim's stdout:
// either an effect or the terminal state.
type runnerRecord struct {
	FSMOutput *json.RawMessage `json:"fsm_output,omitempty"`
	NewState  *terminalState   `json:"new_state,omitempty"`
}

// Gateway drives one isolated FSM execution per turn and translates its
// output stream into effects plus at most one state persistence.
type Gateway struct {
	bots     botdomain.Repository
	sessions sessiondomain.Repository
	runner   Runner
	sealer   *secret.Sealer
	timeout  time.Duration
}

// NewGateway wires a gateway. A nil sealer passes credentials through
// unchanged (useful for tests and unsealed deployments).
func NewGateway(bots botdomain.Repository, sessions sessiondomain.Repository, runner Runner, sealer *secret.Sealer, timeout time.Duration) *Gateway {
	return &Gateway{bots: bots, sessions: sessions, runner: runner, sealer: sealer, timeout: timeout}
}

// Run performs exactly one bot-program invocation for the session and
// streams each validated effect to emit. On success the terminal state is
// persisted exactly once, after the last record; a run that produced no
// terminal record persists nothing.
func (g *Gateway) Run(ctx context.Context, sessionID string, in FSMInput, emit func(FSMOutput) error) error {
	if err := in.Validate(); err != nil {
		return fmt.Errorf("gateway precondition: %w", err)
	}

	sid := entityID(sessionID)
	state, err := g.sessions.GetOrCreateState(sid)
	if err != nil {
		return fmt.Errorf("load state for session %s: %w", sessionID, err)
	}

	b, err := g.bots.FindBySession(sid)
	if err != nil {
		return fmt.Errorf("resolve bot for session %s: %w", sessionID, err)
	}

	credentials := b.Credentials
	if g.sealer != nil {
		credentials, err = g.sealer.OpenAll(b.Credentials)
		if err != nil {
			return fmt.Errorf("open credentials for bot %s: %w", b.ID(), err)
		}
	}
	if credentials == nil {
		credentials = map[string]string{}
	}
	configEnv := b.ConfigEnv
	if configEnv == nil {
		configEnv = map[string]string{}
	}

	payload, err := json.Marshal(runnerInput{
		FSMInput:    in,
		State:       state.Variables,
		BotName:     b.Name,
		Credentials: credentials,
		ConfigEnv:   configEnv,
	})
	if err != nil {
		return fmt.Errorf("marshal runner input: %w", err)
	}

	runCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	stdout, stderr, runErr := g.runner.Run(runCtx, b.ID().String(), payload)
	if runErr != nil || len(bytes.TrimSpace(stderr)) > 0 {
		logger.ErrorCF("gateway", "FSM run failed", map[string]interface{}{
			"session_id": sessionID,
			"bot_id":     b.ID().String(),
			"stderr":     strings.TrimSpace(string(stderr)),
			"error":      fmt.Sprint(runErr),
		})
		return fmt.Errorf("%w: bot %s", ErrRuntimeFailure, b.ID())
	}

	var terminal *terminalState
	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec runnerRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("%w: malformed runner record: %v", ErrRuntimeFailure, err)
		}
		switch {
		case rec.FSMOutput != nil:
			out, err := ParseFSMOutput(*rec.FSMOutput)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrRuntimeFailure, err)
			}
			if err := emit(out); err != nil {
				return fmt.Errorf("emit effect: %w", err)
			}
		case rec.NewState != nil:
			terminal = rec.NewState
		default:
			return fmt.Errorf("%w: runner record has neither fsm_output nor new_state", ErrRuntimeFailure)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: read runner output: %v", ErrRuntimeFailure, err)
	}

	if terminal == nil {
		// The program emitted no terminal record; nothing to persist and
		// no default to invent.
		return nil
	}
	if terminal.Variables == nil {
		terminal.Variables = map[string]interface{}{}
	}
	if err := g.sessions.PersistState(sid, terminal.Label, terminal.Variables); err != nil {
		return fmt.Errorf("persist state for session %s: %w", sessionID, err)
	}
	logger.DebugCF("gateway", "Persisted terminal state", map[string]interface{}{
		"session_id": sessionID,
		"label":      terminal.Label,
	})
	return nil
}
