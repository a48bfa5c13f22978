// Package worker runs the external search worker: one process per request,
// a hard deadline, correlated output and a file-based result handoff.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/product-search-gateway/internal/artifact"
	"github.com/JakeFAU/product-search-gateway/internal/metrics"
	"github.com/JakeFAU/product-search-gateway/internal/progress"
	"github.com/JakeFAU/product-search-gateway/internal/search"
)

// ErrClosed is wrapped by the failure returned after Close.
var ErrClosed = errors.New("orchestrator closed")

// Orchestrator implements search.Invoker by spawning the worker process.
type Orchestrator struct {
	cfg     Config
	janitor *artifact.Janitor
	channel artifact.Channel
	clock   search.Clock
	events  progress.Emitter
	logger  *zap.Logger

	mu     sync.Mutex
	live   map[string]*exec.Cmd
	closed bool
}

// New constructs an Orchestrator. A nil janitor gets one with the default
// patterns; a nil emitter discards events.
func New(
	cfg Config,
	janitor *artifact.Janitor,
	clock search.Clock,
	events progress.Emitter,
	logger *zap.Logger,
) (*Orchestrator, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	var err error
	if cfg.Script, err = filepath.Abs(cfg.Script); err != nil {
		return nil, fmt.Errorf("resolve worker script: %w", err)
	}
	if cfg.WorkDir, err = filepath.Abs(cfg.WorkDir); err != nil {
		return nil, fmt.Errorf("resolve work dir: %w", err)
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if janitor == nil {
		janitor = artifact.NewJanitor(nil, logger)
	}
	if events == nil {
		events = progress.Discard{}
	}
	return &Orchestrator{
		cfg:     cfg,
		janitor: janitor,
		channel: artifact.NewChannel(),
		clock:   clock,
		events:  events,
		logger:  logger,
		live:    make(map[string]*exec.Cmd),
	}, nil
}

// invocation is the orchestrator-owned state for a single request.
type invocation struct {
	req       search.Request
	path      string
	runDir    string
	cmd       *exec.Cmd
	startedAt time.Time
	deadline  time.Time
	state     State
	logger    *zap.Logger
	exited    bool // guarded by Orchestrator.mu; set before the leader is reaped
}

func (inv *invocation) transition(to State) {
	if !canTransition(inv.state, to) {
		inv.logger.Error("illegal invocation transition",
			zap.Stringer("from", inv.state), zap.Stringer("to", to))
	}
	inv.logger.Debug("invocation state", zap.Stringer("from", inv.state), zap.Stringer("to", to))
	inv.state = to
}

// Invoke runs the worker for req and returns its single Outcome. Caller
// cancellation does not stop a running worker; only the deadline or Close
// does.
func (o *Orchestrator) Invoke(_ context.Context, req search.Request) search.Outcome {
	inv := &invocation{
		req:    req,
		path:   artifact.PathFor(o.cfg.WorkDir, req.ID),
		runDir: artifact.RunDirFor(o.cfg.WorkDir, req.ID),
		state:  StateIdle,
		logger: o.logger.With(zap.String("request_id", req.ID)),
	}
	start := o.clock.Now()
	outcome := o.run(inv)
	outcome.RequestID = req.ID
	outcome.StartedAt = start
	outcome.Duration = o.clock.Now().Sub(start)
	inv.transition(StateDone)

	evt := progress.Event{
		RequestID: req.ID,
		TS:        o.clock.Now(),
		Stage:     progress.StageInvokeDone,
		Result:    outcome.Result(),
		Dur:       outcome.Duration,
	}
	if f := outcome.Failure; f != nil {
		evt.Stage = progress.StageInvokeFailed
		evt.ExitCode = f.ExitCode
		evt.Note = f.Detail
		inv.logger.Warn("invocation failed",
			zap.String("kind", string(f.Kind)),
			zap.String("detail", f.Detail),
			zap.Duration("duration", outcome.Duration),
		)
	} else {
		inv.logger.Info("invocation succeeded",
			zap.Int("bytes", len(outcome.Payload)),
			zap.Duration("duration", outcome.Duration),
		)
	}
	o.events.Emit(evt)
	return outcome
}

func (o *Orchestrator) run(inv *invocation) search.Outcome {
	if _, err := os.Stat(o.cfg.Script); err != nil {
		inv.transition(StateFailed)
		return search.Failed(inv.req.ID, search.NewFailure(search.FailureWorkerNotFound, err,
			"worker script %s not found", o.cfg.Script))
	}

	metrics.ObserveSwept(o.janitor.Sweep(o.cfg.WorkDir))
	o.janitor.Claim(inv.path)
	defer o.janitor.Release(inv.path)
	if err := o.janitor.ClaimRunDir(inv.runDir); err != nil {
		inv.transition(StateFailed)
		return search.Failed(inv.req.ID, search.NewFailure(search.FailureSpawnError, err,
			"prepare worker directory: %v", err))
	}
	defer o.janitor.ReleaseRunDir(inv.runDir)

	inv.transition(StateSpawning)
	stdout := newLineLogger(inv.logger, "stdout")
	stderr := newTailBuffer(o.cfg.StderrLimit)
	inv.cmd = o.command(inv, stdout, stderr)

	if err := o.start(inv); err != nil {
		inv.transition(StateFailed)
		return search.Failed(inv.req.ID, search.NewFailure(search.FailureSpawnError, err,
			"spawn worker: %v", err))
	}
	inv.transition(StateRunning)
	inv.logger.Info("worker spawned",
		zap.Int("pid", inv.cmd.Process.Pid),
		zap.Time("deadline", inv.deadline),
	)
	o.events.Emit(progress.Event{
		RequestID: inv.req.ID,
		TS:        o.clock.Now(),
		Stage:     progress.StageWorkerSpawned,
		PID:       inv.cmd.Process.Pid,
	})

	timedOut, waitErr := o.wait(inv)
	stdout.Flush()

	if timedOut {
		inv.transition(StateKilled)
		return search.Failed(inv.req.ID, search.NewFailure(search.FailureTimeout, context.DeadlineExceeded,
			"worker exceeded %s and was killed", o.cfg.Timeout))
	}
	if waitErr != nil && !errors.Is(waitErr, exec.ErrWaitDelay) {
		inv.transition(StateFailed)
		f := search.NewFailure(search.FailureWorkerExitError, waitErr, "worker exited unsuccessfully")
		f.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			f.ExitCode = exitErr.ExitCode()
			f.Detail = exitErr.String()
		}
		f.Stderr = stderr.String()
		return search.Failed(inv.req.ID, f)
	}
	if waitErr != nil {
		inv.logger.Warn("worker output pipes outlived the process", zap.Error(waitErr))
	}

	inv.transition(StateSucceeded)
	payload, err := o.channel.Read(inv.path)
	if err != nil {
		kind := search.FailureArtifactMissing
		if errors.Is(err, artifact.ErrArtifactCorrupt) {
			kind = search.FailureArtifactCorrupt
		}
		return search.Failed(inv.req.ID, search.NewFailure(kind, err, "%v", err))
	}
	return search.Success(inv.req.ID, payload)
}

func (o *Orchestrator) command(inv *invocation, stdout, stderr io.Writer) *exec.Cmd {
	program, args := o.cfg.argv(inv.req.Query)
	// #nosec G204 -- program and leading args come from configuration; the query is a single argv entry.
	cmd := exec.Command(program, args...)
	cmd.Dir = inv.runDir
	env := append(os.Environ(), o.cfg.Env...)
	env = append(env,
		o.cfg.RequestIDEnv+"="+inv.req.ID,
		o.cfg.ResultPathEnv+"="+inv.path,
	)
	cmd.Env = env
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = o.cfg.WaitDelay
	configureProcess(cmd)
	return cmd
}

// start spawns the process and registers it as live. Registration happens
// under the same lock Close uses, so a worker is never left running past
// Close.
func (o *Orchestrator) start(inv *invocation) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if err := inv.cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", inv.cmd.Path, err)
	}
	inv.startedAt = o.clock.Now()
	inv.deadline = inv.startedAt.Add(o.cfg.Timeout)
	o.live[inv.req.ID] = inv.cmd
	return nil
}

// wait blocks until the worker exits or the deadline fires. The process
// group is killed on every path so no descendant survives the invocation.
// The exit-time kill runs before the leader is reaped, while its pid and
// therefore the group id cannot have been handed to another process.
func (o *Orchestrator) wait(inv *invocation) (bool, error) {
	done := make(chan error, 1)
	go func() {
		done <- waitProcess(inv.cmd, func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			killProcessGroup(inv.cmd)
			inv.exited = true
			delete(o.live, inv.req.ID)
		})
	}()

	timer := time.NewTimer(o.cfg.Timeout)
	defer timer.Stop()

	var (
		err      error
		timedOut bool
	)
	select {
	case err = <-done:
	case <-timer.C:
		timedOut = true
		inv.logger.Warn("worker deadline exceeded, killing",
			zap.Int("pid", inv.cmd.Process.Pid),
			zap.Duration("timeout", o.cfg.Timeout),
		)
		o.mu.Lock()
		if !inv.exited {
			killProcessGroup(inv.cmd)
		}
		o.mu.Unlock()
		err = <-done
	}
	o.forget(inv.req.ID)
	return timedOut, err
}

func (o *Orchestrator) forget(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.live, id)
}

// Live returns the number of running workers.
func (o *Orchestrator) Live() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.live)
}

// Close refuses new invocations and kills every live worker. In-flight
// Invoke calls return a WorkerExitError for the killed process.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	for id, cmd := range o.live {
		o.logger.Warn("killing worker on shutdown", zap.String("request_id", id), zap.Int("pid", cmd.Process.Pid))
		killProcessGroup(cmd)
	}
}
