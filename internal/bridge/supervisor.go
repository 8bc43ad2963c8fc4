// Package bridge supervises the external agent-bridge child process.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/agentrelay/internal/bus"
	"github.com/nextlevelbuilder/agentrelay/pkg/protocol"
)

// State is the supervisor's lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
)

// Environment variables injected into the child.
const (
	EnvToken    = "AGENTRELAY_TOKEN"
	EnvRelayURL = "AGENTRELAY_URL"
)

var (
	ErrAlreadyRunning = errors.New("bridge already running")
	ErrNoCommand      = errors.New("bridge command not configured")
	ErrClosed         = errors.New("supervisor closed")
)

// Options configures a Supervisor.
type Options struct {
	Command     string
	Args        []string
	Dir         string
	LogPath     string
	Env         map[string]string
	StopTimeout time.Duration

	// Secret returns the current shared secret; read at every spawn.
	Secret func() string
	// RelayURL is the bridge-facing socket URL handed to the child.
	RelayURL string
	// Events, when set, receives protocol.EventBridgeStatus on every transition.
	Events bus.EventPublisher
}

// ExitInfo describes the last child exit.
type ExitInfo struct {
	Code  int       `json:"code"`
	Error string    `json:"error,omitempty"`
	At    time.Time `json:"at"`
}

// Status is a point-in-time snapshot of the supervisor.
type Status struct {
	State     State     `json:"state"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"startedAt,omitempty"`
	LastExit  *ExitInfo `json:"lastExit,omitempty"`
	Command   string    `json:"command,omitempty"`
	LogPath   string    `json:"logPath,omitempty"`
}

// Supervisor owns the child process. All state lives in the run goroutine
// and is changed only by messages: caller requests, spawn results and the
// exit observer.
type Supervisor struct {
	opts Options
	msgs chan any
	quit chan struct{}
	done chan struct{}
}

type (
	startMsg  struct{ reply chan error }
	stopMsg   struct{ reply chan error }
	statusMsg struct{ reply chan Status }
	spawnMsg  struct {
		gen int
		cmd *exec.Cmd
		err error
	}
	exitMsg struct {
		gen int
		err error
	}
	killMsg struct{ gen int }
)

// New creates a supervisor and starts its state loop. The child is not
// spawned until Start.
func New(opts Options) *Supervisor {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}
	if opts.Secret == nil {
		opts.Secret = func() string { return "" }
	}
	s := &Supervisor{
		opts: opts,
		msgs: make(chan any),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

// Start spawns the child. It returns ErrAlreadyRunning if a child is
// running or starting, and spawn errors synchronously.
func (s *Supervisor) Start(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := s.send(ctx, startMsg{reply: reply}); err != nil {
		return err
	}
	return s.wait(ctx, reply)
}

// Stop terminates the child and waits for it to exit. Stopping a stopped
// supervisor is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := s.send(ctx, stopMsg{reply: reply}); err != nil {
		return err
	}
	return s.wait(ctx, reply)
}

// Restart stops a running or starting child and starts a new one, picking
// up the current secret. It reports false without spawning when the
// supervisor was stopped.
func (s *Supervisor) Restart(ctx context.Context) (bool, error) {
	if s.Status().State == StateStopped {
		return false, nil
	}
	if err := s.Stop(ctx); err != nil {
		return false, err
	}
	if err := s.Start(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Status returns a snapshot. After Close it reports stopped.
func (s *Supervisor) Status() Status {
	reply := make(chan Status, 1)
	if err := s.send(context.Background(), statusMsg{reply: reply}); err != nil {
		return Status{State: StateStopped}
	}
	return <-reply
}

func (s *Supervisor) IsRunning() bool {
	return s.Status().State == StateRunning
}

// LogPath returns the child's combined output file.
func (s *Supervisor) LogPath() string { return s.opts.LogPath }

// Close stops the child and ends the state loop.
func (s *Supervisor) Close(ctx context.Context) error {
	err := s.Stop(ctx)
	if errors.Is(err, ErrClosed) {
		return nil
	}
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
	<-s.done
	return err
}

func (s *Supervisor) send(ctx context.Context, msg any) error {
	select {
	case s.msgs <- msg:
		return nil
	case <-s.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) wait(ctx context.Context, reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post delivers an internal message from a helper goroutine, giving up
// once the loop has exited.
func (s *Supervisor) post(msg any) {
	select {
	case s.msgs <- msg:
	case <-s.done:
	}
}

// loopState is owned by run.
type loopState struct {
	state       State
	gen         int
	cmd         *exec.Cmd
	startedAt   time.Time
	lastExit    *ExitInfo
	startWaiter chan error
	stopWaiters []chan error
	stopPending bool
	killTimer   *time.Timer
}

func (s *Supervisor) run() {
	defer close(s.done)
	st := &loopState{state: StateStopped}
	for {
		select {
		case <-s.quit:
			if st.cmd != nil && st.cmd.Process != nil {
				st.cmd.Process.Kill()
			}
			return
		case m := <-s.msgs:
			s.handle(st, m)
		}
	}
}

func (s *Supervisor) handle(st *loopState, m any) {
	switch m := m.(type) {
	case startMsg:
		if st.state != StateStopped {
			m.reply <- ErrAlreadyRunning
			return
		}
		if s.opts.Command == "" {
			m.reply <- ErrNoCommand
			return
		}
		st.gen++
		st.state = StateStarting
		st.startWaiter = m.reply
		s.publish(st)
		gen := st.gen
		go func() {
			cmd, err := s.spawn(s.opts.Secret())
			s.post(spawnMsg{gen: gen, cmd: cmd, err: err})
		}()

	case spawnMsg:
		if m.gen != st.gen {
			return
		}
		if m.err != nil {
			st.state = StateStopped
			st.lastExit = &ExitInfo{Code: -1, Error: m.err.Error(), At: time.Now()}
			slog.Warn("bridge.spawn_failed", "command", s.opts.Command, "error", m.err)
			st.startWaiter <- m.err
			st.startWaiter = nil
			s.failStopWaiters(st, nil)
			s.publish(st)
			return
		}
		st.state = StateRunning
		st.cmd = m.cmd
		st.startedAt = time.Now()
		slog.Info("bridge.started", "pid", m.cmd.Process.Pid, "command", s.opts.Command, "log", s.opts.LogPath)
		st.startWaiter <- nil
		st.startWaiter = nil
		s.publish(st)
		go func(gen int, cmd *exec.Cmd) {
			err := cmd.Wait()
			if f, ok := cmd.Stdout.(*os.File); ok {
				f.Close()
			}
			s.post(exitMsg{gen: gen, err: err})
		}(m.gen, m.cmd)
		if st.stopPending {
			s.terminate(st)
		}

	case stopMsg:
		switch st.state {
		case StateStopped:
			m.reply <- nil
		case StateStarting:
			st.stopPending = true
			st.stopWaiters = append(st.stopWaiters, m.reply)
		case StateRunning:
			st.stopWaiters = append(st.stopWaiters, m.reply)
			s.terminate(st)
		}

	case exitMsg:
		if m.gen != st.gen || st.state != StateRunning {
			return
		}
		info := &ExitInfo{Code: exitCode(st.cmd, m.err), At: time.Now()}
		if m.err != nil {
			info.Error = m.err.Error()
		}
		slog.Info("bridge.exited", "pid", st.cmd.Process.Pid, "code", info.Code, "requested", len(st.stopWaiters) > 0)
		st.state = StateStopped
		st.cmd = nil
		st.lastExit = info
		st.startedAt = time.Time{}
		if st.killTimer != nil {
			st.killTimer.Stop()
			st.killTimer = nil
		}
		s.failStopWaiters(st, nil)
		s.publish(st)

	case killMsg:
		if m.gen == st.gen && st.state == StateRunning && st.cmd != nil {
			slog.Warn("bridge.kill", "pid", st.cmd.Process.Pid, "after", s.opts.StopTimeout)
			st.cmd.Process.Kill()
		}

	case statusMsg:
		m.reply <- s.snapshot(st)
	}
}

func (s *Supervisor) failStopWaiters(st *loopState, err error) {
	for _, w := range st.stopWaiters {
		w <- err
	}
	st.stopWaiters = nil
	st.stopPending = false
}

// terminate asks the child to exit and arms a kill after StopTimeout.
func (s *Supervisor) terminate(st *loopState) {
	st.stopPending = false
	if st.killTimer != nil {
		return
	}
	proc := st.cmd.Process
	var err error
	if runtime.GOOS == "windows" {
		err = proc.Kill()
	} else {
		err = proc.Signal(syscall.SIGTERM)
	}
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.Warn("bridge.signal_failed", "pid", proc.Pid, "error", err)
	}
	gen := st.gen
	st.killTimer = time.AfterFunc(s.opts.StopTimeout, func() { s.post(killMsg{gen: gen}) })
}

// spawn starts the child with its output truncated into the log file.
func (s *Supervisor) spawn(secret string) (*exec.Cmd, error) {
	var logFile *os.File
	if s.opts.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(s.opts.LogPath), 0700); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.Create(s.opts.LogPath)
		if err != nil {
			return nil, fmt.Errorf("open bridge log: %w", err)
		}
		logFile = f
	}

	cmd := exec.Command(s.opts.Command, s.opts.Args...)
	cmd.Dir = s.opts.Dir
	cmd.Env = s.environ(secret)
	if logFile != nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}
	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, fmt.Errorf("start bridge: %w", err)
	}
	return cmd, nil
}

func (s *Supervisor) environ(secret string) []string {
	env := os.Environ()
	for k, v := range s.opts.Env {
		env = append(env, k+"="+v)
	}
	env = append(env, EnvToken+"="+secret)
	if s.opts.RelayURL != "" {
		env = append(env, EnvRelayURL+"="+s.opts.RelayURL)
	}
	return env
}

func (s *Supervisor) snapshot(st *loopState) Status {
	out := Status{
		State:     st.state,
		StartedAt: st.startedAt,
		LastExit:  st.lastExit,
		Command:   s.opts.Command,
		LogPath:   s.opts.LogPath,
	}
	if st.cmd != nil && st.cmd.Process != nil {
		out.PID = st.cmd.Process.Pid
	}
	return out
}

func (s *Supervisor) publish(st *loopState) {
	if s.opts.Events == nil {
		return
	}
	snap := s.snapshot(st)
	payload := bus.BridgeStatusPayload{State: string(snap.State), PID: snap.PID}
	if !snap.StartedAt.IsZero() {
		payload.StartedAt = snap.StartedAt.UnixMilli()
	}
	if snap.State == StateStopped && snap.LastExit != nil {
		code := snap.LastExit.Code
		payload.ExitCode = &code
		payload.Error = snap.LastExit.Error
	}
	s.opts.Events.Broadcast(bus.Event{Name: protocol.EventBridgeStatus, Payload: payload})
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd != nil && cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}
