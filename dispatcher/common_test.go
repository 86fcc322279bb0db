package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/janhicken/schedoscope/dispatcher/protocol"
)

// mockScript is the shared state of all mock driver instances produced by one
// factory, so scripted failures survive worker restarts.
type mockScript struct {
	mu sync.Mutex

	// retryableFailures is the number of runs that fail retryable before
	// runs start succeeding.
	retryableFailures int
	// terminal makes every run fail terminally.
	terminal bool
	// runDelay is slept before completing a run.
	runDelay time.Duration
	// deployOK is the result of DeployAll.
	deployOK bool

	constructed int
	runs        []protocol.Transformation
	deploys     int
	inflight    int
	maxInflight int
}

func newMockScript() *mockScript {
	return &mockScript{deployOK: true}
}

func (s *mockScript) factory(name string) FactoryFunc {
	return func(ctx context.Context) (Driver, error) {
		s.mu.Lock()
		s.constructed++
		s.mu.Unlock()
		return &mockDriver{name: name, script: s}, nil
	}
}

func (s *mockScript) runCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

func (s *mockScript) constructions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.constructed
}

func (s *mockScript) deployCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deploys
}

type mockDriver struct {
	name   string
	script *mockScript
}

func (d *mockDriver) Name() string {
	return d.name
}

func (d *mockDriver) Run(ctx context.Context, t protocol.Transformation) *RunHandle {
	runCtx, cancel := context.WithCancel(ctx)
	h := NewRunHandle(cancel)

	go func() {
		defer cancel()

		s := d.script
		s.mu.Lock()
		s.inflight++
		if s.inflight > s.maxInflight {
			s.maxInflight = s.inflight
		}
		delay := s.runDelay
		s.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-runCtx.Done():
			}
		}

		s.mu.Lock()
		s.inflight--
		s.runs = append(s.runs, t)
		fail := s.retryableFailures > 0
		if fail {
			s.retryableFailures--
		}
		terminal := s.terminal
		s.mu.Unlock()

		switch {
		case fail:
			h.Complete(RunState{
				Phase:  Failed,
				Reason: "backend unavailable",
				Cause:  ErrRetryable.New(),
			})
		case terminal:
			h.Complete(RunState{Phase: Failed, Reason: "bad transformation"})
		default:
			h.Complete(RunState{Phase: Succeeded, Comment: "done"})
		}
	}()

	return h
}

func (d *mockDriver) Poll(h *RunHandle) RunState {
	return h.Poll()
}

func (d *mockDriver) RunAndWait(ctx context.Context, t protocol.Transformation) RunState {
	return WaitRun(ctx, d, t, 0)
}

func (d *mockDriver) Kill(h *RunHandle) {
	h.Kill()
}

func (d *mockDriver) DeployAll(ctx context.Context, settings DeploySettings) bool {
	d.script.mu.Lock()
	defer d.script.mu.Unlock()
	d.script.deploys++
	return d.script.deployOK
}

// panicDriver triggers the unknown-fault path.
type panicDriver struct {
	mockDriver
}

func (d *panicDriver) RunAndWait(ctx context.Context, t protocol.Transformation) RunState {
	panic("unexpected driver condition")
}

func panicFactory(name string) FactoryFunc {
	s := newMockScript()
	return func(ctx context.Context) (Driver, error) {
		return &panicDriver{mockDriver{name: name, script: s}}, nil
	}
}

type mockView struct {
	name string
	t    protocol.Transformation
}

func (v *mockView) Name() string {
	return v.name
}

func (v *mockView) Transformation() protocol.Transformation {
	return v.t
}

// waitFor polls cond until it holds or the timeout passes.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}

	return cond()
}
