package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gopkg.in/src-d/go-log.v1"

	"github.com/janhicken/schedoscope/dispatcher/protocol"
)

// workerSlot is the stable half of a worker: identity, mailbox and activation
// channel. The pool owns the slots, so queued commands survive worker
// restarts and the worker identity is its position within the pool.
type workerSlot struct {
	id      string
	pool    string
	index   int
	mailbox chan *protocol.DriverCommand
	tick    chan struct{}

	// pending holds the command currently held by the worker. A command
	// parked by a retryable fault stays pending across the restart and is
	// re-executed once the restarted worker is activated. Guarded by mu,
	// the router reads the depth concurrently.
	mu      sync.Mutex
	pending *protocol.DriverCommand
}

func (s *workerSlot) setPending(cmd *protocol.DriverCommand) {
	s.mu.Lock()
	s.pending = cmd
	s.mu.Unlock()
}

func (s *workerSlot) takePending() *protocol.DriverCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func newWorkerSlot(pool string, index, mailboxSize int) *workerSlot {
	return &workerSlot{
		id:      protocol.WorkerID(pool, index),
		pool:    pool,
		index:   index,
		mailbox: make(chan *protocol.DriverCommand, mailboxSize),
		tick:    make(chan struct{}, 1),
	}
}

// depth is the number of commands waiting on or held by this slot, used by
// the smallest-mailbox router.
func (s *workerSlot) depth() int {
	n := len(s.mailbox)
	if s.takePending() != nil {
		n++
	}

	return n
}

// Worker is the single-threaded event loop owning one driver. It boots the
// driver, reports the boot to the dispatcher, and only starts consuming its
// mailbox once the dispatcher activates it with a tick. From then on commands
// are executed strictly one at a time in mailbox order.
type Worker struct {
	slot     *workerSlot
	factory  FactoryFunc
	deploy   DeploySettings
	status   chan<- protocol.WorkerStatus
	counters *poolCounters
	logger   log.Logger
}

func newWorker(slot *workerSlot, factory FactoryFunc, deploy DeploySettings,
	status chan<- protocol.WorkerStatus, counters *poolCounters) *Worker {

	if counters == nil {
		counters = &poolCounters{}
	}

	return &Worker{
		slot:     slot,
		factory:  factory,
		deploy:   deploy,
		status:   status,
		counters: counters,
		logger:   log.With(log.Fields{"worker": slot.id}),
	}
}

// Run executes the worker loop until the context ends or a fault occurs. The
// returned error classifies the fault for the supervisor: ErrInit and
// ErrRetryable request a restart in place, anything else escalates.
func (w *Worker) Run(ctx context.Context) error {
	driver, err := w.factory(ctx)
	if err != nil {
		w.report(ctx, protocol.Failed, nil)
		return ErrInit.Wrap(err)
	}

	w.report(ctx, protocol.Booted, nil)

	// first work pull is gated by the dispatcher
	select {
	case <-ctx.Done():
		return nil
	case <-w.slot.tick:
	}

	for {
		cmd := w.slot.takePending()
		if cmd == nil {
			select {
			case <-ctx.Done():
				return nil
			case cmd = <-w.slot.mailbox:
			case <-w.slot.tick:
				// stale activation, already consuming
				continue
			}
		}

		if err := w.process(ctx, driver, cmd); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

func (w *Worker) process(ctx context.Context, driver Driver, cmd *protocol.DriverCommand) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %s: driver panic: %v", w.slot.id, r)
		}
	}()

	switch payload := cmd.Payload.(type) {
	case protocol.DeployCommand:
		ok := driver.DeployAll(ctx, w.deploy)
		w.reply(ctx, cmd, protocol.DeployResult{WorkerID: w.slot.id, OK: ok})
		w.slot.setPending(nil)
		w.report(ctx, protocol.Idle, nil)
		return nil

	case protocol.TransformView:
		t := payload.Transformation
		if t.View == nil {
			t = t.ForView(payload.View)
		}
		return w.transform(ctx, driver, cmd, t)

	case protocol.Transformation:
		return w.transform(ctx, driver, cmd, payload)
	}

	return fmt.Errorf("worker %s: unhandled command payload %T", w.slot.id, cmd.Payload)
}

func (w *Worker) transform(ctx context.Context, driver Driver, cmd *protocol.DriverCommand, t protocol.Transformation) error {
	w.slot.setPending(cmd)
	w.report(ctx, protocol.Running, &t)

	state := driver.RunAndWait(ctx, t)
	switch {
	case state.Phase == Succeeded:
		w.logger.Debugf("transformation %s succeeded", t)
		w.counters.success.Add(1)
		transformationsSucceeded.WithLabelValues(w.slot.pool).Inc()
		w.reply(ctx, cmd, protocol.TransformationSuccess{
			View:      t.View,
			Checksum:  RunChecksum(t, state.Comment),
			Timestamp: time.Now(),
		})

	case ErrRetryable.Is(state.Cause):
		// keep the command parked on the slot, the restarted worker
		// retries it after its next activation
		w.logger.Warningf("retryable failure running %s: %s", t, state.Cause)
		w.report(ctx, protocol.Failed, &t)
		return ErrRetryable.Wrap(state.Cause)

	default:
		reason := state.Reason
		if reason == "" && state.Cause != nil {
			reason = state.Cause.Error()
		}
		w.logger.Debugf("transformation %s failed: %s", t, reason)
		w.counters.errors.Add(1)
		transformationsFailed.WithLabelValues(w.slot.pool).Inc()
		w.reply(ctx, cmd, protocol.TransformationFailure{View: t.View, Reason: reason})
	}

	w.slot.setPending(nil)
	w.report(ctx, protocol.Idle, nil)
	return nil
}

func (w *Worker) reply(ctx context.Context, cmd *protocol.DriverCommand, r protocol.Reply) {
	select {
	case cmd.ReplyTo <- r:
	case <-ctx.Done():
	}
}

func (w *Worker) report(ctx context.Context, msg protocol.State, current *protocol.Transformation) {
	st := protocol.WorkerStatus{
		WorkerID:  w.slot.id,
		Pool:      w.slot.pool,
		Index:     w.slot.index,
		Message:   msg,
		Current:   current,
		Timestamp: time.Now(),
	}

	select {
	case w.status <- st:
	case <-ctx.Done():
	}
}
