package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/src-d/go-log.v1"

	"github.com/cenkalti/backoff"

	"github.com/janhicken/schedoscope/dispatcher/protocol"
)

var (
	// DefaultMailboxSize is the capacity of each worker mailbox.
	DefaultMailboxSize = 64
	// DefaultInboxSize is the capacity of the pool's routing inbox.
	DefaultInboxSize = 1024

	// drainPollInterval is the poll rate used when stopping with drain.
	drainPollInterval = 10 * time.Millisecond
	// drainTimeout bounds the drain wait, queued work still unserved after
	// it is dropped.
	drainTimeout = 30 * time.Second
)

// Pool is a fixed-size group of workers for one transformation type. It
// routes incoming commands to the worker with the smallest mailbox and
// supervises its workers one-for-one: recoverable faults restart the failing
// worker in place, everything else escalates to the dispatcher.
type Pool struct {
	// Name of the pool, derived from the transformation type.
	Name string
	// Logger used during the life of the pool.
	Logger log.Logger

	typeName    string
	concurrency int
	factory     FactoryFunc
	deploy      DeploySettings

	slots       []*workerSlot
	inbox       chan *protocol.DriverCommand
	status      chan<- protocol.WorkerStatus
	escalations chan<- error

	// poolCtx will be cancelled as a signal that the pool is closing.
	poolCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	counters poolCounters
}

type poolCounters struct {
	success  atomicInt
	errors   atomicInt
	restarts atomicInt
}

// NewPool creates a pool for the given type. Workers are not started until
// Start is called.
func NewPool(typeName string, concurrency int, factory FactoryFunc, deploy DeploySettings,
	status chan<- protocol.WorkerStatus, escalations chan<- error) *Pool {

	name := typeName + "-pool"
	p := &Pool{
		Name:        name,
		Logger:      log.With(log.Fields{"pool": name}),
		typeName:    typeName,
		concurrency: concurrency,
		factory:     factory,
		deploy:      deploy,
		inbox:       make(chan *protocol.DriverCommand, DefaultInboxSize),
		status:      status,
		escalations: escalations,
	}

	for i := 0; i < concurrency; i++ {
		p.slots = append(p.slots, newWorkerSlot(name, i, DefaultMailboxSize))
	}

	return p
}

// Start launches the router and one supervised worker per slot.
func (p *Pool) Start() error {
	if p.poolCtx != nil {
		return ErrPoolRunning.New()
	}

	// Yes, it's discouraged to use a long-lived context. But an alternative
	// is to re-implement a root Context, which is even worse.
	p.poolCtx, p.stop = context.WithCancel(context.Background())

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.route()
	}()

	for _, slot := range p.slots {
		slot := slot
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.supervise(slot)
		}()
	}

	return nil
}

// route forwards inbox commands to the worker with the smallest mailbox,
// ties broken by slot order.
func (p *Pool) route() {
	stop := p.poolCtx.Done()
	for {
		select {
		case <-stop:
			return
		case cmd := <-p.inbox:
			slot := p.smallestMailbox()
			select {
			case slot.mailbox <- cmd:
			case <-stop:
				return
			}
		}
	}
}

func (p *Pool) smallestMailbox() *workerSlot {
	best := p.slots[0]
	for _, s := range p.slots[1:] {
		if s.depth() < best.depth() {
			best = s
		}
	}

	return best
}

// supervise runs workers on one slot, restarting them on recoverable faults.
// The restart count is unlimited, pacing comes from the dispatcher's backoff
// ticks. Construction failures are paced locally, a worker that cannot boot
// never reaches the tick gate.
func (p *Pool) supervise(slot *workerSlot) {
	var boff backoff.BackOff
	for {
		w := newWorker(slot, p.factory, p.deploy, p.status, &p.counters)

		err := w.Run(p.poolCtx)
		if p.poolCtx.Err() != nil || err == nil {
			return
		}

		if !recoverable(err) {
			p.Logger.Errorf(err, "worker %s: unrecoverable fault, escalating", slot.id)
			select {
			case p.escalations <- err:
			case <-p.poolCtx.Done():
			}
			return
		}

		p.counters.restarts.Add(1)
		workerRestarts.WithLabelValues(p.typeName).Inc()
		p.Logger.Warningf("worker %s failed, restarting: %s", slot.id, err)

		if ErrInit.Is(err) {
			if boff == nil {
				eb := backoff.NewExponentialBackOff()
				eb.MaxElapsedTime = 0
				boff = eb
			}
			select {
			case <-time.After(boff.NextBackOff()):
			case <-p.poolCtx.Done():
				return
			}
		} else {
			boff = nil
		}
	}
}

// Submit routes a command into the pool.
func (p *Pool) Submit(cmd *protocol.DriverCommand) error {
	if p.poolCtx == nil {
		return ErrPoolClosed.New()
	}

	select {
	case <-p.poolCtx.Done():
		return ErrPoolClosed.New()
	default:
	}

	select {
	case <-p.poolCtx.Done():
		return ErrPoolClosed.New()
	case p.inbox <- cmd:
		commandsRouted.WithLabelValues(p.typeName).Inc()
		return nil
	}
}

// Broadcast delivers a command to every worker of the pool exactly once,
// bypassing the smallest-mailbox router.
func (p *Pool) Broadcast(cmd *protocol.DriverCommand) error {
	if p.poolCtx == nil {
		return ErrPoolClosed.New()
	}

	select {
	case <-p.poolCtx.Done():
		return ErrPoolClosed.New()
	default:
	}

	for _, slot := range p.slots {
		select {
		case slot.mailbox <- cmd:
		case <-p.poolCtx.Done():
			return ErrPoolClosed.New()
		}
	}

	return nil
}

// Tick activates the worker at the given slot. Non-blocking, a pending
// activation is enough.
func (p *Pool) Tick(index int) {
	if index < 0 || index >= len(p.slots) {
		return
	}

	select {
	case p.slots[index].tick <- struct{}{}:
	default:
	}
}

// Type returns the transformation type this pool serves.
func (p *Pool) Type() string {
	return p.typeName
}

// State returns a point-in-time summary of the pool.
func (p *Pool) State() *protocol.PoolState {
	queued := len(p.inbox)
	for _, s := range p.slots {
		queued += s.depth()
	}

	return &protocol.PoolState{
		Type:     p.typeName,
		Workers:  p.concurrency,
		Queued:   queued,
		Success:  p.counters.success.Value(),
		Errors:   p.counters.errors.Value(),
		Restarts: p.counters.restarts.Value(),
	}
}

// Stop shuts the pool down. With drain set it waits for queued and in-flight
// commands to finish first, otherwise they are dropped.
func (p *Pool) Stop(drain bool) error {
	if p.poolCtx == nil {
		return nil
	}

	select {
	case <-p.poolCtx.Done():
		return ErrPoolClosed.New()
	default:
	}

	if drain {
		p.waitDrained()
	}

	p.stop()
	p.wg.Wait()
	return nil
}

func (p *Pool) waitDrained() {
	deadline := time.Now().Add(drainTimeout)
	for time.Now().Before(deadline) {
		if p.State().Queued == 0 {
			return
		}

		time.Sleep(drainPollInterval)
	}

	p.Logger.Warningf("drain timed out, dropping %d queued commands", p.State().Queued)
}

type atomicInt struct {
	val int32
}

func (c *atomicInt) Set(n int) int {
	return int(atomic.SwapInt32(&c.val, int32(n)))
}

func (c *atomicInt) Add(n int) {
	atomic.AddInt32(&c.val, int32(n))
}

func (c *atomicInt) Value() int {
	return int(atomic.LoadInt32(&c.val))
}
