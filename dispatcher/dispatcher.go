package dispatcher

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"

	"github.com/janhicken/schedoscope/dispatcher/protocol"
)

// TypeConfig configures one transformation type.
type TypeConfig struct {
	// Concurrency is the number of workers in the type's pool, at least 1.
	Concurrency int `json:"concurrency"`
	// BackoffSlot is the base unit of the activation backoff.
	BackoffSlot time.Duration `json:"backoff_slot_time"`
	// BackoffMinDelay is the floor added to every backoff wait.
	BackoffMinDelay time.Duration `json:"backoff_minimum_delay"`
	// Deploy configures library staging for the type's drivers.
	Deploy DeploySettings `json:"deploy"`
}

// Config is the dispatcher bootstrap configuration. The key set of Types is
// the closed set of known transformation types.
type Config struct {
	Types map[string]TypeConfig
	// DrainOnShutdown finishes queued commands before stopping instead of
	// dropping them.
	DrainOnShutdown bool
	// BackoffSeed fixes the backoff jitter sequences for reproducible runs.
	// Zero seeds from the clock.
	BackoffSeed int64
}

// Dispatcher is the singleton front door of the transformation subsystem. It
// owns one pool per configured type, routes commands to them, records every
// worker status it observes and paces worker re-activation through backoff
// ticks. Its own state is only touched by the run loop, one status event at a
// time.
type Dispatcher struct {
	config Config

	pools       map[string]*Pool // keyed by type name
	poolsByName map[string]*Pool // keyed by pool name

	status      chan protocol.WorkerStatus
	escalations chan error
	snapshots   chan chan []protocol.WorkerStatus

	driverStates map[string]protocol.WorkerStatus
	backoffs     map[string]*Backoff

	timers struct {
		sync.Mutex
		list []*time.Timer
	}

	runCtx   context.Context
	stop     context.CancelFunc
	stopOnce sync.Once
	stopped  chan struct{}
	fatal    error
}

// New creates a dispatcher for the configured transformation types. Every
// configured type needs a driver factory; configuration faults are fatal
// here, before anything starts.
func New(config Config, factories map[string]FactoryFunc) (*Dispatcher, error) {
	if len(config.Types) == 0 {
		return nil, ErrConfig.New("no transformation types configured")
	}

	d := &Dispatcher{
		config:       config,
		pools:        make(map[string]*Pool, len(config.Types)),
		poolsByName:  make(map[string]*Pool, len(config.Types)),
		status:       make(chan protocol.WorkerStatus, 128),
		escalations:  make(chan error, 1),
		snapshots:    make(chan chan []protocol.WorkerStatus),
		driverStates: make(map[string]protocol.WorkerStatus),
		backoffs:     make(map[string]*Backoff),
		stopped:      make(chan struct{}),
	}

	for typeName, tc := range config.Types {
		if tc.Concurrency < 1 {
			return nil, ErrConfig.New("type " + typeName + ": concurrency must be at least 1")
		}

		factory, ok := factories[typeName]
		if !ok {
			return nil, ErrConfig.New("type " + typeName + ": no driver factory registered")
		}

		pool := NewPool(typeName, tc.Concurrency, factory, tc.Deploy, d.status, d.escalations)
		d.pools[typeName] = pool
		d.poolsByName[pool.Name] = pool
	}

	return d, nil
}

// Start launches every pool and the dispatcher run loop.
func (d *Dispatcher) Start() error {
	if d.runCtx != nil {
		return ErrDispatcherRunning.New()
	}

	d.runCtx, d.stop = context.WithCancel(context.Background())

	for _, pool := range d.pools {
		if err := pool.Start(); err != nil {
			return err
		}
		logrus.Infof("pool %s started with %d workers", pool.Name, pool.concurrency)
	}

	go d.run()
	return nil
}

// run is the dispatcher event loop. All dispatcher-owned state is mutated
// here only.
func (d *Dispatcher) run() {
	defer close(d.stopped)

	stop := d.runCtx.Done()
	for {
		select {
		case <-stop:
			return

		case st := <-d.status:
			d.manageDriverLifecycle(st)

		case err := <-d.escalations:
			d.fatal = err
			logrus.Errorf("unrecoverable fault escalated by a pool: %s", err)
			// Stop waits for this loop to exit, it cannot run inline
			go d.Stop()
			return

		case req := <-d.snapshots:
			req <- d.snapshot()
		}
	}
}

// manageDriverLifecycle records the observed status and, on boot events,
// gates the worker's activation. The very first boot of a worker is
// activated immediately; every re-boot advances the worker's backoff and
// schedules the tick after the resulting wait.
func (d *Dispatcher) manageDriverLifecycle(st protocol.WorkerStatus) {
	d.driverStates[st.WorkerID] = st

	if st.Message != protocol.Booted {
		return
	}

	pool, ok := d.poolsByName[st.Pool]
	if !ok {
		logrus.Warningf("status from unknown pool %q ignored", st.Pool)
		return
	}

	tc := d.config.Types[pool.Type()]
	if _, ok := d.backoffs[st.WorkerID]; !ok {
		d.backoffs[st.WorkerID] = NewBackoff(tc.BackoffSlot, tc.BackoffMinDelay, d.seedFor(st.WorkerID))
		ticksImmediate.WithLabelValues(st.Pool).Inc()
		pool.Tick(st.Index)
		return
	}

	wait := d.backoffs[st.WorkerID].Next()
	ticksScheduled.WithLabelValues(st.Pool).Inc()
	logrus.Debugf("worker %s re-booted, next activation in %s", st.WorkerID, wait)

	index := st.Index
	d.trackTimer(time.AfterFunc(wait, func() {
		pool.Tick(index)
	}))
}

func (d *Dispatcher) seedFor(workerID string) int64 {
	if d.config.BackoffSeed == 0 {
		return time.Now().UnixNano()
	}

	h := fnv.New64a()
	h.Write([]byte(workerID))
	return d.config.BackoffSeed + int64(h.Sum64())
}

func (d *Dispatcher) trackTimer(t *time.Timer) {
	d.timers.Lock()
	d.timers.list = append(d.timers.list, t)
	d.timers.Unlock()
}

func (d *Dispatcher) stopTimers() {
	d.timers.Lock()
	defer d.timers.Unlock()
	for _, t := range d.timers.list {
		t.Stop()
	}
	d.timers.list = nil
}

func (d *Dispatcher) closed() bool {
	if d.runCtx == nil {
		return true
	}

	select {
	case <-d.runCtx.Done():
		return true
	default:
		return false
	}
}

// Submit routes a driver command to the pool serving its transformation
// type. Deploy commands are broadcast to every worker of every pool.
func (d *Dispatcher) Submit(ctx context.Context, cmd *protocol.DriverCommand) error {
	sp, _ := opentracing.StartSpanFromContext(ctx, "dispatcher.Submit")
	defer sp.Finish()

	if cmd.ReplyTo == nil {
		return ErrNoReplyChannel.New()
	}
	if d.closed() {
		return ErrDispatcherClosed.New()
	}

	switch payload := cmd.Payload.(type) {
	case protocol.DeployCommand:
		return d.broadcast(cmd)
	case protocol.TransformView:
		return d.route(payload.Transformation.Type, cmd)
	case protocol.Transformation:
		return d.route(payload.Type, cmd)
	default:
		return ErrConfig.New("unhandled command payload")
	}
}

func (d *Dispatcher) route(typeName string, cmd *protocol.DriverCommand) error {
	pool, ok := d.pools[typeName]
	if !ok {
		commandsRejected.WithLabelValues(typeName).Inc()
		return ErrUnknownType.New(typeName)
	}

	return pool.Submit(cmd)
}

func (d *Dispatcher) broadcast(cmd *protocol.DriverCommand) error {
	deployBroadcasts.Inc()
	for _, typeName := range d.typeNames() {
		if err := d.pools[typeName].Broadcast(cmd); err != nil {
			return err
		}
	}

	return nil
}

func (d *Dispatcher) typeNames() []string {
	names := make([]string, 0, len(d.pools))
	for name := range d.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Transform wraps a bare transformation with the caller's reply handle and
// routes it by type.
func (d *Dispatcher) Transform(ctx context.Context, t protocol.Transformation, replyTo chan<- protocol.Reply) error {
	return d.Submit(ctx, &protocol.DriverCommand{Payload: t, ReplyTo: replyTo})
}

// Materialize derives the transformation declared by the view, binds it back
// to the view and routes it.
func (d *Dispatcher) Materialize(ctx context.Context, v protocol.View, replyTo chan<- protocol.Reply) error {
	t := v.Transformation().ForView(v)
	return d.Submit(ctx, &protocol.DriverCommand{
		Payload: protocol.TransformView{Transformation: t, View: v},
		ReplyTo: replyTo,
	})
}

// TransformFilesystem wraps a filesystem transformation and routes it to the
// filesystem pool.
func (d *Dispatcher) TransformFilesystem(ctx context.Context, f protocol.FilesystemTransformation, replyTo chan<- protocol.Reply) error {
	return d.Submit(ctx, &protocol.DriverCommand{Payload: f.Transformation(), ReplyTo: replyTo})
}

// Deploy broadcasts a deploy command to every worker in every pool. Workers
// acknowledge individually on replyTo, nothing further is awaited.
func (d *Dispatcher) Deploy(ctx context.Context, replyTo chan<- protocol.Reply) error {
	return d.Submit(ctx, &protocol.DriverCommand{Payload: protocol.DeployCommand{}, ReplyTo: replyTo})
}

// Transformations returns a snapshot of the latest observed status of every
// worker, including workers currently booted or failed.
func (d *Dispatcher) Transformations(ctx context.Context) ([]protocol.WorkerStatus, error) {
	if d.closed() {
		return nil, ErrDispatcherClosed.New()
	}

	req := make(chan []protocol.WorkerStatus, 1)
	select {
	case d.snapshots <- req:
	case <-d.stopped:
		return nil, ErrDispatcherClosed.New()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case states := <-req:
		return states, nil
	case <-d.stopped:
		return nil, ErrDispatcherClosed.New()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) snapshot() []protocol.WorkerStatus {
	states := make([]protocol.WorkerStatus, 0, len(d.driverStates))
	for _, st := range d.driverStates {
		states = append(states, st)
	}

	sort.Slice(states, func(i, j int) bool {
		return states[i].WorkerID < states[j].WorkerID
	})

	return states
}

// PoolStates returns the current state of every pool, keyed by pool name.
func (d *Dispatcher) PoolStates() map[string]*protocol.PoolState {
	out := make(map[string]*protocol.PoolState, len(d.poolsByName))
	for name, pool := range d.poolsByName {
		out[name] = pool.State()
	}

	return out
}

// Stop shuts down the pools and the run loop. With DrainOnShutdown set the
// pools finish queued work first. It returns the escalated fault, if any.
func (d *Dispatcher) Stop() error {
	if d.runCtx == nil {
		return nil
	}

	d.stopOnce.Do(func() {
		for _, pool := range d.pools {
			if err := pool.Stop(d.config.DrainOnShutdown); err != nil && !ErrPoolClosed.Is(err) {
				logrus.Errorf("error stopping pool %s: %s", pool.Name, err)
			}
		}

		d.stop()
		d.stopTimers()
	})

	<-d.stopped
	return d.fatal
}

// Wait blocks until the dispatcher stops and returns the escalated fault, if
// any.
func (d *Dispatcher) Wait() error {
	<-d.stopped
	return d.fatal
}
