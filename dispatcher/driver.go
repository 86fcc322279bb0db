package dispatcher

import (
	"context"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid"

	"github.com/janhicken/schedoscope/dispatcher/protocol"
	"github.com/janhicken/schedoscope/staging"
)

// RunPhase is the coarse state of one driver run.
type RunPhase int

const (
	// Ongoing the run has not reached a terminal state yet.
	Ongoing RunPhase = iota
	// Succeeded the run completed and the transformation is materialised.
	Succeeded
	// Failed the run reached a terminal failure.
	Failed
)

func (p RunPhase) String() string {
	switch p {
	case Ongoing:
		return "ongoing"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// RunState is the observable state of a driver run. Terminal failures carry a
// reason and, when available, the causing error. A cause matching
// ErrRetryable marks the execution environment as transiently unhealthy and
// triggers a worker restart instead of a terminal reply.
type RunState struct {
	Phase   RunPhase
	Comment string
	Reason  string
	Cause   error
}

// RunHandle is the opaque handle returned by Driver.Run. It carries the
// completion promise of the run: drivers complete it exactly once, clients
// poll or wait on it.
type RunHandle struct {
	// ID of the run, lexically sortable.
	ID string
	// Started is the instant the driver accepted the run.
	Started time.Time

	cancel context.CancelFunc

	mu    sync.Mutex
	state RunState
	done  chan struct{}
}

var runEntropy = &sync.Pool{
	New: func() interface{} {
		return rand.NewSource(time.Now().UnixNano())
	},
}

// newRunID returns a lexically sortable run identifier.
func newRunID() string {
	src := runEntropy.Get().(rand.Source)
	id := ulid.MustNew(ulid.Timestamp(time.Now()), rand.New(src))
	runEntropy.Put(src)

	return strings.ToLower(id.String())
}

// NewRunHandle creates a handle in the Ongoing state. cancel is invoked by
// Kill and may be nil.
func NewRunHandle(cancel context.CancelFunc) *RunHandle {
	return &RunHandle{
		ID:      newRunID(),
		Started: time.Now(),
		cancel:  cancel,
		state:   RunState{Phase: Ongoing},
		done:    make(chan struct{}),
	}
}

// Complete resolves the handle with a terminal state. The first terminal
// state wins, later calls are ignored.
func (h *RunHandle) Complete(s RunState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.Phase != Ongoing {
		return
	}

	h.state = s
	close(h.done)
}

// Poll returns the current state without blocking.
func (h *RunHandle) Poll() RunState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Wait blocks until the run reaches a terminal state or the context ends. On
// context end the returned state is a terminal failure carrying the context
// error.
func (h *RunHandle) Wait(ctx context.Context) RunState {
	select {
	case <-h.done:
		return h.Poll()
	case <-ctx.Done():
		return RunState{Phase: Failed, Reason: "run wait aborted", Cause: ctx.Err()}
	}
}

// Kill cancels the run best-effort. It is idempotent and safe to call on
// completed handles.
func (h *RunHandle) Kill() {
	if h.cancel != nil {
		h.cancel()
	}
}

// DeploySettings configures library staging for one transformation type.
type DeploySettings struct {
	// Libs are the URIs of the libraries to stage.
	Libs []string `json:"libs"`
	// Unpack extracts archive libraries instead of copying them verbatim.
	Unpack bool `json:"unpack"`
	// Location is the driver working area the libraries are staged into.
	Location string `json:"location"`
}

// Driver executes transformations of one type. Implementations must classify
// failures: a RunState cause matching ErrRetryable requests a worker restart,
// every other failure is terminal and leaves the worker alive.
type Driver interface {
	// Name returns the stable type name used for routing. Drivers declare
	// it explicitly, it is never derived.
	Name() string
	// Run begins executing t and returns immediately with the run handle.
	Run(ctx context.Context, t protocol.Transformation) *RunHandle
	// Poll returns the current state of a run without blocking.
	Poll(h *RunHandle) RunState
	// RunAndWait executes t and blocks until a terminal state, up to the
	// driver's run timeout.
	RunAndWait(ctx context.Context, t protocol.Transformation) RunState
	// Kill cancels a run best-effort. Idempotent.
	Kill(h *RunHandle)
	// DeployAll stages all configured libraries into the driver's working
	// area and reports whether every stage step succeeded.
	DeployAll(ctx context.Context, settings DeploySettings) bool
}

// FactoryFunc creates a fresh driver instance. It is invoked on every worker
// (re)start; a non-nil error is treated as an initialisation fault.
type FactoryFunc func(ctx context.Context) (Driver, error)

// WaitRun runs t on d and waits for the terminal state, bounding the wait by
// timeout when it is positive. The zero timeout waits unbounded. Drivers use
// it to implement RunAndWait on top of Run.
func WaitRun(ctx context.Context, d Driver, t protocol.Transformation, timeout time.Duration) RunState {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	h := d.Run(ctx, t)
	return h.Wait(ctx)
}

// RunChecksum derives the checksum reported in a success reply from the
// transformation identity and the driver comment.
func RunChecksum(t protocol.Transformation, comment string) string {
	input := []string{t.Type, comment}
	keys := make([]string, 0, len(t.Properties))
	for k := range t.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		input = append(input, k+"="+t.Properties[k])
	}
	if t.View != nil {
		input = append(input, t.View.Name())
	}
	return staging.ComputeDigest(input...).String()
}
