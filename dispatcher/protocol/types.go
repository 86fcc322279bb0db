package protocol

import (
	"fmt"
	"strings"
	"time"
)

// Transformation is the recipe for materialising a view: a type name drawn
// from the configured set plus type-specific parameters. A transformation may
// be bound to the view it materialises; filesystem operations and other
// view-less work leave View nil.
type Transformation struct {
	// Type is the stable routing key, e.g. "hive" or "filesystem". It must
	// match the Name() of the driver that executes it.
	Type string `json:"type"`
	// Properties are the type-specific parameters of the transformation.
	Properties map[string]string `json:"properties,omitempty"`
	// View the transformation is bound to, nil if unbound.
	View View `json:"-"`
}

// ForView returns a copy of the transformation bound to the given view.
func (t Transformation) ForView(v View) Transformation {
	t.View = v
	return t
}

// Property returns a parameter value or the empty string.
func (t Transformation) Property(key string) string {
	return t.Properties[key]
}

func (t Transformation) String() string {
	if t.View != nil {
		return fmt.Sprintf("%s(%s)", t.Type, t.View.Name())
	}
	return t.Type
}

// View is a materialised node of the data warehouse graph. The dispatcher
// treats views as opaque, it only derives the transformation that
// materialises them.
type View interface {
	// Name identifies the view, e.g. "db.table/partition".
	Name() string
	// Transformation yields the transformation declared by the view. The
	// dispatcher binds it back to the view before routing.
	Transformation() Transformation
}

// FilesystemTransformation is the convenience form for view-less filesystem
// work. The dispatcher wraps it and routes it to the filesystem pool.
type FilesystemTransformation struct {
	// Operation to perform, e.g. "touch", "copy", "delete".
	Operation string `json:"operation"`
	// Properties are operation parameters such as source and target paths.
	Properties map[string]string `json:"properties,omitempty"`
}

// FilesystemType is the routing key of filesystem transformations.
const FilesystemType = "filesystem"

// Transformation converts the convenience form into a routable transformation.
func (f FilesystemTransformation) Transformation() Transformation {
	props := map[string]string{"operation": f.Operation}
	for k, v := range f.Properties {
		props[k] = v
	}
	return Transformation{Type: FilesystemType, Properties: props}
}

// Command is the payload of a DriverCommand. The set is closed: a
// transformation, a view-bound transformation, or a deploy request.
type Command interface {
	isCommand()
}

func (Transformation) isCommand() {}

// TransformView carries a transformation together with the view it
// materialises.
type TransformView struct {
	Transformation Transformation
	View           View
}

func (TransformView) isCommand() {}

// DeployCommand requests that every worker stages its driver libraries.
type DeployCommand struct{}

func (DeployCommand) isCommand() {}

// DriverCommand is the unit of work delivered to a worker. ReplyTo must be
// set; the worker delivers exactly one terminal reply to it.
type DriverCommand struct {
	Payload Command
	ReplyTo chan<- Reply
}

// Reply is a terminal response delivered to the ReplyTo handle of a command.
type Reply interface {
	isReply()
}

// TransformationSuccess reports a completed transformation.
type TransformationSuccess struct {
	View      View      `json:"-"`
	Checksum  string    `json:"checksum"`
	Timestamp time.Time `json:"timestamp"`
}

func (TransformationSuccess) isReply() {}

// TransformationFailure reports a transformation the driver decided cannot
// succeed. The worker stays alive after sending it.
type TransformationFailure struct {
	View   View   `json:"-"`
	Reason string `json:"reason"`
}

func (TransformationFailure) isReply() {}

// DeployResult is the per-worker acknowledgement of a DeployCommand.
type DeployResult struct {
	WorkerID string `json:"worker_id"`
	OK       bool   `json:"ok"`
}

func (DeployResult) isReply() {}

// State is the lifecycle state a worker reports to the dispatcher.
type State int

const (
	// Booted the worker constructed its driver and awaits activation.
	Booted State = iota
	// Idle the worker is activated and waiting for the next command.
	Idle
	// Running the worker is executing a transformation.
	Running
	// Failed the worker hit a fault and is about to be restarted.
	Failed
)

var stateNames = map[State]string{
	Booted:  "booted",
	Idle:    "idle",
	Running: "running",
	Failed:  "failed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalJSON encodes the state by its wire name.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON decodes the wire name back into a state.
func (s *State) UnmarshalJSON(data []byte) error {
	name := strings.Trim(string(data), `"`)
	for state, n := range stateNames {
		if n == name {
			*s = state
			return nil
		}
	}

	return fmt.Errorf("unknown worker state %q", name)
}

// WorkerStatus is the status event a worker emits on every state transition.
// WorkerID is stable for the worker's lifetime and survives restarts, the
// identity is the slot position within the pool.
type WorkerStatus struct {
	WorkerID  string          `json:"worker_id"`
	Pool      string          `json:"pool"`
	Index     int             `json:"index"`
	Message   State           `json:"message"`
	Current   *Transformation `json:"current,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// WorkerID derives the stable identity of the worker at the given slot.
func WorkerID(pool string, index int) string {
	return fmt.Sprintf("%s-%d", pool, index)
}

// PoolState is a point-in-time summary of one pool.
type PoolState struct {
	// Type of transformation the pool serves.
	Type string `json:"type"`
	// Workers is the configured concurrency.
	Workers int `json:"workers"`
	// Queued number of commands waiting in the pool inbox and worker
	// mailboxes, plus the commands currently held by workers.
	Queued int `json:"queued"`
	// Success number of transformations completed successfully.
	Success int `json:"success"`
	// Errors number of transformations that failed terminally.
	Errors int `json:"errors"`
	// Restarts number of worker restarts performed by the supervisor.
	Restarts int `json:"restarts"`
}

// TransformationStatusListResponse is the reply to a snapshot request.
type TransformationStatusListResponse struct {
	States []WorkerStatus `json:"states"`
}
