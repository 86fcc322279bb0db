package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/janhicken/schedoscope/dispatcher"
	"github.com/janhicken/schedoscope/dispatcher/protocol"
	"github.com/janhicken/schedoscope/staging"
)

// Operation property keys understood by the driver.
const (
	PropOperation = "operation"
	PropPath      = "path"
	PropSource    = "source"
	PropTarget    = "target"
)

// Driver executes filesystem transformations: touch, mkdir, copy, move and
// delete operations on the host filesystem. Transient I/O conditions are
// classified as retryable, everything else is a terminal failure.
type Driver struct {
	// RunTimeout bounds RunAndWait, the zero value waits unbounded.
	RunTimeout time.Duration

	stager *staging.Stager
}

// New creates a filesystem driver staging libraries under stagingRoot.
func New(stagingRoot string) *Driver {
	return &Driver{stager: staging.NewStager(stagingRoot)}
}

// NewFactory returns a driver factory for dispatcher bootstrap.
func NewFactory(stagingRoot string) dispatcher.FactoryFunc {
	return func(ctx context.Context) (dispatcher.Driver, error) {
		return New(stagingRoot), nil
	}
}

func (d *Driver) Name() string {
	return protocol.FilesystemType
}

func (d *Driver) Run(ctx context.Context, t protocol.Transformation) *dispatcher.RunHandle {
	runCtx, cancel := context.WithCancel(ctx)
	h := dispatcher.NewRunHandle(cancel)

	go func() {
		defer cancel()
		h.Complete(d.execute(runCtx, t))
	}()

	return h
}

func (d *Driver) Poll(h *dispatcher.RunHandle) dispatcher.RunState {
	return h.Poll()
}

func (d *Driver) Kill(h *dispatcher.RunHandle) {
	h.Kill()
}

func (d *Driver) RunAndWait(ctx context.Context, t protocol.Transformation) dispatcher.RunState {
	return dispatcher.WaitRun(ctx, d, t, d.RunTimeout)
}

func (d *Driver) DeployAll(ctx context.Context, settings dispatcher.DeploySettings) bool {
	err := d.stager.StageAll(ctx, settings.Libs, settings.Unpack, settings.Location)
	if err != nil {
		logrus.Errorf("filesystem driver: error staging libraries: %s", err)
	}

	return err == nil
}

func (d *Driver) execute(ctx context.Context, t protocol.Transformation) dispatcher.RunState {
	if err := ctx.Err(); err != nil {
		return failure("run cancelled", err)
	}

	op := t.Property(PropOperation)
	var err error
	switch op {
	case "touch":
		err = touch(t.Property(PropPath))
	case "mkdir":
		err = mkdir(t.Property(PropPath))
	case "copy":
		err = copyFile(t.Property(PropSource), t.Property(PropTarget))
	case "move":
		err = move(t.Property(PropSource), t.Property(PropTarget))
	case "delete":
		err = remove(t.Property(PropPath))
	case "":
		return failure("missing operation property", nil)
	default:
		return failure(fmt.Sprintf("unsupported operation %q", op), nil)
	}

	if err != nil {
		if transient(err) {
			return dispatcher.RunState{
				Phase:  dispatcher.Failed,
				Reason: err.Error(),
				Cause:  dispatcher.ErrRetryable.Wrap(err),
			}
		}
		return failure(err.Error(), err)
	}

	return dispatcher.RunState{
		Phase:   dispatcher.Succeeded,
		Comment: op,
	}
}

func failure(reason string, cause error) dispatcher.RunState {
	return dispatcher.RunState{Phase: dispatcher.Failed, Reason: reason, Cause: cause}
}

func touch(path string) error {
	if path == "" {
		return fmt.Errorf("touch: missing path property")
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	now := time.Now()
	return os.Chtimes(path, now, now)
}

func mkdir(path string) error {
	if path == "" {
		return fmt.Errorf("mkdir: missing path property")
	}

	return os.MkdirAll(path, 0755)
}

func copyFile(source, target string) error {
	if source == "" || target == "" {
		return fmt.Errorf("copy: missing source or target property")
	}

	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}

	return out.Close()
}

func move(source, target string) error {
	if source == "" || target == "" {
		return fmt.Errorf("move: missing source or target property")
	}

	return os.Rename(source, target)
}

func remove(path string) error {
	if path == "" {
		return fmt.Errorf("delete: missing path property")
	}

	return os.RemoveAll(path)
}

// transient reports whether the error indicates a temporarily unhealthy
// filesystem rather than a wrong request.
func transient(err error) bool {
	for _, errno := range []syscall.Errno{
		syscall.EAGAIN, syscall.EBUSY, syscall.EINTR,
		syscall.EMFILE, syscall.ENFILE, syscall.ENOSPC,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}

	return false
}
