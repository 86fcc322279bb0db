package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/janhicken/schedoscope/dispatcher"
	"github.com/janhicken/schedoscope/dispatcher/protocol"
)

func newTestDriver(t *testing.T) *Driver {
	t.Helper()
	return New(t.TempDir())
}

func transformation(op string, props map[string]string) protocol.Transformation {
	if props == nil {
		props = map[string]string{}
	}
	props[PropOperation] = op
	return protocol.Transformation{Type: protocol.FilesystemType, Properties: props}
}

func TestDriverName(t *testing.T) {
	require.Equal(t, "filesystem", newTestDriver(t).Name())
}

func TestDriverTouch(t *testing.T) {
	require := require.New(t)

	d := newTestDriver(t)
	path := filepath.Join(t.TempDir(), "_SUCCESS")

	state := d.RunAndWait(context.Background(), transformation("touch", map[string]string{
		PropPath: path,
	}))

	require.Equal(dispatcher.Succeeded, state.Phase)
	require.FileExists(path)
}

func TestDriverMkdirCopyMoveDelete(t *testing.T) {
	require := require.New(t)

	d := newTestDriver(t)
	ctx := context.Background()
	base := t.TempDir()

	state := d.RunAndWait(ctx, transformation("mkdir", map[string]string{
		PropPath: filepath.Join(base, "a/b"),
	}))
	require.Equal(dispatcher.Succeeded, state.Phase)
	require.DirExists(filepath.Join(base, "a/b"))

	source := filepath.Join(base, "a/b/data")
	require.NoError(os.WriteFile(source, []byte("rows"), 0644))

	target := filepath.Join(base, "a/b/copy")
	state = d.RunAndWait(ctx, transformation("copy", map[string]string{
		PropSource: source,
		PropTarget: target,
	}))
	require.Equal(dispatcher.Succeeded, state.Phase)

	content, err := os.ReadFile(target)
	require.NoError(err)
	require.Equal("rows", string(content))

	moved := filepath.Join(base, "a/moved")
	state = d.RunAndWait(ctx, transformation("move", map[string]string{
		PropSource: target,
		PropTarget: moved,
	}))
	require.Equal(dispatcher.Succeeded, state.Phase)
	require.FileExists(moved)

	state = d.RunAndWait(ctx, transformation("delete", map[string]string{
		PropPath: moved,
	}))
	require.Equal(dispatcher.Succeeded, state.Phase)
	_, err = os.Stat(moved)
	require.True(os.IsNotExist(err))
}

func TestDriverUnsupportedOperation(t *testing.T) {
	require := require.New(t)

	d := newTestDriver(t)
	state := d.RunAndWait(context.Background(), transformation("truncate", nil))

	require.Equal(dispatcher.Failed, state.Phase)
	require.Contains(state.Reason, "unsupported operation")
	require.False(dispatcher.ErrRetryable.Is(state.Cause))
}

func TestDriverMissingSourceIsTerminal(t *testing.T) {
	require := require.New(t)

	d := newTestDriver(t)
	state := d.RunAndWait(context.Background(), transformation("copy", map[string]string{
		PropSource: filepath.Join(t.TempDir(), "missing"),
		PropTarget: filepath.Join(t.TempDir(), "target"),
	}))

	require.Equal(dispatcher.Failed, state.Phase)
	require.False(dispatcher.ErrRetryable.Is(state.Cause))
}

func TestDriverRunPoll(t *testing.T) {
	require := require.New(t)

	d := newTestDriver(t)
	path := filepath.Join(t.TempDir(), "file")
	h := d.Run(context.Background(), transformation("touch", map[string]string{
		PropPath: path,
	}))

	deadline := time.Now().Add(5 * time.Second)
	for d.Poll(h).Phase == dispatcher.Ongoing && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	require.Equal(dispatcher.Succeeded, d.Poll(h).Phase)
	require.NotEmpty(h.ID)
}

func TestDriverDeployAll(t *testing.T) {
	require := require.New(t)

	lib := filepath.Join(t.TempDir(), "udfs.jar")
	require.NoError(os.WriteFile(lib, []byte("jar"), 0644))

	location := t.TempDir()
	d := newTestDriver(t)

	ok := d.DeployAll(context.Background(), dispatcher.DeploySettings{
		Libs:     []string{lib},
		Location: location,
	})
	require.True(ok)
	require.FileExists(filepath.Join(location, "udfs.jar"))

	ok = d.DeployAll(context.Background(), dispatcher.DeploySettings{
		Libs:     []string{filepath.Join(t.TempDir(), "missing.jar")},
		Location: location,
	})
	require.False(ok)
}

func TestDriverKill(t *testing.T) {
	require := require.New(t)

	d := newTestDriver(t)
	h := dispatcher.NewRunHandle(nil)

	// idempotent on handles without cancel and on completed handles
	d.Kill(h)
	h.Complete(dispatcher.RunState{Phase: dispatcher.Succeeded})
	d.Kill(h)
	require.Equal(dispatcher.Succeeded, h.Poll().Phase)
}
