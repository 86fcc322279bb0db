package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/janhicken/schedoscope/dispatcher/protocol"
)

// tickOnBoot consumes worker statuses and activates every booted worker
// immediately, standing in for the dispatcher loop in pool-level tests.
func tickOnBoot(p *Pool, status <-chan protocol.WorkerStatus, stop <-chan struct{}) {
	for {
		select {
		case st := <-status:
			if st.Message == protocol.Booted {
				p.Tick(st.Index)
			}
		case <-stop:
			return
		}
	}
}

func startTestPool(t *testing.T, typeName string, concurrency int, factory FactoryFunc) (*Pool, chan error, func()) {
	t.Helper()

	status := make(chan protocol.WorkerStatus, 128)
	escalations := make(chan error, 1)
	p := NewPool(typeName, concurrency, factory, DeploySettings{}, status, escalations)
	require.NoError(t, p.Start())

	stop := make(chan struct{})
	go tickOnBoot(p, status, stop)

	return p, escalations, func() {
		p.Stop(false)
		close(stop)
	}
}

func TestPoolStart_NoopClose(t *testing.T) {
	require := require.New(t)

	script := newMockScript()
	p, _, _ := startTestPool(t, "hive", 1, script.factory("hive"))

	require.True(ErrPoolRunning.Is(p.Start()))
	require.NoError(p.Stop(false))
	require.True(ErrPoolClosed.Is(p.Stop(false)))
	require.True(ErrPoolClosed.Is(p.Submit(&protocol.DriverCommand{})))
}

func TestPoolSmallestMailboxTieBreak(t *testing.T) {
	require := require.New(t)

	p := NewPool("hive", 3, nil, DeploySettings{}, nil, nil)
	require.Equal(0, p.smallestMailbox().index)

	p.slots[0].mailbox <- &protocol.DriverCommand{}
	require.Equal(1, p.smallestMailbox().index)

	p.slots[1].mailbox <- &protocol.DriverCommand{}
	p.slots[1].mailbox <- &protocol.DriverCommand{}
	require.Equal(2, p.smallestMailbox().index)

	p.slots[2].mailbox <- &protocol.DriverCommand{}
	// 1, 2, 1 pending: ties broken by slot order
	require.Equal(0, p.smallestMailbox().index)
}

func TestPoolExecutesCommands(t *testing.T) {
	require := require.New(t)

	script := newMockScript()
	p, _, stop := startTestPool(t, "hive", 2, script.factory("hive"))
	defer stop()

	replies := make(chan protocol.Reply, 10)
	for i := 0; i < 10; i++ {
		require.NoError(p.Submit(&protocol.DriverCommand{
			Payload: protocol.Transformation{Type: "hive"},
			ReplyTo: replies,
		}))
	}

	for i := 0; i < 10; i++ {
		select {
		case r := <-replies:
			require.IsType(protocol.TransformationSuccess{}, r)
		case <-time.After(5 * time.Second):
			t.Fatal("missing reply")
		}
	}

	require.Equal(10, script.runCount())
	require.Equal(10, p.State().Success)
}

func TestPoolSerialisesWithOneWorker(t *testing.T) {
	require := require.New(t)

	script := newMockScript()
	script.runDelay = 10 * time.Millisecond
	p, _, stop := startTestPool(t, "hive", 1, script.factory("hive"))
	defer stop()

	replies := make(chan protocol.Reply, 5)
	for i := 0; i < 5; i++ {
		require.NoError(p.Submit(&protocol.DriverCommand{
			Payload: protocol.Transformation{Type: "hive"},
			ReplyTo: replies,
		}))
	}

	for i := 0; i < 5; i++ {
		<-replies
	}

	script.mu.Lock()
	defer script.mu.Unlock()
	require.Equal(1, script.maxInflight)
}

func TestPoolRestartsWorkerOnRetryableFailure(t *testing.T) {
	require := require.New(t)

	script := newMockScript()
	script.retryableFailures = 2
	p, _, stop := startTestPool(t, "hive", 1, script.factory("hive"))
	defer stop()

	reply := make(chan protocol.Reply, 1)
	require.NoError(p.Submit(&protocol.DriverCommand{
		Payload: protocol.Transformation{Type: "hive"},
		ReplyTo: reply,
	}))

	select {
	case r := <-reply:
		require.IsType(protocol.TransformationSuccess{}, r)
	case <-time.After(5 * time.Second):
		t.Fatal("no reply after restarts")
	}

	// one construction per boot: initial plus one per retryable failure
	require.Equal(3, script.constructions())
	require.Equal(2, p.State().Restarts)
}

func TestPoolBroadcastReachesEveryWorkerOnce(t *testing.T) {
	require := require.New(t)

	script := newMockScript()
	p, _, stop := startTestPool(t, "hive", 3, script.factory("hive"))
	defer stop()

	replies := make(chan protocol.Reply, 3)
	require.NoError(p.Broadcast(&protocol.DriverCommand{
		Payload: protocol.DeployCommand{},
		ReplyTo: replies,
	}))

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		select {
		case r := <-replies:
			ack := r.(protocol.DeployResult)
			require.False(seen[ack.WorkerID], "worker %s acked twice", ack.WorkerID)
			seen[ack.WorkerID] = true
		case <-time.After(5 * time.Second):
			t.Fatal("missing deploy ack")
		}
	}

	require.Equal(3, script.deployCount())
}

func TestPoolEscalatesUnknownFaults(t *testing.T) {
	require := require.New(t)

	p, escalations, stop := startTestPool(t, "hive", 1, panicFactory("hive"))
	defer stop()

	reply := make(chan protocol.Reply, 1)
	require.NoError(p.Submit(&protocol.DriverCommand{
		Payload: protocol.Transformation{Type: "hive"},
		ReplyTo: reply,
	}))

	select {
	case err := <-escalations:
		require.Error(err)
		require.False(recoverable(err))
	case <-time.After(5 * time.Second):
		t.Fatal("no escalation")
	}
}

func TestPoolQueuesWhileAllWorkersRestarting(t *testing.T) {
	require := require.New(t)

	script := newMockScript()
	script.retryableFailures = 1
	p, _, stop := startTestPool(t, "hive", 1, script.factory("hive"))
	defer stop()

	first := make(chan protocol.Reply, 1)
	second := make(chan protocol.Reply, 1)
	require.NoError(p.Submit(&protocol.DriverCommand{
		Payload: protocol.Transformation{Type: "hive"},
		ReplyTo: first,
	}))
	require.NoError(p.Submit(&protocol.DriverCommand{
		Payload: protocol.Transformation{Type: "hive"},
		ReplyTo: second,
	}))

	for _, reply := range []chan protocol.Reply{first, second} {
		select {
		case r := <-reply:
			require.IsType(protocol.TransformationSuccess{}, r)
		case <-time.After(5 * time.Second):
			t.Fatal("queued command not served after restart")
		}
	}
}
