package worker_test

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamba/pogo/job"
	"github.com/hamba/pogo/worker"
)

// connectFakeWorker dials into the pool with an in-process pipe and
// sends the HELLO handshake, returning the dispatcher-side end of the
// connection for test assertions.
func connectFakeWorker(t *testing.T, p *worker.Pool, id string, capacity int) (net.Conn, <-chan error) {
	t.Helper()

	dispatcherSide, workerSide := net.Pipe()

	done := make(chan error, 1)
	go func() { done <- p.Accept(dispatcherSide) }()

	require.NoError(t, worker.WriteFrame(workerSide, worker.Envelope{
		Type:    worker.MsgHello,
		Payload: mustMarshal(t, worker.HelloPayload{ID: id, Capacity: capacity}),
	}))

	return workerSide, done
}

type frameResult struct {
	env worker.Envelope
	err error
}

// readFrameAsync reads one frame from conn in the background. net.Pipe
// is synchronous, so a frame the dispatcher writes during Dispatch only
// gets through once a read is already pending on the worker side.
func readFrameAsync(conn net.Conn) <-chan frameResult {
	ch := make(chan frameResult, 1)
	go func() {
		env, err := worker.ReadFrame(conn)
		ch <- frameResult{env: env, err: err}
	}()
	return ch
}

func mustMarshal(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestPool_DispatchAndResult(t *testing.T) {
	p := worker.New(nil)

	workerSide, _ := connectFakeWorker(t, p, "w1", 2)
	defer workerSide.Close()

	// Give Accept's goroutine time to register the worker.
	time.Sleep(10 * time.Millisecond)

	stats := p.Stats()
	assert.Equal(t, 1, stats.Idle)

	frame := readFrameAsync(workerSide)
	results, cancel, err := p.Dispatch(context.Background(), job.DispatchTask{
		JobID: "p1", Hostname: "web1", Command: "uptime", Timeout: time.Second,
	})
	require.NoError(t, err)
	defer cancel()

	got := <-frame
	env, err := got.env, got.err
	require.NoError(t, err)
	require.Equal(t, worker.MsgDispatch, env.Type)

	var dispatch worker.DispatchPayload
	require.NoError(t, json.Unmarshal(env.Payload, &dispatch))
	assert.Equal(t, "web1", dispatch.Hostname)

	require.NoError(t, worker.WriteFrame(workerSide, worker.Envelope{
		Type:    worker.MsgResult,
		ReqID:   env.ReqID,
		Payload: mustMarshal(t, worker.ResultPayload{ExitCode: 0, Message: "ok"}),
	}))

	select {
	case outcome := <-results:
		assert.Equal(t, 0, outcome.ExitCode)
		assert.Equal(t, "ok", outcome.Message)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outcome")
	}
}

func TestPool_DispatchNoWorkers(t *testing.T) {
	p := worker.New(nil)

	_, _, err := p.Dispatch(context.Background(), job.DispatchTask{JobID: "p1", Hostname: "web1"})
	require.Error(t, err)
}

func TestPool_SelectsLeastLoaded(t *testing.T) {
	p := worker.New(nil)

	busySide, _ := connectFakeWorker(t, p, "busy", 1)
	defer busySide.Close()
	idleSide, _ := connectFakeWorker(t, p, "idle", 1)
	defer idleSide.Close()
	time.Sleep(10 * time.Millisecond)

	// With both workers idle, ties break by registration order: "busy"
	// registered first, so it receives the first dispatch.
	busyFrame := readFrameAsync(busySide)
	_, cancel1, err := p.Dispatch(context.Background(), job.DispatchTask{JobID: "p1", Hostname: "h1"})
	require.NoError(t, err)
	defer cancel1()

	err = (<-busyFrame).err
	require.NoError(t, err)

	// "busy" now has one in-flight task and a higher load ratio than
	// "idle", so the next dispatch must prefer "idle".
	idleFrame := readFrameAsync(idleSide)
	_, cancel2, err := p.Dispatch(context.Background(), job.DispatchTask{JobID: "p2", Hostname: "h2"})
	require.NoError(t, err)
	defer cancel2()

	got := <-idleFrame
	env, err := got.env, got.err
	require.NoError(t, err)
	assert.Equal(t, worker.MsgDispatch, env.Type)
}

func TestPool_RegisterSecret(t *testing.T) {
	p := worker.New(nil)
	p.RegisterSecret("ref-1", "s3cr3t")

	workerSide, _ := connectFakeWorker(t, p, "w1", 1)
	defer workerSide.Close()
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, worker.WriteFrame(workerSide, worker.Envelope{
		Type:    worker.MsgFetchSecret,
		Payload: mustMarshal(t, worker.FetchSecretPayload{ReqID: "ref-1"}),
	}))

	env, err := worker.ReadFrame(workerSide)
	require.NoError(t, err)
	require.Equal(t, worker.MsgSecret, env.Type)

	var secret worker.SecretPayload
	require.NoError(t, json.Unmarshal(env.Payload, &secret))
	assert.Equal(t, "s3cr3t", secret.Secret)
}
