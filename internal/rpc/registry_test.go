package rpc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowmaster/internal/engine"
	"github.com/rendis/flowmaster/pkg/schema"
)

type fakeOperator struct {
	mu         sync.Mutex
	dispatched []*DispatchRequest
	paused     []int64
	killErr    error
	refuse     string
}

func (f *fakeOperator) DispatchTask(_ context.Context, req *DispatchRequest) (*DispatchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, req)
	if f.refuse != "" {
		return &DispatchResponse{Reason: f.refuse}, nil
	}
	return &DispatchResponse{DispatchSuccess: true}, nil
}

func (f *fakeOperator) PauseTask(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = append(f.paused, id)
	return nil
}

func (f *fakeOperator) KillTask(context.Context, int64) error { return f.killErr }

type fakeMaster struct {
	mu        sync.Mutex
	callbacks []*engine.TaskCallback
	stopped   []int64
}

func (f *fakeMaster) record(cb *engine.TaskCallback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks = append(f.callbacks, cb)
	return nil
}

func (f *fakeMaster) OnTaskRunning(_ context.Context, cb *engine.TaskCallback) error {
	return f.record(cb)
}
func (f *fakeMaster) OnTaskCompleted(_ context.Context, cb *engine.TaskCallback) error {
	return f.record(cb)
}
func (f *fakeMaster) OnTaskKilled(_ context.Context, cb *engine.TaskCallback) error {
	return f.record(cb)
}

func (f *fakeMaster) PauseWorkflowInstance(context.Context, int64) error {
	return schema.NewError(schema.ErrCodeNotFound, "workflow instance is not running on this master")
}

func (f *fakeMaster) StopWorkflowInstance(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

// inProcess builds a registry whose hosts resolve to in-process servers.
func inProcess(t *testing.T, servers map[string]*server.MCPServer, dials *int64) *Registry {
	t.Helper()
	r := NewRegistry(WithDialer(func(_ context.Context, host string) (*client.Client, error) {
		atomic.AddInt64(dials, 1)
		time.Sleep(10 * time.Millisecond)
		srv, ok := servers[host]
		if !ok {
			return nil, errors.New("connection refused")
		}
		return client.NewInProcessClient(srv)
	}))
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func workerServer(op TaskOperator) *server.MCPServer {
	srv := server.NewMCPServer("worker", "1.0.0", server.WithToolCapabilities(false))
	srv.AddTools(WorkerTools(op)...)
	return srv
}

func TestRegistry_DispatchRoundTrip(t *testing.T) {
	op := &fakeOperator{}
	var dials int64
	r := inProcess(t, map[string]*server.MCPServer{"w1:1234": workerServer(op)}, &dials)

	resp, err := r.TaskOperator("w1:1234").DispatchTask(context.Background(), &DispatchRequest{
		RequestID: "req-1",
		Master:    "m1:5678",
		Task: &engine.TaskContext{
			TaskInstanceID: 77,
			TaskName:       "extract",
			WorkerGroup:    "etl",
			Params:         []schema.Property{{Prop: "dt", Direct: schema.DirectIn, Type: "VARCHAR", Value: "20240312"}},
		},
	})
	require.NoError(t, err)
	assert.True(t, resp.DispatchSuccess)

	require.Len(t, op.dispatched, 1)
	got := op.dispatched[0]
	assert.Equal(t, "req-1", got.RequestID)
	assert.Equal(t, int64(77), got.Task.TaskInstanceID)
	assert.Equal(t, "20240312", got.Task.Params[0].Value)
}

func TestRegistry_RefusedDispatch(t *testing.T) {
	op := &fakeOperator{refuse: "worker overloaded"}
	var dials int64
	r := inProcess(t, map[string]*server.MCPServer{"w1:1234": workerServer(op)}, &dials)

	resp, err := r.TaskOperator("w1:1234").DispatchTask(context.Background(), &DispatchRequest{
		RequestID: "req-2", Task: &engine.TaskContext{TaskInstanceID: 1}})
	require.NoError(t, err)
	assert.False(t, resp.DispatchSuccess)
	assert.Equal(t, "worker overloaded", resp.Reason)
}

func TestRegistry_TaskControl(t *testing.T) {
	op := &fakeOperator{killErr: errors.New("task 9 not found")}
	var dials int64
	r := inProcess(t, map[string]*server.MCPServer{"w1:1234": workerServer(op)}, &dials)
	ctx := context.Background()

	require.NoError(t, r.TaskOperator("w1:1234").PauseTask(ctx, 9))
	assert.Equal(t, []int64{9}, op.paused)

	err := r.TaskOperator("w1:1234").KillTask(ctx, 9)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeRPC))
	assert.Contains(t, err.Error(), "task 9 not found")
}

func TestRegistry_MasterRoundTrip(t *testing.T) {
	m := &fakeMaster{}
	srv := server.NewMCPServer("master", "1.0.0", server.WithToolCapabilities(false))
	srv.AddTools(MasterTools(m)...)
	var dials int64
	r := inProcess(t, map[string]*server.MCPServer{"m1:5678": srv}, &dials)
	ctx := context.Background()

	end := time.Date(2024, 3, 13, 10, 0, 0, 0, time.UTC)
	err := r.MasterService("m1:5678").OnTaskCompleted(ctx, &engine.TaskCallback{
		TaskInstanceID:     5,
		WorkflowInstanceID: 3,
		Status:             schema.TaskSuccess,
		Host:               "w1:1234",
		EndTime:            &end,
		VarPool:            []schema.Property{{Prop: "rows", Direct: schema.DirectOut, Value: "42"}},
	})
	require.NoError(t, err)
	require.Len(t, m.callbacks, 1)
	cb := m.callbacks[0]
	assert.Equal(t, int64(5), cb.TaskInstanceID)
	assert.Equal(t, schema.TaskSuccess, cb.Status)
	require.NotNil(t, cb.EndTime)
	assert.True(t, cb.EndTime.Equal(end))
	assert.Equal(t, "42", cb.VarPool[0].Value)

	require.NoError(t, r.MasterService("m1:5678").StopWorkflowInstance(ctx, 3))
	assert.Equal(t, []int64{3}, m.stopped)

	err = r.MasterService("m1:5678").PauseWorkflowInstance(ctx, 4)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestRegistry_SingleFlightConnect(t *testing.T) {
	var dials int64
	r := inProcess(t, map[string]*server.MCPServer{"w1:1234": workerServer(&fakeOperator{})}, &dials)

	const callers = 20
	clients := make([]*client.Client, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := r.Client(context.Background(), "w1:1234")
			assert.NoError(t, err)
			clients[i] = c
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&dials))
	for _, c := range clients {
		assert.Same(t, clients[0], c)
	}
}

func TestRegistry_ProxiesCachedPerHost(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	assert.Same(t, r.TaskOperator("w1:1234"), r.TaskOperator("w1:1234"))
	assert.NotSame(t, r.TaskOperator("w1:1234"), r.TaskOperator("w2:1234"))
	assert.Same(t, r.MasterService("m1:5678"), r.MasterService("m1:5678"))
}

func TestRegistry_EvictReconnects(t *testing.T) {
	var dials int64
	r := inProcess(t, map[string]*server.MCPServer{"w1:1234": workerServer(&fakeOperator{})}, &dials)
	ctx := context.Background()

	_, err := r.Client(ctx, "w1:1234")
	require.NoError(t, err)
	assert.Equal(t, []string{"w1:1234"}, r.Hosts())

	r.Evict("w1:1234")
	assert.Empty(t, r.Hosts())

	_, err = r.Client(ctx, "w1:1234")
	require.NoError(t, err)
	assert.Equal(t, int64(2), atomic.LoadInt64(&dials))
}

func TestRegistry_DialFailure(t *testing.T) {
	var dials int64
	r := inProcess(t, map[string]*server.MCPServer{}, &dials)

	_, err := r.TaskOperator("gone:1").DispatchTask(context.Background(), &DispatchRequest{
		Task: &engine.TaskContext{TaskInstanceID: 1}})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeRPC))
	assert.Empty(t, r.Hosts())
}

func TestRegistry_Closed(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Close())

	_, err := r.Client(context.Background(), "w1:1234")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeRPC))
}
