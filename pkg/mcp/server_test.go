package mcp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowmaster/internal/engine"
	"github.com/rendis/flowmaster/internal/rpc"
	"github.com/rendis/flowmaster/internal/streaming"
	"github.com/rendis/flowmaster/pkg/schema"
)

type fakeController struct {
	mu        sync.Mutex
	callbacks []*engine.TaskCallback
	paused    []int64
	stopped   []int64
	err       error
}

func (f *fakeController) OnTaskCallback(_ context.Context, cb *engine.TaskCallback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.callbacks = append(f.callbacks, cb)
	return nil
}

func (f *fakeController) Pause(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.paused = append(f.paused, id)
	return nil
}

func (f *fakeController) Stop(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.stopped = append(f.stopped, id)
	return nil
}

// fakeSession is a connected worker as seen by the MCP server.
type fakeSession struct {
	id    string
	notes chan mcp.JSONRPCNotification
}

func newFakeSession(id string) *fakeSession {
	return &fakeSession{id: id, notes: make(chan mcp.JSONRPCNotification, 8)}
}

func (s *fakeSession) Initialize()                                         {}
func (s *fakeSession) Initialized() bool                                   { return true }
func (s *fakeSession) NotificationChannel() chan<- mcp.JSONRPCNotification { return s.notes }
func (s *fakeSession) SessionID() string                                   { return s.id }

// masterRegistry dials every host to the in-process master server.
func masterRegistry(t *testing.T, s *MasterServer) *rpc.Registry {
	t.Helper()
	r := rpc.NewRegistry(rpc.WithDialer(func(context.Context, string) (*client.Client, error) {
		return client.NewInProcessClient(s.MCPServer())
	}))
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestNewMasterServer(t *testing.T) {
	s := NewMasterServer(MasterServerDeps{Controller: &fakeController{}})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.sse)
}

func TestToolRegistration(t *testing.T) {
	s := NewMasterServer(MasterServerDeps{Controller: &fakeController{}})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 5)

	for _, name := range []string{
		rpc.ToolTaskRunning,
		rpc.ToolTaskCompleted,
		rpc.ToolTaskKilled,
		rpc.ToolPauseWorkflowInstance,
		rpc.ToolStopWorkflowInstance,
	} {
		assert.NotNil(t, s.mcpServer.GetTool(name), "tool %s should be registered", name)
	}
}

func TestCallbacks(t *testing.T) {
	tests := []struct {
		name    string
		call    func(rpc.MasterService, *engine.TaskCallback) error
		status  schema.TaskExecutionStatus
		wantErr bool
	}{
		{"running", func(m rpc.MasterService, cb *engine.TaskCallback) error {
			return m.OnTaskRunning(context.Background(), cb)
		}, schema.TaskRunning, false},
		{"running rejects success", func(m rpc.MasterService, cb *engine.TaskCallback) error {
			return m.OnTaskRunning(context.Background(), cb)
		}, schema.TaskSuccess, true},
		{"completed success", func(m rpc.MasterService, cb *engine.TaskCallback) error {
			return m.OnTaskCompleted(context.Background(), cb)
		}, schema.TaskSuccess, false},
		{"completed failure", func(m rpc.MasterService, cb *engine.TaskCallback) error {
			return m.OnTaskCompleted(context.Background(), cb)
		}, schema.TaskFailure, false},
		{"completed rejects kill", func(m rpc.MasterService, cb *engine.TaskCallback) error {
			return m.OnTaskCompleted(context.Background(), cb)
		}, schema.TaskKill, true},
		{"killed", func(m rpc.MasterService, cb *engine.TaskCallback) error {
			return m.OnTaskKilled(context.Background(), cb)
		}, schema.TaskKill, false},
		{"killed accepts pause", func(m rpc.MasterService, cb *engine.TaskCallback) error {
			return m.OnTaskKilled(context.Background(), cb)
		}, schema.TaskPause, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := &fakeController{}
			s := NewMasterServer(MasterServerDeps{Controller: ctrl})

			err := tt.call(s, &engine.TaskCallback{
				TaskInstanceID:     11,
				WorkflowInstanceID: 3,
				Status:             tt.status,
				Host:               "w1:1234",
			})
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
				assert.Empty(t, ctrl.callbacks)
				return
			}
			require.NoError(t, err)
			require.Len(t, ctrl.callbacks, 1)
			assert.Equal(t, tt.status, ctrl.callbacks[0].Status)
		})
	}
}

func TestCallbackRoundTrip(t *testing.T) {
	ctrl := &fakeController{}
	s := NewMasterServer(MasterServerDeps{Controller: ctrl})
	master := masterRegistry(t, s).MasterService("m1:5678")
	ctx := context.Background()

	end := time.Date(2024, 3, 13, 10, 0, 0, 0, time.UTC)
	require.NoError(t, master.OnTaskCompleted(ctx, &engine.TaskCallback{
		TaskInstanceID:     5,
		WorkflowInstanceID: 3,
		Status:             schema.TaskSuccess,
		Host:               "w1:1234",
		EndTime:            &end,
		VarPool:            []schema.Property{{Prop: "rows", Direct: schema.DirectOut, Value: "42"}},
	}))
	require.Len(t, ctrl.callbacks, 1)
	assert.Equal(t, int64(5), ctrl.callbacks[0].TaskInstanceID)
	assert.Equal(t, "42", ctrl.callbacks[0].VarPool[0].Value)

	err := master.OnTaskRunning(ctx, &engine.TaskCallback{
		TaskInstanceID: 5, WorkflowInstanceID: 3, Status: schema.TaskFailure})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not accept")
}

func TestWorkflowControl(t *testing.T) {
	ctrl := &fakeController{}
	s := NewMasterServer(MasterServerDeps{Controller: ctrl})
	master := masterRegistry(t, s).MasterService("m1:5678")
	ctx := context.Background()

	require.NoError(t, master.PauseWorkflowInstance(ctx, 7))
	require.NoError(t, master.StopWorkflowInstance(ctx, 8))
	assert.Equal(t, []int64{7}, ctrl.paused)
	assert.Equal(t, []int64{8}, ctrl.stopped)

	ctrl.err = schema.NewErrorf(schema.ErrCodeNotFound, "workflow instance %d is not running on this master", 9)
	err := master.StopWorkflowInstance(ctx, 9)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running on this master")
}

func TestSessionClosedEvictsWorker(t *testing.T) {
	var gone []string
	s := NewMasterServer(MasterServerDeps{
		Controller:   &fakeController{},
		OnWorkerGone: func(host string) { gone = append(gone, host) },
	})
	s.Sessions().Register("w1:1234", "sess-1")
	s.Sessions().Register("w2:1234", "sess-2")

	s.sessionClosed(context.Background(), newFakeSession("sess-1"))

	assert.Equal(t, []string{"w1:1234"}, gone)
	assert.Equal(t, []string{"w2:1234"}, s.Sessions().Hosts())
}

func TestForwardWorkflowStates(t *testing.T) {
	hub := streaming.NewMemoryHub(0)
	s := NewMasterServer(MasterServerDeps{Controller: &fakeController{}, Hub: hub})
	sess := newFakeSession("sess-1")
	require.NoError(t, s.MCPServer().RegisterSession(context.Background(), sess))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ForwardWorkflowStates(ctx) }()
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Publish(ctx, streaming.StreamEvent{
		WorkflowInstanceID: 3, TaskInstanceID: 5, EventType: streaming.TaskStateChanged, To: "SUCCESS"}))
	require.NoError(t, hub.Publish(ctx, streaming.StreamEvent{
		WorkflowInstanceID: 3, EventType: streaming.WorkflowStateChanged, From: "RUNNING_EXECUTION", To: "STOP"}))

	select {
	case note := <-sess.notes:
		assert.Equal(t, WorkflowStateMethod, note.Method)
		assert.Equal(t, "STOP", note.Params.AdditionalFields["to"])
		assert.Equal(t, int64(3), note.Params.AdditionalFields["workflow_instance_id"])
	case <-time.After(time.Second):
		t.Fatal("no notification delivered")
	}
	assert.Empty(t, sess.notes, "task events are not forwarded")

	cancel()
	require.NoError(t, <-done)
}

func TestForwardWithoutHub(t *testing.T) {
	s := NewMasterServer(MasterServerDeps{Controller: &fakeController{}})
	require.Error(t, s.ForwardWorkflowStates(context.Background()))
}

func TestRegisterMountsSSE(t *testing.T) {
	s := NewMasterServer(MasterServerDeps{Controller: &fakeController{}})
	mux := http.NewServeMux()
	s.Register(mux)

	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := client.NewSSEMCPClient(srv.URL + "/sse")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Start(ctx))
	defer c.Close()

	init := mcp.InitializeRequest{}
	init.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	init.Params.ClientInfo = mcp.Implementation{Name: "worker", Version: "test"}
	_, err = c.Initialize(ctx, init)
	require.NoError(t, err)

	tools, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	require.NoError(t, err)
	assert.Len(t, tools.Tools, 5)
}
