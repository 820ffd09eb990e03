package mcp

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowmaster/internal/command"
	"github.com/rendis/flowmaster/internal/dispatch"
	"github.com/rendis/flowmaster/internal/engine"
	"github.com/rendis/flowmaster/internal/rpc"
	"github.com/rendis/flowmaster/internal/store"
	"github.com/rendis/flowmaster/internal/streaming"
	"github.com/rendis/flowmaster/pkg/schema"
)

const (
	testMaster = "m1:5678"
	testWorker = "w1:1234"
)

// echoWorker runs every task it accepts and reports back to the master
// named in the request, adding an OUT property "rows".
type echoWorker struct {
	clients *rpc.Registry

	mu   sync.Mutex
	seen []*engine.TaskContext
}

func (w *echoWorker) DispatchTask(_ context.Context, req *rpc.DispatchRequest) (*rpc.DispatchResponse, error) {
	w.mu.Lock()
	w.seen = append(w.seen, req.Task)
	w.mu.Unlock()

	go func() {
		ctx := context.Background()
		master := w.clients.MasterService(req.Master)
		start := time.Now()
		_ = master.OnTaskRunning(ctx, &engine.TaskCallback{
			TaskInstanceID:     req.Task.TaskInstanceID,
			WorkflowInstanceID: req.Task.WorkflowInstanceID,
			Status:             schema.TaskRunning,
			Host:               testWorker,
			StartTime:          &start,
			LogPath:            req.Task.LogPath,
		})
		end := time.Now()
		_ = master.OnTaskCompleted(ctx, &engine.TaskCallback{
			TaskInstanceID:     req.Task.TaskInstanceID,
			WorkflowInstanceID: req.Task.WorkflowInstanceID,
			Status:             schema.TaskSuccess,
			Host:               testWorker,
			EndTime:            &end,
			VarPool:            []schema.Property{{Prop: "rows", Direct: schema.DirectOut, Type: "INTEGER", Value: "42"}},
		})
	}()
	return &rpc.DispatchResponse{DispatchSuccess: true}, nil
}

func (w *echoWorker) PauseTask(context.Context, int64) error { return nil }
func (w *echoWorker) KillTask(context.Context, int64) error  { return nil }

func (w *echoWorker) tasks() []*engine.TaskContext {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*engine.TaskContext(nil), w.seen...)
}

func TestMasterEndToEnd(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "master.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	t.Cleanup(func() { _ = st.Close() })

	// every host resolves to an in-process server
	var mu sync.Mutex
	servers := map[string]*server.MCPServer{}
	clients := rpc.NewRegistry(rpc.WithDialer(func(_ context.Context, host string) (*client.Client, error) {
		mu.Lock()
		srv, ok := servers[host]
		mu.Unlock()
		if !ok {
			return nil, errors.New("connection refused")
		}
		return client.NewInProcessClient(srv)
	}))
	t.Cleanup(func() { _ = clients.Close() })

	worker := &echoWorker{clients: clients}
	workerSrv := server.NewMCPServer("worker", "1.0.0", server.WithToolCapabilities(false))
	workerSrv.AddTools(rpc.WorkerTools(worker)...)

	balancer, err := dispatch.NewLoadBalancer(dispatch.NewStaticRegistry(dispatch.Worker{Host: testWorker}), dispatch.PolicyRoundRobin)
	require.NoError(t, err)
	hub := streaming.NewMemoryHub(0)
	eng := engine.New(st,
		dispatch.NewDispatcher(balancer, clients, testMaster),
		dispatch.NewController(clients, 0),
		engine.Config{Host: testMaster},
		engine.WithHub(hub),
	)
	t.Cleanup(eng.Shutdown)

	master := NewMasterServer(MasterServerDeps{Controller: eng, Hub: hub, OnWorkerGone: clients.Evict})
	mu.Lock()
	servers[testWorker] = workerSrv
	servers[testMaster] = master.MCPServer()
	mu.Unlock()

	task := func(code int64, name string) schema.TaskDefinition {
		return schema.TaskDefinition{Code: code, Version: 1, Name: name, TaskType: "SHELL", Flag: schema.FlagYes}
	}
	require.NoError(t, st.SaveWorkflowSpec(ctx, &schema.WorkflowSpec{
		Workflow: schema.WorkflowDefinition{Code: 200, Version: 1, Name: "etl", Flag: schema.FlagYes},
		Tasks:    []schema.TaskDefinition{task(1, "extract"), task(2, "load")},
		Relations: []schema.TaskRelation{
			{WorkflowDefinitionCode: 200, PostTaskCode: 1},
			{WorkflowDefinitionCode: 200, PreTaskCode: 1, PostTaskCode: 2},
		},
	}))
	require.NoError(t, st.CreateCommand(ctx, &store.Command{Type: schema.CommandStartProcess, WorkflowDefinitionCode: 200}))

	consumer := command.NewConsumer(command.Deps{
		Store:    st,
		Engine:   eng,
		Defaults: command.Defaults{Host: testMaster, WorkerGroup: dispatch.DefaultGroup},
	})
	n, err := consumer.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	wis, err := st.ListWorkflowInstances(ctx, store.WorkflowInstanceFilter{DefinitionCode: 200})
	require.NoError(t, err)
	require.Len(t, wis, 1)
	id := wis[0].ID

	var wi *store.WorkflowInstance
	require.Eventually(t, func() bool {
		wi, err = st.GetWorkflowInstance(ctx, id)
		return err == nil && wi.State == schema.WorkflowSuccess
	}, 10*time.Second, 20*time.Millisecond)

	tis, err := st.ListValidTaskInstances(ctx, id)
	require.NoError(t, err)
	require.Len(t, tis, 2)
	for _, ti := range tis {
		assert.Equal(t, schema.TaskSuccess, ti.State, ti.Name)
		assert.Equal(t, testWorker, ti.Host, ti.Name)
	}

	seen := worker.tasks()
	require.Len(t, seen, 2)
	assert.Equal(t, "extract", seen[0].TaskName)
	assert.Equal(t, "load", seen[1].TaskName)
	require.NotEmpty(t, seen[1].VarPool, "the OUT property of extract reaches load")
	assert.Equal(t, "rows", seen[1].VarPool[0].Prop)
	assert.Equal(t, "42", seen[1].VarPool[0].Value)

	require.Eventually(t, func() bool { return eng.Running() == 0 }, 5*time.Second, 10*time.Millisecond)
	err = clients.MasterService(testMaster).PauseWorkflowInstance(ctx, id)
	require.Error(t, err, "a finished instance is no longer owned by the engine")
	assert.True(t, schema.HasCode(err, schema.ErrCodeRPC))
}
