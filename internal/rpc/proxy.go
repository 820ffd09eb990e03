package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/flowmaster/internal/engine"
	"github.com/rendis/flowmaster/pkg/schema"
)

// call invokes tool on host with args and decodes the JSON text result into out.
// Transport failures evict the host's client so the next call reconnects.
func (r *Registry) call(ctx context.Context, host, tool string, args any, out any) error {
	c, err := r.Client(ctx, host)
	if err != nil {
		return err
	}
	arguments, err := toArguments(args)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "encode %s arguments: %s", tool, err.Error()).WithCause(err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = arguments
	res, err := c.CallTool(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return schema.NewErrorf(schema.ErrCodeTimeout, "rpc %s %s: timed out", tool, host).
				WithCause(err).WithDetails(map[string]any{"host": host})
		}
		r.Evict(host)
		return rpcError(host, tool, err)
	}

	text := resultText(res)
	if res.IsError {
		return schema.NewErrorf(schema.ErrCodeRPC, "rpc %s %s: %s", tool, host, text).
			WithDetails(map[string]any{"host": host})
	}
	if out == nil || text == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return schema.NewErrorf(schema.ErrCodeRPC, "rpc %s %s: decode result: %s", tool, host, err.Error()).WithCause(err)
	}
	return nil
}

// toArguments turns a request struct into the tool argument object. Numbers
// stay json.Number so 64-bit ids survive the round trip.
func toArguments(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}

func resultText(res *mcp.CallToolResult) string {
	var b strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

// ackError turns a negative ack into an error.
func ackError(host, tool string, ack *Ack) error {
	if ack.Success {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeRPC, "rpc %s %s refused: %s", tool, host, ack.Message).
		WithDetails(map[string]any{"host": host})
}

type taskOperatorProxy struct {
	r    *Registry
	host string
}

func (p *taskOperatorProxy) DispatchTask(ctx context.Context, req *DispatchRequest) (*DispatchResponse, error) {
	var resp DispatchResponse
	if err := p.r.call(ctx, p.host, ToolDispatchTask, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (p *taskOperatorProxy) PauseTask(ctx context.Context, id int64) error {
	return p.control(ctx, ToolPauseTask, id)
}

func (p *taskOperatorProxy) KillTask(ctx context.Context, id int64) error {
	return p.control(ctx, ToolKillTask, id)
}

func (p *taskOperatorProxy) control(ctx context.Context, tool string, id int64) error {
	var ack Ack
	if err := p.r.call(ctx, p.host, tool, TaskControlRequest{TaskInstanceID: id}, &ack); err != nil {
		return err
	}
	return ackError(p.host, tool, &ack)
}

type masterProxy struct {
	r    *Registry
	host string
}

func (p *masterProxy) OnTaskRunning(ctx context.Context, cb *engine.TaskCallback) error {
	return p.send(ctx, ToolTaskRunning, cb)
}

func (p *masterProxy) OnTaskCompleted(ctx context.Context, cb *engine.TaskCallback) error {
	return p.send(ctx, ToolTaskCompleted, cb)
}

func (p *masterProxy) OnTaskKilled(ctx context.Context, cb *engine.TaskCallback) error {
	return p.send(ctx, ToolTaskKilled, cb)
}

func (p *masterProxy) PauseWorkflowInstance(ctx context.Context, id int64) error {
	return p.send(ctx, ToolPauseWorkflowInstance, WorkflowControlRequest{WorkflowInstanceID: id})
}

func (p *masterProxy) StopWorkflowInstance(ctx context.Context, id int64) error {
	return p.send(ctx, ToolStopWorkflowInstance, WorkflowControlRequest{WorkflowInstanceID: id})
}

func (p *masterProxy) send(ctx context.Context, tool string, args any) error {
	var ack Ack
	if err := p.r.call(ctx, p.host, tool, args, &ack); err != nil {
		return err
	}
	return ackError(p.host, tool, &ack)
}
