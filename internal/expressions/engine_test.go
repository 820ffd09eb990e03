package expressions

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowmaster/pkg/schema"
)

func testScope() map[string]any {
	return Scope(
		map[string]string{"rows": "42", "status": "ok"},
		map[string]string{"env": "prod"},
		map[string]any{"id": int64(7), "name": "daily-etl"},
	)
}

func TestConditions_Engines(t *testing.T) {
	c, err := NewConditions()
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		engine string
		expr   string
		want   bool
	}{
		{"", `vars.status == "ok"`, true},
		{"cel", `int(vars.rows) > 40 && params.env == "prod"`, true},
		{"cel", `workflow.id == 8`, false},
		{"expr", `vars.status == "ok" && params.env != "dev"`, true},
		{"expr", `(vars.missing ?? "none") == "none"`, true},
		{"jq", `.vars.rows | tonumber > 100`, false},
		{"jq", `.workflow.name | startswith("daily")`, true},
	}

	for _, tt := range tests {
		t.Run(tt.engine+"/"+tt.expr, func(t *testing.T) {
			got, err := c.Test(ctx, tt.engine, tt.expr, testScope())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConditions_Errors(t *testing.T) {
	c, err := NewConditions()
	require.NoError(t, err)
	ctx := context.Background()

	_, err = c.Test(ctx, "lua", "true", nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	_, err = c.Test(ctx, "cel", "vars.status ==", testScope())
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	_, err = c.Test(ctx, "cel", "", testScope())
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	_, err = c.Test(ctx, "cel", `vars.status`, testScope())
	assert.Equal(t, schema.ErrCodeExecution, schema.ErrorCode(err))
}

func TestTruthy(t *testing.T) {
	tests := []struct {
		in      any
		want    bool
		wantErr bool
	}{
		{nil, false, false},
		{true, true, false},
		{"false", false, false},
		{" true ", true, false},
		{"yes", false, true},
		{int64(0), false, false},
		{3.5, true, false},
		{[]any{1}, false, true},
	}
	for _, tt := range tests {
		got, err := Truthy(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "%v", tt.in)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%v", tt.in)
	}
}

func TestCELEngine_ConcurrentCache(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), `params.env == "prod"`, testScope())
			assert.NoError(t, err)
			assert.Equal(t, true, out)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, e.programs.len())
}

func TestCELEngine_MissingScopeDefaultsToEmpty(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `size(vars) == 0`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestGoJQEngine_Variables(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	out, err := e.Evaluate(ctx, `$vars.rows == .vars.rows and $workflow.id == 7`, testScope())
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Evaluate(ctx, `.vars | keys[]`, testScope())
	require.NoError(t, err)
	assert.Equal(t, []any{"rows", "status"}, out)

	out, err = e.Evaluate(ctx, `$ENV | length`, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}

func TestConditions_Check(t *testing.T) {
	c, err := NewConditions()
	require.NoError(t, err)

	tests := []struct {
		engine, expr string
		wantErr      bool
	}{
		{"", `vars.x == "1"`, false},
		{"cel", `vars.x ==`, true},
		{"expr", `vars.x == "1"`, false},
		{"expr", `vars.x ===`, true},
		{"jq", `.vars.x == "1"`, false},
		{"jq", `.vars.x ==`, true},
		{"jq", `$unknown`, true},
		{"lua", `true`, true},
		{"cel", ``, true},
	}
	for _, tt := range tests {
		t.Run(tt.engine+"/"+tt.expr, func(t *testing.T) {
			err := c.Check(tt.engine, tt.expr)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			assert.True(t, schema.HasCode(err, schema.ErrCodeValidation), "%v", err)
		})
	}
}

func TestConditions_NonBoolean(t *testing.T) {
	c := NewConditionsWith(NewExprEngine())
	_, err := c.Test(context.Background(), "expr", `vars.rows`, testScope())
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution), "%v", err)
}

func TestPrograms_ResetWhenFull(t *testing.T) {
	var c programs[int]
	compile := func(s string) (int, error) { return len(s), nil }
	for i := 0; i < maxPrograms; i++ {
		_, err := c.get(strconv.Itoa(i), compile)
		require.NoError(t, err)
	}
	assert.Equal(t, maxPrograms, c.len())

	got, err := c.get("one more", compile)
	require.NoError(t, err)
	assert.Equal(t, 8, got)
	assert.Equal(t, 1, c.len())
}
