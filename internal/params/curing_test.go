package params

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowmaster/pkg/schema"
)

// 2024-03-13 is a Wednesday.
var at = time.Date(2024, 3, 13, 10, 30, 15, 0, time.UTC)

func TestTimePlaceholder(t *testing.T) {
	tests := []struct {
		expr string
		want string
	}{
		{"yyyyMMdd", "20240313"},
		{"yyyy-MM-dd", "2024-03-13"},
		{"yyyy-MM-dd+1", "2024-03-14"},
		{"yyyy-MM-dd-1", "2024-03-12"},
		{"yyyyMMdd-7*1", "20240306"},
		{"HHmmss", "103015"},
		{"HHmmss-1/24", "093015"},
		{"yyyyMMddHHmm+30/24/60", "202403131100"},
		{"add_months(yyyyMMdd,-1)", "20240213"},
		{"add_months(yyyyMMdd,12)", "20250313"},
		{"this_day(yyyy-MM-dd)", "2024-03-13"},
		{"last_day(yyyy-MM-dd)", "2024-03-12"},
		{"month_begin(yyyyMMdd,0)", "20240301"},
		{"month_end(yyyyMMdd,-1)", "20240229"},
		{"week_begin(yyyyMMdd,0)", "20240311"},
		{"week_end(yyyyMMdd,-1)", "20240310"},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, ok := TimePlaceholder(tt.expr, at)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTimePlaceholder_Rejected(t *testing.T) {
	for _, expr := range []string{"", "abc", "unknown_fn(yyyyMMdd)", "add_months(yyyyMMdd,x)", "this_day(abc)"} {
		_, ok := TimePlaceholder(expr, at)
		assert.False(t, ok, expr)
	}
}

func TestReplace(t *testing.T) {
	values := map[string]string{"dt": "20240313", "table": "orders"}
	tests := []struct {
		in, want string
	}{
		{"plain text", "plain text"},
		{"select * from ${table} where dt = '${dt}'", "select * from orders where dt = '20240313'"},
		{"${missing} stays", "${missing} stays"},
		{"${ table }", "orders"},
		{"unclosed ${table", "unclosed ${table"},
		{"day $[yyyyMMdd-1]", "day 20240312"},
		{"bad $[nope]", "bad $[nope]"},
		{"price $5", "price $5"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Replace(tt.in, values, at), tt.in)
	}
}

func TestSystemParams(t *testing.T) {
	sched := at
	p := SystemParams(Context{ScheduleTime: &sched, WorkflowInstanceID: 7, TaskInstanceID: 70,
		TaskDefinitionCode: 11, WorkflowDefinitionCode: 100, ExecutePath: "/tmp/exec"})

	assert.Equal(t, "20240312", p[BizDate])
	assert.Equal(t, "20240313", p[BizCurDate])
	assert.Equal(t, "20240313103015", p[DateTime])
	assert.Equal(t, "70", p[TaskInstanceID])
	assert.Equal(t, "7", p[WorkflowInstanceID])
	assert.Equal(t, "11", p[TaskDefinitionCode])
	assert.Equal(t, "100", p[WorkflowDefinitionCode])
	assert.Equal(t, "/tmp/exec", p[TaskExecutePath])
}

func TestReference(t *testing.T) {
	now := at.Add(time.Hour)
	assert.Equal(t, now, Context{Now: now}.Reference())
	sched := at
	assert.Equal(t, at, Context{Now: now, ScheduleTime: &sched}.Reference())
}

func TestCure_Precedence(t *testing.T) {
	global := []schema.Property{
		{Prop: "bizDate", Direct: schema.DirectIn, Type: "VARCHAR", Value: "${system.biz.date}"},
		{Prop: "target", Direct: schema.DirectIn, Type: "VARCHAR", Value: "global"},
		{Prop: "tomorrow", Direct: schema.DirectIn, Type: "VARCHAR", Value: "$[yyyy-MM-dd+1]"},
	}
	varPool := []schema.Property{
		{Prop: "target", Direct: schema.DirectOut, Type: "VARCHAR", Value: "upstream"},
	}
	local := []schema.Property{
		{Prop: "path", Direct: schema.DirectIn, Type: "VARCHAR", Value: "/data/${target}/${bizDate}"},
	}

	cured := Cure(Context{Now: at}, global, varPool, local)

	byName := map[string]string{}
	for _, p := range cured.Props {
		byName[p.Prop] = p.Value
	}
	assert.Equal(t, "20240312", byName["bizDate"])
	assert.Equal(t, "upstream", byName["target"])
	assert.Equal(t, "2024-03-14", byName["tomorrow"])
	assert.Equal(t, "/data/upstream/20240312", byName["path"])

	names := make([]string, 0, len(cured.Props))
	for _, p := range cured.Props {
		names = append(names, p.Prop)
	}
	assert.Equal(t, []string{"bizDate", "target", "tomorrow", "path"}, names)

	assert.Equal(t, `{"cmd":"load /data/upstream/20240312 on 20240313"}`,
		cured.Apply(`{"cmd":"load ${path} on ${system.biz.curdate}"}`))
}
