package dependent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowmaster/pkg/schema"
)

func TestTask_GroupsCombine(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	scheduledInstance(t, s, schema.WorkflowSuccess, refTime.Add(-time.Hour))

	satisfied := schema.DependentGroup{Relation: schema.RelationAnd, Items: []schema.DependentItem{
		{DefinitionCode: upstreamCode, DepTaskCode: schema.DependentWorkflow, Cycle: "day", DateValue: Today},
	}}
	missing := schema.DependentGroup{Relation: schema.RelationAnd, Items: []schema.DependentItem{
		{DefinitionCode: 404, DepTaskCode: schema.DependentWorkflow, Cycle: "day", DateValue: Today},
	}}

	tests := []struct {
		name     string
		relation schema.DependentRelation
		want     schema.DependResult
	}{
		{"and waits on the missing group", schema.RelationAnd, schema.DependWaiting},
		{"or succeeds on the satisfied group", schema.RelationOr, schema.DependSuccess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := NewTask(s, schema.DependentParams{Relation: tt.relation,
				Groups: []schema.DependentGroup{satisfied, missing}}, self())
			done, r, err := task.Finish(ctx, refTime)
			require.NoError(t, err)
			assert.Equal(t, tt.want, r)
			assert.Equal(t, tt.want != schema.DependWaiting, done)
		})
	}
}

func TestTask_FailureWaiting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	scheduledInstance(t, s, schema.WorkflowFailure, refTime.Add(-time.Hour))

	now := refTime.Add(5 * time.Minute)
	params := schema.DependentParams{
		Relation:       schema.RelationAnd,
		FailurePolicy:  schema.DependFailureWaiting,
		FailureWaiting: 10,
		Groups: []schema.DependentGroup{{Relation: schema.RelationAnd, Items: []schema.DependentItem{
			{DefinitionCode: upstreamCode, DepTaskCode: schema.DependentWorkflow, Cycle: "day", DateValue: Today},
		}}},
	}
	task := NewTask(s, params, self(), WithClock(func() time.Time { return now }))

	done, r, err := task.Finish(ctx, refTime)
	require.NoError(t, err)
	assert.Equal(t, schema.DependFailed, r)
	assert.False(t, done)

	now = refTime.Add(11 * time.Minute)
	done, r, err = task.Finish(ctx, refTime)
	require.NoError(t, err)
	assert.Equal(t, schema.DependFailed, r)
	assert.True(t, done)
}

func TestTask_CheckInterval(t *testing.T) {
	assert.Equal(t, DefaultCheckInterval, NewTask(nil, schema.DependentParams{}, self()).CheckInterval())
	assert.Equal(t, 250*time.Millisecond,
		NewTask(nil, schema.DependentParams{CheckIntervalMs: 250}, self()).CheckInterval())
}
