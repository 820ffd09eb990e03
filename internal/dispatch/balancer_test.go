package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowmaster/pkg/schema"
)

func threeWorkers() *StaticRegistry {
	return NewStaticRegistry(
		Worker{Host: "a:1", Group: "etl", Weight: 5},
		Worker{Host: "b:1", Group: "etl", Weight: 1},
		Worker{Host: "c:1", Group: "etl", Weight: 1},
	)
}

func pick(t *testing.T, lb *LoadBalancer, group string, n int) []string {
	t.Helper()
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		h, ok := lb.Select(group)
		require.True(t, ok)
		out = append(out, h)
	}
	return out
}

func TestLoadBalancer_UnknownPolicy(t *testing.T) {
	_, err := NewLoadBalancer(threeWorkers(), "least_loaded")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	lb, err := NewLoadBalancer(threeWorkers(), "")
	require.NoError(t, err)
	assert.Equal(t, PolicyRoundRobin, lb.Policy())
}

func TestLoadBalancer_RoundRobin(t *testing.T) {
	lb, err := NewLoadBalancer(threeWorkers(), PolicyRoundRobin)
	require.NoError(t, err)
	assert.Equal(t, []string{"a:1", "b:1", "c:1", "a:1", "b:1"}, pick(t, lb, "etl", 5))
}

func TestLoadBalancer_Random(t *testing.T) {
	seq := []int{2, 0, 1}
	i := 0
	lb, err := NewLoadBalancer(threeWorkers(), PolicyRandom, WithRandom(func(n int) int {
		v := seq[i%len(seq)] % n
		i++
		return v
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"c:1", "a:1", "b:1"}, pick(t, lb, "etl", 3))
}

func TestLoadBalancer_SmoothWeighted(t *testing.T) {
	lb, err := NewLoadBalancer(threeWorkers(), PolicyWeighted)
	require.NoError(t, err)

	// weights 5,1,1 interleave as a a b a c a a
	assert.Equal(t, []string{"a:1", "a:1", "b:1", "a:1", "c:1", "a:1", "a:1"}, pick(t, lb, "etl", 7))

	counts := map[string]int{}
	for _, h := range pick(t, lb, "etl", 70) {
		counts[h]++
	}
	assert.Equal(t, map[string]int{"a:1": 50, "b:1": 10, "c:1": 10}, counts)
}

func TestLoadBalancer_EmptyGroup(t *testing.T) {
	lb, err := NewLoadBalancer(NewStaticRegistry(Worker{Host: "d:1"}), PolicyRoundRobin)
	require.NoError(t, err)

	h, ok := lb.Select("")
	require.True(t, ok)
	assert.Equal(t, "d:1", h)

	_, ok = lb.Select("etl")
	assert.False(t, ok)
}

func TestLoadBalancer_SkipsOpenCircuits(t *testing.T) {
	b := NewBreakers(BreakerConfig{FailureThreshold: 1, Cooldown: time.Hour})
	for _, policy := range []string{PolicyRoundRobin, PolicyRandom, PolicyWeighted} {
		t.Run(policy, func(t *testing.T) {
			lb, err := NewLoadBalancer(threeWorkers(), policy, WithBreakers(b))
			require.NoError(t, err)

			b.RecordFailure("a:1")
			b.RecordFailure("c:1")
			for _, h := range pick(t, lb, "etl", 4) {
				assert.Equal(t, "b:1", h)
			}

			b.RecordFailure("b:1")
			_, ok := lb.Select("etl")
			assert.False(t, ok)

			b.RecordSuccess("a:1")
			b.RecordSuccess("b:1")
			b.RecordSuccess("c:1")
		})
	}
}

func TestLoadBalancer_SelectExcluding(t *testing.T) {
	lb, err := NewLoadBalancer(threeWorkers(), PolicyWeighted)
	require.NoError(t, err)

	h, ok := lb.SelectExcluding("etl", map[string]bool{"a:1": true})
	require.True(t, ok)
	assert.NotEqual(t, "a:1", h)

	_, ok = lb.SelectExcluding("etl", map[string]bool{"a:1": true, "b:1": true, "c:1": true})
	assert.False(t, ok)
}
