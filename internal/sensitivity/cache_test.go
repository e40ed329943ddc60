package sensitivity

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/san-kum/diffsim/internal/dynamo"
	"github.com/san-kum/diffsim/internal/models"
	"github.com/san-kum/diffsim/internal/physics"
)

func refState(t *testing.T) *physics.State {
	t.Helper()
	m, err := physics.NewModel("cartpole", models.NewCartPole(), 0.01, nil)
	require.NoError(t, err)
	return physics.NewState(m)
}

func TestBuildDefaultTargets(t *testing.T) {
	ref := refState(t)
	c, err := Build(ref, make([]float64, 1), nil, DefaultEpsilon)
	require.NoError(t, err)

	// time(1) qpos(2) qvel(2) qacc(2) ctrl(1) actuator_force(1) sensordata(2) steps warnings
	assert.Equal(t, 13, c.Dim)
	assert.Equal(t, []int{1, 2, 3, 4, 7}, c.InnerIdx)
	assert.Equal(t, 1, c.NumControls)
	assert.Equal(t, 1e-6, c.Epsilon)

	for i, m := range c.Mask {
		want := 0.0
		for _, idx := range c.InnerIdx {
			if idx == i {
				want = 1
			}
		}
		assert.Equal(t, want, m, "mask[%d]", i)
	}
}

func TestBuildIgnoresUnmatched(t *testing.T) {
	ref := refState(t)
	c, err := Build(ref, []float64{0}, []string{"qpos", "xfrc_applied"}, 1e-5)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, c.InnerIdx)
}

func TestBuildMatchesAnySegment(t *testing.T) {
	ref := refState(t)
	c, err := Build(ref, []float64{0}, []string{"solver"}, 1e-5)
	require.NoError(t, err)
	assert.Equal(t, []int{11, 12}, c.InnerIdx)

	c, err = Build(ref, []float64{0}, []string{"warnings"}, 1e-5)
	require.NoError(t, err)
	assert.Equal(t, []int{12}, c.InnerIdx)
}

func TestBuildEmptyTargets(t *testing.T) {
	c, err := Build(refState(t), []float64{0}, []string{}, 1e-5)
	require.NoError(t, err)
	assert.Empty(t, c.InnerIdx)
}

func TestBuildRejectsEpsilon(t *testing.T) {
	_, err := Build(refState(t), nil, nil, 0)
	assert.ErrorIs(t, err, dynamo.ErrParameterBounds)
}

func TestStoreMemoizes(t *testing.T) {
	store := NewStore()
	ref := refState(t)

	var wg sync.WaitGroup
	results := make([]*Cache, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := store.ForShape(ref.Clone(), []float64{0}, []string{"qvel", "qpos"}, 1e-6)
			assert.NoError(t, err)
			results[i] = c
		}(i)
	}
	wg.Wait()

	for _, c := range results {
		assert.Same(t, results[0], c)
	}
	assert.Equal(t, 1, store.Len())

	other, err := store.ForShape(ref, []float64{0}, []string{"qpos", "qvel"}, 1e-4)
	require.NoError(t, err)
	assert.NotSame(t, results[0], other)
	assert.Equal(t, 2, store.Len())
}
