package keygen

import (
	"testing"

	"github.com/basekick-labs/arc-bench/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_UnknownGenerator(t *testing.T) {
	_, err := New("pareto", 1)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown key generator")
}

func TestGenerators_StayInBounds(t *testing.T) {
	for _, name := range Names() {
		for _, bias := range []float64{0, 0.2, 1.5} {
			g, err := New(name, 42)
			require.NoError(t, err)

			for _, bound := range []uint64{1, 2, 7, 1000} {
				for i := 0; i < 500; i++ {
					k := g.Next(bound, bias)
					if k >= bound {
						t.Fatalf("%s(bias=%v): Next(%d) = %d, out of range", name, bias, bound, k)
					}
				}
			}
		}
	}
}

func TestGenerators_ZeroBound(t *testing.T) {
	for _, name := range Names() {
		g, err := New(name, 7)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), g.Next(0, 0.5), name)
	}
}

func TestGenerators_DeterministicWithSeed(t *testing.T) {
	for _, name := range Names() {
		a, _ := New(name, 99)
		b, _ := New(name, 99)
		for i := 0; i < 100; i++ {
			assert.Equal(t, a.Next(1000, 0.3), b.Next(1000, 0.3), name)
		}
	}
}

func TestZipf_SkewsLow(t *testing.T) {
	g, _ := New(Zipf, 5)
	low := 0
	const n = 5000
	for i := 0; i < n; i++ {
		if g.Next(1000, 1.0) < 100 {
			low++
		}
	}
	// uniform would put ~10% below 100
	assert.Greater(t, low, n/2)
}

func TestUniform_CoversRange(t *testing.T) {
	g, _ := New(Uniform, 3)
	seen := make(map[uint64]bool)
	for i := 0; i < 1000; i++ {
		seen[g.Next(5, 0)] = true
	}
	assert.Len(t, seen, 5)
}

func TestOpChooser(t *testing.T) {
	c, err := NewOpChooser(models.SelectK1, models.SelectK3, 11)
	require.NoError(t, err)

	seen := make(map[models.MessageType]bool)
	for i := 0; i < 1000; i++ {
		k := c.Next()
		require.True(t, k >= models.SelectK1 && k <= models.SelectK3, "kind %s out of range", k)
		seen[k] = true
	}
	assert.Len(t, seen, 3)

	single, err := NewOpChooser(models.SelectK2, models.SelectK2, 1)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		assert.Equal(t, models.SelectK2, single.Next())
	}
}

func TestOpChooser_InvalidRange(t *testing.T) {
	_, err := NewOpChooser(models.SelectK3, models.SelectK1, 1)
	assert.Error(t, err)

	_, err = NewOpChooser(models.Insert, models.SelectK1, 1)
	assert.Error(t, err)
}
