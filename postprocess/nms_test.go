package postprocess

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-yololoss/boxes"
	"github.com/nvr-ai/go-yololoss/loss"
)

func TestApplyGreedyNMS(t *testing.T) {
	detections := []Result{
		{Box: boxes.Box{X: 5, Y: 5, W: 10, H: 10}, Score: 0.9, Class: 0},
		{Box: boxes.Box{X: 5.5, Y: 5, W: 10, H: 10}, Score: 0.8, Class: 0},
		{Box: boxes.Box{X: 5.5, Y: 5, W: 10, H: 10}, Score: 0.7, Class: 1},
		{Box: boxes.Box{X: 50, Y: 50, W: 10, H: 10}, Score: 0.6, Class: 0},
		{Batch: 1, Box: boxes.Box{X: 5, Y: 5, W: 10, H: 10}, Score: 0.5, Class: 0},
	}

	tests := []struct {
		name     string
		config   NMSConfig
		expected []float32
	}{
		{"class agnostic", NMSConfig{IoUThreshold: 0.5}, []float32{0.9, 0.6, 0.5}},
		{"class aware", NMSConfig{IoUThreshold: 0.5, ClassAware: true}, []float32{0.9, 0.7, 0.6, 0.5}},
		// only the identical pair (0.8, 0.7) overlaps above 0.99; 0.9 vs 0.8 is 95/105
		{"only identical boxes suppressed", NMSConfig{IoUThreshold: 0.99}, []float32{0.9, 0.8, 0.6, 0.5}},
		{"threshold one keeps all", NMSConfig{IoUThreshold: 1}, []float32{0.9, 0.8, 0.7, 0.6, 0.5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filtered := ApplyGreedyNMS(detections, tt.config)
			scores := make([]float32, len(filtered))
			for i, r := range filtered {
				scores[i] = r.Score
			}
			assert.Equal(t, tt.expected, scores)
		})
	}

	assert.Nil(t, ApplyGreedyNMS(nil, NMSConfig{IoUThreshold: 0.5}))
}

func TestDetections(t *testing.T) {
	p := loss.DefaultParams()
	p.GridSize = 2
	p.NumAnchors = 1
	p.Anchors = [][2]float32{{1, 1}}
	p.NumClasses = 2
	p.BatchSize = 1

	n := p.NumAttributes()
	data := make([]float32, p.Shape().TotalSize())
	// cell (0, 1): confident class 1
	copy(data[1*n:2*n], []float32{1.5, 0.5, 1, 1, 0.9, -20, 20})
	// cell (1, 1): low objectness
	copy(data[3*n:4*n], []float32{1.5, 1.5, 1, 1, 0.1, 20, -20})
	decoded := tensor.New(tensor.WithShape(p.Shape()...), tensor.WithBacking(data))

	results, err := Detections(decoded, p, 0.5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].Class)
	assert.Equal(t, boxes.Box{X: 1.5, Y: 0.5, W: 1, H: 1}, results[0].Box)
	assert.InDelta(t, 0.9, results[0].Score, 1e-5)

	other := p
	other.GridSize = 3
	_, err = Detections(decoded, other, 0.5)
	assert.ErrorIs(t, err, loss.ErrShapeMismatch)
}
