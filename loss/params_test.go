package loss

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func TestDefaultParams(t *testing.T) {
	p := DefaultParams()
	require.NoError(t, p.Validate())
	assert.Equal(t, 25, p.NumAttributes())
	assert.Equal(t, 13*13*5, p.Pooled())
	assert.Equal(t, 16*13*13*5, p.Boxes())
	assert.True(t, p.Shape().Eq(tensor.Shape{16, 13, 13, 5, 25}))
	assert.True(t, p.CellShape().Eq(tensor.Shape{16, 13, 13, 5}))
	assert.Equal(t, float32(0.6), p.IoUFilter)
	assert.False(t, p.ReadjustObjScore)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *Params)
	}{
		{"zero grid", func(p *Params) { p.GridSize = 0 }},
		{"zero anchors", func(p *Params) { p.NumAnchors = 0 }},
		{"anchor table mismatch", func(p *Params) { p.NumAnchors = 3 }},
		{"negative anchor", func(p *Params) { p.Anchors[1][0] = -1 }},
		{"zero classes", func(p *Params) { p.NumClasses = 0 }},
		{"zero batch", func(p *Params) { p.BatchSize = 0 }},
		{"zero coord scale", func(p *Params) { p.CoordScale = 0 }},
		{"negative noobj scale", func(p *Params) { p.NoObjectScale = -1 }},
		{"iou filter above one", func(p *Params) { p.IoUFilter = 1.5 }},
		{"zero size logit bound", func(p *Params) { p.MaxSizeLogit = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParams()
			tt.mutate(&p)
			assert.ErrorIs(t, p.Validate(), ErrInvalidParams)
		})
	}
}

func TestLoadParams(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loss.yaml")
	config := `
grid_size: 7
num_anchors: 2
anchors:
  - [1.0, 2.0]
  - [3.5, 1.5]
num_classes: 3
object_scale: 2.5
readjust_obj_score: true
`
	require.NoError(t, os.WriteFile(path, []byte(config), 0o644))

	p, err := LoadParams(path)
	require.NoError(t, err)
	assert.Equal(t, 7, p.GridSize)
	assert.Equal(t, [][2]float32{{1, 2}, {3.5, 1.5}}, p.Anchors)
	assert.Equal(t, 3, p.NumClasses)
	assert.Equal(t, float32(2.5), p.ObjectScale)
	assert.True(t, p.ReadjustObjScore)

	// unset keys keep their defaults
	assert.Equal(t, 16, p.BatchSize)
	assert.Equal(t, float32(0.6), p.IoUFilter)
}

func TestLoadParamsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loss.yaml")
	require.NoError(t, os.WriteFile(path, []byte("num_anchors: 3\n"), 0o644))
	_, err := LoadParams(path)
	assert.ErrorIs(t, err, ErrInvalidParams)

	_, err = LoadParams(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
