// Package loss - YOLOv2 detection loss built as a gorgonia expression graph.
package loss

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"gorgonia.org/tensor"
)

// Attribute layout along the last axis of prediction and ground-truth tensors.
const (
	AttrX = iota
	AttrY
	AttrW
	AttrH
	AttrObjectness
	AttrClasses
)

var (
	// ErrInvalidParams is returned when Params fail validation.
	ErrInvalidParams = errors.New("invalid loss params")
	// ErrShapeMismatch is returned when a tensor does not match the configured layout.
	ErrShapeMismatch = errors.New("tensor shape mismatch")
	// ErrAmbiguousClass is returned when a ground-truth object has no single hot class.
	ErrAmbiguousClass = errors.New("ground-truth class is not one-hot")
)

// Params is the fixed configuration of a training run.
type Params struct {
	// GridSize is S in the S x S output grid.
	GridSize int `json:"grid_size" yaml:"grid_size"`
	// NumAnchors is A, the number of anchor priors per cell.
	NumAnchors int `json:"num_anchors" yaml:"num_anchors"`
	// Anchors holds the width/height of every anchor prior, in grid cells.
	Anchors [][2]float32 `json:"anchors" yaml:"anchors"`
	// NumClasses is C.
	NumClasses int `json:"num_classes" yaml:"num_classes"`
	// BatchSize is the leading dimension of every tensor.
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	CoordScale    float32 `json:"coord_scale" yaml:"coord_scale"`
	NoObjectScale float32 `json:"no_object_scale" yaml:"no_object_scale"`
	ObjectScale   float32 `json:"object_scale" yaml:"object_scale"`
	ClassScale    float32 `json:"class_scale" yaml:"class_scale"`

	// IoUFilter is the best-IoU below which a prediction in an empty cell is
	// penalized as a no-object example.
	IoUFilter float32 `json:"iou_filter" yaml:"iou_filter"`
	// ReadjustObjScore uses the IoU between the co-located ground truth and
	// prediction as the objectness target instead of the 0/1 indicator.
	ReadjustObjScore bool `json:"readjust_obj_score" yaml:"readjust_obj_score"`
	// MaxSizeLogit bounds the raw width/height logits before exp.
	MaxSizeLogit float32 `json:"max_size_logit" yaml:"max_size_logit"`
}

// DefaultParams returns the YOLOv2 VOC configuration.
//
// Returns:
//   - Params: 13x13 grid, 5 anchors, 20 classes, batch 16.
//
// @example
// params := DefaultParams()
// params.BatchSize = 8
// l, err := NewYoloLoss(params, logger)
func DefaultParams() Params {
	return Params{
		GridSize:   13,
		NumAnchors: 5,
		Anchors: [][2]float32{
			{1.3221, 1.73145},
			{3.19275, 4.00944},
			{5.05587, 8.09892},
			{9.47112, 4.84053},
			{11.2364, 10.0071},
		},
		NumClasses:    20,
		BatchSize:     16,
		CoordScale:    1.0,
		NoObjectScale: 1.0,
		ObjectScale:   5.0,
		ClassScale:    1.0,
		IoUFilter:     0.6,
		MaxSizeLogit:  16,
	}
}

// LoadParams reads a YAML file on top of DefaultParams and validates the result.
//
// Arguments:
//   - path: Path to the YAML file.
//
// Returns:
//   - Params: The merged configuration.
//   - error: Read, decode or validation failure.
func LoadParams(path string) (Params, error) {
	params := DefaultParams()
	data, err := os.ReadFile(path)
	if err != nil {
		return Params{}, errors.Wrapf(err, "reading loss params %s", path)
	}
	if err := yaml.Unmarshal(data, &params); err != nil {
		return Params{}, errors.Wrapf(err, "decoding loss params %s", path)
	}
	if err := params.Validate(); err != nil {
		return Params{}, err
	}
	return params, nil
}

// Validate checks that every size and scale is positive and that the anchor
// table matches NumAnchors.
func (p Params) Validate() error {
	switch {
	case p.GridSize <= 0:
		return errors.Wrapf(ErrInvalidParams, "grid_size must be positive, got %d", p.GridSize)
	case p.NumAnchors <= 0:
		return errors.Wrapf(ErrInvalidParams, "num_anchors must be positive, got %d", p.NumAnchors)
	case len(p.Anchors) != p.NumAnchors:
		return errors.Wrapf(ErrInvalidParams, "got %d anchors for num_anchors=%d", len(p.Anchors), p.NumAnchors)
	case p.NumClasses <= 0:
		return errors.Wrapf(ErrInvalidParams, "num_classes must be positive, got %d", p.NumClasses)
	case p.BatchSize <= 0:
		return errors.Wrapf(ErrInvalidParams, "batch_size must be positive, got %d", p.BatchSize)
	case p.CoordScale <= 0, p.NoObjectScale <= 0, p.ObjectScale <= 0, p.ClassScale <= 0:
		return errors.Wrapf(ErrInvalidParams, "scales must be positive, got coord=%v noobj=%v obj=%v class=%v",
			p.CoordScale, p.NoObjectScale, p.ObjectScale, p.ClassScale)
	case p.IoUFilter <= 0 || p.IoUFilter > 1:
		return errors.Wrapf(ErrInvalidParams, "iou_filter must be in (0, 1], got %v", p.IoUFilter)
	case p.MaxSizeLogit <= 0:
		return errors.Wrapf(ErrInvalidParams, "max_size_logit must be positive, got %v", p.MaxSizeLogit)
	}
	for i, a := range p.Anchors {
		if a[0] <= 0 || a[1] <= 0 {
			return errors.Wrapf(ErrInvalidParams, "anchor %d has non-positive size %v", i, a)
		}
	}
	return nil
}

// NumAttributes is 5 + NumClasses.
func (p Params) NumAttributes() int {
	return AttrClasses + p.NumClasses
}

// Pooled is the number of boxes per batch element, S*S*A.
func (p Params) Pooled() int {
	return p.GridSize * p.GridSize * p.NumAnchors
}

// Boxes is the number of predicted boxes in a batch, B*S*S*A.
func (p Params) Boxes() int {
	return p.BatchSize * p.Pooled()
}

// Shape is the layout of prediction and ground-truth tensors: [B, S, S, A, 5+C].
func (p Params) Shape() tensor.Shape {
	return tensor.Shape{p.BatchSize, p.GridSize, p.GridSize, p.NumAnchors, p.NumAttributes()}
}

// CellShape is Shape without the attribute axis: [B, S, S, A].
func (p Params) CellShape() tensor.Shape {
	return tensor.Shape{p.BatchSize, p.GridSize, p.GridSize, p.NumAnchors}
}

// checkShape rejects tensors that do not match Shape.
func (p Params) checkShape(name string, shape tensor.Shape) error {
	if !shape.Eq(p.Shape()) {
		return errors.Wrapf(ErrShapeMismatch, "%s has shape %v, expected %v", name, shape, p.Shape())
	}
	return nil
}
