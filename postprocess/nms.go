package postprocess

import (
	"sort"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-yololoss/boxes"
	"github.com/nvr-ai/go-yololoss/loss"
)

// NMSConfig defines parameters for Non-Maximum Suppression.
type NMSConfig struct {
	IoUThreshold float32 `json:"iou_threshold" yaml:"iou_threshold"` // Overlap threshold for suppression.
	ClassAware   bool    `json:"class_aware" yaml:"class_aware"`     // If true, suppress only within same class.
}

// Detections extracts every slot of a decoded [B, S, S, A, 5+C] tensor whose
// score reaches threshold. The score is objectness times the softmax probability
// of the best class. Results are sorted by descending score.
//
// Arguments:
//   - decoded: Output of loss.DecodeDense.
//   - p: The configuration the tensor was produced with.
//   - threshold: Minimum score to keep.
//
// Returns:
//   - []Result: Detections, highest score first.
//   - error: If decoded does not match p.
func Detections(decoded *tensor.Dense, p loss.Params, threshold float32) ([]Result, error) {
	if decoded == nil {
		return nil, errors.New("decoded tensor is nil")
	}
	if !decoded.Shape().Eq(p.Shape()) {
		return nil, errors.Wrapf(loss.ErrShapeMismatch, "decoded shape %v, expected %v", decoded.Shape(), p.Shape())
	}
	if decoded.IsView() {
		decoded = decoded.Materialize().(*tensor.Dense)
	}
	data := decoded.Float32s()
	n := p.NumAttributes()
	probs := make([]float32, p.NumClasses)

	var results []Result
	for i := 0; i < len(data)/n; i++ {
		attrs := data[i*n : (i+1)*n]
		loss.Softmax(probs, attrs[loss.AttrClasses:])
		class := loss.Argmax(probs)
		score := attrs[loss.AttrObjectness] * probs[class]
		if score < threshold {
			continue
		}
		results = append(results, Result{
			Batch: i / p.Pooled(),
			Box: boxes.Box{
				X: attrs[loss.AttrX],
				Y: attrs[loss.AttrY],
				W: attrs[loss.AttrW],
				H: attrs[loss.AttrH],
			},
			Score: score,
			Class: class,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return results, nil
}

// ApplyGreedyNMS performs standard greedy Non-Maximum Suppression. Boxes from
// different batch elements never suppress each other.
//
// Arguments:
//   - detections: Slice of detections sorted by descending confidence.
//   - config: IoU threshold above which overlapping boxes are suppressed.
//
// Returns:
//   - Filtered slice of detections.
func ApplyGreedyNMS(detections []Result, config NMSConfig) []Result {
	n := len(detections)
	if n == 0 {
		return nil
	}

	filtered := make([]Result, 0, n)
	used := make([]bool, n)

	for i := 0; i < n; i++ {
		if used[i] {
			continue
		}

		anchor := detections[i]
		filtered = append(filtered, anchor)
		used[i] = true

		for j := i + 1; j < n; j++ {
			if used[j] || detections[j].Batch != anchor.Batch {
				continue
			}
			if config.ClassAware && detections[j].Class != anchor.Class {
				continue
			}

			// Suppress if IoU exceeds threshold
			if boxes.CalculateIoU(anchor.Box, detections[j].Box) > config.IoUThreshold {
				used[j] = true
			}
		}
	}

	return filtered
}
