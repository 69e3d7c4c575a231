// Package postprocess - Turns decoded YOLO output into detections.
package postprocess

import "github.com/nvr-ai/go-yololoss/boxes"

// Result represents a single detection result.
type Result struct {
	// The batch element the detection belongs to.
	Batch int
	// The bounding box of the result, in grid units.
	Box boxes.Box
	// The confidence score of the result: objectness times class probability.
	Score float32
	// The predicted class index of the result.
	Class int
}
