package loss

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Epsilon floors the union area in IoU so that two zero-area boxes give 0.
const Epsilon = 1e-7

// gorgonia broadcast patterns cover axes 0-3 only.
const maxBroadcastAxes = 4

// gridOffsets is a [B, S, S, A, 5+C] constant holding the cell column on the x
// attribute and the cell row on the y attribute, zero elsewhere.
func gridOffsets(p Params) *tensor.Dense {
	return fillCells(p, func(row, col, _ int, attrs []float32) {
		attrs[AttrX] = float32(col)
		attrs[AttrY] = float32(row)
	})
}

// anchorPriors holds the anchor width/height on the w/h attributes, zero elsewhere.
func anchorPriors(p Params) *tensor.Dense {
	return fillCells(p, func(_, _, anchor int, attrs []float32) {
		attrs[AttrW] = p.Anchors[anchor][0]
		attrs[AttrH] = p.Anchors[anchor][1]
	})
}

// attributeMask is 1 on the listed attributes of every cell and 0 elsewhere.
func attributeMask(p Params, attrs ...int) *tensor.Dense {
	return fillCells(p, func(_, _, _ int, a []float32) {
		for _, i := range attrs {
			a[i] = 1
		}
	})
}

// classMask selects the class logits.
func classMask(p Params) *tensor.Dense {
	idx := make([]int, 0, p.NumClasses)
	for c := 0; c < p.NumClasses; c++ {
		idx = append(idx, AttrClasses+c)
	}
	return attributeMask(p, idx...)
}

func fillCells(p Params, fn func(row, col, anchor int, attrs []float32)) *tensor.Dense {
	shape := p.Shape()
	n := p.NumAttributes()
	backing := make([]float32, shape.TotalSize())
	i := 0
	for b := 0; b < p.BatchSize; b++ {
		for row := 0; row < p.GridSize; row++ {
			for col := 0; col < p.GridSize; col++ {
				for a := 0; a < p.NumAnchors; a++ {
					fn(row, col, a, backing[i:i+n])
					i += n
				}
			}
		}
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing))
}

// decode maps raw network output to grid-absolute boxes:
//
//	x, y  -> sigmoid(t) + cell offset
//	w, h  -> exp(clamp(t)) * anchor prior
//	obj   -> sigmoid(t)
//	class -> t
//
// Every attribute is transformed over the whole tensor and the results are
// combined with constant masks, which keeps the output contiguous and avoids
// slicing the attribute axis.
func decode(e *expr, p Params, raw *G.Node) *G.Node {
	if e.HasError() {
		return nil
	}
	if err := p.checkShape("raw prediction", raw.Shape()); err != nil {
		return e.fail(err)
	}
	sig := e.mul(e.sigmoid(raw), G.NewConstant(attributeMask(p, AttrX, AttrY, AttrObjectness), G.WithName("sigmoid_mask")))
	xy := e.add(sig, G.NewConstant(gridOffsets(p), G.WithName("grid_offsets")))
	wh := e.mul(e.exp(e.clamp(raw, -p.MaxSizeLogit, p.MaxSizeLogit)), G.NewConstant(anchorPriors(p), G.WithName("anchor_priors")))
	cls := e.mul(raw, G.NewConstant(classMask(p), G.WithName("class_mask")))
	return e.add(e.add(xy, wh), cls)
}

// objectness returns the objectness channel as a [B, S, S, A] node.
func objectness(e *expr, p Params, n *G.Node) *G.Node {
	return e.reshape(e.lastAxis(n, AttrObjectness, AttrObjectness+1), p.CellShape())
}

// broadcastPatterns compares every axis but the last. Axes where one operand has
// size 1 and the other does not are broadcast on the size-1 side.
func broadcastPatterns(a, b tensor.Shape) (out tensor.Shape, left, right []byte, err error) {
	if a.Dims() != b.Dims() || a.Dims() < 2 {
		return nil, nil, nil, errors.Wrapf(ErrShapeMismatch, "cannot pair boxes of shape %v and %v", a, b)
	}
	out = make(tensor.Shape, a.Dims()-1)
	for i := range out {
		switch {
		case a[i] == b[i]:
			out[i] = a[i]
		case i >= maxBroadcastAxes:
			return nil, nil, nil, errors.Wrapf(ErrShapeMismatch, "cannot broadcast axis %d of %v and %v", i, a, b)
		case a[i] == 1:
			out[i] = b[i]
			left = append(left, byte(i))
		case b[i] == 1:
			out[i] = a[i]
			right = append(right, byte(i))
		default:
			return nil, nil, nil, errors.Wrapf(ErrShapeMismatch, "axis %d differs between %v and %v", i, a, b)
		}
	}
	return out, left, right, nil
}

// corners returns the min and max corners ([..., 2]) and the area ([...]) of
// the boxes in n.
func corners(e *expr, n *G.Node) (mins, maxes, area *G.Node) {
	xy := e.lastAxis(n, AttrX, AttrY+1)
	wh := e.lastAxis(n, AttrW, AttrH+1)
	half := e.mul(wh, scalar(0.5))
	mins = e.sub(xy, half)
	maxes = e.add(xy, half)
	area = e.reshape(e.mul(e.lastAxis(wh, 0, 1), e.lastAxis(wh, 1, 2)), n.Shape().Clone()[:n.Dims()-1])
	return mins, maxes, area
}

// iou computes the pairwise IoU of the boxes in a and b. Both operands carry
// (x, y, w, h, ...) on the last axis; the leading axes must match or be 1. The
// result has the broadcast leading shape.
func iou(e *expr, a, b *G.Node) *G.Node {
	if e.HasError() {
		return nil
	}
	out, left, right, err := broadcastPatterns(a.Shape(), b.Shape())
	if err != nil {
		return e.fail(err)
	}
	if a.Shape()[a.Dims()-1] < AttrH+1 || b.Shape()[b.Dims()-1] < AttrH+1 {
		return e.fail(errors.Wrapf(ErrShapeMismatch, "boxes need 4 attributes, got %v and %v", a.Shape(), b.Shape()))
	}

	minsA, maxesA, areaA := corners(e, a)
	minsB, maxesB, areaB := corners(e, b)

	// max(minsA, minsB) and min(maxesA, maxesB)
	interMins := e.badd(minsA, e.relu(e.bsub(minsB, minsA, right, left)), left, nil)
	interMaxes := e.bsub(maxesA, e.relu(e.bsub(maxesA, maxesB, left, right)), left, nil)

	interWH := e.relu(e.sub(interMaxes, interMins))
	inter := e.reshape(e.mul(e.lastAxis(interWH, 0, 1), e.lastAxis(interWH, 1, 2)), out)

	union := e.sub(e.badd(areaA, areaB, left, right), inter)
	return e.div(inter, e.atLeast(union, Epsilon))
}

// IoU builds the pairwise IoU of two box nodes (see iou for the broadcast rules).
func IoU(a, b *G.Node) (*G.Node, error) {
	e := &expr{}
	return e.result(iou(e, a, b))
}

// Objectness returns the objectness channel of n. It stands in for IoU when the
// matched-pair IoU should not be recomputed.
func Objectness(p Params, n *G.Node) (*G.Node, error) {
	e := &expr{}
	return e.result(objectness(e, p, n))
}
