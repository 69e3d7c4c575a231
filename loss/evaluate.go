package loss

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-yololoss/boxes"
)

// cells is a flat view over a [B, S, S, A, 5+C] float32 backing array.
type cells struct {
	p    Params
	data []float32
}

func newCells(p Params, name string, t *tensor.Dense) (cells, error) {
	if t == nil {
		return cells{}, errors.Errorf("%s is nil", name)
	}
	if err := p.checkShape(name, t.Shape()); err != nil {
		return cells{}, err
	}
	if t.Dtype() != tensor.Float32 {
		return cells{}, errors.Errorf("%s must be Float32, got %v", name, t.Dtype())
	}
	if t.IsView() {
		t = t.Materialize().(*tensor.Dense)
	}
	return cells{p: p, data: t.Float32s()}, nil
}

// at returns the attributes of box i, where i runs over B*S*S*A.
func (c cells) at(i int) []float32 {
	n := c.p.NumAttributes()
	return c.data[i*n : (i+1)*n]
}

func (c cells) box(i int) boxes.Box {
	a := c.at(i)
	return boxes.Box{X: a[AttrX], Y: a[AttrY], W: a[AttrW], H: a[AttrH]}
}

func sigmoid(x float32) float32 {
	if x >= 0 {
		return 1 / (1 + math32.Exp(-x))
	}
	z := math32.Exp(x)
	return z / (1 + z)
}

// DecodeDense applies the decode transform on the host. The result is a new
// tensor of the same shape.
func DecodeDense(p Params, raw *tensor.Dense) (*tensor.Dense, error) {
	in, err := newCells(p, "raw prediction", raw)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(in.data))
	copy(out, in.data)
	dec := cells{p: p, data: out}

	i := 0
	for b := 0; b < p.BatchSize; b++ {
		for row := 0; row < p.GridSize; row++ {
			for col := 0; col < p.GridSize; col++ {
				for a := 0; a < p.NumAnchors; a++ {
					attrs := dec.at(i)
					attrs[AttrX] = sigmoid(attrs[AttrX]) + float32(col)
					attrs[AttrY] = sigmoid(attrs[AttrY]) + float32(row)
					attrs[AttrW] = math32.Exp(clamp(attrs[AttrW], p.MaxSizeLogit)) * p.Anchors[a][0]
					attrs[AttrH] = math32.Exp(clamp(attrs[AttrH], p.MaxSizeLogit)) * p.Anchors[a][1]
					attrs[AttrObjectness] = sigmoid(attrs[AttrObjectness])
					i++
				}
			}
		}
	}
	return tensor.New(tensor.WithShape(p.Shape()...), tensor.WithBacking(out)), nil
}

func clamp(x, bound float32) float32 {
	return math32.Max(-bound, math32.Min(bound, x))
}

// Softmax writes the softmax of logits into dst.
func Softmax(dst, logits []float32) {
	hi := logits[0]
	for _, v := range logits[1:] {
		hi = math32.Max(hi, v)
	}
	var total float32
	for i, v := range logits {
		dst[i] = math32.Exp(v - hi)
		total += dst[i]
	}
	for i := range dst {
		dst[i] /= total
	}
}

// Argmax returns the index of the first maximum.
func Argmax(v []float32) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

func uniqueMax(v []float32, best int) bool {
	for i, x := range v {
		if i != best && x == v[best] {
			return false
		}
	}
	return true
}

// Evaluate computes the loss terms on the host with explicit loops, without a
// graph. rawPred is decoded first, like YoloLoss.Terms.
//
// Arguments:
//   - p: The run configuration.
//   - yTrue: Ground truth, [B, S, S, A, 5+C].
//   - rawPred: Raw network output of the same shape.
//
// Returns:
//   - TermValues: The three terms and their sum.
//   - error: ErrShapeMismatch, ErrInvalidParams, or ErrAmbiguousClass when a
//     box with an object has tied class maxima.
func Evaluate(p Params, yTrue, rawPred *tensor.Dense) (TermValues, error) {
	if err := p.Validate(); err != nil {
		return TermValues{}, err
	}
	decoded, err := DecodeDense(p, rawPred)
	if err != nil {
		return TermValues{}, err
	}
	return EvaluateDecoded(p, yTrue, decoded)
}

// EvaluateDecoded is Evaluate on already decoded predictions.
func EvaluateDecoded(p Params, yTrue, yPred *tensor.Dense) (TermValues, error) {
	truth, err := newCells(p, "ground truth", yTrue)
	if err != nil {
		return TermValues{}, err
	}
	pred, err := newCells(p, "prediction", yPred)
	if err != nil {
		return TermValues{}, err
	}

	var v TermValues
	pooled := p.Pooled()
	gtProbs := make([]float32, p.NumClasses)
	probs := make([]float32, p.NumClasses)

	for b := 0; b < p.BatchSize; b++ {
		base := b * pooled
		for j := 0; j < pooled; j++ {
			i := base + j
			t, y := truth.at(i), pred.at(i)
			obj := t[AttrObjectness]

			// coordinates
			ind := obj * p.CoordScale
			for _, k := range []int{AttrX, AttrY, AttrW, AttrH} {
				d := t[k] - y[k]
				v.Coord += ind * d * d
			}

			// objectness
			best := float32(0)
			pb := pred.box(i)
			for g := 0; g < pooled; g++ {
				best = math32.Max(best, boxes.CalculateIoU(truth.box(base+g), pb))
			}
			var noObj float32
			if best < p.IoUFilter {
				noObj = (1 - obj) * p.NoObjectScale
			}
			target := obj
			if p.ReadjustObjScore {
				target = boxes.CalculateIoU(truth.box(i), pb)
			}
			d := target - y[AttrObjectness]
			v.Obj += (obj*p.ObjectScale + noObj) * d * d

			// classes
			Softmax(probs, y[AttrClasses:])
			for k := range gtProbs {
				gtProbs[k] = 0
			}
			hot := Argmax(t[AttrClasses:])
			if obj != 0 && !uniqueMax(t[AttrClasses:], hot) {
				return TermValues{}, errors.Wrapf(ErrAmbiguousClass, "box %d classes %v", i, t[AttrClasses:])
			}
			gtProbs[hot] = 1
			var perCell float32
			for k := range probs {
				d := gtProbs[k] - probs[k]
				perCell += d * d
			}
			v.Class += perCell * obj * p.ClassScale
		}
	}
	v.Coord /= 2
	v.Obj /= 2
	v.Total = v.Coord + v.Obj + v.Class
	return v, nil
}
