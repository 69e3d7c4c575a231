package loss

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// expr chains gorgonia operations and keeps the first error. Once an error is
// recorded every further call is a no-op returning nil, so a term can be written
// as a straight sequence of operations and checked once at the end.
type expr struct {
	err error
}

func (e *expr) keep(step string, n *G.Node, err error) *G.Node {
	if err != nil {
		e.err = errors.Wrap(err, step)
		return nil
	}
	return n
}

func (e *expr) fail(err error) *G.Node {
	if e.err == nil {
		e.err = err
	}
	return nil
}

// HasError reports whether any operation failed.
func (e *expr) HasError() bool {
	return e.err != nil
}

func scalar(v float32) *G.Node {
	return G.NewConstant(v)
}

func (e *expr) add(a, b *G.Node) *G.Node {
	if e.HasError() {
		return nil
	}
	n, err := G.Add(a, b)
	return e.keep("add", n, err)
}

func (e *expr) sub(a, b *G.Node) *G.Node {
	if e.HasError() {
		return nil
	}
	n, err := G.Sub(a, b)
	return e.keep("sub", n, err)
}

// mul is an elementwise product; either side may be a scalar.
func (e *expr) mul(a, b *G.Node) *G.Node {
	if e.HasError() {
		return nil
	}
	n, err := G.HadamardProd(a, b)
	return e.keep("mul", n, err)
}

func (e *expr) div(a, b *G.Node) *G.Node {
	if e.HasError() {
		return nil
	}
	n, err := G.HadamardDiv(a, b)
	return e.keep("div", n, err)
}

func (e *expr) square(a *G.Node) *G.Node {
	if e.HasError() {
		return nil
	}
	n, err := G.Square(a)
	return e.keep("square", n, err)
}

func (e *expr) sigmoid(a *G.Node) *G.Node {
	if e.HasError() {
		return nil
	}
	n, err := G.Sigmoid(a)
	return e.keep("sigmoid", n, err)
}

func (e *expr) exp(a *G.Node) *G.Node {
	if e.HasError() {
		return nil
	}
	n, err := G.Exp(a)
	return e.keep("exp", n, err)
}

// relu is max(0, a).
func (e *expr) relu(a *G.Node) *G.Node {
	if e.HasError() {
		return nil
	}
	n, err := G.Rectify(a)
	return e.keep("rectify", n, err)
}

// atLeast is max(a, lo) for a scalar lower bound, written as lo + relu(a - lo).
func (e *expr) atLeast(a *G.Node, lo float32) *G.Node {
	c := scalar(lo)
	return e.add(e.relu(e.sub(a, c)), c)
}

// atMost is min(a, hi), written as hi - relu(hi - a).
func (e *expr) atMost(a *G.Node, hi float32) *G.Node {
	c := scalar(hi)
	return e.sub(c, e.relu(e.sub(c, a)))
}

func (e *expr) clamp(a *G.Node, lo, hi float32) *G.Node {
	return e.atMost(e.atLeast(a, lo), hi)
}

// sum reduces along the given axes, or over everything when none are given.
func (e *expr) sum(a *G.Node, along ...int) *G.Node {
	if e.HasError() {
		return nil
	}
	n, err := G.Sum(a, along...)
	return e.keep("sum", n, err)
}

func (e *expr) max(a *G.Node, along ...int) *G.Node {
	if e.HasError() {
		return nil
	}
	n, err := G.Max(a, along...)
	return e.keep("max", n, err)
}

// lastAxis slices the last axis of a, leaving the others whole. A single-element
// range drops the axis.
//
// A slice that covers exactly one element evaluates to a scalar value even
// though its node has a tensor shape, so the result is always reshaped to its
// own shape to get a tensor back.
func (e *expr) lastAxis(a *G.Node, start, end int) *G.Node {
	if e.HasError() {
		return nil
	}
	slices := make([]tensor.Slice, a.Dims())
	slices[len(slices)-1] = G.S(start, end)
	n, err := G.Slice(a, slices...)
	if err != nil || n.Dims() == 0 {
		return e.keep("slice", n, err)
	}
	n, err = G.Reshape(n, n.Shape().Clone())
	return e.keep("slice", n, err)
}

// reshape is skipped when a already has the requested shape.
func (e *expr) reshape(a *G.Node, to tensor.Shape) *G.Node {
	if e.HasError() {
		return nil
	}
	if a.Shape().Eq(to) {
		return a
	}
	n, err := G.Reshape(a, to)
	return e.keep("reshape", n, err)
}

// keepAxis appends a trailing axis of size 1.
func (e *expr) keepAxis(a *G.Node) *G.Node {
	if e.HasError() {
		return nil
	}
	to := append(a.Shape().Clone(), 1)
	return e.reshape(a, to)
}

// lt is the elementwise a < b as 0/1 values of a's dtype.
func (e *expr) lt(a, b *G.Node) *G.Node {
	if e.HasError() {
		return nil
	}
	n, err := G.Lt(a, b, true)
	return e.keep("lt", n, err)
}

// The broadcast variants repeat the size-1 axes listed in left (for a) and right
// (for b) so that both operands match. With no patterns they are the plain ops.
// Only axes 0-3 can be broadcast; callers flatten higher-rank operands first.

func (e *expr) badd(a, b *G.Node, left, right []byte) *G.Node {
	if len(left) == 0 && len(right) == 0 {
		return e.add(a, b)
	}
	if e.HasError() {
		return nil
	}
	n, err := G.BroadcastAdd(a, b, left, right)
	return e.keep("broadcast add", n, err)
}

func (e *expr) bsub(a, b *G.Node, left, right []byte) *G.Node {
	if len(left) == 0 && len(right) == 0 {
		return e.sub(a, b)
	}
	if e.HasError() {
		return nil
	}
	n, err := G.BroadcastSub(a, b, left, right)
	return e.keep("broadcast sub", n, err)
}

func (e *expr) bmul(a, b *G.Node, left, right []byte) *G.Node {
	if len(left) == 0 && len(right) == 0 {
		return e.mul(a, b)
	}
	if e.HasError() {
		return nil
	}
	n, err := G.BroadcastHadamardProd(a, b, left, right)
	return e.keep("broadcast mul", n, err)
}

func (e *expr) bdiv(a, b *G.Node, left, right []byte) *G.Node {
	if len(left) == 0 && len(right) == 0 {
		return e.div(a, b)
	}
	if e.HasError() {
		return nil
	}
	n, err := G.BroadcastHadamardDiv(a, b, left, right)
	return e.keep("broadcast div", n, err)
}

func (e *expr) beq(a, b *G.Node, left, right []byte) *G.Node {
	if e.HasError() {
		return nil
	}
	n, err := G.BroadcastEq(a, b, true, left, right)
	return e.keep("broadcast eq", n, err)
}

// result returns n, or the first recorded error.
func (e *expr) result(n *G.Node) (*G.Node, error) {
	if e.HasError() {
		return nil, e.err
	}
	return n, nil
}
