package loss

import (
	"github.com/cyclopcam/logs"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
)

// Terms holds the nodes of every loss term built over a single decode.
type Terms struct {
	Decoded *G.Node
	Coord   *G.Node
	Obj     *G.Node
	Class   *G.Node
	Total   *G.Node
}

// TermValues are the evaluated terms of one step.
type TermValues struct {
	Coord float32
	Obj   float32
	Class float32
	Total float32
}

// Terms decodes raw output once and builds the three terms and their sum.
//
// Arguments:
//   - yTrue: Ground truth, [B, S, S, A, 5+C].
//   - raw: Raw network output of the same shape.
//
// Returns:
//   - Terms: Nodes to read after the graph has run.
//   - error: ErrShapeMismatch or a graph construction failure.
func (l *YoloLoss) Terms(yTrue, raw *G.Node) (Terms, error) {
	if err := l.checkPair(yTrue, raw); err != nil {
		return Terms{}, err
	}
	e := &expr{}
	pred := decode(e, l.params, raw)
	coord := l.coordLoss(e, yTrue, pred)
	obj := l.objectnessLoss(e, yTrue, pred)
	class := l.classLoss(e, yTrue, pred)
	total := e.add(e.add(coord, obj), class)
	if e.HasError() {
		return Terms{}, e.err
	}
	return Terms{
		Decoded: pred,
		Coord:   coord,
		Obj:     obj,
		Class:   class,
		Total:   total,
	}, nil
}

// Values reads the term values after a VM run.
func (t Terms) Values() (TermValues, error) {
	var v TermValues
	var err error
	if v.Coord, err = ScalarValue(t.Coord); err != nil {
		return TermValues{}, errors.Wrap(err, "coord")
	}
	if v.Obj, err = ScalarValue(t.Obj); err != nil {
		return TermValues{}, errors.Wrap(err, "objectness")
	}
	if v.Class, err = ScalarValue(t.Class); err != nil {
		return TermValues{}, errors.Wrap(err, "class")
	}
	if v.Total, err = ScalarValue(t.Total); err != nil {
		return TermValues{}, errors.Wrap(err, "total")
	}
	return v, nil
}

// Log writes the values at info level.
func (v TermValues) Log(log logs.Log) {
	log.Infof("loss total=%.6f coord=%.6f obj=%.6f class=%.6f", v.Total, v.Coord, v.Obj, v.Class)
}

// ScalarValue reads a Float32 scalar from an evaluated node.
func ScalarValue(n *G.Node) (float32, error) {
	if n == nil {
		return 0, errors.New("nil node")
	}
	val := n.Value()
	if val == nil {
		return 0, errors.Errorf("node %v has not been evaluated", n.Name())
	}
	f, ok := val.Data().(float32)
	if !ok {
		return 0, errors.Errorf("node %v holds %T, expected a float32 scalar", n.Name(), val.Data())
	}
	return f, nil
}
