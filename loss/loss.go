package loss

import (
	"github.com/cyclopcam/logs"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// YoloLoss assembles the YOLOv2 loss: coordinate regression, objectness and
// classification, each weighted by indicator masks derived from the ground truth.
//
// Inputs are gorgonia nodes of shape [B, S, S, A, 5+C]. The ground truth carries
// grid-absolute boxes, a 0/1 objectness indicator and one-hot classes. Term
// methods take decoded predictions; Loss, LCoord, LObj and LClass take raw
// network output and decode it themselves.
//
// A YoloLoss holds only its Params and can build any number of graphs.
type YoloLoss struct {
	params Params
	log    logs.Log
}

// NewYoloLoss validates params and returns a loss builder.
//
// Arguments:
//   - params: The run configuration.
//   - log: Logger for configuration and diagnostics.
//
// Returns:
//   - *YoloLoss: The loss builder.
//   - error: ErrInvalidParams if params fail validation.
func NewYoloLoss(params Params, log logs.Log) (*YoloLoss, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	log.Infof("YOLO loss: grid %vx%v, %v anchors, %v classes, batch %v",
		params.GridSize, params.GridSize, params.NumAnchors, params.NumClasses, params.BatchSize)
	log.Infof("YOLO loss: scales coord=%v noobj=%v obj=%v class=%v, iou filter %v, readjust objectness %v",
		params.CoordScale, params.NoObjectScale, params.ObjectScale, params.ClassScale,
		params.IoUFilter, params.ReadjustObjScore)
	return &YoloLoss{
		params: params,
		log:    log,
	}, nil
}

// Params returns the configuration the loss was built with.
func (l *YoloLoss) Params() Params {
	return l.params
}

func (l *YoloLoss) checkPair(yTrue, yPred *G.Node) error {
	if yTrue == nil || yPred == nil {
		return errors.New("nil input node")
	}
	if err := l.params.checkShape("ground truth", yTrue.Shape()); err != nil {
		return err
	}
	if err := l.params.checkShape("prediction", yPred.Shape()); err != nil {
		return err
	}
	if yTrue.Dtype() != tensor.Float32 || yPred.Dtype() != tensor.Float32 {
		return errors.Errorf("loss inputs must be Float32, got %v and %v", yTrue.Dtype(), yPred.Dtype())
	}
	return nil
}

// Decode transforms raw network output into grid-absolute predictions.
func (l *YoloLoss) Decode(raw *G.Node) (*G.Node, error) {
	if raw == nil {
		return nil, errors.New("nil input node")
	}
	e := &expr{}
	return e.result(decode(e, l.params, raw))
}

// CoordLoss is the squared error on center and size, counted only for cells
// responsible for an object:
//
//	(Σ obj·λcoord·(xy - x̂ŷ)² + Σ obj·λcoord·(wh - ŵĥ)²) / 2
//
// Width and height are compared directly, not through their square roots.
func (l *YoloLoss) CoordLoss(yTrue, yPred *G.Node) (*G.Node, error) {
	if err := l.checkPair(yTrue, yPred); err != nil {
		return nil, err
	}
	e := &expr{}
	return e.result(l.coordLoss(e, yTrue, yPred))
}

func (l *YoloLoss) coordLoss(e *expr, yTrue, yPred *G.Node) *G.Node {
	p := l.params
	rows := p.Boxes()
	// flattened to [B*S*S*A, 2] against [B*S*S*A, 1]
	indicator := e.reshape(e.mul(objectness(e, p, yTrue), scalar(p.CoordScale)), tensor.Shape{rows, 1})
	broadcast := []byte{1}

	sqXY := e.square(e.sub(e.lastAxis(yTrue, AttrX, AttrY+1), e.lastAxis(yPred, AttrX, AttrY+1)))
	sqWH := e.square(e.sub(e.lastAxis(yTrue, AttrW, AttrH+1), e.lastAxis(yPred, AttrW, AttrH+1)))

	lossXY := e.sum(e.bmul(e.reshape(sqXY, tensor.Shape{rows, 2}), indicator, nil, broadcast))
	lossWH := e.sum(e.bmul(e.reshape(sqWH, tensor.Shape{rows, 2}), indicator, nil, broadcast))
	return e.mul(e.add(lossXY, lossWH), scalar(0.5))
}

// ObjectnessLoss is the squared error between predicted objectness and its
// target, weighted by
//
//	obj·λobj + (bestIoU < τ)·(1 - obj)·λnoobj
//
// where bestIoU is the highest IoU between a prediction and any ground-truth box
// of the same batch element. The target is the ground-truth indicator, or the
// IoU with the co-located ground truth when ReadjustObjScore is set. The sum is
// halved.
func (l *YoloLoss) ObjectnessLoss(yTrue, yPred *G.Node) (*G.Node, error) {
	if err := l.checkPair(yTrue, yPred); err != nil {
		return nil, err
	}
	e := &expr{}
	return e.result(l.objectnessLoss(e, yTrue, yPred))
}

func (l *YoloLoss) objectnessLoss(e *expr, yTrue, yPred *G.Node) *G.Node {
	p := l.params
	obj := objectness(e, p, yTrue)

	var target *G.Node
	if p.ReadjustObjScore {
		target = iou(e, yTrue, yPred)
	} else {
		target = obj
	}
	predObj := objectness(e, p, yPred)

	best := l.bestIoU(e, yTrue, yPred)
	noObj := e.mul(e.mul(e.lt(best, scalar(p.IoUFilter)), e.sub(scalar(1), obj)), scalar(p.NoObjectScale))
	withObj := e.mul(obj, scalar(p.ObjectScale))
	indicator := e.add(withObj, noObj)

	return e.mul(e.sum(e.mul(e.square(e.sub(target, predObj)), indicator)), scalar(0.5))
}

// bestIoU pairs every prediction with the S*S*A ground-truth boxes of its batch
// element and keeps the maximum IoU. Shapes: predictions [B, P, 1, 5+C] against
// ground truth [B, 1, P, 5+C], reduced over the pooled axis to [B, S, S, A].
func (l *YoloLoss) bestIoU(e *expr, yTrue, yPred *G.Node) *G.Node {
	p := l.params
	pooled, attrs := p.Pooled(), p.NumAttributes()
	preds := e.reshape(yPred, tensor.Shape{p.BatchSize, pooled, 1, attrs})
	truth := e.reshape(yTrue, tensor.Shape{p.BatchSize, 1, pooled, attrs})
	ious := iou(e, preds, truth)
	return e.reshape(e.max(ious, 2), p.CellShape())
}

// ClassLoss is the squared error between the softmax of the predicted class
// logits and the one-hot ground-truth class, summed per cell and weighted by
// obj·λclass.
func (l *YoloLoss) ClassLoss(yTrue, yPred *G.Node) (*G.Node, error) {
	if err := l.checkPair(yTrue, yPred); err != nil {
		return nil, err
	}
	e := &expr{}
	return e.result(l.classLoss(e, yTrue, yPred))
}

func (l *YoloLoss) classLoss(e *expr, yTrue, yPred *G.Node) *G.Node {
	p := l.params
	rows := p.Boxes()
	classShape := tensor.Shape{rows, p.NumClasses}
	broadcast := []byte{1}

	logits := e.reshape(e.lastAxis(yPred, AttrClasses, AttrClasses+p.NumClasses), classShape)
	shifted := e.bsub(logits, e.keepAxis(e.max(logits, 1)), nil, broadcast)
	exps := e.exp(shifted)
	probs := e.bdiv(exps, e.keepAxis(e.sum(exps, 1)), nil, broadcast)

	// Ground-truth classes are one-hot; comparing against the row maximum
	// recovers the hot index. A row with tied maxima is multi-hot here;
	// EvaluateDecoded rejects such rows on boxes with an object.
	truth := e.reshape(e.lastAxis(yTrue, AttrClasses, AttrClasses+p.NumClasses), classShape)
	oneHot := e.beq(truth, e.keepAxis(e.max(truth, 1)), nil, broadcast)

	perBox := e.sum(e.square(e.sub(oneHot, probs)), 1)
	indicator := e.reshape(e.mul(objectness(e, p, yTrue), scalar(p.ClassScale)), tensor.Shape{rows})
	return e.sum(e.mul(perBox, indicator))
}

// Loss decodes raw network output once and returns the sum of the coordinate,
// objectness and class terms. This is the training objective.
func (l *YoloLoss) Loss(yTrue, raw *G.Node) (*G.Node, error) {
	terms, err := l.Terms(yTrue, raw)
	if err != nil {
		return nil, err
	}
	return terms.Total, nil
}

// LCoord decodes raw output and returns only the coordinate term.
func (l *YoloLoss) LCoord(yTrue, raw *G.Node) (*G.Node, error) {
	pred, err := l.Decode(raw)
	if err != nil {
		return nil, err
	}
	return l.CoordLoss(yTrue, pred)
}

// LObj decodes raw output and returns only the objectness term.
func (l *YoloLoss) LObj(yTrue, raw *G.Node) (*G.Node, error) {
	pred, err := l.Decode(raw)
	if err != nil {
		return nil, err
	}
	return l.ObjectnessLoss(yTrue, pred)
}

// LClass decodes raw output and returns only the class term.
func (l *YoloLoss) LClass(yTrue, raw *G.Node) (*G.Node, error) {
	pred, err := l.Decode(raw)
	if err != nil {
		return nil, err
	}
	return l.ClassLoss(yTrue, pred)
}
