package main

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-yololoss/boxes"
	"github.com/nvr-ai/go-yololoss/loss"
	"github.com/nvr-ai/go-yololoss/postprocess"
	"github.com/nvr-ai/go-yololoss/target"
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

// randomLabels places up to maxObjects boxes per batch element.
func randomLabels(rng *rand.Rand, p loss.Params, maxObjects int) [][]target.Label {
	batch := make([][]target.Label, p.BatchSize)
	grid := float32(p.GridSize)
	for b := range batch {
		for i := rng.Intn(maxObjects + 1); i > 0; i-- {
			batch[b] = append(batch[b], target.Label{
				Box: boxes.Box{
					X: rng.Float32() * grid,
					Y: rng.Float32() * grid,
					W: 0.5 + rng.Float32()*grid/2,
					H: 0.5 + rng.Float32()*grid/2,
				},
				Class: rng.Intn(p.NumClasses),
			})
		}
	}
	return batch
}

func main() {
	parser := argparse.NewParser("yololoss", "Evaluate the YOLO loss on a random batch")
	configFile := parser.String("c", "config", &argparse.Options{Help: "YAML loss params (defaults to YOLOv2 VOC)", Required: false})
	seed := parser.Int("s", "seed", &argparse.Options{Help: "Random seed", Required: false, Default: 1})
	objects := parser.Int("n", "objects", &argparse.Options{Help: "Maximum objects per image", Required: false, Default: 5})
	readjust := parser.Flag("r", "readjust", &argparse.Options{Help: "Use IoU as the objectness target"})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	check(err)

	params := loss.DefaultParams()
	if *configFile != "" {
		params, err = loss.LoadParams(*configFile)
		check(err)
	}
	if *readjust {
		params.ReadjustObjScore = true
	}

	rng := rand.New(rand.NewSource(int64(*seed)))
	encoder, err := target.NewEncoder(params, logger)
	check(err)
	truth, err := encoder.Encode(randomLabels(rng, params, *objects))
	check(err)

	rawData := make([]float32, params.Shape().TotalSize())
	for i := range rawData {
		rawData[i] = float32(rng.NormFloat64())
	}
	raw := tensor.New(tensor.WithShape(params.Shape()...), tensor.WithBacking(rawData))

	yolo, err := loss.NewYoloLoss(params, logger)
	check(err)

	g := G.NewGraph()
	yTrue := G.NewTensor(g, tensor.Float32, 5, G.WithShape(params.Shape()...), G.WithName("y_true"), G.WithValue(truth))
	yPred := G.NewTensor(g, tensor.Float32, 5, G.WithShape(params.Shape()...), G.WithName("y_pred"), G.WithValue(raw))
	terms, err := yolo.Terms(yTrue, yPred)
	check(err)

	vm := G.NewTapeMachine(g)
	defer vm.Close()

	st := time.Now()
	check(vm.RunAll())
	logger.Infof("Graph evaluated in %v", time.Since(st))

	values, err := terms.Values()
	check(err)
	values.Log(logger)

	st = time.Now()
	host, err := loss.Evaluate(params, truth, raw)
	check(err)
	logger.Infof("Host evaluation in %v", time.Since(st))
	host.Log(logger)

	decoded, err := loss.DecodeDense(params, raw)
	check(err)
	dets, err := postprocess.Detections(decoded, params, 0.5)
	check(err)
	dets = postprocess.ApplyGreedyNMS(dets, postprocess.NMSConfig{IoUThreshold: 0.45, ClassAware: true})
	logger.Infof("%v detections above 0.5 after NMS", len(dets))
	if params.NumClasses != len(postprocess.VOCClasses.Labels) {
		return
	}
	for _, d := range dets {
		name, err := postprocess.VOCClasses.Label(d.Class)
		check(err)
		logger.Debugf("batch %v: %v %.3f at %v", d.Batch, name, d.Score, d.Box)
	}
}
