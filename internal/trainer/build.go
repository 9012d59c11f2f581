package trainer

import (
	"fmt"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/chaoso/EdgeML/internal/graph"
	emilog "github.com/chaoso/EdgeML/internal/log"
)

// Build validates predicted [batch, subinstances, steps, outputs], target
// [batch, subinstances, outputs] and the loss mask, then attaches (or, with
// Config.Restore, looks up) the loss and train ops on g. Once built, later
// calls return the same handles without validating again.
func (t *Trainer) Build(g *graph.Graph, predicted, target *gorgonia.Node, indicator [][]float64) (*LossOp, *TrainOp, error) {
	if t.built {
		return t.lossOp, t.trainOp, nil
	}
	if g == nil {
		return nil, nil, fmt.Errorf("%w: nil graph", ErrInvalidShape)
	}
	if err := t.validateInputs(g, predicted, target); err != nil {
		return nil, nil, err
	}
	start, err := t.validateIndicator(indicator)
	if err != nil {
		return nil, nil, err
	}
	t.lossStart = start

	if t.cfg.Restore {
		err = t.restoreOps(g)
	} else {
		err = t.createOps(g, predicted, target, indicator)
	}
	if err != nil {
		return nil, nil, err
	}
	t.built = true

	t.logger.Info().
		Str(emilog.FieldEvent, "build").
		Bool("restored", t.cfg.Restore).
		Str(emilog.FieldLossType, string(t.lossOp.Type)).
		Str(emilog.FieldOptimizer, t.cfg.Optimizer).
		Float64(emilog.FieldStepSize, t.cfg.StepSize).
		Int(emilog.FieldTimeSteps, t.cfg.NumTimeSteps).
		Int(emilog.FieldOutputs, t.cfg.NumOutput).
		Int(emilog.FieldLossStart, start).
		Int(emilog.FieldTrainable, len(t.trainOp.Learnables)).
		Msg("emi ops ready")
	return t.lossOp, t.trainOp, nil
}

func (t *Trainer) validateInputs(g *graph.Graph, predicted, target *gorgonia.Node) error {
	if predicted == nil || target == nil {
		return fmt.Errorf("%w: nil node", ErrInvalidShape)
	}
	if !g.Owns(predicted) || !g.Owns(target) {
		return fmt.Errorf("%w: nodes belong to another graph", ErrInvalidShape)
	}
	if predicted.Dtype() != tensor.Float64 || target.Dtype() != tensor.Float64 {
		return fmt.Errorf("%w: want float64, got %v and %v", ErrInvalidShape, predicted.Dtype(), target.Dtype())
	}
	ps, ts := predicted.Shape(), target.Shape()
	if len(ps) != 4 {
		return fmt.Errorf("%w: predicted rank %d, want 4", ErrInvalidShape, len(ps))
	}
	if ps[3] != t.cfg.NumOutput {
		return fmt.Errorf("%w: predicted outputs %d, want %d", ErrInvalidShape, ps[3], t.cfg.NumOutput)
	}
	if ps[2] != t.cfg.NumTimeSteps {
		return fmt.Errorf("%w: predicted time steps %d, want %d", ErrInvalidShape, ps[2], t.cfg.NumTimeSteps)
	}
	if len(ts) != 3 {
		return fmt.Errorf("%w: target rank %d, want 3", ErrInvalidShape, len(ts))
	}
	if ps[1] != ts[1] {
		return fmt.Errorf("%w: predicted has %d subinstances, target %d", ErrInvalidShape, ps[1], ts[1])
	}
	if ts[2] != t.cfg.NumOutput {
		return fmt.Errorf("%w: target outputs %d, want %d", ErrInvalidShape, ts[2], t.cfg.NumOutput)
	}
	// Graph shapes are static, so the batch dimension has to agree as well.
	if ps[0] != ts[0] {
		return fmt.Errorf("%w: predicted batch %d, target batch %d", ErrInvalidShape, ps[0], ts[0])
	}
	return nil
}

// CreateOpCollections publishes the ops under TrainCollection and
// LossCollection so that another trainer can restore them.
func (t *Trainer) CreateOpCollections(g *graph.Graph) error {
	if t.lossOp == nil || t.trainOp == nil {
		return ErrNotBuilt
	}
	g.AddToCollection(TrainCollection, t.trainOp)
	g.AddToCollection(LossCollection, t.lossOp)
	return nil
}

func (t *Trainer) createOps(g *graph.Graph, predicted, target *gorgonia.Node, mask [][]float64) error {
	// Nothing is added to g unless there is something to optimize, so a
	// failed Build can be retried without leaving stray named nodes behind.
	learnables := g.Trainable()
	if len(learnables) == 0 {
		return ErrNoTrainable
	}
	tiled, err := t.tileTarget(target)
	if err != nil {
		return err
	}
	loss, indicator, err := t.createLoss(g, predicted, tiled, mask)
	if err != nil {
		return err
	}
	train, err := t.createTrain(loss, learnables)
	if err != nil {
		return err
	}
	t.lossOp, t.trainOp, t.indicator = loss, train, indicator
	if t.cfg.AutoMode {
		return t.CreateOpCollections(g)
	}
	return nil
}

// tileTarget repeats target [b, s, c] along a new time axis, giving
// [b, s, steps, c], so every step is scored against the bag label.
func (t *Trainer) tileTarget(target *gorgonia.Node) (*gorgonia.Node, error) {
	ts := target.Shape()
	expanded, err := gorgonia.Reshape(target, tensor.Shape{ts[0], ts[1], 1, ts[2]})
	if err != nil {
		return nil, fmt.Errorf("trainer: expand target: %w", err)
	}
	if t.cfg.NumTimeSteps == 1 {
		return expanded, nil
	}
	copies := make([]*gorgonia.Node, t.cfg.NumTimeSteps)
	for i := range copies {
		copies[i] = expanded
	}
	tiled, err := gorgonia.Concat(2, copies...)
	if err != nil {
		return nil, fmt.Errorf("trainer: tile target: %w", err)
	}
	return tiled, nil
}

func (t *Trainer) createLoss(g *graph.Graph, predicted, tiled *gorgonia.Node, mask [][]float64) (*LossOp, *gorgonia.Node, error) {
	steps, outputs := t.cfg.NumTimeSteps, t.cfg.NumOutput
	ps := predicted.Shape()
	rows := ps[0] * ps[1]

	logits, err := gorgonia.Reshape(predicted, tensor.Shape{rows, steps, outputs})
	if err != nil {
		return nil, nil, fmt.Errorf("trainer: reshape logits: %w", err)
	}
	labels, err := gorgonia.Reshape(tiled, tensor.Shape{rows, steps, outputs})
	if err != nil {
		return nil, nil, fmt.Errorf("trainer: reshape labels: %w", err)
	}

	indicator := gorgonia.NewTensor(g.ExprGraph, tensor.Float64, 3,
		gorgonia.WithShape(rows, steps, outputs),
		gorgonia.WithName(lossIndicatorName),
		gorgonia.WithValue(tileMask(mask, rows)),
	)

	var node *gorgonia.Node
	switch t.cfg.LossType {
	case LossXEntropy:
		node, err = t.xentropyLoss(g, logits, labels, rows)
	case LossL2:
		node, err = l2Loss(logits, labels, indicator)
	default:
		err = fmt.Errorf("%w: %q", ErrUnsupportedLoss, t.cfg.LossType)
	}
	if err != nil {
		return nil, nil, err
	}
	return &LossOp{Node: node, Type: t.cfg.LossType, Start: t.lossStart}, indicator, nil
}

func l2Loss(logits, labels, indicator *gorgonia.Node) (*gorgonia.Node, error) {
	diff, err := gorgonia.Sub(logits, labels)
	if err != nil {
		return nil, fmt.Errorf("trainer: l2 residual: %w", err)
	}
	masked, err := gorgonia.HadamardProd(indicator, diff)
	if err != nil {
		return nil, fmt.Errorf("trainer: l2 mask: %w", err)
	}
	sq, err := gorgonia.Square(masked)
	if err != nil {
		return nil, fmt.Errorf("trainer: l2 square: %w", err)
	}
	sum, err := gorgonia.Sum(sq)
	if err != nil {
		return nil, fmt.Errorf("trainer: l2 sum: %w", err)
	}
	loss, err := gorgonia.Mul(sum, gorgonia.NewConstant(0.5))
	if err != nil {
		return nil, fmt.Errorf("trainer: l2 scale: %w", err)
	}
	return loss, nil
}

// xentropyLoss averages the softmax cross-entropy over the rows whose time
// step is at or after the indicator start. Rows before it are zeroed by a
// row mask instead of sliced away so the graph keeps a single static shape.
//
// Per row the cross-entropy is logsumexp(x)*sum(labels) - sum(labels*x),
// with logsumexp shifted by the row maximum, so no log of an underflowed
// probability is ever taken.
func (t *Trainer) xentropyLoss(g *graph.Graph, logits, labels *gorgonia.Node, rows int) (*gorgonia.Node, error) {
	steps, outputs := t.cfg.NumTimeSteps, t.cfg.NumOutput
	flat := rows * steps

	x, err := gorgonia.Reshape(logits, tensor.Shape{flat, outputs})
	if err != nil {
		return nil, fmt.Errorf("trainer: flatten logits: %w", err)
	}
	y, err := gorgonia.Reshape(labels, tensor.Shape{flat, outputs})
	if err != nil {
		return nil, fmt.Errorf("trainer: flatten labels: %w", err)
	}
	lse, err := logSumExp(g, x, flat, outputs)
	if err != nil {
		return nil, err
	}
	mass, err := gorgonia.Sum(y, 1)
	if err != nil {
		return nil, fmt.Errorf("trainer: label mass: %w", err)
	}
	scaled, err := gorgonia.HadamardProd(lse, mass)
	if err != nil {
		return nil, fmt.Errorf("trainer: scale logsumexp: %w", err)
	}
	weighted, err := gorgonia.HadamardProd(y, x)
	if err != nil {
		return nil, fmt.Errorf("trainer: label logits: %w", err)
	}
	picked, err := gorgonia.Sum(weighted, 1)
	if err != nil {
		return nil, fmt.Errorf("trainer: label logits sum: %w", err)
	}
	perRow, err := gorgonia.Sub(scaled, picked)
	if err != nil {
		return nil, fmt.Errorf("trainer: xentropy rows: %w", err)
	}

	rowMask := gorgonia.NewVector(g.ExprGraph, tensor.Float64,
		gorgonia.WithShape(flat),
		gorgonia.WithName(lossIndicatorName+"Rows"),
		gorgonia.WithValue(stepMask(rows, steps, t.lossStart)),
	)
	kept, err := gorgonia.HadamardProd(rowMask, perRow)
	if err != nil {
		return nil, fmt.Errorf("trainer: xentropy mask: %w", err)
	}
	total, err := gorgonia.Sum(kept)
	if err != nil {
		return nil, fmt.Errorf("trainer: xentropy sum: %w", err)
	}
	count := float64(rows * (steps - t.lossStart))
	loss, err := gorgonia.Mul(total, gorgonia.NewConstant(1/count))
	if err != nil {
		return nil, fmt.Errorf("trainer: xentropy mean: %w", err)
	}
	return loss, nil
}

// logSumExp reduces x [n, c] along its last axis to [n]. The row maximum is
// spread back over the columns with an outer product against a row of ones.
func logSumExp(g *graph.Graph, x *gorgonia.Node, n, c int) (*gorgonia.Node, error) {
	rowMax, err := gorgonia.Max(x, 1)
	if err != nil {
		return nil, fmt.Errorf("trainer: row max: %w", err)
	}
	col, err := gorgonia.Reshape(rowMax, tensor.Shape{n, 1})
	if err != nil {
		return nil, fmt.Errorf("trainer: row max column: %w", err)
	}
	ones := make([]float64, c)
	for i := range ones {
		ones[i] = 1
	}
	onesRow := gorgonia.NewMatrix(g.ExprGraph, tensor.Float64,
		gorgonia.WithShape(1, c),
		gorgonia.WithName(lossIndicatorName+"Ones"),
		gorgonia.WithValue(tensor.New(tensor.WithShape(1, c), tensor.WithBacking(ones))),
	)
	spread, err := gorgonia.Mul(col, onesRow)
	if err != nil {
		return nil, fmt.Errorf("trainer: spread row max: %w", err)
	}
	shifted, err := gorgonia.Sub(x, spread)
	if err != nil {
		return nil, fmt.Errorf("trainer: shift logits: %w", err)
	}
	exp, err := gorgonia.Exp(shifted)
	if err != nil {
		return nil, fmt.Errorf("trainer: exp: %w", err)
	}
	sum, err := gorgonia.Sum(exp, 1)
	if err != nil {
		return nil, fmt.Errorf("trainer: exp sum: %w", err)
	}
	logSum, err := gorgonia.Log(sum)
	if err != nil {
		return nil, fmt.Errorf("trainer: log sum: %w", err)
	}
	lse, err := gorgonia.Add(rowMax, logSum)
	if err != nil {
		return nil, fmt.Errorf("trainer: logsumexp: %w", err)
	}
	return lse, nil
}

func (t *Trainer) createTrain(loss *LossOp, learnables gorgonia.Nodes) (*TrainOp, error) {
	if _, err := gorgonia.Grad(loss.Node, learnables...); err != nil {
		return nil, fmt.Errorf("trainer: gradients: %w", err)
	}
	return &TrainOp{
		Loss:       loss,
		Solver:     gorgonia.NewAdamSolver(gorgonia.WithLearnRate(t.cfg.StepSize)),
		Learnables: learnables,
		StepSize:   t.cfg.StepSize,
	}, nil
}

func (t *Trainer) restoreOps(g *graph.Graph) error {
	trains := g.Collection(TrainCollection)
	losses := g.Collection(LossCollection)
	if len(trains) != 1 || len(losses) != 1 {
		return fmt.Errorf("%w: %d train ops, %d loss ops", ErrOpNotFound, len(trains), len(losses))
	}
	train, ok := trains[0].(*TrainOp)
	if !ok {
		return fmt.Errorf("%w: %s holds %T", ErrOpNotFound, TrainCollection, trains[0])
	}
	loss, ok := losses[0].(*LossOp)
	if !ok {
		return fmt.Errorf("%w: %s holds %T", ErrOpNotFound, LossCollection, losses[0])
	}
	if loss.Type != t.cfg.LossType {
		return fmt.Errorf("%w: graph holds a %s loss, config asks for %s", ErrInvalidConfig, loss.Type, t.cfg.LossType)
	}
	if loss.Start != t.lossStart {
		return fmt.Errorf("%w: graph loss starts at step %d, indicator at %d", ErrInvalidConfig, loss.Start, t.lossStart)
	}
	indicators := g.ByName(lossIndicatorName)
	if len(indicators) != 1 {
		return fmt.Errorf("%w: %d nodes named %s", ErrOpNotFound, len(indicators), lossIndicatorName)
	}
	t.lossOp, t.trainOp, t.indicator = loss, train, indicators[0]
	return nil
}

// tileMask stacks rows copies of the [steps, outputs] mask.
func tileMask(mask [][]float64, rows int) *tensor.Dense {
	steps, outputs := len(mask), len(mask[0])
	backing := make([]float64, 0, rows*steps*outputs)
	for r := 0; r < rows; r++ {
		for _, row := range mask {
			backing = append(backing, row...)
		}
	}
	return tensor.New(tensor.WithShape(rows, steps, outputs), tensor.WithBacking(backing))
}

// stepMask marks the flattened [rows*steps] positions whose step is >= start.
func stepMask(rows, steps, start int) *tensor.Dense {
	backing := make([]float64, rows*steps)
	for r := 0; r < rows; r++ {
		for s := start; s < steps; s++ {
			backing[r*steps+s] = 1
		}
	}
	return tensor.New(tensor.WithShape(rows*steps), tensor.WithBacking(backing))
}
