package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/chaoso/EdgeML/internal/dataset"
	"github.com/chaoso/EdgeML/internal/graph"
	emilog "github.com/chaoso/EdgeML/internal/log"
	"github.com/chaoso/EdgeML/internal/model"
	"github.com/chaoso/EdgeML/internal/trainer"
)

const (
	batchSize    = 2
	subinstances = 3
	timeSteps    = 4
	features     = 4
	classes      = 3
	lossStart    = 1
)

type stack struct {
	g    *graph.Graph
	x, y *gorgonia.Node
	tr   *trainer.Trainer
	sess *Session
	it   *dataset.Iterator
}

func newStack(t *testing.T, loss trainer.LossType, stepSize, initScale float64, epochs int) *stack {
	t.Helper()
	g := graph.New()
	x := gorgonia.NewTensor(g.ExprGraph, tensor.Float64, 4, gorgonia.WithShape(batchSize, subinstances, timeSteps, features), gorgonia.WithName("X"))
	y := gorgonia.NewTensor(g.ExprGraph, tensor.Float64, 3, gorgonia.WithShape(batchSize, subinstances, classes), gorgonia.WithName("Y"))
	pred, err := model.NewReadout(g, features, classes, initScale, 3).Forward(x)
	require.NoError(t, err)

	nop := emilog.Nop()
	cfg := trainer.DefaultConfig(timeSteps, classes)
	cfg.LossType = loss
	cfg.StepSize = stepSize
	cfg.Logger = &nop
	tr, err := trainer.New(cfg)
	require.NoError(t, err)

	mask, err := trainer.NewIndicator(timeSteps, classes, lossStart)
	require.NoError(t, err)
	_, _, err = tr.Build(g, pred, y, mask)
	require.NoError(t, err)

	bags, err := dataset.Synthetic(dataset.SyntheticOptions{
		NumBags: 8, Subinstances: subinstances, TimeSteps: timeSteps,
		Features: features, Classes: classes, Noise: 0.05, Seed: 21,
	})
	require.NoError(t, err)
	it, err := dataset.NewIterator(bags, dataset.IteratorOptions{X: x, Y: y, Epochs: epochs, Seed: 4})
	require.NoError(t, err)

	sess, err := New(g, it)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	return &stack{g: g, x: x, y: y, tr: tr, sess: sess, it: it}
}

func TestL2LossWithZeroWeights(t *testing.T) {
	s := newStack(t, trainer.LossL2, 0.01, 0, 1)

	vals, err := s.sess.Run(context.Background(), nil, s.tr.LossOp())
	require.NoError(t, err)
	require.Len(t, vals, 1)

	// Zero logits leave a residual of -1 on the label column of every
	// indicated step.
	want := 0.5 * float64(batchSize*subinstances*(timeSteps-lossStart))
	assert.InDelta(t, want, vals[0], 1e-9)
}

func TestXEntropyLossWithZeroWeights(t *testing.T) {
	s := newStack(t, trainer.LossXEntropy, 0.01, 0, 1)

	vals, err := s.sess.Run(context.Background(), nil, s.tr.LossOp())
	require.NoError(t, err)
	assert.InDelta(t, math.Log(classes), vals[0], 1e-9)
}

func TestTrainOpReducesLoss(t *testing.T) {
	for _, loss := range []trainer.LossType{trainer.LossXEntropy, trainer.LossL2} {
		t.Run(string(loss), func(t *testing.T) {
			s := newStack(t, loss, 0.05, 0.01, 40)

			var losses []float64
			var out bytes.Buffer
			batches, err := s.tr.TrainModel(context.Background(), s.sess, trainer.TrainOptions{
				EchoInterval: 10,
				Out:          &out,
				Echo: func(ctx context.Context, sess trainer.Session, feed trainer.FeedDict, batch int, _ io.Writer) error {
					vals, err := sess.Run(ctx, feed, s.tr.TrainOp(), s.tr.LossOp())
					if err != nil {
						return err
					}
					losses = append(losses, vals[1])
					return nil
				},
			})
			require.NoError(t, err)
			assert.Equal(t, 40*s.it.BatchesPerEpoch(), batches)
			require.GreaterOrEqual(t, len(losses), 2)
			assert.Less(t, losses[len(losses)-1], losses[0])
		})
	}
}

func TestDefaultEchoWritesProgress(t *testing.T) {
	s := newStack(t, trainer.LossL2, 0.01, 0.01, 1)

	var out bytes.Buffer
	batches, err := s.tr.TrainModel(context.Background(), s.sess, trainer.TrainOptions{EchoInterval: 2, Out: &out})
	require.NoError(t, err)
	assert.Equal(t, 4, batches)
	assert.Contains(t, out.String(), "\rBatch     0 Loss ")
	assert.Contains(t, out.String(), "\rBatch     2 Loss ")
	assert.Greater(t, s.tr.LastLoss(), 0.0)
}

func TestRunPassesOutOfRangeThrough(t *testing.T) {
	s := newStack(t, trainer.LossL2, 0.01, 0.01, 1)
	ctx := context.Background()
	for i := 0; i < s.it.BatchesPerEpoch(); i++ {
		_, err := s.sess.Run(ctx, nil, s.tr.TrainOp())
		require.NoError(t, err)
	}
	_, err := s.sess.Run(ctx, nil, s.tr.TrainOp())
	assert.True(t, errors.Is(err, trainer.ErrOutOfRange))
}

func TestFeedOverridesSource(t *testing.T) {
	s := newStack(t, trainer.LossL2, 0.01, 0, 1)

	// An all-zero target leaves nothing for the l2 loss to penalise.
	zeros := tensor.New(tensor.WithShape(batchSize, subinstances, classes), tensor.WithBacking(make([]float64, batchSize*subinstances*classes)))
	vals, err := s.sess.Run(context.Background(), trainer.FeedDict{s.y: zeros}, s.tr.LossOp())
	require.NoError(t, err)
	assert.InDelta(t, 0, vals[0], 1e-12)
}

func TestClosedSessionRejectsRun(t *testing.T) {
	s := newStack(t, trainer.LossL2, 0.01, 0, 1)
	require.NoError(t, s.sess.Close())
	require.NoError(t, s.sess.Close())
	_, err := s.sess.Run(context.Background(), nil, s.tr.LossOp())
	assert.ErrorIs(t, err, ErrClosed)
}

type unknownOp struct{}

func (unknownOp) Name() string { return "unknown" }

func TestRunRejectsUnknownOp(t *testing.T) {
	s := newStack(t, trainer.LossL2, 0.01, 0, 1)
	_, err := s.sess.Run(context.Background(), nil, unknownOp{})
	assert.Error(t, err)
}

func TestNewRejectsNilArguments(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)
	_, err = New(graph.New(), nil)
	assert.Error(t, err)
}

type fixedSource struct{ feed trainer.FeedDict }

func (s fixedSource) Next(context.Context) (trainer.FeedDict, error) { return s.feed, nil }

// gapLoss evaluates the xentropy loss for a single two-class bag whose label
// is class 0. Steps at or after lossStart put the other class gap logits
// ahead; step 0 is an even split.
func gapLoss(t *testing.T, gap float64) float64 {
	t.Helper()
	g := graph.New()
	logits := make([]float64, timeSteps*2)
	for step := lossStart; step < timeSteps; step++ {
		logits[step*2+1] = gap
	}
	pred := gorgonia.NewTensor(g.ExprGraph, tensor.Float64, 4,
		gorgonia.WithShape(1, 1, timeSteps, 2),
		gorgonia.WithName("logits"),
		gorgonia.WithValue(tensor.New(tensor.WithShape(1, 1, timeSteps, 2), tensor.WithBacking(logits))))
	g.AddTrainable(pred)
	y := gorgonia.NewTensor(g.ExprGraph, tensor.Float64, 3, gorgonia.WithShape(1, 1, 2), gorgonia.WithName("Y"))

	nop := emilog.Nop()
	cfg := trainer.DefaultConfig(timeSteps, 2)
	cfg.LossType = trainer.LossXEntropy
	cfg.Logger = &nop
	tr, err := trainer.New(cfg)
	require.NoError(t, err)
	mask, err := trainer.NewIndicator(timeSteps, 2, lossStart)
	require.NoError(t, err)
	_, _, err = tr.Build(g, pred, y, mask)
	require.NoError(t, err)

	label := tensor.New(tensor.WithShape(1, 1, 2), tensor.WithBacking([]float64{1, 0}))
	sess, err := New(g, fixedSource{feed: trainer.FeedDict{y: label}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })

	vals, err := sess.Run(context.Background(), nil, tr.LossOp())
	require.NoError(t, err)
	return vals[0]
}

func softplus(x float64) float64 { return x + math.Log1p(math.Exp(-x)) }

func TestXEntropyIgnoresStepsBeforeStart(t *testing.T) {
	got := gapLoss(t, 5)

	// Every counted step has the same loss, so the mean is that loss. The
	// even split at step 0 would pull it down to about 3.93.
	assert.InDelta(t, softplus(5), got, 1e-9)
	assert.InDelta(t, 5.0067, got, 1e-4)
	allSteps := (float64(timeSteps-lossStart)*softplus(5) + math.Ln2) / timeSteps
	assert.Greater(t, math.Abs(got-allSteps), 1.0)
}

func TestXEntropyStableAtLargeLogitGaps(t *testing.T) {
	for _, gap := range []float64{50, 700, 750, 800} {
		got := gapLoss(t, gap)
		require.False(t, math.IsNaN(got) || math.IsInf(got, 0), "gap %v gave %v", gap, got)
		assert.InDelta(t, softplus(gap), got, 1e-6, "gap %v", gap)
	}
}
