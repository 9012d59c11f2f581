// Package trainer attaches an EMI-RNN loss and an Adam update to a gorgonia
// graph and drives training batches through a Session until the session
// reports that its data is exhausted.
package trainer

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"gorgonia.org/gorgonia"

	emilog "github.com/chaoso/EdgeML/internal/log"
)

// LossType selects the loss attached by Build.
type LossType string

const (
	// LossL2 is half the squared error of the masked prediction residual.
	LossL2 LossType = "l2"
	// LossXEntropy is the mean softmax cross-entropy over the indicated steps.
	LossXEntropy LossType = "xentropy"
)

// OptimizerAdam is the only supported optimizer.
const OptimizerAdam = "Adam"

// Collection keys used to publish and restore the trainer's ops.
const (
	TrainCollection = "EMI-train-op"
	LossCollection  = "EMI-loss-op"
)

const lossIndicatorName = "lossIndicator"

var (
	ErrInvalidConfig        = errors.New("trainer: invalid config")
	ErrUnsupportedLoss      = errors.New("trainer: unsupported loss type")
	ErrUnsupportedOptimizer = errors.New("trainer: unsupported optimizer")
	ErrInvalidShape         = errors.New("trainer: predicted/target tensors have incorrect dimension")
	ErrInvalidIndicator     = errors.New("trainer: invalid loss indicator")
	ErrNoTrainable          = errors.New("trainer: no trainable variables to optimize")
	ErrOpNotFound           = errors.New("trainer: operation not found in graph")
	ErrNotBuilt             = errors.New("trainer: ops not built")
)

var (
	supportedLosses     = []LossType{LossXEntropy, LossL2}
	supportedOptimizers = []string{OptimizerAdam}
)

// Config captures the knobs of the trainer.
type Config struct {
	NumTimeSteps int
	NumOutput    int
	StepSize     float64
	LossType     LossType
	Optimizer    string
	// AutoMode publishes the ops to the graph collections right after they
	// are created. Callers that edit the graph afterwards turn it off and
	// call CreateOpCollections themselves.
	AutoMode bool
	// Restore takes the ops from the graph collections instead of creating
	// them.
	Restore bool
	Logger  *zerolog.Logger
}

// DefaultConfig returns the stock configuration for the given window.
func DefaultConfig(numTimeSteps, numOutput int) Config {
	return Config{
		NumTimeSteps: numTimeSteps,
		NumOutput:    numOutput,
		StepSize:     0.001,
		LossType:     LossL2,
		Optimizer:    OptimizerAdam,
		AutoMode:     true,
	}
}

// Validate verifies the config is usable.
func (c Config) Validate() error {
	if c.NumTimeSteps <= 0 {
		return fmt.Errorf("%w: num time steps must be > 0 (got %d)", ErrInvalidConfig, c.NumTimeSteps)
	}
	if c.NumOutput <= 0 {
		return fmt.Errorf("%w: num output must be > 0 (got %d)", ErrInvalidConfig, c.NumOutput)
	}
	if c.StepSize <= 0 {
		return fmt.Errorf("%w: step size must be > 0 (got %g)", ErrInvalidConfig, c.StepSize)
	}
	if !supportedLoss(c.LossType) {
		return fmt.Errorf("%w: %q", ErrUnsupportedLoss, c.LossType)
	}
	if !supportedOptimizer(c.Optimizer) {
		return fmt.Errorf("%w: %q", ErrUnsupportedOptimizer, c.Optimizer)
	}
	return nil
}

func supportedLoss(l LossType) bool {
	for _, s := range supportedLosses {
		if s == l {
			return true
		}
	}
	return false
}

func supportedOptimizer(name string) bool {
	for _, s := range supportedOptimizers {
		if s == name {
			return true
		}
	}
	return false
}

// Trainer builds and runs the EMI-RNN loss and train ops.
type Trainer struct {
	cfg    Config
	logger zerolog.Logger

	built     bool
	lossStart int
	indicator *gorgonia.Node
	lossOp    *LossOp
	trainOp   *TrainOp
	lastLoss  float64
}

// New validates cfg and returns a trainer with no ops attached yet.
func New(cfg Config) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := emilog.WithComponent("trainer")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Trainer{cfg: cfg, logger: logger, lossStart: -1}, nil
}

// Built reports whether Build has attached or restored the ops.
func (t *Trainer) Built() bool { return t.built }

// LossOp returns the loss handle, or nil before Build.
func (t *Trainer) LossOp() *LossOp { return t.lossOp }

// TrainOp returns the update handle, or nil before Build.
func (t *Trainer) TrainOp() *TrainOp { return t.trainOp }

// LossIndicator returns the graph node holding the loss mask.
func (t *Trainer) LossIndicator() *gorgonia.Node { return t.indicator }

// LossStart returns the first time step that contributes to the loss, or -1
// before Build.
func (t *Trainer) LossStart() int { return t.lossStart }

// LastLoss returns the loss observed by the most recent echo.
func (t *Trainer) LastLoss() float64 { return t.lastLoss }
