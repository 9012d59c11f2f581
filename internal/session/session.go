// Package session executes trainer ops on a gorgonia tape machine, pulling
// one batch of inputs from a Source per run.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"gorgonia.org/gorgonia"

	"github.com/chaoso/EdgeML/internal/graph"
	emilog "github.com/chaoso/EdgeML/internal/log"
	"github.com/chaoso/EdgeML/internal/trainer"
)

// Source yields the input values for one batch. It returns an error wrapping
// trainer.ErrOutOfRange once it is exhausted.
type Source interface {
	Next(ctx context.Context) (trainer.FeedDict, error)
}

// ErrClosed is returned by Run after Close.
var ErrClosed = errors.New("session: closed")

// Session is a trainer.Session backed by a compiled tape machine. It is not
// safe for concurrent use.
type Session struct {
	g      *graph.Graph
	src    Source
	vm     gorgonia.VM
	logger zerolog.Logger
	closed bool
}

var _ trainer.Session = (*Session)(nil)

// New compiles the whole of g, so it must be called after the trainer has
// attached its ops. Dual values are bound for the graph's trainable
// variables.
func New(g *graph.Graph, src Source) (*Session, error) {
	if g == nil {
		return nil, errors.New("session: nil graph")
	}
	if src == nil {
		return nil, errors.New("session: nil source")
	}
	learnables := g.Trainable()
	vm := gorgonia.NewTapeMachine(g.ExprGraph, gorgonia.BindDualValues(learnables...))
	return &Session{
		g:      g,
		src:    src,
		vm:     vm,
		logger: emilog.WithComponent("session"),
	}, nil
}

// Run pulls the next batch from the source, applies feed on top of it, runs
// the graph once and then executes ops in order.
func (s *Session) Run(ctx context.Context, feed trainer.FeedDict, ops ...trainer.Op) ([]float64, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	batch, err := s.src.Next(ctx)
	if err != nil {
		return nil, err
	}
	if err := bind(batch); err != nil {
		return nil, err
	}
	if err := bind(feed); err != nil {
		return nil, err
	}

	defer s.vm.Reset()
	if err := s.vm.RunAll(); err != nil {
		s.logger.Debug().Err(err).Int("ops", len(ops)).Msg("graph run failed")
		return nil, fmt.Errorf("session: run graph: %w", err)
	}

	out := make([]float64, len(ops))
	for i, op := range ops {
		switch op := op.(type) {
		case *trainer.TrainOp:
			if err := op.Solver.Step(gorgonia.NodesToValueGrads(op.Learnables)); err != nil {
				return nil, fmt.Errorf("session: %s: %w", op.Name(), err)
			}
		case *trainer.LossOp:
			v, err := scalar(op.Node.Value())
			if err != nil {
				return nil, fmt.Errorf("session: %s: %w", op.Name(), err)
			}
			out[i] = v
		default:
			return nil, fmt.Errorf("session: unsupported op %T", op)
		}
	}
	return out, nil
}

// Close releases the tape machine.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.vm.Close()
}

func bind(feed trainer.FeedDict) error {
	for n, v := range feed {
		if err := gorgonia.Let(n, v); err != nil {
			return fmt.Errorf("session: bind %s: %w", n.Name(), err)
		}
	}
	return nil
}

func scalar(v gorgonia.Value) (float64, error) {
	if v == nil {
		return 0, errors.New("node has no value")
	}
	switch d := v.Data().(type) {
	case float64:
		return d, nil
	case float32:
		return float64(d), nil
	case []float64:
		if len(d) == 1 {
			return d[0], nil
		}
		return 0, fmt.Errorf("want a scalar, got %d values", len(d))
	default:
		return 0, fmt.Errorf("want a scalar, got %T", d)
	}
}
