package dataset

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/chaoso/EdgeML/internal/trainer"
)

// IteratorOptions configures an Iterator.
type IteratorOptions struct {
	// X is the [batch, subinstances, steps, features] input node and Y the
	// [batch, subinstances, classes] target node.
	X, Y   *gorgonia.Node
	Epochs int
	Seed   int64
}

// Iterator yields fixed-size batches of bags in a seeded order, reshuffled
// every epoch. Bags that do not fill a whole batch at the end of an epoch
// are skipped because graph shapes are static. After the last epoch Next
// returns trainer.ErrOutOfRange.
type Iterator struct {
	bags []Bag
	opts IteratorOptions

	batch, subinstances, steps, features, classes int

	mu    sync.Mutex
	rng   *rand.Rand
	order []int
	pos   int
	epoch int
}

// NewIterator validates bags against the node shapes.
func NewIterator(bags []Bag, opts IteratorOptions) (*Iterator, error) {
	if opts.X == nil || opts.Y == nil {
		return nil, errors.New("dataset: input and target nodes are required")
	}
	xs, ys := opts.X.Shape(), opts.Y.Shape()
	if len(xs) != 4 || len(ys) != 3 {
		return nil, fmt.Errorf("dataset: want rank 4 input and rank 3 target, got %v and %v", xs, ys)
	}
	if xs[0] != ys[0] || xs[1] != ys[1] {
		return nil, fmt.Errorf("dataset: input %v and target %v disagree on batch or subinstances", xs, ys)
	}
	if len(bags) < xs[0] {
		return nil, fmt.Errorf("dataset: %d bags cannot fill a batch of %d", len(bags), xs[0])
	}
	it := &Iterator{
		bags:         bags,
		opts:         opts,
		batch:        xs[0],
		subinstances: xs[1],
		steps:        xs[2],
		features:     xs[3],
		classes:      ys[2],
	}
	for i, bag := range bags {
		if err := it.checkBag(bag); err != nil {
			return nil, fmt.Errorf("dataset: bag %d: %w", i, err)
		}
	}
	if it.opts.Epochs <= 0 {
		it.opts.Epochs = 1
	}
	if it.opts.Seed == 0 {
		it.opts.Seed = 42
	}
	it.Reset()
	return it, nil
}

func (it *Iterator) checkBag(bag Bag) error {
	if len(bag.Features) != it.subinstances || len(bag.Labels) != it.subinstances {
		return fmt.Errorf("want %d subinstances, got %d features and %d labels", it.subinstances, len(bag.Features), len(bag.Labels))
	}
	for s, inst := range bag.Features {
		if len(inst) != it.steps {
			return fmt.Errorf("subinstance %d has %d steps, want %d", s, len(inst), it.steps)
		}
		for _, row := range inst {
			if len(row) != it.features {
				return fmt.Errorf("subinstance %d has %d features, want %d", s, len(row), it.features)
			}
		}
		if l := bag.Labels[s]; l < 0 || l >= it.classes {
			return fmt.Errorf("subinstance %d label %d outside [0, %d)", s, l, it.classes)
		}
	}
	return nil
}

// Reset rewinds to the first epoch with the original seed.
func (it *Iterator) Reset() {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.rng = rand.New(rand.NewSource(it.opts.Seed))
	it.order = nil
	it.pos = 0
	it.epoch = 0
}

// BatchesPerEpoch returns how many full batches one epoch yields.
func (it *Iterator) BatchesPerEpoch() int {
	return len(it.bags) / it.batch
}

// Next implements session.Source.
func (it *Iterator) Next(ctx context.Context) (trainer.FeedDict, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	it.mu.Lock()
	defer it.mu.Unlock()
	for {
		if it.epoch >= it.opts.Epochs {
			return nil, trainer.ErrOutOfRange
		}
		if it.order == nil {
			it.order = it.rng.Perm(len(it.bags))
		}
		if it.pos+it.batch > len(it.order) {
			it.epoch++
			it.order = nil
			it.pos = 0
			continue
		}
		idx := it.order[it.pos : it.pos+it.batch]
		it.pos += it.batch
		return it.feed(idx), nil
	}
}

func (it *Iterator) feed(idx []int) trainer.FeedDict {
	x := make([]float64, 0, it.batch*it.subinstances*it.steps*it.features)
	y := make([]float64, it.batch*it.subinstances*it.classes)
	for b, i := range idx {
		bag := it.bags[i]
		for s, inst := range bag.Features {
			for _, row := range inst {
				x = append(x, row...)
			}
			y[(b*it.subinstances+s)*it.classes+bag.Labels[s]] = 1
		}
	}
	return trainer.FeedDict{
		it.opts.X: tensor.New(tensor.WithShape(it.batch, it.subinstances, it.steps, it.features), tensor.WithBacking(x)),
		it.opts.Y: tensor.New(tensor.WithShape(it.batch, it.subinstances, it.classes), tensor.WithBacking(y)),
	}
}
