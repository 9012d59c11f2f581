// Package dataset feeds in-memory bags of time windows to a training session.
package dataset

import (
	"errors"
	"fmt"
	"math/rand"
)

// Bag is one multi-instance example: Features is indexed
// [subinstance][time step][feature] and Labels holds one class per
// subinstance.
type Bag struct {
	Features [][][]float64
	Labels   []int
}

// SyntheticOptions configures Synthetic.
type SyntheticOptions struct {
	NumBags      int
	Subinstances int
	TimeSteps    int
	// Features includes the trailing constant bias feature, so it must be at
	// least 2.
	Features int
	Classes  int
	Noise    float64
	Seed     int64
}

// Synthetic generates linearly separable bags. Each class lights up one
// feature on top of Gaussian noise and the last feature is always 1.
func Synthetic(opts SyntheticOptions) ([]Bag, error) {
	if opts.NumBags <= 0 || opts.Subinstances <= 0 || opts.TimeSteps <= 0 {
		return nil, errors.New("dataset: bags, subinstances and time steps must be > 0")
	}
	if opts.Features < 2 {
		return nil, fmt.Errorf("dataset: need at least 2 features (got %d)", opts.Features)
	}
	if opts.Classes < 2 {
		return nil, fmt.Errorf("dataset: need at least 2 classes (got %d)", opts.Classes)
	}
	if opts.Seed == 0 {
		opts.Seed = 42
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	signal := opts.Features - 1

	bags := make([]Bag, opts.NumBags)
	for b := range bags {
		label := rng.Intn(opts.Classes)
		bag := Bag{
			Features: make([][][]float64, opts.Subinstances),
			Labels:   make([]int, opts.Subinstances),
		}
		for s := range bag.Features {
			bag.Labels[s] = label
			bag.Features[s] = make([][]float64, opts.TimeSteps)
			for t := range bag.Features[s] {
				row := make([]float64, opts.Features)
				for f := 0; f < signal; f++ {
					row[f] = rng.NormFloat64() * opts.Noise
				}
				row[label%signal] += 1
				row[signal] = 1
				bag.Features[s][t] = row
			}
		}
		bags[b] = bag
	}
	return bags, nil
}
