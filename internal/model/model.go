// Package model holds the small predictor the command line demo trains. It
// produces the [batch, subinstances, steps, outputs] logits the trainer
// expects.
package model

import "gorgonia.org/gorgonia"

// Model maps a [batch, subinstances, steps, features] input node to
// [batch, subinstances, steps, outputs] logits on the same graph.
type Model interface {
	Forward(x *gorgonia.Node) (*gorgonia.Node, error)
}
