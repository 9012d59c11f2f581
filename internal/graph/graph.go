// Package graph wraps a gorgonia expression graph with named collections,
// so that trainable variables and the trainer's ops can be found again by
// key after the graph has been built.
package graph

import (
	"sync"

	"gorgonia.org/gorgonia"
)

// TrainableVariables is the collection optimizers minimize over.
const TrainableVariables = "trainable_variables"

// Graph is a gorgonia expression graph plus named collections.
type Graph struct {
	*gorgonia.ExprGraph

	mu          sync.RWMutex
	collections map[string][]any
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		ExprGraph:   gorgonia.NewGraph(),
		collections: make(map[string][]any),
	}
}

// AddToCollection appends v to the named collection.
func (g *Graph) AddToCollection(name string, v any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.collections[name] = append(g.collections[name], v)
}

// Collection returns a copy of the named collection in insertion order.
func (g *Graph) Collection(name string) []any {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]any(nil), g.collections[name]...)
}

// AddTrainable registers n as a variable the optimizer may update.
func (g *Graph) AddTrainable(n *gorgonia.Node) {
	g.AddToCollection(TrainableVariables, n)
}

// Trainable returns the nodes registered as trainable variables.
func (g *Graph) Trainable() gorgonia.Nodes {
	var out gorgonia.Nodes
	for _, v := range g.Collection(TrainableVariables) {
		if n, ok := v.(*gorgonia.Node); ok {
			out = append(out, n)
		}
	}
	return out
}

// Owns reports whether n was created on this graph.
func (g *Graph) Owns(n *gorgonia.Node) bool {
	return n != nil && n.Graph() == g.ExprGraph
}
