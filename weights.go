// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attentions

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// WeightProvider supplies projection weights to the attention layers.
// Projections always fetch their weight through the provider's Get, so a
// provider can transform a weight before use without any interception
// machinery: callers go through the explicit accessor.
//
// shape's first axis is the input dimension and the remaining axes are
// output dimensions, except for the combined-QKV weight [3, D, N, H] whose
// leading axis stacks the three projections.
type WeightProvider interface {
	Get(ctx *context.Context, g *Graph, name string, shape shapes.Shape) *Node
}

// ContextWeights is the default WeightProvider: it returns the context
// variable of the given name and shape, created with the context's current
// initializer if missing.
type ContextWeights struct{}

// Get implements WeightProvider.
func (ContextWeights) Get(ctx *context.Context, g *Graph, name string, shape shapes.Shape) *Node {
	return ctx.VariableWithShape(name, shape).ValueGraph(g)
}

// LowRankAdapter is a WeightProvider that adds a learned low-rank update to
// the weights of a base provider: Get returns
// base + reshape(matmul(a, b)) where a is [inputDim, rank] and b is
// [rank, outputSize]. The update starts at zero (b is zero-initialized), so
// wrapping a trained layer leaves its behavior unchanged until the adapter
// trains.
//
// The base weight can be frozen by the caller (e.g. excluded from the
// optimizer) while a and b train, giving LoRA-style fine-tuning.
type LowRankAdapter struct {
	// Base provides the unadapted weight. Usually ContextWeights{}.
	Base WeightProvider

	// Rank of the update. Must be positive.
	Rank int
}

// Get implements WeightProvider.
func (l *LowRankAdapter) Get(ctx *context.Context, g *Graph, name string, shape shapes.Shape) *Node {
	if l.Rank <= 0 {
		Panicf("attentions.LowRankAdapter: rank must be positive, got %d", l.Rank)
	}
	base := l.Base.Get(ctx, g, name, shape)
	dtype := shape.DType
	dims := shape.Dimensions

	var update *Node
	if len(dims) == 4 && dims[0] == numCombinedQKV {
		// Combined-QKV weight [3, D, N, H]: one independent low-rank update
		// per stacked projection.
		d, outSize := dims[1], dims[2]*dims[3]
		a := ctx.VariableWithShape(name+"_lora_a", shapes.Make(dtype, numCombinedQKV, d, l.Rank)).ValueGraph(g)
		b := ctx.WithInitializer(initializers.Zero).
			VariableWithShape(name+"_lora_b", shapes.Make(dtype, numCombinedQKV, l.Rank, outSize)).ValueGraph(g)
		update = Einsum("kdr,kro->kdo", a, b)
	} else {
		inputDim := dims[0]
		outSize := 1
		for _, dim := range dims[1:] {
			outSize *= dim
		}
		a := ctx.VariableWithShape(name+"_lora_a", shapes.Make(dtype, inputDim, l.Rank)).ValueGraph(g)
		b := ctx.WithInitializer(initializers.Zero).
			VariableWithShape(name+"_lora_b", shapes.Make(dtype, l.Rank, outSize)).ValueGraph(g)
		update = Einsum("dr,ro->do", a, b)
	}
	return Add(base, Reshape(update, dims...))
}
