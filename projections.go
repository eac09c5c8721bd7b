// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attentions

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// numCombinedQKV is the leading axis size of the combined query/key/value
// projection weight.
const numCombinedQKV = 3

// InputProjection projects x from the model dimension to per-head
// representations: [batch(, seq), inputDim] -> [batch(, seq), numHeads,
// dimPerHead], contracting with a weight of shape [inputDim, numHeads,
// dimPerHead]. Variables are created in the current context scope.
func InputProjection(ctx *context.Context, x *Node, numHeads, dimPerHead int, useBias bool, weights WeightProvider) *Node {
	g := x.Graph()
	dtype := x.DType()
	inputDim := x.Shape().Dim(-1)
	w := weights.Get(ctx, g, "weights", shapes.Make(dtype, inputDim, numHeads, dimPerHead))

	var equation string
	switch x.Rank() {
	case 2:
		equation = "bd,dnh->bnh"
	case 3:
		equation = "btd,dnh->btnh"
	default:
		Panicf("attentions.InputProjection: input must be rank 2 or 3, got shape %s", x.Shape())
	}
	projected := Einsum(equation, x, w)
	if useBias {
		bias := ctx.WithInitializer(initializers.Zero).
			VariableWithShape("biases", shapes.Make(dtype, numHeads, dimPerHead)).ValueGraph(g)
		projected = Add(projected, ExpandLeftToRank(bias, projected.Rank()))
	}
	return projected
}

// OutputProjection maps per-head representations back to the model
// dimension: [batch(, seq), numHeads, dimPerHead] -> [batch(, seq),
// outputDim].
//
// With useNHDShape the weight is stored as [numHeads, dimPerHead,
// outputDim] instead of [outputDim, numHeads, dimPerHead]; the result is the
// same, the variable layout differs (some checkpoints shard better that
// way).
func OutputProjection(ctx *context.Context, x *Node, outputDim int, useBias, useNHDShape bool, weights WeightProvider) *Node {
	g := x.Graph()
	dtype := x.DType()
	if x.Rank() != 3 && x.Rank() != 4 {
		Panicf("attentions.OutputProjection: input must be rank 3 ([batch, heads, dim]) or 4 ([batch, seq, heads, dim]), got shape %s", x.Shape())
	}
	numHeads := x.Shape().Dim(-2)
	dimPerHead := x.Shape().Dim(-1)

	var w *Node
	var equation string
	if useNHDShape {
		w = weights.Get(ctx, g, "weights", shapes.Make(dtype, numHeads, dimPerHead, outputDim))
		if x.Rank() == 4 {
			equation = "btnh,nhd->btd"
		} else {
			equation = "bnh,nhd->bd"
		}
	} else {
		w = weights.Get(ctx, g, "weights", shapes.Make(dtype, outputDim, numHeads, dimPerHead))
		if x.Rank() == 4 {
			equation = "btnh,dnh->btd"
		} else {
			equation = "bnh,dnh->bd"
		}
	}
	projected := Einsum(equation, x, w)
	if useBias {
		bias := ctx.WithInitializer(initializers.Zero).
			VariableWithShape("biases", shapes.Make(dtype, outputDim)).ValueGraph(g)
		projected = Add(projected, ExpandLeftToRank(bias, projected.Rank()))
	}
	return projected
}

// CombinedQKVProjection computes the query, key and value projections of x
// with a single weight of shape [3, inputDim, numHeads, dimPerHead] and one
// contraction. Only valid for self-attention (the same input feeds all
// three). The result is numerically equivalent to three separate
// InputProjection calls up to float summation order.
func CombinedQKVProjection(ctx *context.Context, x *Node, numHeads, dimPerHead int, useBias bool, weights WeightProvider) (query, key, value *Node) {
	g := x.Graph()
	dtype := x.DType()
	inputDim := x.Shape().Dim(-1)
	w := weights.Get(ctx, g, "weights",
		shapes.Make(dtype, numCombinedQKV, inputDim, numHeads, dimPerHead))

	var equation string
	switch x.Rank() {
	case 2:
		equation = "bd,kdnh->kbnh"
	case 3:
		equation = "btd,kdnh->kbtnh"
	default:
		Panicf("attentions.CombinedQKVProjection: input must be rank 2 or 3, got shape %s", x.Shape())
	}
	combined := Einsum(equation, x, w)
	if useBias {
		bias := ctx.WithInitializer(initializers.Zero).
			VariableWithShape("biases", shapes.Make(dtype, numCombinedQKV, numHeads, dimPerHead)).ValueGraph(g)
		// Bias is [3, numHeads, dimPerHead]; broadcast over the middle axes.
		bias = Reshape(bias, sliceBiasDims(combined.Shape().Dimensions, numHeads, dimPerHead)...)
		combined = Add(combined, bias)
	}
	projections := make([]*Node, numCombinedQKV)
	for i := range projections {
		projections[i] = Squeeze(Slice(combined, AxisElem(i)), 0)
	}
	return projections[0], projections[1], projections[2]
}

// sliceBiasDims returns the broadcastable shape [3, 1(, 1), numHeads,
// dimPerHead] matching the rank of the combined projection.
func sliceBiasDims(combinedDims []int, numHeads, dimPerHead int) []int {
	dims := make([]int, len(combinedDims))
	for i := range dims {
		dims[i] = 1
	}
	dims[0] = numCombinedQKV
	dims[len(dims)-2] = numHeads
	dims[len(dims)-1] = dimPerHead
	return dims
}
