// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attentions

import (
	"math"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
)

func TestSinusoidalPositionalEmbedding(t *testing.T) {
	graphtest.RunTestGraphFn(t, "position 0 is all zero sines and unit cosines",
		func(g *Graph) (inputs, outputs []*Node) {
			positions := Const(g, [][]int32{{0}})
			outputs = []*Node{SinusoidalPositionalEmbedding(positions, 6)}
			return
		}, []any{
			[][][]float32{{{0, 0, 0, 1, 1, 1}}},
		}, 0)

	graphtest.RunTestGraphFn(t, "fastest timescale is one",
		func(g *Graph) (inputs, outputs []*Node) {
			positions := Const(g, [][]int32{{1, -1}})
			emb := SinusoidalPositionalEmbedding(positions, 4)
			// Dimension 0 oscillates with timescale 1: sin(position).
			outputs = []*Node{Slice(emb, AxisRange(), AxisRange(), AxisRange(0, 1))}
			return
		}, []any{
			[][][]float32{{{float32(math.Sin(1))}, {float32(math.Sin(-1))}}},
		}, 1e-6)
}
