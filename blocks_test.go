// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attentions

import (
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
)

func TestConvertToBlock(t *testing.T) {
	graphtest.RunTestGraphFn(t, "seqLen=5 blockSize=2 pads the tail",
		func(g *Graph) (inputs, outputs []*Node) {
			x := Const(g, [][]float32{{0, 1, 2, 3, 4}})
			inputs = []*Node{x}
			outputs = []*Node{convertToBlock(x, 2, -1)}
			return
		}, []any{
			[][][]float32{{{0, 1}, {2, 3}, {4, -1}}},
		}, 0)
}

func TestExtractBlockContext(t *testing.T) {
	// blockSize=2, leftContext=2, rightContext=1: each block's context is
	// one position before it through one position after it.
	graphtest.RunTestGraphFn(t, "seqLen=5 blockSize=2 left=2 right=1",
		func(g *Graph) (inputs, outputs []*Node) {
			x := Const(g, [][]float32{{0, 1, 2, 3, 4}})
			inputs = []*Node{x}
			outputs = []*Node{extractBlockContext(x, 2, 2, 1, -1)}
			return
		}, []any{
			[][][]float32{{
				{-1, 0, 1, 2},
				{1, 2, 3, 4},
				{3, 4, -1, -1},
			}},
		}, 0)
}
