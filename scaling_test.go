// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attentions

import (
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/ctxtest"
)

func TestCapLogits(t *testing.T) {
	graphtest.RunTestGraphFn(t, "CapLogits(cap=5)",
		func(g *Graph) (inputs, outputs []*Node) {
			logits := Const(g, []float32{-10, 0, 10})
			inputs = []*Node{logits}
			outputs = []*Node{CapLogits(logits, 5)}
			return
		}, []any{
			[]float32{-4.8201379, 0, 4.8201379},
		}, 1e-5)

	graphtest.RunTestGraphFn(t, "CapLogits disabled",
		func(g *Graph) (inputs, outputs []*Node) {
			logits := Const(g, []float32{-10, 0, 10})
			inputs = []*Node{logits}
			outputs = []*Node{CapLogits(logits, 0)}
			return
		}, []any{
			[]float32{-10, 0, 10},
		}, 0)
}

func TestPerDimScale(t *testing.T) {
	// At initialization the learned scale is zero, and
	// softplus(0) * 1.442695041 == 1, so the layer reduces to the usual
	// 1/sqrt(dim) scaling: with dim=4 every entry is halved.
	ctxtest.RunTestGraphFn(t, "PerDimScale at initialization",
		func(ctx *context.Context, g *Graph) (inputs, outputs []*Node) {
			x := Const(g, [][]float32{{1, 2, 3, 4}})
			inputs = []*Node{x}
			outputs = []*Node{PerDimScale(ctx, x)}
			return
		}, []any{
			[][]float32{{0.5, 1, 1.5, 2}},
		}, 1e-6)
}

func TestSoftmaxWithExtraLogit(t *testing.T) {
	graphtest.RunTestGraphFn(t, "extra logit of 0 adds one unit of mass",
		func(g *Graph) (inputs, outputs []*Node) {
			logits := Const(g, [][]float32{{0, 0, 0}})
			inputs = []*Node{logits}
			outputs = []*Node{softmaxWithExtraLogit(logits, 0)}
			return
		}, []any{
			[][]float32{{0.25, 0.25, 0.25}},
		}, 1e-6)

	graphtest.RunTestGraphFn(t, "very negative extra logit matches plain softmax",
		func(g *Graph) (inputs, outputs []*Node) {
			logits := Const(g, [][]float32{{1, 2, 3}})
			inputs = []*Node{logits}
			diff := Sub(softmaxWithExtraLogit(logits, -1e30), Softmax(logits))
			outputs = []*Node{ReduceAllMax(Abs(diff))}
			return
		}, []any{
			float32(0),
		}, 1e-7)
}
