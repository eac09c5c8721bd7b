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

func TestRelativeBiasBucket(t *testing.T) {
	graphtest.RunTestGraphFn(t, "bidirectional buckets",
		func(g *Graph) (inputs, outputs []*Node) {
			rb := &RelativeBias{numBuckets: 4, maxDistance: 8, bidirectional: true}
			rel := Const(g, []int32{-2, -1, 0, 1, 2})
			inputs = []*Node{rel}
			outputs = []*Node{rb.bucket(rel)}
			return
		}, []any{
			[]int32{1, 1, 0, 3, 3},
		}, 0)

	graphtest.RunTestGraphFn(t, "causal buckets",
		func(g *Graph) (inputs, outputs []*Node) {
			rb := &RelativeBias{numBuckets: 4, maxDistance: 8, bidirectional: false}
			rel := Const(g, []int32{-3, -1, 0, 1})
			inputs = []*Node{rel}
			outputs = []*Node{rb.bucket(rel)}
			return
		}, []any{
			// Future positions clamp to bucket 0, distance 3 lands in the
			// log-spaced range.
			[]int32{2, 1, 0, 0},
		}, 0)
}

func TestRelativeBiasStepMatchesFull(t *testing.T) {
	ctxtest.RunTestGraphFn(t, "StepBias equals a row of BiasForLengths",
		func(ctx *context.Context, g *Graph) (inputs, outputs []*Node) {
			rb := NewRelativeBias(ctx, 2).WithBuckets(4).WithMaxDistance(8)
			full := rb.BiasForLengths(g, 5, 5) // [1, 2, 5, 5]
			timeStep := Const(g, int32(2))
			step := rb.StepBias(g, 5, timeStep) // [1, 2, 1, 5]
			row := Slice(full, AxisRange(), AxisRange(), AxisRange(2, 3))
			outputs = []*Node{ReduceAllMax(Abs(Sub(step, row)))}
			return
		}, []any{
			float32(0),
		}, 0)
}
