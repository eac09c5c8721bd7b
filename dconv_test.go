// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attentions

import (
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/ctxtest"
)

func TestCausalDepthwiseConv1DApply(t *testing.T) {
	// With the default initialization, tap 0 is 0.5 and the other taps are
	// 0.5/kernelSize, so outputs can be computed by hand.
	ctxtest.RunTestGraphFn(t, "kernelSize=1 is a per-feature scale",
		func(ctx *context.Context, g *Graph) (inputs, outputs []*Node) {
			dconv := NewCausalDepthwiseConv1D(ctx, 1, 1)
			x := Const(g, [][][]float32{{{1}, {2}, {4}}})
			inputs = []*Node{x}
			outputs = []*Node{dconv.Apply(x, nil)}
			return
		}, []any{
			[][][]float32{{{0.5}, {1}, {2}}},
		}, 0)

	ctxtest.RunTestGraphFn(t, "kernelSize=2 mixes in the previous position",
		func(ctx *context.Context, g *Graph) (inputs, outputs []*Node) {
			dconv := NewCausalDepthwiseConv1D(ctx, 2, 1)
			x := Const(g, [][][]float32{{{1}, {2}, {4}}})
			inputs = []*Node{x}
			outputs = []*Node{dconv.Apply(x, nil)}
			return
		}, []any{
			// 0.5*x[t] + 0.25*x[t-1], position 0 has no previous input.
			[][][]float32{{{0.5}, {1.25}, {2.5}}},
		}, 1e-6)

	ctxtest.RunTestGraphFn(t, "segment positions block cross-segment taps",
		func(ctx *context.Context, g *Graph) (inputs, outputs []*Node) {
			dconv := NewCausalDepthwiseConv1D(ctx, 2, 1)
			x := Const(g, [][][]float32{{{1}, {2}, {4}}})
			// Two packed segments: [x0, x1] and [x2].
			positions := Const(g, [][]int32{{0, 1, 0}})
			inputs = []*Node{x}
			outputs = []*Node{dconv.Apply(x, positions)}
			return
		}, []any{
			// Position 2 starts a new segment, so tap 1 contributes nothing.
			[][][]float32{{{0.5}, {1.25}, {2}}},
		}, 1e-6)
}

func TestCausalDepthwiseConv1DCausality(t *testing.T) {
	ctxtest.RunTestGraphFn(t, "perturbing the last position leaves the prefix unchanged",
		func(ctx *context.Context, g *Graph) (inputs, outputs []*Node) {
			dconv := NewCausalDepthwiseConv1D(ctx, 3, 2)
			x := Const(g, [][][]float32{
				{{1, -1}, {2, 0.5}, {4, -2}, {0, 3}},
			})
			bump := Pad(Ones(g, shapes.Make(dtypes.F32, 1, 1, 2)),
				ScalarZero(g, dtypes.F32), PadAxis{}, PadAxis{Start: 3}, PadAxis{})
			base := dconv.Apply(x, nil)
			perturbed := dconv.Apply(Add(x, bump), nil)
			prefixDiff := Slice(Abs(Sub(base, perturbed)), AxisRange(), AxisRange(0, 3))
			inputs = []*Node{x}
			outputs = []*Node{ReduceAllMax(prefixDiff)}
			return
		}, []any{
			float32(0),
		}, 0)
}

func TestCausalDepthwiseConv1DStepMatchesApply(t *testing.T) {
	ctxtest.RunTestGraphFn(t, "Step equals the matching row of Apply",
		func(ctx *context.Context, g *Graph) (inputs, outputs []*Node) {
			dconv := NewCausalDepthwiseConv1D(ctx, 3, 2)
			x := Const(g, [][][]float32{
				{{1, -1}, {2, 0.5}, {4, -2}, {0, 3}},
				{{-3, 2}, {1, 1}, {0, 0}, {5, -1}},
			})
			full := dconv.Apply(x, nil) // [2, 4, 2]
			var maxDiff *Node
			for step := 0; step < 4; step++ {
				timeStep := Const(g, int32(step))
				got := dconv.Step(x, timeStep, nil) // [2, 2]
				row := Squeeze(Slice(full, AxisRange(), AxisRange(step, step+1)), 1)
				diff := ReduceAllMax(Abs(Sub(got, row)))
				if maxDiff == nil {
					maxDiff = diff
				} else {
					maxDiff = Max(maxDiff, diff)
				}
			}
			outputs = []*Node{maxDiff}
			return
		}, []any{
			float32(0),
		}, 1e-6)
}
