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

	"github.com/gomlx/attentions/masks"
)

func TestTransformerBlockShape(t *testing.T) {
	ctxtest.RunTestGraphFn(t, "block keeps the input shape",
		func(ctx *context.Context, g *Graph) (inputs, outputs []*Node) {
			attn := New(ctx.In("attn"), 4, 8, 2)
			x := MulScalar(IotaFull(g, shapes.Make(dtypes.F32, 2, 3, 4)), 0.1)
			out := TransformerBlock(ctx.In("block"), attn, x, masks.Causal(g, 3, dtypes.F32), 16, 0)
			dims := out.Shape().Dimensions
			outputs = []*Node{Const(g, []int32{int32(dims[0]), int32(dims[1]), int32(dims[2])})}
			return
		}, []any{
			[]int32{2, 3, 4},
		}, 0)
}

func TestTransformerBlockIncrementalDecoding(t *testing.T) {
	// Prefill plus steps must reproduce the full block under a causal
	// mask. The block context is shared between the three forms, so reuse
	// checks are lifted.
	ctxtest.RunTestGraphFn(t, "prefill+steps equals the full block",
		func(ctx *context.Context, g *Graph) (inputs, outputs []*Node) {
			const seqLen = 4
			attn := New(ctx.In("attn"), 4, 8, 2).WithRotary(10000)
			blockCtx := ctx.In("block").Checked(false)
			x := MulScalar(IotaFull(g, shapes.Make(dtypes.F32, 1, seqLen, 4)), 0.1)

			full := TransformerBlock(blockCtx, attn, x, masks.Causal(g, seqLen, dtypes.F32), 16, 0)

			session := attn.NewDecodingSession(1, seqLen, dtypes.F32)
			prompt := Slice(x, AxisRange(), AxisRange(0, 2))
			parts := []*Node{
				TransformerBlockPrefill(blockCtx, session, prompt, masks.Causal(g, 2, dtypes.F32), 16),
			}
			for step := 2; step < seqLen; step++ {
				stepOut := TransformerBlockStep(blockCtx, session, sliceRow(x, step),
					Const(g, int32(step)), 16)
				parts = append(parts, InsertAxes(stepOut, 1))
			}
			incremental := Concatenate(parts, 1)

			outputs = []*Node{ReduceAllMax(Abs(Sub(incremental, full)))}
			return
		}, []any{
			float32(0),
		}, 1e-5)
}
