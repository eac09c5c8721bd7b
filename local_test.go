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

func TestLocalFullWindowMatchesGlobal(t *testing.T) {
	// A window covering the whole sequence reduces local attention to
	// plain attention. The wrapper shares the layer's variables.
	ctxtest.RunTestGraphFn(t, "left=right=seqLen equals full attention",
		func(ctx *context.Context, g *Graph) (inputs, outputs []*Node) {
			const seqLen = 4
			attn := New(ctx, 4, 8, 2)
			local := NewLocal(attn, seqLen, seqLen).WithBlockSize(seqLen)
			x := MulScalar(IotaFull(g, shapes.Make(dtypes.F32, 2, seqLen, 4)), 0.1)
			outputs = []*Node{ReduceAllMax(Abs(Sub(
				local.Attend(x, nil),
				attn.Attend(x, x, x, nil))))}
			return
		}, []any{
			float32(0),
		}, 1e-5)
}

func TestLocalCausality(t *testing.T) {
	// With rightContext 0, changing the last position must not change any
	// earlier output.
	ctxtest.RunTestGraphFn(t, "rightContext=0 is causal",
		func(ctx *context.Context, g *Graph) (inputs, outputs []*Node) {
			const seqLen = 5
			attn := New(ctx, 4, 8, 2)
			local := NewLocal(attn, 3, 0)
			x := MulScalar(IotaFull(g, shapes.Make(dtypes.F32, 1, seqLen, 4)), 0.1)
			bump := Pad(Ones(g, shapes.Make(dtypes.F32, 1, 1, 4)),
				ScalarZero(g, dtypes.F32), PadAxis{}, PadAxis{Start: seqLen - 1}, PadAxis{})
			diff := Sub(local.Attend(Add(x, bump), nil), local.Attend(x, nil))
			prefix := Slice(diff, AxisRange(), AxisRange(0, seqLen-1))
			outputs = []*Node{ReduceAllMax(Abs(prefix))}
			return
		}, []any{
			float32(0),
		}, 1e-6)
}

func TestLocalKeyPaddings(t *testing.T) {
	// Padded keys must be equivalent to masking the same keys in full
	// attention, when the window covers everything.
	ctxtest.RunTestGraphFn(t, "padded key equals masked key",
		func(ctx *context.Context, g *Graph) (inputs, outputs []*Node) {
			const seqLen = 4
			attn := New(ctx, 4, 8, 2)
			local := NewLocal(attn, seqLen, seqLen).WithBlockSize(seqLen)
			x := MulScalar(IotaFull(g, shapes.Make(dtypes.F32, 1, seqLen, 4)), 0.1)
			paddings := Const(g, [][]float32{{0, 0, 0, 1}})
			mask := masks.ConvertPaddingsToMask(paddings, dtypes.F32)
			outputs = []*Node{ReduceAllMax(Abs(Sub(
				local.Attend(x, paddings),
				attn.Attend(x, x, x, mask))))}
			return
		}, []any{
			float32(0),
		}, 1e-5)
}

func TestLocalXLSkipTermB(t *testing.T) {
	// u and v start at zero, so with the query-dependent position term
	// skipped the XL form coincides with plain local attention.
	ctxtest.RunTestGraphFn(t, "zero-initialized XL with skipTermB is plain",
		func(ctx *context.Context, g *Graph) (inputs, outputs []*Node) {
			attn := New(ctx, 4, 8, 2)
			plain := NewLocal(attn, 3, 2)
			xl := NewLocal(attn, 3, 2).WithXL(8).WithSkipTermB(true)
			x := MulScalar(IotaFull(g, shapes.Make(dtypes.F32, 2, 5, 4)), 0.1)
			outputs = []*Node{ReduceAllMax(Abs(Sub(xl.Attend(x, nil), plain.Attend(x, nil))))}
			return
		}, []any{
			float32(0),
		}, 1e-6)
}

func TestLocalXLShapes(t *testing.T) {
	ctxtest.RunTestGraphFn(t, "XL output keeps the input length",
		func(ctx *context.Context, g *Graph) (inputs, outputs []*Node) {
			attn := New(ctx, 4, 8, 2)
			// seqLen 5 is not a multiple of the block size, forcing padding.
			local := NewLocal(attn, 3, 1).WithBlockSize(3).WithXL(8)
			x := MulScalar(IotaFull(g, shapes.Make(dtypes.F32, 2, 5, 4)), 0.1)
			encoded := local.Attend(x, nil)
			dims := encoded.Shape().Dimensions
			outputs = []*Node{Const(g, []int32{int32(dims[0]), int32(dims[1]), int32(dims[2])})}
			return
		}, []any{
			[]int32{2, 5, 4},
		}, 0)
}
