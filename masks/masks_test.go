// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package masks

import (
	"math"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestMaskValue(t *testing.T) {
	// The constant must be finite in its dtype and still push softmax
	// probabilities to zero.
	f16 := float16.Fromfloat32(float32(MaskValue(dtypes.Float16)))
	require.False(t, f16.IsInf(0))
	require.False(t, f16.IsNaN())
	assert.Less(t, float64(f16.Float32()), -1e4)

	f32 := float32(MaskValue(dtypes.Float32))
	require.False(t, math.IsInf(float64(f32), 0))
	assert.Equal(t, 0.0, math.Exp(MaskValue(dtypes.Float32)))
}

func TestConvertPaddingsToMask(t *testing.T) {
	mv := float32(MaskValue(dtypes.Float32))
	graphtest.RunTestGraphFn(t, "float paddings", func(g *Graph) (inputs, outputs []*Node) {
		paddings := Const(g, [][]float32{{0, 0, 1}, {0, 1, 1}})
		inputs = []*Node{paddings}
		outputs = []*Node{ConvertPaddingsToMask(paddings, dtypes.Float32)}
		return
	}, []any{
		[][][][]float32{
			{{{0, 0, mv}}},
			{{{0, mv, mv}}},
		},
	}, 0)

	graphtest.RunTestGraphFn(t, "boolean paddings", func(g *Graph) (inputs, outputs []*Node) {
		paddings := Const(g, [][]bool{{false, true}})
		inputs = []*Node{paddings}
		outputs = []*Node{ConvertPaddingsToMask(paddings, dtypes.Float32)}
		return
	}, []any{
		[][][][]float32{{{{0, mv}}}},
	}, 0)
}

func TestCausal(t *testing.T) {
	mv := float32(MaskValue(dtypes.Float32))
	graphtest.RunTestGraphFn(t, "seqLen=3", func(g *Graph) (inputs, outputs []*Node) {
		outputs = []*Node{Causal(g, 3, dtypes.Float32)}
		return
	}, []any{
		[][][][]float32{{{
			{0, mv, mv},
			{0, 0, mv},
			{0, 0, 0},
		}}},
	}, 0)
}

func TestSegment(t *testing.T) {
	mv := float32(MaskValue(dtypes.Float32))
	graphtest.RunTestGraphFn(t, "two segments", func(g *Graph) (inputs, outputs []*Node) {
		ids := Const(g, [][]int32{{0, 0, 1, 1}})
		inputs = []*Node{ids}
		outputs = []*Node{Segment(ids, ids, dtypes.Float32)}
		return
	}, []any{
		[][][][]float32{{{
			{0, 0, mv, mv},
			{0, 0, mv, mv},
			{mv, mv, 0, 0},
			{mv, mv, 0, 0},
		}}},
	}, 0)
}

func TestCausalSegmentMatchesDirectConstruction(t *testing.T) {
	// CausalSegment must equal the mask built by directly disallowing
	// (different segment) OR (key position > query position).
	graphtest.RunTestGraphFn(t, "equivalence", func(g *Graph) (inputs, outputs []*Node) {
		ids := Const(g, [][]int32{{0, 0, 0, 1, 1}, {0, 1, 1, 1, 2}})
		combined := CausalSegment(ids, ids, dtypes.Float32)

		sameSegment := Equal(InsertAxes(ids, -1), InsertAxes(ids, 1))
		posShape := shapes.Make(dtypes.Int32, 2, 5, 5)
		causal := GreaterOrEqual(Iota(g, posShape, 1), Iota(g, posShape, 2))
		direct := InsertAxes(
			Where(And(sameSegment, causal),
				ScalarZero(g, dtypes.Float32),
				Scalar(g, dtypes.Float32, MaskValue(dtypes.Float32))),
			1)
		outputs = []*Node{Sub(combined, direct)}
		return
	}, []any{
		[][][][]float32{
			{{{0, 0, 0, 0, 0}, {0, 0, 0, 0, 0}, {0, 0, 0, 0, 0}, {0, 0, 0, 0, 0}, {0, 0, 0, 0, 0}}},
			{{{0, 0, 0, 0, 0}, {0, 0, 0, 0, 0}, {0, 0, 0, 0, 0}, {0, 0, 0, 0, 0}, {0, 0, 0, 0, 0}}},
		},
	}, 0)
}

func TestLimitedContext(t *testing.T) {
	mv := float32(MaskValue(dtypes.Float32))
	graphtest.RunTestGraphFn(t, "left=2 right=1", func(g *Graph) (inputs, outputs []*Node) {
		outputs = []*Node{LimitedContext(g, 4, 2, 1, dtypes.Float32)}
		return
	}, []any{
		[][][][]float32{{{
			{0, 0, mv, mv},
			{0, 0, 0, mv},
			{mv, 0, 0, 0},
			{mv, mv, 0, 0},
		}}},
	}, 0)

	graphtest.RunTestGraphFn(t, "unlimited both sides", func(g *Graph) (inputs, outputs []*Node) {
		outputs = []*Node{LimitedContext(g, 3, Unlimited, Unlimited, dtypes.Float32)}
		return
	}, []any{
		[][][][]float32{{{
			{0, 0, 0},
			{0, 0, 0},
			{0, 0, 0},
		}}},
	}, 0)

	graphtest.RunTestGraphFn(t, "causal via right=0", func(g *Graph) (inputs, outputs []*Node) {
		limited := LimitedContext(g, 3, Unlimited, 0, dtypes.Float32)
		outputs = []*Node{Sub(limited, Causal(g, 3, dtypes.Float32))}
		return
	}, []any{
		[][][][]float32{{{
			{0, 0, 0},
			{0, 0, 0},
			{0, 0, 0},
		}}},
	}, 0)
}

func TestCombine(t *testing.T) {
	mv := float32(MaskValue(dtypes.Float32))
	graphtest.RunTestGraphFn(t, "most restrictive wins", func(g *Graph) (inputs, outputs []*Node) {
		paddings := Const(g, [][]float32{{0, 0, 1}})
		padMask := ConvertPaddingsToMask(paddings, dtypes.Float32)
		causal := Causal(g, 3, dtypes.Float32)
		outputs = []*Node{Combine(causal, padMask)}
		return
	}, []any{
		[][][][]float32{{{
			{0, mv, mv},
			{0, 0, mv},
			{0, 0, mv},
		}}},
	}, 0)
}

func TestLocalBlock(t *testing.T) {
	// seqLen=4, blockSize=2, left=2, right=0: contextSize=3, each block's
	// context starts one position before the block.
	graphtest.RunTestGraphFn(t, "seqLen=4 W=2 L=2 R=0", func(g *Graph) (inputs, outputs []*Node) {
		outputs = []*Node{LocalBlock(g, 4, 2, 2, 0)}
		return
	}, []any{
		[][][]bool{
			{ // block 0: context is keys [-1, 0, 1]
				{false, true, false}, // query 0 attends key 0
				{false, true, true},  // query 1 attends keys 0,1
			},
			{ // block 1: context is keys [1, 2, 3]
				{true, true, false}, // query 2 attends keys 1,2
				{true, true, true},  // query 3 attends keys 2,3
			},
		},
	}, 0)
}
