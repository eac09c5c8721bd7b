// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attentions

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// CausalDepthwiseConv1D is a depthwise convolution over the time axis that
// only looks at the current and previous positions. Each tap is a learned
// per-feature scale, so position t of the output is
//
//	sum_i tap_i * input[t-i]
//
// with out-of-range and cross-segment positions contributing zero. It is
// used to pre-process queries and keys before attention.
type CausalDepthwiseConv1D struct {
	ctx         *context.Context
	kernelSize  int
	featureDims []int
}

// NewCausalDepthwiseConv1D creates the layer with the given number of taps
// (kernelSize) over inputs shaped [batch, seqLen, featureDims...].
// Tap variables are created in the given context scope, the first
// initialized to 0.5 and the remaining ones to 0.5/kernelSize, so at the
// start the layer is close to the identity.
func NewCausalDepthwiseConv1D(ctx *context.Context, kernelSize int, featureDims ...int) *CausalDepthwiseConv1D {
	if kernelSize < 1 {
		Panicf("attentions.NewCausalDepthwiseConv1D: kernelSize must be >= 1, got %d", kernelSize)
	}
	if len(featureDims) == 0 {
		Panicf("attentions.NewCausalDepthwiseConv1D: at least one feature dimension is required")
	}
	for _, dim := range featureDims {
		if dim <= 0 {
			Panicf("attentions.NewCausalDepthwiseConv1D: feature dimensions must be positive, got %v", featureDims)
		}
	}
	// Apply and Step share the same taps, possibly in one graph.
	return &CausalDepthwiseConv1D{ctx: ctx.Checked(false), kernelSize: kernelSize, featureDims: featureDims}
}

// KernelSize returns the number of taps.
func (c *CausalDepthwiseConv1D) KernelSize() int { return c.kernelSize }

// tap returns tap i shaped [1, 1, featureDims...] in the target dtype, ready
// to broadcast against [batch, seqLen, featureDims...] inputs.
func (c *CausalDepthwiseConv1D) tap(g *Graph, i int, dtype dtypes.DType) *Node {
	initValue := float32(0.5)
	if i > 0 {
		initValue = float32(0.5 / float64(c.kernelSize))
	}
	v := c.ctx.VariableWithValue(
		fmt.Sprintf("dconv_%d", i),
		tensors.FromScalarAndDimensions(initValue, c.featureDims...))
	node := v.ValueGraph(g)
	if node.DType() != dtype {
		node = ConvertDType(node, dtype)
	}
	return ExpandLeftToRank(node, len(c.featureDims)+2)
}

func (c *CausalDepthwiseConv1D) checkInput(x *Node) {
	wantRank := len(c.featureDims) + 2
	if x.Rank() != wantRank {
		Panicf("attentions.CausalDepthwiseConv1D: input must be rank %d [batch, seqLen, features...], got %s",
			wantRank, x.Shape())
	}
	for i, dim := range c.featureDims {
		if x.Shape().Dim(2+i) != dim {
			Panicf("attentions.CausalDepthwiseConv1D: input feature dimensions must be %v, got %s",
				c.featureDims, x.Shape())
		}
	}
}

// expandPositionsMask broadcasts a [batch, seqLen] (or [batch]) mask to the
// rank of the inputs by appending feature axes.
func (c *CausalDepthwiseConv1D) expandPositionsMask(mask *Node, dtype dtypes.DType) *Node {
	mask = ConvertDType(mask, dtype)
	for range c.featureDims {
		mask = InsertAxes(mask, -1)
	}
	return mask
}

// Apply runs the convolution over a full sequence x shaped
// [batch, seqLen, featureDims...].
//
// segmentPositions, when not nil, gives the position of each token within
// its segment, shaped [batch, seqLen] (int): taps that would reach across a
// segment boundary are zeroed. Pass nil for unpacked inputs.
func (c *CausalDepthwiseConv1D) Apply(x *Node, segmentPositions *Node) *Node {
	c.checkInput(x)
	g := x.Graph()
	dtype := x.DType()
	outputs := Mul(x, c.tap(g, 0, dtype))
	shifted := x
	for i := 1; i < c.kernelSize; i++ {
		shifted = ShiftWithScalar(shifted, 1, ShiftDirRight, 1, 0)
		term := Mul(shifted, c.tap(g, i, dtype))
		if segmentPositions != nil {
			valid := GreaterOrEqual(segmentPositions, Scalar(g, segmentPositions.DType(), i))
			term = Mul(term, c.expandPositionsMask(valid, dtype))
		}
		outputs = Add(outputs, term)
	}
	return outputs
}

// sliceTime extracts position t (scalar int node) of states
// [batch, seqLen, featureDims...], returning [batch, featureDims...].
func (c *CausalDepthwiseConv1D) sliceTime(states, t *Node) *Node {
	g := states.Graph()
	zero := ScalarZero(g, dtypes.Int32)
	starts := make([]*Node, states.Rank())
	sizes := make([]int, states.Rank())
	for axis := range starts {
		starts[axis] = zero
		sizes[axis] = states.Shape().Dim(axis)
	}
	starts[1] = Max(ConvertDType(t, dtypes.Int32), zero)
	sizes[1] = 1
	return Squeeze(DynamicSlice(states, starts, sizes), 1)
}

// Step computes a single output position during incremental decoding.
// states holds the already-written inputs [batch, seqLen, featureDims...],
// timeStep is the scalar position being decoded, and the result is
// [batch, featureDims...].
//
// stepPositions, when not nil, gives each batch entry's position within its
// segment, shaped [batch]; when nil the convolution assumes all entries are
// at position timeStep.
func (c *CausalDepthwiseConv1D) Step(states, timeStep *Node, stepPositions *Node) *Node {
	c.checkInput(states)
	g := states.Graph()
	dtype := states.DType()
	outputs := Mul(c.sliceTime(states, timeStep), Squeeze(c.tap(g, 0, dtype), 1))
	for i := 1; i < c.kernelSize; i++ {
		term := Mul(
			c.sliceTime(states, AddScalar(timeStep, -float64(i))),
			Squeeze(c.tap(g, i, dtype), 1))
		var valid *Node
		if stepPositions != nil {
			valid = GreaterOrEqual(stepPositions, Scalar(g, stepPositions.DType(), i)) // [batch]
			valid = c.expandPositionsMask(valid, dtype)
		} else {
			valid = ConvertDType(GreaterOrEqual(timeStep, Scalar(g, timeStep.DType(), i)), dtype)
		}
		outputs = Add(outputs, Mul(term, valid))
	}
	return outputs
}
