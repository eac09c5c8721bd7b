// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attentions

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// RelativeBias adds a learned, bucketed position-dependent bias to attention
// logits, in the style of T5: the relative distance between a query and a
// key position is mapped to one of a fixed number of buckets (exact for
// small distances, logarithmically spaced up to maxDistance for large ones),
// and each (head, bucket) pair holds one learned bias value.
//
// Create it with NewRelativeBias, configure with the With* methods, then
// call Bias (full sequence) or StepBias (single decoding step) inside a
// graph function.
type RelativeBias struct {
	ctx           *context.Context
	numHeads      int
	numBuckets    int
	maxDistance   int
	bidirectional bool
	dtype         dtypes.DType
}

// NewRelativeBias creates a RelativeBias for numHeads heads, with 32
// buckets, max distance 128 and bidirectional bucketing. Variables are
// created in the given context scope.
func NewRelativeBias(ctx *context.Context, numHeads int) *RelativeBias {
	if numHeads <= 0 {
		Panicf("attentions.NewRelativeBias: numHeads must be positive, got %d", numHeads)
	}
	// Bias and StepBias may both run in one graph, sharing the table.
	return &RelativeBias{
		ctx:           ctx.Checked(false),
		numHeads:      numHeads,
		numBuckets:    32,
		maxDistance:   128,
		bidirectional: true,
		dtype:         dtypes.Float32,
	}
}

// WithBuckets sets the number of distance buckets.
func (rb *RelativeBias) WithBuckets(numBuckets int) *RelativeBias {
	if numBuckets < 2 {
		Panicf("attentions.RelativeBias: numBuckets must be >= 2, got %d", numBuckets)
	}
	rb.numBuckets = numBuckets
	return rb
}

// WithMaxDistance sets the distance beyond which all positions share the
// last bucket.
func (rb *RelativeBias) WithMaxDistance(maxDistance int) *RelativeBias {
	if maxDistance < 2 {
		Panicf("attentions.RelativeBias: maxDistance must be >= 2, got %d", maxDistance)
	}
	rb.maxDistance = maxDistance
	return rb
}

// Causal switches to unidirectional bucketing: positions in the future
// all map to bucket 0, doubling the resolution on the past.
func (rb *RelativeBias) Causal() *RelativeBias {
	rb.bidirectional = false
	return rb
}

// WithDType sets the dtype of the bias table. Default is float32.
func (rb *RelativeBias) WithDType(dtype dtypes.DType) *RelativeBias {
	rb.dtype = dtype
	return rb
}

// table returns the [numHeads, numBuckets] learned bias variable.
func (rb *RelativeBias) table(g *Graph) *Node {
	v := rb.ctx.VariableWithShape("weights", shapes.Make(rb.dtype, rb.numHeads, rb.numBuckets))
	return v.ValueGraph(g)
}

// bucket maps signed relative positions (keyPos - queryPos, int32) to bucket
// indices in [0, numBuckets).
func (rb *RelativeBias) bucket(relativePosition *Node) *Node {
	g := relativePosition.Graph()
	numBuckets := rb.numBuckets
	n := Neg(relativePosition)
	var ret *Node
	if rb.bidirectional {
		numBuckets /= 2
		ret = Where(
			LessThan(n, ScalarZero(g, dtypes.Int32)),
			Scalar(g, dtypes.Int32, int32(numBuckets)),
			ScalarZero(g, dtypes.Int32))
		n = Abs(n)
	} else {
		ret = ZerosLike(n)
		n = Max(n, ScalarZero(g, dtypes.Int32))
	}
	// Half of the (remaining) buckets hold exact distances, the other half
	// are log-spaced up to maxDistance.
	maxExact := numBuckets / 2
	isSmall := LessThan(n, Scalar(g, dtypes.Int32, int32(maxExact)))
	nFloat := ConvertDType(n, dtypes.Float32)
	logScale := float64(numBuckets-maxExact) / math.Log(float64(rb.maxDistance)/float64(maxExact))
	valIfLarge := MulScalar(Log(MulScalar(nFloat, 1.0/float64(maxExact))), logScale)
	valIfLarge = AddScalar(valIfLarge, float64(maxExact))
	valIfLargeInt := Min(
		ConvertDType(valIfLarge, dtypes.Int32),
		Scalar(g, dtypes.Int32, int32(numBuckets-1)))
	return Add(ret, Where(isSmall, n, valIfLargeInt))
}

// biasFromRelativePositions turns relative positions [B, T, S] into the bias
// [B, numHeads, T, S].
func (rb *RelativeBias) biasFromRelativePositions(relativePosition *Node) *Node {
	g := relativePosition.Graph()
	buckets := rb.bucket(relativePosition)
	oneHot := OneHot(buckets, rb.numBuckets, rb.dtype) // [B, T, S, numBuckets]
	return Einsum("nx,btsx->bnts", rb.table(g), oneHot)
}

// Bias returns the relative bias [batch, numHeads, queryLen, keyLen] for the
// given per-token positions, shaped [batch, queryLen] and [batch, keyLen]
// (int32). Positions are segment-relative, so packed sequences get correct
// distances.
func (rb *RelativeBias) Bias(queryPositions, keyPositions *Node) *Node {
	if queryPositions.Rank() != 2 || keyPositions.Rank() != 2 {
		Panicf("attentions.RelativeBias.Bias: positions must be rank-2 [batch, len], got %s and %s",
			queryPositions.Shape(), keyPositions.Shape())
	}
	relativePosition := Sub(
		InsertAxes(keyPositions, 1),    // [B, 1, S]
		InsertAxes(queryPositions, -1)) // [B, T, 1]
	return rb.biasFromRelativePositions(relativePosition)
}

// BiasForLengths is Bias with sequential positions 0..len-1, shared by the
// whole batch: the result is [1, numHeads, queryLen, keyLen].
func (rb *RelativeBias) BiasForLengths(g *Graph, queryLen, keyLen int) *Node {
	queryPositions := Iota(g, shapes.Make(dtypes.Int32, 1, queryLen), 1)
	keyPositions := Iota(g, shapes.Make(dtypes.Int32, 1, keyLen), 1)
	return rb.Bias(queryPositions, keyPositions)
}

// StepBias returns the bias [1, numHeads, 1, seqLen] for a single decoding
// step at position timeStep (scalar int32 node), attending to keys
// 0..seqLen-1.
func (rb *RelativeBias) StepBias(g *Graph, seqLen int, timeStep *Node) *Node {
	keyPositions := Iota(g, shapes.Make(dtypes.Int32, 1, 1, seqLen), 2)
	relativePosition := Sub(keyPositions, ConvertDType(timeStep, dtypes.Int32))
	return rb.biasFromRelativePositions(relativePosition)
}
