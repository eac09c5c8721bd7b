// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package masks builds additive attention masks.
//
// An additive mask carries 0 at positions allowed to attend and a large
// (finite, dtype-dependent) negative value at forbidden positions. It is
// added to attention logits before the softmax, so forbidden positions
// receive vanishing probability. Masks combine with [Combine] (elementwise
// minimum): the most restrictive mask wins.
//
// All builders are pure graph functions with no variables and no side
// effects. Shapes follow the attention convention
// [batch-or-1, 1, queryLen-or-1, keyLen], broadcastable to the logits
// [batch, numHeads, queryLen, keyLen].
package masks

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// Unlimited disables a context bound in [LimitedContext] and
// [LimitedContextMask].
const Unlimited = -1

// MaskValue returns the large negative constant used for forbidden positions
// in masks of the given dtype.
//
// The value is 0.7 of the most negative representable value: large enough
// that exp(logit+mask) underflows to 0 for any plausible logit, but far from
// the dtype's limit, so adding capped logits or promoting between dtypes
// never overflows to -Inf or NaN. This matters for float16/bfloat16, where
// the usual -1e9 is not even representable.
func MaskValue(dtype dtypes.DType) float64 {
	switch dtype {
	case dtypes.Float64:
		return -0.7 * math.MaxFloat64
	case dtypes.Float16:
		return -0.7 * 65504.0
	default:
		// Float32 and BFloat16 share the same exponent range.
		return -0.7 * math.MaxFloat32
	}
}

// maskValueNode returns MaskValue as a scalar constant in the graph.
func maskValueNode(g *Graph, dtype dtypes.DType) *Node {
	return Scalar(g, dtype, MaskValue(dtype))
}

// fromBoolean converts a boolean validity tensor (true=attend) to an
// additive mask of the given dtype.
func fromBoolean(valid *Node, dtype dtypes.DType) *Node {
	g := valid.Graph()
	return Where(valid, ScalarZero(g, dtype), maskValueNode(g, dtype))
}

func checkFloat(dtype dtypes.DType) {
	if !dtype.IsFloat() {
		Panicf("masks: additive masks require a float dtype, got %s", dtype)
	}
}

// ConvertPaddingsToMask converts padding indicators to an additive mask.
//
// paddings is shaped [batch, keyLen] with 1 at padded positions and 0
// elsewhere (any numeric or boolean dtype). The returned mask is shaped
// [batch, 1, 1, keyLen]: padded key positions are forbidden for every query.
func ConvertPaddingsToMask(paddings *Node, dtype dtypes.DType) *Node {
	checkFloat(dtype)
	if paddings.Rank() != 2 {
		Panicf("masks.ConvertPaddingsToMask: paddings must be [batch, keyLen], got shape %s", paddings.Shape())
	}
	var mask *Node
	if paddings.DType() == dtypes.Bool {
		mask = fromBoolean(Not(paddings), dtype)
	} else {
		mask = Mul(ConvertDType(paddings, dtype), maskValueNode(paddings.Graph(), dtype))
	}
	return InsertAxes(mask, 1, 1) // [batch, 1, 1, keyLen]
}

// Causal returns the causal mask [1, 1, seqLen, seqLen]: query t may attend
// to keys s <= t only.
func Causal(g *Graph, seqLen int, dtype dtypes.DType) *Node {
	checkFloat(dtype)
	if seqLen <= 0 {
		Panicf("masks.Causal: seqLen must be positive, got %d", seqLen)
	}
	valid := LowerTriangular(g, seqLen)
	return Reshape(fromBoolean(valid, dtype), 1, 1, seqLen, seqLen)
}

// Segment returns the cross-segment mask [batch, 1, queryLen, keyLen]:
// attention is forbidden between positions with different segment ids.
// querySegmentIDs is shaped [batch, queryLen] and keySegmentIDs
// [batch, keyLen], both integer.
func Segment(querySegmentIDs, keySegmentIDs *Node, dtype dtypes.DType) *Node {
	checkFloat(dtype)
	if querySegmentIDs.Rank() != 2 || keySegmentIDs.Rank() != 2 {
		Panicf("masks.Segment: segment ids must be rank-2 [batch, len], got %s and %s",
			querySegmentIDs.Shape(), keySegmentIDs.Shape())
	}
	valid := Equal(
		InsertAxes(querySegmentIDs, -1), // [batch, queryLen, 1]
		InsertAxes(keySegmentIDs, 1))    // [batch, 1, keyLen]
	return InsertAxes(fromBoolean(valid, dtype), 1) // [batch, 1, queryLen, keyLen]
}

// CausalSegment combines Segment and Causal: attention is forbidden across
// segments or to strictly later positions. Query and key must have the same
// length.
func CausalSegment(querySegmentIDs, keySegmentIDs *Node, dtype dtypes.DType) *Node {
	qLen := querySegmentIDs.Shape().Dimensions[1]
	kLen := keySegmentIDs.Shape().Dimensions[1]
	if qLen != kLen {
		Panicf("masks.CausalSegment: query and key lengths must match, got %d and %d", qLen, kLen)
	}
	return Combine(
		Segment(querySegmentIDs, keySegmentIDs, dtype),
		Causal(querySegmentIDs.Graph(), qLen, dtype))
}

// LimitedContext returns the mask [1, 1, seqLen, seqLen] restricting query t
// to keys in [t-left+1, t+right]. Pass [Unlimited] (or any negative value)
// to leave a side unbounded.
func LimitedContext(g *Graph, seqLen, left, right int, dtype dtypes.DType) *Node {
	checkFloat(dtype)
	if seqLen <= 0 {
		Panicf("masks.LimitedContext: seqLen must be positive, got %d", seqLen)
	}
	shape := shapes.Make(dtypes.Int32, seqLen, seqLen)
	row := Iota(g, shape, 0) // query position t
	col := Iota(g, shape, 1) // key position s
	var valid *Node
	restrict := func(cond *Node) {
		if valid == nil {
			valid = cond
		} else {
			valid = And(valid, cond)
		}
	}
	if left >= 0 {
		// Forbidden when s + left <= t.
		restrict(GreaterThan(Add(col, Scalar(g, dtypes.Int32, int32(left))), row))
	}
	if right >= 0 {
		// Forbidden when t < s - right.
		restrict(GreaterOrEqual(Add(row, Scalar(g, dtypes.Int32, int32(right))), col))
	}
	if valid == nil {
		return Zeros(g, shapes.Make(dtype, 1, 1, seqLen, seqLen))
	}
	return Reshape(fromBoolean(valid, dtype), 1, 1, seqLen, seqLen)
}

// Combine merges additive masks with an elementwise minimum, so the most
// restrictive (most negative) mask wins at each position. All masks must be
// mutually broadcastable.
func Combine(masks ...*Node) *Node {
	if len(masks) == 0 {
		Panicf("masks.Combine: requires at least one mask")
	}
	combined := masks[0]
	for _, mask := range masks[1:] {
		combined = Min(combined, mask)
	}
	return combined
}

// LocalBlock returns the boolean validity mask [numBlocks, blockSize,
// contextSize] for block-local attention (see the local attention variant).
//
// The sequence is split into numBlocks=ceil(seqLen/blockSize) blocks of
// blockSize query positions; each block sees a context window of
// contextSize=left+right+blockSize-1 key positions starting at
// blockStart-(left-1). Entry [u, w, c] is true iff key position
// u*blockSize-(left-1)+c is inside the sequence and within
// [q-left+1, q+right] of query position q=u*blockSize+w.
func LocalBlock(g *Graph, seqLen, blockSize, left, right int) *Node {
	if blockSize <= 0 || seqLen <= 0 {
		Panicf("masks.LocalBlock: seqLen (%d) and blockSize (%d) must be positive", seqLen, blockSize)
	}
	if left < 1 {
		Panicf("masks.LocalBlock: left context must be >= 1 (it includes the current position), got %d", left)
	}
	if right < 0 {
		Panicf("masks.LocalBlock: right context must be >= 0, got %d", right)
	}
	numBlocks := (seqLen + blockSize - 1) / blockSize
	contextSize := left + right + blockSize - 1
	shape := shapes.Make(dtypes.Int32, numBlocks, blockSize, contextSize)
	u := Iota(g, shape, 0)
	w := Iota(g, shape, 1)
	c := Iota(g, shape, 2)

	blockStart := Mul(u, Scalar(g, dtypes.Int32, int32(blockSize)))
	queryPos := Add(blockStart, w)
	keyPos := Add(Sub(blockStart, Scalar(g, dtypes.Int32, int32(left-1))), c)

	valid := And(
		GreaterOrEqual(keyPos, ScalarZero(g, dtypes.Int32)),
		LessThan(keyPos, Scalar(g, dtypes.Int32, int32(seqLen))))
	valid = And(valid, LessThan(queryPos, Scalar(g, dtypes.Int32, int32(seqLen))))
	// Window: queryPos-left+1 <= keyPos <= queryPos+right.
	valid = And(valid, GreaterThan(Add(keyPos, Scalar(g, dtypes.Int32, int32(left))), queryPos))
	valid = And(valid, GreaterOrEqual(Add(queryPos, Scalar(g, dtypes.Int32, int32(right))), keyPos))
	return valid
}
