// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attentions

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// numBlocks returns ceil(seqLen/blockSize).
func numBlocks(seqLen, blockSize int) int {
	return (seqLen + blockSize - 1) / blockSize
}

// convertToBlock reshapes x [batch, seqLen, ...] into non-overlapping blocks
// [batch, numBlocks, blockSize, ...], padding the tail of the sequence with
// padValue as needed.
func convertToBlock(x *Node, blockSize int, padValue float64) *Node {
	if blockSize < 1 {
		Panicf("attentions: blockSize must be at least 1, got %d", blockSize)
	}
	g := x.Graph()
	dims := x.Shape().Dimensions
	seqLen := dims[1]
	u := numBlocks(seqLen, blockSize)
	if padLen := u*blockSize - seqLen; padLen > 0 {
		x = Pad(x, Scalar(g, x.DType(), padValue), PadAxis{}, PadAxis{End: padLen})
	}
	newDims := append([]int{dims[0], u, blockSize}, dims[2:]...)
	return Reshape(x, newDims...)
}

// extractBlockContext frames x [batch, seqLen, ...] into overlapping
// per-block contexts [batch, numBlocks, contextSize, ...], where
// contextSize = blockSize + leftContext - 1 + rightContext: block i's
// context covers the sequence positions
// [i*blockSize - (leftContext-1), (i+1)*blockSize + rightContext), with out
// of range positions filled with padValue.
func extractBlockContext(x *Node, blockSize, leftContext, rightContext int, padValue float64) *Node {
	if blockSize < 1 {
		Panicf("attentions: blockSize must be at least 1, got %d", blockSize)
	}
	if leftContext < 1 || leftContext > blockSize+1 {
		Panicf("attentions: leftContext must be in [1, blockSize+1=%d], got %d",
			blockSize+1, leftContext)
	}
	if rightContext < 0 || rightContext > blockSize {
		Panicf("attentions: rightContext must be in [0, blockSize=%d], got %d",
			blockSize, rightContext)
	}
	g := x.Graph()
	seqLen := x.Shape().Dim(1)
	u := numBlocks(seqLen, blockSize)
	contextSize := blockSize + leftContext - 1 + rightContext
	padded := Pad(x, Scalar(g, x.DType(), padValue),
		PadAxis{},
		PadAxis{Start: leftContext - 1, End: u*blockSize - seqLen + rightContext})
	frames := make([]*Node, u)
	for i := range frames {
		frames[i] = Slice(padded, AxisRange(), AxisRange(i*blockSize, i*blockSize+contextSize))
	}
	return Stack(frames, 1)
}
