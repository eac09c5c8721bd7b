// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attentions

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// ChunkedCrossAttention implements the cross-attention of RETRO
// (https://arxiv.org/abs/2112.04426, sections 2.4 and B.1.3): the query
// sequence is cut into chunks, and each chunk attends to the neighbors
// retrieved for it. Queries are shifted left by chunkLen-1 so that a
// position only attends to neighbors of chunks it has fully seen, keeping
// the layer causal; the first chunkLen-1 positions pass through unchanged.
//
// Position information comes entirely from the wrapped layer's relative
// bias, computed from within-chunk query positions and within-neighbor key
// positions, so the bias must be configured. Packed inputs and incremental
// decoding are not supported.
type ChunkedCrossAttention struct {
	attn *DotProductAttention
}

// NewChunkedCrossAttention wraps a DotProductAttention layer, which must
// carry a relative bias and use separate query/key/value projections.
func NewChunkedCrossAttention(attn *DotProductAttention) *ChunkedCrossAttention {
	if attn.relBias == nil {
		Panicf("attentions.NewChunkedCrossAttention: the wrapped layer must have a relative bias, " +
			"it is the only source of position information")
	}
	if attn.combinedQKV {
		Panicf("attentions.NewChunkedCrossAttention: combined QKV projection cannot be used for " +
			"cross attention")
	}
	return &ChunkedCrossAttention{attn: attn}
}

// crossAttend attends one chunk [batch, chunkLen, inputDim] to its
// flattened neighbors [batch, numNeighbors, neighborLen, inputDim],
// returning [batch, chunkLen, outputDim].
func (cca *ChunkedCrossAttention) crossAttend(chunk, neighbors *Node) *Node {
	attn := cca.attn
	g := chunk.Graph()
	b, m := chunk.Shape().Dim(0), chunk.Shape().Dim(1)
	k, r, d := neighbors.Shape().Dim(1), neighbors.Shape().Dim(2), neighbors.Shape().Dim(3)
	keyVec := Reshape(neighbors, b, k*r, d)

	// Keys are positioned within their neighbor, queries within the chunk.
	queryPositions := Iota(g, shapes.Make(dtypes.Int32, b, m), 1)
	keyPositions := Reshape(Iota(g, shapes.Make(dtypes.Int32, b, k, r), 2), b, k*r)
	relativeBias := attn.relBias.Bias(queryPositions, keyPositions)

	q, key, value := attn.project(chunk, keyVec, keyVec)
	q, key, value = attn.preprocess(q, key, value)
	encoded, _ := attn.attendProjected(q, key, value, nil, relativeBias)
	return OutputProjection(attn.ctx.In("post"), encoded, attn.outputDim, attn.useBias, attn.outputNHD, attn.weights)
}

// Attend computes the chunked cross attention of query
// [batch, seqLen, inputDim] over neighbors
// [batch, numChunks, numNeighbors, neighborLen, inputDim]. seqLen must be
// numChunks times the chunk length. The result is
// [batch, seqLen, outputDim]; its first chunkLen-1 positions are the query
// unchanged, so outputDim must equal inputDim.
func (cca *ChunkedCrossAttention) Attend(query, neighbors *Node) *Node {
	attn := cca.attn
	if query.Rank() != 3 || query.Shape().Dim(-1) != attn.inputDim {
		Panicf("attentions.ChunkedCrossAttention: query must be [batch, seqLen, %d], got %s",
			attn.inputDim, query.Shape())
	}
	if neighbors.Rank() != 5 || neighbors.Shape().Dim(0) != query.Shape().Dim(0) ||
		neighbors.Shape().Dim(-1) != attn.inputDim {
		Panicf("attentions.ChunkedCrossAttention: neighbors must be "+
			"[batch, numChunks, numNeighbors, neighborLen, %d], got %s",
			attn.inputDim, neighbors.Shape())
	}
	if attn.outputDim != attn.inputDim {
		Panicf("attentions.ChunkedCrossAttention: outputDim (%d) must equal inputDim (%d), "+
			"positions before the first chunk boundary pass through unchanged",
			attn.outputDim, attn.inputDim)
	}
	g := query.Graph()
	b, t, d := query.Shape().Dim(0), query.Shape().Dim(1), query.Shape().Dim(2)
	l := neighbors.Shape().Dim(1)
	k, r := neighbors.Shape().Dim(2), neighbors.Shape().Dim(3)
	if t%l != 0 {
		Panicf("attentions.ChunkedCrossAttention: seqLen (%d) must be a multiple of the number "+
			"of chunks (%d)", t, l)
	}
	m := t / l

	// Shift queries left by m-1: position m-1 is the first that has seen
	// chunk 0 completely and may attend to its neighbors.
	attending := Slice(query, AxisRange(), AxisRange(m-1, t))
	attending = Pad(attending, ScalarZero(g, query.DType()), PadAxis{}, PadAxis{End: m - 1})
	attending = Reshape(attending, b*l, m, d)

	chunkedOutput := cca.crossAttend(attending, Reshape(neighbors, b*l, k, r, d))
	chunkedOutput = Reshape(chunkedOutput, b, l*m, d)
	if m == 1 {
		return chunkedOutput
	}
	joined := Concatenate([]*Node{
		Slice(query, AxisRange(), AxisRange(0, m-1)),
		chunkedOutput,
	}, 1)
	return Slice(joined, AxisRange(), AxisRange(0, t))
}
