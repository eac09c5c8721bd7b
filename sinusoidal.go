// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attentions

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// Timescale range of the sinusoidal embedding, following the original
// Transformer.
const (
	minTimescale = 1.0
	maxTimescale = 10000.0
)

// SinusoidalPositionalEmbedding returns the fixed sinusoidal embedding of
// the given positions. positions must be a rank-2 [batch, seqLen] node of
// any numeric dtype (negative positions are fine, they are used for the
// backward half of relative attention). The result is
// [batch, seqLen, embeddingDims] with dtype float32, the first half sines
// and the second half cosines.
func SinusoidalPositionalEmbedding(positions *Node, embeddingDims int) *Node {
	if positions.Rank() != 2 {
		Panicf("attentions.SinusoidalPositionalEmbedding: positions must be rank-2 [batch, seqLen], got %s",
			positions.Shape())
	}
	if embeddingDims < 2 || embeddingDims%2 != 0 {
		Panicf("attentions.SinusoidalPositionalEmbedding: embeddingDims must be a positive even number, got %d",
			embeddingDims)
	}
	g := positions.Graph()
	numTimescales := embeddingDims / 2
	logIncrement := math.Log(maxTimescale/minTimescale) / math.Max(float64(numTimescales-1), 1)
	invTimescales := MulScalar(
		Exp(MulScalar(Iota(g, shapes.Make(dtypes.Float32, numTimescales), 0), -logIncrement)),
		minTimescale) // [numTimescales]
	scaledTime := Mul(
		InsertAxes(ConvertDType(positions, dtypes.Float32), -1), // [B, T, 1]
		InsertAxes(invTimescales, 0, 0))                         // [1, 1, numTimescales]
	return Concatenate([]*Node{Sin(scaledTime), Cos(scaledTime)}, -1)
}
