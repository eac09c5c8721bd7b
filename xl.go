// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attentions

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// AttentionXL is multi-head self-attention with the Transformer-XL relative
// position parameterization (https://arxiv.org/abs/1901.02860, section 3.3):
// logits decompose into a content term, where a learned per-head vector u is
// added to each query, and a position term that matches queries (shifted by
// a second learned vector v) against sinusoidal embeddings of the relative
// distance, projected per head. The position term is computed for all 2T-1
// distances at once and aligned with a pad-and-reshape relative shift.
//
// Incremental decoding is not supported for this variant.
type AttentionXL struct {
	attn         *DotProductAttention
	relPosEmbDim int
	skipTermB    bool
}

// NewXL wraps a DotProductAttention layer with the Transformer-XL relative
// position term. relPosEmbDim is the dimension of the sinusoidal embedding,
// typically the model dimension.
//
// The wrapped layer must not carry a relative bias of its own.
func NewXL(attn *DotProductAttention, relPosEmbDim int) *AttentionXL {
	if relPosEmbDim <= 0 || relPosEmbDim%2 != 0 {
		Panicf("attentions.NewXL: relPosEmbDim must be a positive even number, got %d", relPosEmbDim)
	}
	if attn.relBias != nil {
		Panicf("attentions.NewXL: the wrapped layer already has a relative bias")
	}
	return &AttentionXL{attn: attn, relPosEmbDim: relPosEmbDim}
}

// WithSkipTermB drops the query-dependent part of the position term,
// keeping only the global per-head position preference.
func (x *AttentionXL) WithSkipTermB(skip bool) *AttentionXL {
	x.skipTermB = skip
	return x
}

// relativeShift aligns the position logits term [batch, numHeads, seqLen,
// 2*seqLen-1], indexed by absolute distance, into [batch, numHeads, seqLen,
// seqLen] indexed by key position: padding one column and reshaping pushes
// row i right by i, after which the first seqLen columns reversed are
// exactly logits[b][n][i][j] for distance i-j.
func relativeShift(termBD *Node, seqLen int) *Node {
	g := termBD.Graph()
	dims := termBD.Shape().Dimensions
	b, n, t, l := dims[0], dims[1], dims[2], dims[3]
	termBD = Reshape(termBD, b, n, t*l)
	termBD = Pad(termBD, ScalarZero(g, termBD.DType()), PadAxis{}, PadAxis{}, PadAxis{End: t})
	termBD = Reshape(termBD, b, n, t, l+1)
	termBD = Slice(termBD, AxisRange(), AxisRange(), AxisRange(), AxisRange(0, seqLen))
	return Reverse(termBD, -1)
}

// attenLogits computes the XL logits [batch, numHeads, seqLen, seqLen] from
// scaled queries and keys, both [batch, seqLen, numHeads, dimPerHead].
func (x *AttentionXL) attenLogits(q, k *Node) *Node {
	attn := x.attn
	g := q.Graph()
	dtype := q.DType()
	n, h := attn.numHeads, attn.dimPerHead
	t := q.Shape().Dim(1)
	l := 2*t - 1

	xlCtx := attn.ctx.In("xl").WithInitializer(initializers.Zero)
	uVar := xlCtx.VariableWithShape("u", shapes.Make(dtype, n, h)).ValueGraph(g)
	vVar := xlCtx.VariableWithShape("v", shapes.Make(dtype, n, h)).ValueGraph(g)

	termAC := Einsum("btnh,bsnh->bnts", Add(q, ExpandLeftToRank(uVar, 4)), k)

	// Sinusoidal embedding of all relative distances -(t-1)..t-1, projected
	// per head: [2t-1, numHeads, dimPerHead]. Entry i holds distance i-(t-1).
	positions := AddScalar(Iota(g, shapes.Make(dtypes.Int32, 1, l), 1), -float64(t-1))
	sinEmb := ConvertDType(SinusoidalPositionalEmbedding(positions, x.relPosEmbDim), dtype)
	sinEmb = Squeeze(InputProjection(attn.ctx.In("pos_proj"), sinEmb, n, h, false, attn.weights), 0)

	var termBD *Node
	if !x.skipTermB {
		termBD = Einsum("btnh,lnh->bntl", Add(q, ExpandLeftToRank(vVar, 4)), sinEmb)
		termBD = relativeShift(termBD, t)
	} else {
		termD := Einsum("nh,lnh->nl", vVar, sinEmb)
		termD = BroadcastToDims(InsertAxes(termD, 1), n, t, l)
		termBD = relativeShift(Reshape(termD, 1, n, t, l), t)
	}
	return Add(termAC, termBD)
}

// Attend runs XL self-attention over x shaped [batch, seqLen, inputDim].
// mask is an additive mask [batch|1, 1|numHeads, seqLen, seqLen] or nil.
// The result is [batch, seqLen, outputDim].
func (x *AttentionXL) Attend(input, mask *Node) *Node {
	attn := x.attn
	if input.Rank() != 3 || input.Shape().Dim(-1) != attn.inputDim {
		Panicf("attentions.AttentionXL: input must be [batch, seqLen, %d], got %s",
			attn.inputDim, input.Shape())
	}
	q, k, v := attn.project(input, input, input)
	q, k, v = attn.preprocess(q, k, v)
	q = attn.scaleQuery(q)
	if mask != nil {
		attn.checkMask(mask, q.Shape().Dim(0), q.Shape().Dim(1), k.Shape().Dim(1))
	}
	logits := x.attenLogits(q, k)
	probs := ConvertDType(attn.normalizeLogits(logits, mask), v.DType())
	if attn.dropoutRate > 0 {
		probs = layers.DropoutStatic(attn.ctx.In("atten_dropout"), probs, attn.dropoutRate)
	}
	encoded := Einsum("bnts,bsnh->btnh", probs, v)
	return OutputProjection(attn.ctx.In("post"), encoded, attn.outputDim, attn.useBias, attn.outputNHD, attn.weights)
}
